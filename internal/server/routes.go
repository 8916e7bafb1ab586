package server

import "github.com/go-chi/chi/v5"

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.health)
	s.router.Get("/event", s.globalEvents)

	s.router.Route("/session/{sessionID}", func(r chi.Router) {
		r.Post("/message", s.startMessage)
		r.Get("/snapshot", s.getSnapshot)
		r.Get("/message", s.listMessages)
		r.Post("/abort", s.abortSession)
		r.Get("/event", s.sessionEvents)
		r.Get("/permission", s.pendingPermission)
	})

	s.router.Post("/permission/{correlationID}/reply", s.replyPermission)

	s.router.Route("/job", func(r chi.Router) {
		r.Post("/", s.createJob)
		r.Route("/{jobID}", func(r chi.Router) {
			r.Get("/", s.getJob)
			r.Post("/plan", s.planJob)
			r.Post("/start", s.startJob)
			r.Post("/pause", s.pauseJob)
			r.Post("/resume", s.resumeJob)
			r.Post("/cancel", s.cancelJob)
			r.Get("/items", s.listJobItems)
			r.Get("/progress", s.listJobProgress)
			r.Get("/event", s.jobEvents)
		})
	})
}
