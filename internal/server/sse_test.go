package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/atelier-ai/atelier/internal/batch"
	"github.com/atelier-ai/atelier/internal/event"
	"github.com/atelier-ai/atelier/internal/permission"
	"github.com/atelier-ai/atelier/internal/store"
	"github.com/atelier-ai/atelier/internal/stream"
	"github.com/atelier-ai/atelier/pkg/types"
)

// receivedEvent is one decoded SSE payload.
type receivedEvent struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

// sseClient consumes an SSE response on a background goroutine so specs can
// wait for events with a timeout.
type sseClient struct {
	resp   *http.Response
	events chan receivedEvent
}

func dialSSE(url string) (*sseClient, error) {
	resp, err := http.Get(url)
	if err != nil {
		return nil, err
	}

	c := &sseClient{resp: resp, events: make(chan receivedEvent, 32)}
	go func() {
		defer close(c.events)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev receivedEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				continue
			}
			c.events <- ev
		}
	}()
	return c, nil
}

// next blocks for the next event of the given type, discarding others.
func (c *sseClient) next(eventType string, timeout time.Duration) (receivedEvent, bool) {
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-c.events:
			if !ok {
				return receivedEvent{}, false
			}
			if ev.Type == eventType {
				return ev, true
			}
		case <-deadline:
			return receivedEvent{}, false
		}
	}
}

func (c *sseClient) close() {
	c.resp.Body.Close()
}

var _ = Describe("SSE endpoints", func() {
	var (
		bus      *event.Bus
		st       *store.Store
		perms    *permission.Correlator
		registry *stream.Registry
		jobs     *batch.Manager
		prod     *scriptedProducer
		ts       *httptest.Server
	)

	BeforeEach(func() {
		dir, err := os.MkdirTemp("", "atelier-sse-*")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { os.RemoveAll(dir) })

		bus = event.NewBus()
		st = store.New(dir)
		perms = permission.NewCorrelator(bus)
		registry = stream.NewRegistry(st, bus, perms)
		jobs = batch.NewManager(st, bus, &instantGenerator{}, types.BatchConfig{
			Concurrency: 1, MaxRetries: 0, RetryDelayMs: 10,
		})
		prod = &scriptedProducer{}

		srv := New(DefaultConfig(), st, bus, registry, perms, jobs, prod)
		ts = httptest.NewServer(srv.Router())

		DeferCleanup(func() {
			ts.Close()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			registry.Shutdown(ctx)
			bus.Close()
		})
	})

	Describe("GET /event", func() {
		It("sets stream headers and sends the hello event", func() {
			client, err := dialSSE(ts.URL + "/event")
			Expect(err).NotTo(HaveOccurred())
			defer client.close()

			Expect(client.resp.StatusCode).To(Equal(http.StatusOK))
			Expect(client.resp.Header.Get("Content-Type")).To(Equal("text/event-stream"))
			Expect(client.resp.Header.Get("Cache-Control")).To(Equal("no-cache"))

			_, ok := client.next("server.connected", 5*time.Second)
			Expect(ok).To(BeTrue())
		})

		It("carries snapshot updates from any session", func() {
			client, err := dialSSE(ts.URL + "/event")
			Expect(err).NotTo(HaveOccurred())
			defer client.close()

			_, ok := client.next("server.connected", 5*time.Second)
			Expect(ok).To(BeTrue())

			conn := newPipeConn()
			_, err = registry.Start(context.Background(), "sse-any", conn)
			Expect(err).NotTo(HaveOccurred())
			conn.send(GinkgoT(), "text", "Hello")
			conn.send(GinkgoT(), "done", "")

			ev, ok := client.next("session.snapshot", 5*time.Second)
			Expect(ok).To(BeTrue())

			var data event.SnapshotUpdatedData
			Expect(json.Unmarshal(ev.Properties, &data)).To(Succeed())
			Expect(data.SessionID).To(Equal("sse-any"))
		})
	})

	Describe("GET /session/{id}/event", func() {
		It("filters events to the requested session", func() {
			client, err := dialSSE(ts.URL + "/session/mine/event")
			Expect(err).NotTo(HaveOccurred())
			defer client.close()

			_, ok := client.next("server.connected", 5*time.Second)
			Expect(ok).To(BeTrue())

			// Another session terminates first; its events must not leak in.
			other := newPipeConn()
			_, err = registry.Start(context.Background(), "other", other)
			Expect(err).NotTo(HaveOccurred())
			other.send(GinkgoT(), "text", "noise")
			other.send(GinkgoT(), "done", "")

			mine := newPipeConn()
			_, err = registry.Start(context.Background(), "mine", mine)
			Expect(err).NotTo(HaveOccurred())
			mine.send(GinkgoT(), "text", "signal")
			mine.send(GinkgoT(), "done", "")

			ev, ok := client.next("session.snapshot", 5*time.Second)
			Expect(ok).To(BeTrue())

			var data event.SnapshotUpdatedData
			Expect(json.Unmarshal(ev.Properties, &data)).To(Succeed())
			Expect(data.SessionID).To(Equal("mine"))

			term, ok := client.next("session.terminal", 5*time.Second)
			Expect(ok).To(BeTrue())

			var termData event.SessionTerminalData
			Expect(json.Unmarshal(term.Properties, &termData)).To(Succeed())
			Expect(termData.SessionID).To(Equal("mine"))
		})
	})

	Describe("GET /job/{id}/event", func() {
		It("streams progress for the requested job only", func() {
			ctx := context.Background()

			job, err := jobs.CreateJob(ctx, "", nil)
			Expect(err).NotTo(HaveOccurred())
			_, err = jobs.PlanJob(ctx, job.ID, []json.RawMessage{
				json.RawMessage(`{"prompt":"a"}`),
				json.RawMessage(`{"prompt":"b"}`),
			})
			Expect(err).NotTo(HaveOccurred())

			client, err := dialSSE(ts.URL + "/job/" + job.ID + "/event")
			Expect(err).NotTo(HaveOccurred())
			defer client.close()

			_, ok := client.next("server.connected", 5*time.Second)
			Expect(ok).To(BeTrue())

			Expect(jobs.StartJob(ctx, job.ID)).To(Succeed())

			ev, ok := client.next("job.progress", 5*time.Second)
			Expect(ok).To(BeTrue())

			var data event.JobProgressedData
			Expect(json.Unmarshal(ev.Properties, &data)).To(Succeed())
			Expect(data.Progress.JobID).To(Equal(job.ID))

			Eventually(func() types.JobStatus {
				got, err := jobs.Job(ctx, job.ID)
				if err != nil {
					return ""
				}
				return got.Status
			}, 10*time.Second, 20*time.Millisecond).Should(Equal(types.JobCompleted))
		})
	})
})
