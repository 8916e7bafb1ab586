package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/atelier-ai/atelier/internal/batch"
	"github.com/atelier-ai/atelier/internal/config"
	"github.com/atelier-ai/atelier/internal/event"
	"github.com/atelier-ai/atelier/internal/logging"
	"github.com/atelier-ai/atelier/internal/permission"
	"github.com/atelier-ai/atelier/internal/producer"
	"github.com/atelier-ai/atelier/internal/server"
	"github.com/atelier-ai/atelier/internal/store"
	"github.com/atelier-ai/atelier/internal/stream"
)

var (
	serveAddr string
	serveDir  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the atelier daemon",
	Long: `Start the daemon that exposes sessions, permissions, and media jobs
over HTTP. Desktop frontends connect to its SSE feeds for live updates.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides config)")
	serveCmd.Flags().StringVar(&serveDir, "directory", "", "Project directory for config discovery")
}

func runServe(cmd *cobra.Command, args []string) error {
	// Local .env is optional.
	_ = godotenv.Load()

	workDir := serveDir
	if workDir == "" {
		var err error
		workDir, err = os.Getwd()
		if err != nil {
			return err
		}
	}

	cfg, err := config.Load(workDir)
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Addr = serveAddr
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	logging.Init(logging.Config{
		Level:  cfg.Log.Level,
		Pretty: cfg.Log.Pretty || printLogs,
	})
	log := logging.For("atelierd")
	log.Info().Str("version", Version).Str("addr", cfg.Addr).Msg("starting atelier daemon")

	if err := config.GetPaths().EnsurePaths(); err != nil {
		return err
	}

	st := store.New(cfg.StorageDir())
	bus := event.NewBus()
	defer bus.Close()

	perms := permission.NewCorrelator(bus)
	registry := stream.NewRegistry(st, bus, perms)

	prod := producer.NewHTTPProducer(cfg.Producer.StreamURL, cfg.Producer.GenerateURL, cfg.Producer.APIKey)
	jobs := batch.NewManager(st, bus, prod, cfg.Batch)

	serverCfg := server.DefaultConfig()
	serverCfg.Addr = cfg.Addr
	srv := server.New(serverCfg, st, bus, registry, perms, jobs, prod)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("http server listening")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown error")
	}
	registry.Shutdown(shutdownCtx)
	jobs.Shutdown(shutdownCtx)

	log.Info().Msg("daemon stopped")
	return nil
}
