package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/download_coordinator/internal/config"
	"github.com/italolelis/download_coordinator/internal/coordinator"
	"github.com/italolelis/download_coordinator/internal/dc/aria2"
	"github.com/italolelis/download_coordinator/internal/dc/local"
	"github.com/italolelis/download_coordinator/internal/dc/putio"
	"github.com/italolelis/download_coordinator/internal/http/rest"
	"github.com/italolelis/download_coordinator/internal/logctx"
	"github.com/italolelis/download_coordinator/internal/notifier"
	"github.com/italolelis/download_coordinator/internal/requester"
	"github.com/italolelis/download_coordinator/internal/router"
	"github.com/italolelis/download_coordinator/internal/storage"
	"github.com/italolelis/download_coordinator/internal/storage/blobstore"
	"github.com/italolelis/download_coordinator/internal/storage/sqlite"
	"github.com/italolelis/download_coordinator/internal/telemetry"
	"github.com/italolelis/download_coordinator/internal/transfer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	resetState := flag.Bool("reset-state", false, "wipe all tracked requester state before starting")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("download coordinator starting...", "log_level", cfg.LogLevel, "download_subsystem", cfg.DownloadSubsystem)

	if err := run(logctx.WithLogger(ctx, logger), cfg, *resetState); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, resetState bool) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:      cfg.Telemetry.Enabled,
		ServiceName:  cfg.Telemetry.ServiceName,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start State Store
	store, closeStore, err := buildStateStore(ctx, cfg, tel)
	if err != nil {
		return fmt.Errorf("failed to build state store: %w", err)
	}
	defer closeStore()

	// =========================================================================
	// Start Download Subsystem
	subsystem, closeSubsystem, err := buildSubsystem(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to build download subsystem: %w", err)
	}

	// =========================================================================
	// Start Coordinator
	hub := requester.NewHub()

	coord := coordinator.New(
		transfer.NewInstrumentedSubsystem(subsystem, tel, cfg.DownloadSubsystem),
		store,
		buildNotifier(hub, cfg),
		hub,
		tel,
	)

	if resetState {
		if err := coord.Reinitialize(ctx); err != nil {
			return fmt.Errorf("failed to reset state: %w", err)
		}
	}

	coordCtx, stopCoordinator := context.WithCancel(ctx)
	coordErrors := make(chan error, 1)

	go func() {
		coordErrors <- coord.Run(coordCtx)
	}()

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, cfg, coord, hub, tel)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for submissions...", "target_dir", cfg.TargetDir, "state_backend", cfg.StateBackend)

	var (
		runErr            error
		coordinatorExited bool
	)

	select {
	case err := <-serverErrors:
		runErr = fmt.Errorf("server error: %w", err)
	case err := <-coordErrors:
		coordinatorExited = true
		runErr = fmt.Errorf("coordinator stopped: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")
	}

	// Give outstanding requests a deadline for completion.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to gracefully shutdown the server", "err", err)

		if err = server.Close(); err != nil && runErr == nil {
			runErr = fmt.Errorf("could not stop server gracefully: %w", err)
		}
	}

	// The coordinator writes its last snapshot on the way out; the state store
	// must stay open until it returns.
	if err := stopAndWait(stopCoordinator, coordErrors, coordinatorExited); err != nil {
		logger.Error("coordinator stopped with error", "err", err)
	}

	closeSubsystem()

	logger.Info("shutdown complete", "in_flight_downloads", coord.ActiveDownloads())

	return runErr
}

// stopAndWait cancels a background loop and blocks until it reports back,
// unless its result was already received.
func stopAndWait(stop context.CancelFunc, done <-chan error, exited bool) error {
	stop()

	if exited {
		return nil
	}

	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// This is an abstract factory for the download subsystem.
func buildSubsystem(ctx context.Context, cfg *config.Config) (transfer.DownloadSubsystem, func(), error) {
	switch cfg.DownloadSubsystem {
	case "local":
		s, err := local.New(ctx, cfg.TargetDir, &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)})
		if err != nil {
			return nil, nil, err
		}

		return s, s.Close, nil
	case "aria2":
		s := aria2.New(aria2.NewClient(cfg.Aria2RPCURL, cfg.Aria2Secret), cfg.TargetDir, cfg.Aria2PollInterval)
		if err := s.Authenticate(ctx); err != nil {
			return nil, nil, fmt.Errorf("authentication error: %w", err)
		}

		return s, func() {}, nil
	case "putio":
		c := putio.NewClient(cfg.PutioToken, cfg.PutioPollInterval)
		if err := c.Authenticate(ctx); err != nil {
			return nil, nil, fmt.Errorf("authentication error: %w", err)
		}

		return c, func() {}, nil
	}

	return nil, nil, fmt.Errorf("invalid download subsystem: %s", cfg.DownloadSubsystem)
}

func buildStateStore(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) (storage.StateStore, func(), error) {
	logger := logctx.LoggerFromContext(ctx)

	switch cfg.StateBackend {
	case "sqlite":
		database, err := sqlite.InitDB(cfg.DBPath)
		if err != nil {
			logger.Error("DB error", "err", err)

			return nil, nil, err
		}

		return sqlite.NewInstrumentedSnapshotRepository(database, tel), closer(logger, database), nil
	case "blob":
		s, err := blobstore.Open(ctx, cfg.StateBlobURL)
		if err != nil {
			return nil, nil, err
		}

		return s, closer(logger, s), nil
	}

	return nil, nil, fmt.Errorf("invalid state backend: %s", cfg.StateBackend)
}

func closer(logger *slog.Logger, c io.Closer) func() {
	return func() {
		if err := c.Close(); err != nil {
			logger.Error("failed to close state store", "err", err)
		}
	}
}

func buildNotifier(hub *requester.Hub, cfg *config.Config) router.Notifier {
	if cfg.DiscordWebhookURL == "" {
		return hub
	}

	return notifier.WithAlerts(hub, notifier.NewDiscordNotifier(cfg.DiscordWebhookURL))
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, cfg *config.Config, coord *coordinator.Coordinator, hub *requester.Hub, tel *telemetry.Telemetry) *http.Server {
	api := rest.NewCoordinatorHandler(cfg.API.Username, cfg.API.Password, coord, hub)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(tel.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","connected_requesters":%d,"active_downloads":%d}`, hub.Connected(), coord.ActiveDownloads())
	})
	r.Handle("/metrics", tel.Handler())
	r.Mount("/", api.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, "coordinator"),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
