// Quote intake voice server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/quotevoice/internal/api"
	"github.com/ashureev/quotevoice/internal/archive"
	"github.com/ashureev/quotevoice/internal/config"
	"github.com/ashureev/quotevoice/internal/extract"
	"github.com/ashureev/quotevoice/internal/identity"
	"github.com/ashureev/quotevoice/internal/middleware"
	"github.com/ashureev/quotevoice/internal/realtime"
	"github.com/ashureev/quotevoice/internal/session"
	"github.com/ashureev/quotevoice/internal/storage"
	"github.com/ashureev/quotevoice/internal/store"
	"github.com/ashureev/quotevoice/internal/vehicle"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "storage", cfg.Storage.Backend)

	// Conversation index.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	backend, err := newBackend(cfg)
	if err != nil {
		slog.Error("Failed to initialize storage backend", "error", err)
		os.Exit(1)
	}

	journal, err := archive.NewJournal(archive.JournalConfig{Dir: cfg.Archive.JournalDir}, logger)
	if err != nil {
		slog.Error("Failed to open archive journal", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := journal.Close(); closeErr != nil {
			slog.Error("Failed to close archive journal", "error", closeErr)
		}
	}()

	archiver := archive.New(backend, repo, journal, archive.Config{
		CaptureAudio:  cfg.Archive.CaptureAudio,
		SaveExtracted: cfg.Archive.SaveExtracted,
		Sanitize:      cfg.Archive.Sanitize,
	}, logger)
	if _, err := archiver.Recover(context.Background()); err != nil {
		slog.Warn("Failed to recover unfinished conversations", "error", err)
	}

	catalog, closeCatalog, err := newCatalog(cfg, logger)
	if err != nil {
		slog.Error("Failed to initialize vehicle catalogue", "error", err)
		os.Exit(1)
	}
	defer closeCatalog()

	// Sessions and the realtime hub.
	sessions := session.NewManager(session.NewMemoryStore(), session.Config{
		Timeout:     cfg.Session.Timeout,
		MaxSessions: cfg.Session.MaxConcurrent,
		AgentID:     cfg.Realtime.AgentID,
	}, logger)
	collector := vehicle.NewCollector(sessions, catalog, logger)

	newEngine := func(string) realtime.Engine {
		return realtime.NewWebSocketEngine(realtime.EngineConfig{
			URL:    cfg.Realtime.URL,
			APIKey: cfg.Realtime.APIKey,
			Model:  cfg.Realtime.Model,
		}, logger)
	}
	hub := realtime.NewHub(sessions, archiver, collector, extract.Default(), newEngine,
		realtime.OrchestratorConfig{SnapshotInterval: cfg.Archive.SnapshotInterval}, logger)
	sessions.OnEvict(hub.HandleEvict)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessions.StartSweeper(ctx, cfg.Session.SweepInterval)
	slog.Info("Session sweeper started", "timeout", cfg.Session.Timeout, "interval", cfg.Session.SweepInterval)

	limiter := api.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window)
	limiter.StartEviction(ctx)

	// Initialize handlers.
	handler := api.NewHandler(sessions, hub, collector, archiver, api.Options{
		Limiter:       limiter,
		AllowedOrigin: cfg.FrontendURL,
		IsDev:         cfg.IsDevelopment(),
		Logger:        logger,
	})
	healthHandler := api.NewHealthHandler(repo, sessions, hub)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(allowedOrigins(cfg)))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	healthHandler.RegisterHealth(r)
	handler.RegisterRoutes(r)

	// Websocket connections are long lived, so there is no write timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	if err := hub.Shutdown(shutdownCtx); err != nil {
		slog.Error("Failed to archive live sessions", "error", err)
	}

	slog.Info("Server stopped successfully")
}

func newBackend(cfg *config.Config) (storage.Backend, error) {
	if cfg.Storage.Backend == storage.KindS3 {
		client := storage.NewS3Client(storage.S3Config{
			Region:          cfg.Storage.Region,
			Endpoint:        cfg.Storage.Endpoint,
			AccessKeyID:     cfg.Storage.AccessKeyID,
			SecretAccessKey: cfg.Storage.SecretAccessKey,
		})
		slog.Info("Using S3 storage", "bucket", cfg.Storage.Bucket, "prefix", cfg.Storage.Prefix)
		return storage.NewS3(client, cfg.Storage.Bucket, cfg.Storage.Prefix), nil
	}
	slog.Info("Using local storage", "root", cfg.Storage.Root)
	return storage.NewLocal(cfg.Storage.Root)
}

func newCatalog(cfg *config.Config, logger *slog.Logger) (vehicle.Catalog, func(), error) {
	if cfg.Vehicle.CatalogAddr != "" {
		c, err := vehicle.NewGRPCCatalog(vehicle.DefaultGRPCCatalogConfig(cfg.Vehicle.CatalogAddr), logger)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("Using remote vehicle catalogue", "address", cfg.Vehicle.CatalogAddr)
		return c, c.Close, nil
	}
	c, err := vehicle.LoadYAMLCatalog(cfg.Vehicle.CatalogPath)
	if err != nil {
		return nil, nil, err
	}
	return c, func() {}, nil
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.FrontendURL == "" || cfg.IsDevelopment() {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}
