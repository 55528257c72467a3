package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"awards-be/internal/config"
	"awards-be/internal/container"
	"awards-be/internal/handler"
	"awards-be/internal/middleware"
	"awards-be/pkg/logger"
)

const shutdownTimeout = 25 * time.Second

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	log.WithFields(map[string]interface{}{
		"port":               cfg.Port,
		"log_level":          cfg.LogLevel,
		"environment":        cfg.Environment,
		"store_driver":       cfg.StoreDriver,
		"rate_limit_backend": cfg.RateLimitBackend,
	}).Info("Starting awards vote server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Create dependency injection container
	c, err := container.New(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to create container")
	}
	log.WithFields(map[string]interface{}{
		"redis_enabled":      c.HasRedis(),
		"dispatcher_enabled": cfg.DispatcherEnabled,
	}).Info("Dependencies initialized")

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           setupRouter(c),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	if err := run(ctx, c, server); err != nil {
		log.WithError(err).Error("Server stopped with error")
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Close(closeCtx); err != nil {
		log.WithError(err).Error("Cleanup completed with errors")
		os.Exit(1)
	}

	log.Info("Application shutdown complete")
}

// run serves HTTP and runs the background workers until ctx is cancelled or
// any of them fails, then shuts everything down.
func run(ctx context.Context, c *container.Container, server *http.Server) error {
	log := c.GetLogger()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("Server starting on port " + c.Config.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Initiating graceful shutdown...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		log.Info("HTTP server shutdown complete")
		return nil
	})

	if c.Config.DispatcherEnabled {
		g.Go(func() error {
			return c.Dispatcher.Run(gctx)
		})
	} else {
		log.Info("Outbox dispatcher disabled on this instance")
	}

	if janitor := c.MemoryLimiter(); janitor != nil {
		g.Go(func() error {
			if err := janitor.Start(gctx); err != nil {
				return err
			}
			<-gctx.Done()

			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return janitor.Stop(stopCtx)
		})
	}

	return g.Wait()
}

// setupRouter configures and returns the HTTP router
func setupRouter(c *container.Container) *chi.Mux {
	cfg := c.GetConfig()
	log := c.GetLogger()

	r := chi.NewRouter()

	r.Use(middleware.RequestID())
	r.Use(middleware.RequestLogger(log))
	r.Use(middleware.CORS(middleware.DefaultCORSConfig(cfg.AllowedOrigins), log))
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Compress(5))
	r.Use(chiMiddleware.Timeout(20 * time.Second))

	healthHandler := handler.NewHealthHandler(c.HealthChecks(), log)
	votingHandler := handler.NewVotingHandler(c.Services.Voting, cfg.TrustProxyHeaders, log)
	adminHandler := handler.NewAdminHandler(c.Services.Admin, log)

	// Health check (no auth required)
	r.Get("/health", healthHandler.Check)

	r.Route("/api/v1", func(r chi.Router) {
		votingHandler.RegisterRoutes(r)

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.AdminAuth(cfg.AdminJWTSecret, log))
			adminHandler.RegisterRoutes(r)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"type":"not_found","message":"Endpoint not found"}}`))
	})

	log.Info("Router configured successfully")
	return r
}
