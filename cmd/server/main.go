// SHSH ACP session gateway server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ashureev/shsh-acp/internal/acp"
	"github.com/ashureev/shsh-acp/internal/config"
	"github.com/ashureev/shsh-acp/internal/gateway"
	"github.com/ashureev/shsh-acp/internal/identity"
	"github.com/ashureev/shsh-acp/internal/middleware"
	"github.com/ashureev/shsh-acp/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
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

	if cfg.ACP.HostURL == "" {
		slog.Warn("ACP_HOST_URL not set, sessions must supply their own url")
	}

	registry, err := gateway.NewRegistry(gateway.RegistryConfig{
		ACP:        cfg.ACP,
		ReplaySize: cfg.SSE.ReplaySize,
		Repo:       repo,
		Dialer: &acp.WebSocketDialer{
			SendBuffer: cfg.ACP.SendBuffer,
			Logger:     logger,
		},
		Logger: logger,
		NewID:  uuid.NewString,
	})
	if err != nil {
		slog.Error("Failed to initialize session registry", "error", err)
		os.Exit(1)
	}
	defer registry.CloseAll()

	handler := gateway.NewHandler(registry, repo, cfg.SSE)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(allowedOrigins(cfg)))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	handler.RegisterHealth(r)
	handler.RegisterRoutes(r)

	// SSE connections require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gateway.NewSweeper(registry, gateway.SweeperConfig{
		TTL:       cfg.SessionTTL,
		Retention: cfg.SessionRetention,
		Logger:    logger,
	}).Start(ctx)

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

	// Close sessions first so open SSE streams end and Shutdown can drain.
	registry.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

// allowedOrigins permits any origin in development and only the frontend
// otherwise.
func allowedOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() || cfg.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{strings.TrimRight(cfg.FrontendURL, "/")}
}
