// DataChat - gateway server for the database chat dashboard.
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

	"github.com/abelyaev/datachat/internal/api"
	"github.com/abelyaev/datachat/internal/assistant"
	"github.com/abelyaev/datachat/internal/backend"
	"github.com/abelyaev/datachat/internal/config"
	"github.com/abelyaev/datachat/internal/identity"
	"github.com/abelyaev/datachat/internal/middleware"
	"github.com/abelyaev/datachat/internal/store"
	"github.com/abelyaev/datachat/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
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

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	sessions, err := store.NewSQLite(cfg.DBPath, cfg.MaxMessagesPerChat, cfg.MaxSessions)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := sessions.Close(); closeErr != nil {
			slog.Error("Failed to close session store", "error", closeErr)
		}
	}()

	if err := sessions.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	client := backend.NewClient(backend.ClientConfig{
		BaseURL:        cfg.BackendURL,
		RequestTimeout: cfg.BackendTimeout,
	}, logger)
	slog.Info("Query service client ready", "url", cfg.BackendURL)

	notifier := assistant.NewChangeNotifier(logger)
	controller := assistant.NewController(sessions, client, notifier, logger)

	// Initialize handlers.
	baseHandler := api.NewHandler(sessions, client, controller, notifier, cfg.FrontendURL)
	healthHandler := api.NewHealthHandler(sessions)
	authHandler := api.NewAuthHandler(baseHandler)
	sessionHandler := api.NewSessionHandler(baseHandler)
	operationsHandler := api.NewOperationsHandler(baseHandler)
	vizHandler := api.NewVisualizationHandler(baseHandler)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))

	// Public routes.
	healthHandler.RegisterHealth(r)
	authHandler.RegisterPublicRoutes(r)

	// Authenticated routes.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware())
		authHandler.RegisterProtectedRoutes(r)
		sessionHandler.RegisterRoutes(r)
		operationsHandler.RegisterRoutes(r)
		vizHandler.RegisterRoutes(r)
	})

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.Handler())

	// SSE responses need the write timeout off.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start server.
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
