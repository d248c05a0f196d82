// MindLoom Launcher - orchestration server
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/mindloom-ai/launcher/internal/assistant"
	"github.com/mindloom-ai/launcher/internal/catalog"
	"github.com/mindloom-ai/launcher/internal/config"
	"github.com/mindloom-ai/launcher/internal/middleware"
	"github.com/mindloom-ai/launcher/internal/relay"
	"github.com/mindloom-ai/launcher/internal/session"
	"github.com/mindloom-ai/launcher/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.LoadServer()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting launcher server", "port", cfg.Port, "model", cfg.Assistant.Model)

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

	// One session per server process: this server runs next to one user's
	// installation.
	sess := session.New(uuid.NewString())
	cat := catalog.New()

	agentHub := relay.NewAgentHub(sess)
	browserHub := relay.NewBrowserHub(sess, cfg.AllowedOrigin)
	correlator := relay.NewCorrelator(agentHub)
	processor := assistant.NewClient(cfg.Assistant)
	orchestrator := relay.NewOrchestrator(cfg, sess, cat, correlator, browserHub, repo, processor)

	agentHub.OnStatusChange(browserHub.BroadcastStatus)

	// Setup router.
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{cfg.AllowedOrigin}))

	// WebSocket endpoints.
	r.Get("/ws/browser", browserHub.ServeWS(orchestrator))
	r.Get("/ws/agent", agentHub.ServeWS(correlator))

	// Audit trail for operators.
	r.Get("/api/operations", func(w http.ResponseWriter, req *http.Request) {
		limit := 50
		if v := req.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
				limit = n
			}
		}
		records, err := repo.RecentOperations(req.Context(), limit)
		if err != nil {
			slog.Error("Failed to load operations", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(records); err != nil {
			slog.Debug("Failed to write operations response", "error", err)
		}
	})

	// No WriteTimeout: websocket connections are long-lived.
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start the turn worker.
	go orchestrator.Run(ctx)

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
