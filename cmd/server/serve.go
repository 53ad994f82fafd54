package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/ashureev/aj-server/internal/agent"
	"github.com/ashureev/aj-server/internal/api"
	"github.com/ashureev/aj-server/internal/config"
	"github.com/ashureev/aj-server/internal/identity"
	"github.com/ashureev/aj-server/internal/llm"
	"github.com/ashureev/aj-server/internal/middleware"
	"github.com/ashureev/aj-server/internal/store"
	"github.com/ashureev/aj-server/internal/telemetry"
	"github.com/ashureev/aj-server/internal/tools"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := slog.Default()

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "ai_enabled", cfg.AIEnabled())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeout.Shutdown)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("Failed to flush traces", "error", err)
		}
	}()

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		return err
	}
	slog.Info("Database connected")

	agentHandler, err := newAgentHandler(cfg, repo, logger)
	if err != nil {
		return err
	}
	defer agentHandler.Close()

	baseHandler := api.NewHandler(repo)
	healthHandler := api.NewHealthHandler(repo, cfg.Timeout.HealthCheck)
	moduleHandler := api.NewModuleHandler(baseHandler, cfg.AIEnabled())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.CORSOrigins))

	// Public routes.
	healthHandler.RegisterHealth(r)

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, identity.Options{
			TrustUserHeader: cfg.TrustUserHeader,
			AllowAnonymous:  cfg.AllowAnonymous,
			IsDevelopment:   cfg.IsDevelopment(),
		}))
		moduleHandler.RegisterRoutes(r)
		agentHandler.RegisterRoutes(r)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  cfg.Timeout.Read,
		WriteTimeout: cfg.Timeout.Write,
		IdleTimeout:  cfg.Timeout.Idle,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for shutdown signal.
	select {
	case err := <-serveErr:
		slog.Error("Server failed", "error", err)
		return err
	case <-ctx.Done():
	}
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeout.Shutdown)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		return err
	}

	slog.Info("Server stopped successfully")
	return nil
}

// newAgentHandler wires the orchestrator. Without a provider credential the
// chat routes stay mounted and report the missing configuration per call.
func newAgentHandler(cfg *config.Config, repo store.Repository, logger *slog.Logger) (*agent.Handler, error) {
	dispatcher, err := tools.NewDispatcher(repo, tools.Config{
		MaxBatch:          cfg.Tools.MaxBatch,
		QueryDefaultLimit: cfg.Tools.QueryDefaultLimit,
		QueryMaxLimit:     cfg.Tools.QueryMaxLimit,
		SummaryRecent:     cfg.Tools.SummaryRecent,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize tool dispatcher", "error", err)
		return nil, err
	}

	var provider llm.Provider
	if cfg.AIEnabled() {
		provider = llm.NewAnthropic(llm.AnthropicConfig{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
			Timeout: cfg.LLM.Timeout,
		})
	} else {
		slog.Info("AI features disabled (ANTHROPIC_API_KEY not set)")
	}

	conversationLogger, err := agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		return nil, err
	}

	svc := agent.NewService(repo, provider, dispatcher, agent.Config{
		Model:         cfg.LLM.Model,
		MaxTokens:     cfg.LLM.MaxTokens,
		MaxRounds:     cfg.Agent.MaxRounds,
		MaxHistory:    cfg.Agent.MaxHistory,
		ParallelTools: cfg.Agent.ParallelTools,
	}, agent.WithLogger(logger), agent.WithConversationLogger(conversationLogger))

	return agent.NewHandler(svc, agent.HandlerConfig{
		RateLimitRPS:       cfg.RateLimit.RPS,
		RateLimitBurst:     cfg.RateLimit.Burst,
		MaxRequestBodySize: cfg.RateLimit.MaxRequestBodySize,
	}), nil
}
