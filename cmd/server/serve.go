package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/iammorganparry/clive/apps/buildroom/internal/agents"
	"github.com/iammorganparry/clive/apps/buildroom/internal/api"
	"github.com/iammorganparry/clive/apps/buildroom/internal/build"
	"github.com/iammorganparry/clive/apps/buildroom/internal/config"
	"github.com/iammorganparry/clive/apps/buildroom/internal/envelope"
	"github.com/iammorganparry/clive/apps/buildroom/internal/models"
	"github.com/iammorganparry/clive/apps/buildroom/internal/store"
	"github.com/iammorganparry/clive/apps/buildroom/internal/vfs"
)

// app holds the wired components of a running server.
type app struct {
	cfg      *config.Config
	registry *build.Registry
	sweeper  *build.Sweeper
	router   http.Handler
	db       *store.DB
}

func (a *app) Close() {
	if a.db != nil {
		a.db.Close()
	}
}

func runServe(cmd *cobra.Command, v *viper.Viper) error {
	cfg, err := config.LoadFrom(v)
	if err != nil {
		return err
	}

	// Logger
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	a, err := wire(cfg, logger)
	if err != nil {
		logger.Error("failed to start", "error", err)
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go a.sweeper.Run(ctx)

	// Server
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     a.router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("buildroom server starting",
			"addr", addr,
			"version", version,
			"provider", cfg.Provider,
			"model", cfg.LLMModel,
			"max_builds", cfg.MaxConcurrentBuilds,
			"calls_per_minute", cfg.MaxCallsPerMinute,
			"session_timeout_min", int(cfg.SessionTimeout.Minutes()),
			"archive", cfg.ArchiveDBPath != "",
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		logger.Error("server error", "error", err)
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.registry.Shutdown(shutdownCtx); err != nil {
		logger.Error("build shutdown error", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("server stopped")
	return nil
}

// wire builds every component from cfg.
func wire(cfg *config.Config, logger *slog.Logger) (*app, error) {
	// Agent catalog
	catalog, err := agents.LoadCatalog(cfg.CatalogFile)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	if cfg.PersonaDir != "" {
		personas, err := agents.ScanPersonas(cfg.PersonaDir)
		if err != nil {
			return nil, fmt.Errorf("scan personas: %w", err)
		}
		if err := catalog.Override(personas); err != nil {
			return nil, fmt.Errorf("apply personas: %w", err)
		}
		logger.Info("persona overrides applied", "count", len(personas))
	}

	completer, suggestModel := newCompleter(cfg, logger)
	if !completer.Configured() {
		logger.Warn("model provider not configured, builds will be rejected", "provider", completer.Name())
	}

	// Call envelopes
	policy := envelope.Policy{
		Attempts:  cfg.RetryCount,
		BaseDelay: cfg.RetryBase,
		Timeout:   cfg.AgentTimeout,
	}
	limiter := envelope.NewRateLimiter(cfg.MaxCallsPerMinute, time.Minute, cfg.RatePoll, envelope.WithLimiterLogger(logger))
	buildEnv := envelope.New(limiter, policy, logger)
	suggestEnv := envelope.New(nil, policy, logger)

	// Archive
	a := &app{cfg: cfg}
	var archive *store.BuildStore
	var orchOpts []build.OrchestratorOption
	if cfg.ArchiveDBPath != "" {
		db, err := store.Open(cfg.ArchiveDBPath)
		if err != nil {
			return nil, fmt.Errorf("open archive: %w", err)
		}
		a.db = db
		archive = store.NewBuildStore(db)
		orchOpts = append(orchOpts, build.WithArchive(archive))
	}

	// Builds
	ledger := build.NewTokenLedger()
	orch := build.NewOrchestrator(catalog, completer, buildEnv, ledger, build.OrchestratorConfig{
		Model:     cfg.LLMModel,
		MaxTokens: cfg.MaxTokens,
		PausePoll: cfg.PausePoll,
	}, logger, orchOpts...)
	a.registry = build.NewRegistry(orch, envelope.NewGate(cfg.MaxConcurrentBuilds), limiter, ledger, logger,
		build.WithDiffer(vfs.DifferFor(cfg.DiffMode)),
	)
	a.sweeper = build.NewSweeper(a.registry, cfg.SessionTimeout, cfg.SweepInterval, logger)

	// Router
	suggestH := api.NewSuggestHandler(completer, suggestEnv, suggestModel, logger)
	a.router = api.NewRouter(a.registry, completer, suggestH, archive, api.RouterConfig{
		Version:     version,
		APIKey:      cfg.APIKey,
		CORSOrigins: cfg.CORSOrigins,
		Limits: models.LimitsReport{
			MaxCallsPerMinute:     cfg.MaxCallsPerMinute,
			SessionTimeoutMinutes: int(cfg.SessionTimeout.Minutes()),
			AgentTimeoutSeconds:   int(cfg.AgentTimeout.Seconds()),
			RetryCount:            cfg.RetryCount,
		},
	}, logger)

	return a, nil
}

// newCompleter picks the model provider and the model used for suggestions.
func newCompleter(cfg *config.Config, logger *slog.Logger) (agents.Completer, string) {
	if cfg.Provider == "ollama" {
		client := agents.NewOllamaClient(cfg.OllamaBaseURL, cfg.LLMModel)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := client.HealthCheck(ctx); err != nil {
			logger.Warn("ollama not available at startup, will retry on first use", "error", err)
		}
		// A local server rarely has the hosted suggestion model.
		return client, cfg.LLMModel
	}
	return agents.NewOpenAIClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, logger), cfg.SuggestModel
}
