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
	"time"

	"github.com/p-n-ai/pai-planner/internal/curriculum"
	"github.com/p-n-ai/pai-planner/internal/generator"
	"github.com/p-n-ai/pai-planner/internal/planner"
	"github.com/p-n-ai/pai-planner/internal/platform/cache"
	"github.com/p-n-ai/pai-planner/internal/platform/config"
	"github.com/p-n-ai/pai-planner/internal/platform/database"
	"github.com/p-n-ai/pai-planner/internal/schedule"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		slog.Error("invalid log config", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	// Graceful shutdown on SIGTERM/SIGINT.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts)), nil
}

func run(ctx context.Context, cfg *config.Config) error {
	catalog, err := curriculum.Load(cfg.CurriculumPath)
	if err != nil {
		return fmt.Errorf("load curricula: %w", err)
	}
	slog.Info("curricula loaded", "subjects", catalog.Len(), "path", cfg.CurriculumPath)

	opts := []planner.Option{
		planner.WithDefaults(planner.Preferences{
			WeeklyDays:  cfg.Planner.DefaultWeeklyDays,
			OrderMethod: schedule.Method(cfg.Planner.DefaultOrderMethod),
		}),
		planner.WithRateLimitRetry(1, cfg.Generator.RateLimitBackoff),
	}
	var checks []readinessCheck

	if cfg.Database.Enabled {
		db, err := database.New(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return err
		}
		prefs, err := planner.NewPostgresPreferenceStore(db.Pool)
		if err != nil {
			return err
		}
		plans, err := planner.NewPostgresPlanStore(db.Pool)
		if err != nil {
			return err
		}
		opts = append(opts,
			planner.WithPreferenceStore(prefs),
			planner.WithPlanStore(plans),
			planner.WithEventLogger(planner.NewPostgresEventLogger(db.Pool)),
		)
		checks = append(checks, readinessCheck{name: "database", check: db})
	}

	if cfg.Cache.Enabled {
		c, err := cache.New(ctx, cfg.Cache.URL, "planner:")
		if err != nil {
			return err
		}
		defer c.Close()
		opts = append(opts, planner.WithCache(c, cfg.Cache.PlanTTL))
		if !cfg.Database.Enabled {
			opts = append(opts, planner.WithPreferenceStore(planner.NewKVPreferenceStore(c)))
		}
		checks = append(checks, readinessCheck{name: "cache", check: c})
	}

	router := generator.NewRouter()
	router.Register(cfg.Generator.Transport, newGenerator(cfg.Generator))
	checks = append(checks, readinessCheck{name: "generator", check: router})

	svc, err := planner.NewService(catalog, router, opts...)
	if err != nil {
		return fmt.Errorf("create planner: %w", err)
	}

	srv := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     newMux(&server{planner: svc, checks: checks, backoff: cfg.Generator.RateLimitBackoff}),
		ReadTimeout: 10 * time.Second,
		// Plan streams hold the connection open; handlers set their own write deadlines.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", srv.Addr, "generator", cfg.Generator.Transport)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newGenerator(cfg config.GeneratorConfig) generator.Generator {
	if cfg.Transport == "websocket" {
		return generator.NewWebsocketClient(cfg.WebsocketURL, cfg.APIKey, generator.WithTimeout(cfg.Timeout))
	}
	return generator.NewHTTPClient(cfg.URL, cfg.APIKey, generator.WithTimeout(cfg.Timeout))
}
