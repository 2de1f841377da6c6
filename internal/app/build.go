package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ent0n29/kiro/internal/background"
	"github.com/ent0n29/kiro/internal/config"
	"github.com/ent0n29/kiro/internal/httpapi"
	"github.com/ent0n29/kiro/internal/observability"
	"github.com/ent0n29/kiro/internal/opencode"
	"github.com/ent0n29/kiro/internal/scheduler"
	"github.com/ent0n29/kiro/internal/tools"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Manager  *background.Manager
	Registry *tools.Registry
	Cleaner  *scheduler.CleanupJob
	Metrics  *observability.Metrics

	// Cleanup should be called on shutdown to release external resources (DB, cron, running tasks).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	var host background.SessionAPI
	if cfg.OpenCodeMock {
		logger.Info("opencode host: mock")
		host = opencode.NewMockHost()
	} else {
		if !hostReachable(cfg.OpenCodeServerURL, 300*time.Millisecond) {
			logger.Warn("opencode server not reachable yet; tasks will fail until it is up", "url", cfg.OpenCodeServerURL)
		}
		host = opencode.NewClient(cfg.OpenCodeServerURL, cfg.OpenCodeDirectory, cfg.OpenCodeHTTPTimeout)
	}

	bgCfg := background.Config{
		PollInterval:  cfg.PollInterval,
		TaskTimeout:   cfg.TaskTimeout,
		WaitInterval:  cfg.WaitInterval,
		Retention:     cfg.Retention,
		NotifyPartial: cfg.NotifyPartial,
		Logger:        logger,
	}
	if cfg.AgentModel != "" {
		model, ok := opencode.ParseModelRef(cfg.AgentModel)
		if !ok {
			return nil, fmt.Errorf("invalid agent model %q", cfg.AgentModel)
		}
		bgCfg.DefaultModel = model
	}
	manager := background.New(bgCfg, host, metrics)

	archive, err := background.NewArchive(ctx, cfg.DatabaseURL)
	if err != nil {
		_ = manager.Close()
		return nil, fmt.Errorf("task archive init failed: %w", err)
	}
	if archive != nil {
		manager.SetArchive(archive)
	}

	registry := tools.NewRegistry(manager, tools.Options{Disabled: cfg.DisabledTools})

	cleaner, err := scheduler.NewCleanupJob(manager, scheduler.CleanupConfig{
		Schedule: cfg.CleanupSchedule,
		MaxAge:   cfg.CleanupMaxAge,
		Logger:   logger,
		OnRun: func(removed int) {
			metrics.CleanupRemoved.Add(float64(removed))
		},
	})
	if err != nil {
		_ = manager.Close()
		if archive != nil {
			_ = archive.Close()
		}
		return nil, fmt.Errorf("cleanup scheduler init failed: %w", err)
	}

	api := httpapi.New(cfg, manager, registry, metrics)

	cleanup := func() error {
		var errs []string
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := cleaner.Stop(stopCtx); err != nil {
			errs = append(errs, err.Error())
		}
		if err := manager.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if archive != nil {
			if err := archive.Close(); err != nil {
				errs = append(errs, err.Error())
			}
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Manager:  manager,
		Registry: registry,
		Cleaner:  cleaner,
		Metrics:  metrics,
		Cleanup:  cleanup,
	}, nil
}
