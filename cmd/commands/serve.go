package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/ent0n29/kiro/internal/app"
	"github.com/ent0n29/kiro/internal/config"
)

// NewServeCommand returns the serve subcommand.
func NewServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the background task HTTP and websocket API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "bind",
				Usage: "Listen address (overrides APP_BIND_ADDR)",
			},
			&cli.BoolFlag{
				Name:  "mock",
				Usage: "Use the in-memory OpenCode host",
			},
		},
		Action: runServe,
	}
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cmd.IsSet("bind") {
		cfg.BindAddr = cmd.String("bind")
	}
	if cmd.Bool("mock") {
		cfg.OpenCodeMock = true
	}

	built, err := app.Build(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer func() {
		if err := built.Cleanup(); err != nil {
			slog.Warn("cleanup failed", "error", err)
		}
	}()
	built.Cleaner.Start()

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           built.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", cfg.BindAddr, "opencode", cfg.OpenCodeServerURL, "mock", cfg.OpenCodeMock)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("graceful shutdown failed", "error", err)
		_ = httpServer.Close()
	}
	slog.Info("shutdown complete")
	return nil
}
