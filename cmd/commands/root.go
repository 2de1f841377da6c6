package commands

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/urfave/cli/v3"
)

const defaultAPIAddr = "http://127.0.0.1:8787"

// NewRootCommand returns the top-level CLI command.
func NewRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "kiro",
		Usage: "Background task orchestration for OpenCode sessions",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "debug",
				Usage:   "Enable debug logging",
				Sources: cli.EnvVars("KIRO_DEBUG"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format: text or json",
				Value:   "text",
				Sources: cli.EnvVars("KIRO_LOG_FORMAT"),
			},
			&cli.StringFlag{
				Name:    "addr",
				Usage:   "Base URL of a running kiro server (client commands)",
				Value:   defaultAPIAddr,
				Sources: cli.EnvVars("KIRO_ADDR"),
			},
		},
		Before: setupLogging,
		Commands: []*cli.Command{
			NewServeCommand(),
			NewMCPServeCommand(),
			NewTasksCommand(),
		},
	}
}

// setupLogging routes slog to stderr; stdout is reserved for command output
// and the MCP stdio transport.
func setupLogging(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	level := slog.LevelInfo
	if cmd.Bool("debug") {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(cmd.String("log-format")), "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
	return ctx, nil
}
