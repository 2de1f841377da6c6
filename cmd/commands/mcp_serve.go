package commands

import (
	"context"
	"fmt"
	"log/slog"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/urfave/cli/v3"

	"github.com/ent0n29/kiro/internal/app"
	"github.com/ent0n29/kiro/internal/background"
	"github.com/ent0n29/kiro/internal/config"
	kiromcp "github.com/ent0n29/kiro/internal/mcp"
)

// NewMCPServeCommand returns the mcp-serve subcommand.
func NewMCPServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "mcp-serve",
		Usage: "Expose the background task tools as an MCP server (stdio)",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "parent-session",
				Usage:    "OpenCode session that receives completion notifications",
				Required: true,
				Sources:  cli.EnvVars("KIRO_PARENT_SESSION"),
			},
			&cli.StringFlag{
				Name:  "directory",
				Usage: "Working directory for child sessions (defaults to OPENCODE_DIRECTORY)",
			},
			&cli.BoolFlag{
				Name:  "mock",
				Usage: "Use the in-memory OpenCode host",
			},
		},
		Action: runMCPServe,
	}
}

func runMCPServe(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cmd.Bool("mock") {
		cfg.OpenCodeMock = true
	}
	directory := cfg.OpenCodeDirectory
	if cmd.IsSet("directory") {
		directory = cmd.String("directory")
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

	server := kiromcp.NewServer(built.Registry, kiromcp.Options{
		Version: cmd.Root().Version,
		Parent: background.ParentContext{
			SessionID: cmd.String("parent-session"),
			Directory: directory,
			Worktree:  directory,
		},
		Metrics: built.Metrics,
	})
	slog.Debug("starting MCP server", "tools", len(built.Registry.Specs()), "parent", cmd.String("parent-session"))
	return server.Run(ctx, &mcpsdk.StdioTransport{})
}
