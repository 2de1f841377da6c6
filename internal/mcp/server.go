package mcp

import (
	"context"
	"encoding/json"
	"log/slog"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ent0n29/kiro/internal/background"
	"github.com/ent0n29/kiro/internal/observability"
	"github.com/ent0n29/kiro/internal/tools"
)

type Options struct {
	Version string
	// Parent is the session background tasks report back to.
	Parent  background.ParentContext
	Metrics *observability.Metrics
}

// NewServer creates an MCP server exposing every enabled tool in the registry.
func NewServer(registry *tools.Registry, opts Options) *mcpsdk.Server {
	if opts.Version == "" {
		opts.Version = "dev"
	}
	server := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    "kiro",
		Version: opts.Version,
	}, nil)

	for _, spec := range registry.Specs() {
		toolName := spec.Name
		server.AddTool(specToMCPTool(spec), func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return callTool(ctx, registry, opts, toolName, req.Params.Arguments), nil
		})
		slog.Debug("mcp tool registered", "tool", toolName)
	}
	return server
}

func callTool(ctx context.Context, registry *tools.Registry, opts Options, name string, args json.RawMessage) *mcpsdk.CallToolResult {
	call := tools.Call{
		Parent: opts.Parent,
		OnProgress: func(u background.ProgressUpdate) {
			slog.Debug("background task progress", "tool", name, "type", u.Type, "message", u.Message)
		},
	}
	res, err := registry.Invoke(ctx, name, call, args)
	if opts.Metrics != nil {
		opts.Metrics.ObserveToolCall(name, "mcp")
	}
	if err != nil {
		slog.Debug("mcp tool error", "tool", name, "error", err)
		return &mcpsdk.CallToolResult{
			IsError: true,
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: err.Error()}},
		}
	}
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: res.Output}},
	}
}
