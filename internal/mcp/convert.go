// Package mcp exposes the background task tools over the Model Context Protocol.
package mcp

import (
	"sort"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ent0n29/kiro/internal/tools"
)

// specToMCPTool converts a tools.Spec to an mcp.Tool with JSON Schema input.
func specToMCPTool(spec tools.Spec) *mcpsdk.Tool {
	props := make(map[string]any, len(spec.Params))
	var required []string

	for name, p := range spec.Params {
		prop := map[string]any{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		props[name] = prop

		if p.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)

	inputSchema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		inputSchema["required"] = required
	}

	return &mcpsdk.Tool{
		Name:        spec.Name,
		Description: spec.Description,
		InputSchema: inputSchema,
	}
}
