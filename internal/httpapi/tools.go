package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/kiro/internal/background"
	"github.com/ent0n29/kiro/internal/opencode"
	"github.com/ent0n29/kiro/internal/tools"
)

type toolParam struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required,omitempty"`
	Default     any    `json:"default,omitempty"`
}

type toolDescriptor struct {
	Name        string               `json:"name"`
	Description string               `json:"description"`
	Parameters  map[string]toolParam `json:"parameters"`
}

// invokeToolRequest carries tool arguments plus the calling session.
type invokeToolRequest struct {
	Args    json.RawMessage `json:"args"`
	Context struct {
		SessionID string             `json:"session_id"`
		MessageID string             `json:"message_id"`
		Directory string             `json:"directory"`
		Worktree  string             `json:"worktree"`
		Model     *opencode.ModelRef `json:"model,omitempty"`
	} `json:"context"`
}

func (s *Server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	specs := s.registry.Specs()
	out := make([]toolDescriptor, 0, len(specs))
	for _, spec := range specs {
		params := make(map[string]toolParam, len(spec.Params))
		for name, p := range spec.Params {
			params[name] = toolParam{Type: p.Type, Description: p.Description, Required: p.Required, Default: p.Default}
		}
		out = append(out, toolDescriptor{Name: spec.Name, Description: spec.Description, Parameters: params})
	}
	respondJSON(w, http.StatusOK, map[string]any{"tools": out})
}

func (s *Server) handleInvokeTool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req invokeToolRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	directory := req.Context.Directory
	if directory == "" {
		directory = s.cfg.OpenCodeDirectory
	}
	worktree := req.Context.Worktree
	if worktree == "" {
		worktree = directory
	}
	call := tools.Call{
		Parent: background.ParentContext{
			SessionID: req.Context.SessionID,
			MessageID: req.Context.MessageID,
			Directory: directory,
			Worktree:  worktree,
		},
		ParentModel: req.Context.Model,
	}

	res, err := s.registry.Invoke(r.Context(), name, call, req.Args)
	var argErr *tools.ArgumentError
	switch {
	case errors.Is(err, tools.ErrUnknownTool):
		respondError(w, http.StatusNotFound, "unknown_tool", err.Error())
		return
	case errors.As(err, &argErr):
		respondError(w, http.StatusBadRequest, "invalid_arguments", err.Error())
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "tool_error", err.Error())
		return
	}
	if s.metrics != nil {
		s.metrics.ObserveToolCall(name, "http")
	}
	respondJSON(w, http.StatusOK, res)
}
