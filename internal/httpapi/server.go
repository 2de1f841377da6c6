package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/kiro/internal/background"
	"github.com/ent0n29/kiro/internal/config"
	"github.com/ent0n29/kiro/internal/observability"
	"github.com/ent0n29/kiro/internal/tools"
)

// TaskManager is the background manager surface the API serves.
type TaskManager interface {
	tools.TaskManager
	GetTasksByStatus(status background.Status) []background.Task
	GetTasksByParent(parentSessionID string) []background.Task
	GetTaskCount() int
	Cleanup(maxAge time.Duration) int
	Subscribe(parentSessionID string) (<-chan background.Event, func())
	Archive() background.Archive
}

type Server struct {
	cfg      config.Config
	manager  TaskManager
	registry *tools.Registry
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, manager TaskManager, registry *tools.Registry, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		manager:  manager,
		registry: registry,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only stream from the same origin unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Route("/v1/background", func(r chi.Router) {
		r.Post("/tasks", s.handleCreateTask)
		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/{id}", s.handleGetTask)
		r.Get("/tasks/{id}/output", s.handleTaskOutput)
		r.Post("/tasks/{id}/cancel", s.handleCancelTask)
		r.Post("/cleanup", s.handleCleanup)
		r.Get("/history", s.handleHistory)
		r.Get("/history/{id}", s.handleHistoryTask)
		r.Get("/ws", s.handleEventStream)
	})

	r.Get("/v1/tools", s.handleListTools)
	r.Post("/v1/tools/{name}", s.handleInvokeTool)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"tasks":         s.manager.GetTaskCount(),
		"archive_mode":  s.archiveMode(),
		"host_mode":     s.hostMode(),
		"agent_model":   s.cfg.AgentModel,
		"plugin_config": s.cfg.PluginConfigLoaded,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ready",
		"archive_mode": s.archiveMode(),
		"host_mode":    s.hostMode(),
	})
}

func (s *Server) archiveMode() string {
	if s.manager.Archive() == nil {
		return "disabled"
	}
	return "postgres"
}

func (s *Server) hostMode() string {
	if s.cfg.OpenCodeMock {
		return "mock"
	}
	return "remote"
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// requestContext bounds archive reads by the request and a hard ceiling.
func requestContext(r *http.Request, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), timeout)
}
