package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/kiro/internal/background"
	"github.com/ent0n29/kiro/internal/opencode"
)

const (
	defaultWaitTimeout = 60 * time.Second
	maxWaitTimeout     = 600 * time.Second
	historyLimit       = 100
)

type createTaskRequest struct {
	Agent           string             `json:"agent"`
	Prompt          string             `json:"prompt"`
	Description     string             `json:"description"`
	ParentSessionID string             `json:"parent_session_id"`
	ParentMessageID string             `json:"parent_message_id"`
	Directory       string             `json:"directory"`
	Worktree        string             `json:"worktree"`
	Model           *opencode.ModelRef `json:"model,omitempty"`
	ParentModel     *opencode.ModelRef `json:"parent_model,omitempty"`
}

type listTasksResponse struct {
	Tasks []background.Task `json:"tasks"`
	Count int               `json:"count"`
}

type taskOutputResponse struct {
	TaskID string            `json:"task_id"`
	Status background.Status `json:"status"`
	Output string            `json:"output"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.ParentSessionID = strings.TrimSpace(req.ParentSessionID)
	if req.ParentSessionID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "parent_session_id is required")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "prompt is required")
		return
	}
	if req.Directory == "" {
		req.Directory = s.cfg.OpenCodeDirectory
	}
	if req.Worktree == "" {
		req.Worktree = req.Directory
	}

	taskID, err := s.manager.CreateTask(background.CreateOptions{
		Agent:       req.Agent,
		Description: req.Description,
		Prompt:      req.Prompt,
		Parent: background.ParentContext{
			SessionID: req.ParentSessionID,
			MessageID: req.ParentMessageID,
			Directory: req.Directory,
			Worktree:  req.Worktree,
		},
		Model:       req.Model,
		ParentModel: req.ParentModel,
	})
	switch {
	case errors.Is(err, background.ErrUnknownAgent):
		respondError(w, http.StatusBadRequest, "unknown_agent", err.Error())
		return
	case errors.Is(err, background.ErrClosed):
		respondError(w, http.StatusServiceUnavailable, "shutting_down", err.Error())
		return
	case err != nil:
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	task, ok := s.manager.GetTask(taskID)
	if !ok {
		respondError(w, http.StatusNotFound, "task_not_found", "task removed before it could be returned")
		return
	}
	respondJSON(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	rawStatus := strings.TrimSpace(r.URL.Query().Get("status"))
	parentID := strings.TrimSpace(r.URL.Query().Get("parent_session_id"))

	var (
		status    background.Status
		hasStatus bool
	)
	if rawStatus != "" && rawStatus != "all" {
		var ok bool
		if status, ok = background.ParseStatus(rawStatus); !ok {
			respondError(w, http.StatusBadRequest, "invalid_status", "unknown status "+strconv.Quote(rawStatus))
			return
		}
		hasStatus = true
	}

	var tasks []background.Task
	switch {
	case parentID != "":
		for _, t := range s.manager.GetTasksByParent(parentID) {
			if !hasStatus || t.Status == status {
				tasks = append(tasks, t)
			}
		}
	case hasStatus:
		tasks = s.manager.GetTasksByStatus(status)
	default:
		tasks = s.manager.GetAllTasks()
	}
	if tasks == nil {
		tasks = []background.Task{}
	}
	respondJSON(w, http.StatusOK, listTasksResponse{Tasks: tasks, Count: len(tasks)})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.manager.GetTask(chi.URLParam(r, "id"))
	if !ok {
		respondError(w, http.StatusNotFound, "task_not_found", "Task not found: "+chi.URLParam(r, "id"))
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleTaskOutput(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	query := r.URL.Query()

	wait, err := parseBoolQuery(query.Get("wait"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "wait must be a boolean")
		return
	}
	if wait {
		timeout, err := parseWaitTimeout(query.Get("timeout_ms"))
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		if _, err := s.manager.WaitForTask(r.Context(), taskID, timeout); err != nil {
			switch {
			case errors.Is(err, background.ErrTaskNotFound):
				respondError(w, http.StatusNotFound, "task_not_found", err.Error())
			case errors.Is(err, background.ErrWaitTimeout):
				respondError(w, http.StatusGatewayTimeout, "wait_timeout", err.Error())
			default:
				respondError(w, http.StatusServiceUnavailable, "wait_aborted", err.Error())
			}
			return
		}
	}

	output, err := s.manager.GetTaskOutput(taskID)
	if err != nil {
		respondError(w, http.StatusNotFound, "task_not_found", err.Error())
		return
	}
	task, _ := s.manager.GetTask(taskID)
	respondJSON(w, http.StatusOK, taskOutputResponse{TaskID: taskID, Status: task.Status, Output: output})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	task, ok := s.manager.GetTask(taskID)
	if !ok {
		respondError(w, http.StatusNotFound, "task_not_found", "Task not found: "+taskID)
		return
	}
	if task.Terminal() {
		respondError(w, http.StatusConflict, "not_cancellable", "Task is already "+string(task.Status))
		return
	}
	if !s.manager.CancelTask(taskID) {
		respondError(w, http.StatusConflict, "not_cancellable", "Could not cancel task "+taskID)
		return
	}
	task, _ = s.manager.GetTask(taskID)
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	maxAge := s.cfg.CleanupMaxAge
	if maxAge <= 0 {
		maxAge = background.DefaultCleanupMaxAge
	}
	// An explicit zero sweeps every finished task.
	if raw := strings.TrimSpace(r.URL.Query().Get("max_age")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "max_age must be a duration")
			return
		}
		maxAge = d
	}
	removed := s.manager.Cleanup(maxAge)
	if s.metrics != nil {
		s.metrics.CleanupRemoved.Add(float64(removed))
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"removed":   removed,
		"remaining": s.manager.GetTaskCount(),
		"max_age":   maxAge.String(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	archive := s.manager.Archive()
	if archive == nil {
		respondError(w, http.StatusNotImplemented, "archive_disabled", "task archive is not configured")
		return
	}
	parentID := strings.TrimSpace(r.URL.Query().Get("parent_session_id"))
	if parentID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "parent_session_id is required")
		return
	}
	limit := historyLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = min(n, historyLimit)
	}

	ctx, cancel := requestContext(r, 5*time.Second)
	defer cancel()
	tasks, err := archive.ListByParent(ctx, parentID, limit)
	if err != nil {
		respondError(w, http.StatusBadGateway, "archive_error", err.Error())
		return
	}
	if tasks == nil {
		tasks = []background.Task{}
	}
	respondJSON(w, http.StatusOK, listTasksResponse{Tasks: tasks, Count: len(tasks)})
}

func (s *Server) handleHistoryTask(w http.ResponseWriter, r *http.Request) {
	archive := s.manager.Archive()
	if archive == nil {
		respondError(w, http.StatusNotImplemented, "archive_disabled", "task archive is not configured")
		return
	}
	ctx, cancel := requestContext(r, 5*time.Second)
	defer cancel()
	task, err := archive.GetTask(ctx, chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, background.ErrArchiveNotFound):
		respondError(w, http.StatusNotFound, "task_not_found", err.Error())
	case err != nil:
		respondError(w, http.StatusBadGateway, "archive_error", err.Error())
	default:
		respondJSON(w, http.StatusOK, task)
	}
}

func parseBoolQuery(raw string) (bool, error) {
	if strings.TrimSpace(raw) == "" {
		return false, nil
	}
	return strconv.ParseBool(strings.TrimSpace(raw))
}

// parseWaitTimeout applies the same default and ceiling as the output tool.
func parseWaitTimeout(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultWaitTimeout, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errors.New("timeout_ms must be an integer")
	}
	if ms <= 0 {
		return defaultWaitTimeout, nil
	}
	return min(time.Duration(ms)*time.Millisecond, maxWaitTimeout), nil
}
