package background

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ent0n29/kiro/internal/observability"
	"github.com/ent0n29/kiro/internal/opencode"
)

// execute drives one task from pending to a terminal status.
func (m *Manager) execute(abort context.Context, taskID string, opts CreateOptions) {
	running, ok := m.store.UpdateStatus(taskID, StatusRunning, Extras{})
	if !ok {
		// Cancelled before the executor got going.
		m.settle(abort, taskID, opts, "", ErrCancelled)
		return
	}
	if m.metrics != nil {
		m.metrics.ObserveTaskEvent("started")
		if running.StartedAt != nil {
			m.metrics.ObserveTaskStage(observability.StageQueueWait, running.StartedAt.Sub(running.CreatedAt))
		}
	}
	m.store.AppendProgress(taskID, "Starting background task with agent: "+opts.Agent, ProgressInfo)
	m.report(opts, "Task started", ProgressInfo)

	result, err := m.drive(abort, taskID, opts)
	m.settle(abort, taskID, opts, result, err)
}

func (m *Manager) drive(abort context.Context, taskID string, opts CreateOptions) (string, error) {
	ctx := m.ctx
	setupStart := m.clock.Now()
	parentID := opts.Parent.SessionID

	directory := opts.Parent.Directory
	if parent, err := m.api.GetSession(ctx, parentID); err == nil && parent.Directory != "" {
		directory = parent.Directory
	}

	created, err := m.api.CreateSession(ctx, opencode.CreateSessionRequest{
		ParentID:  parentID,
		Title:     fmt.Sprintf("Background task (@%s)", opts.Agent),
		Directory: directory,
	})
	if err != nil {
		return "", fmt.Errorf("Failed to create session: %w", err)
	}
	if created.ID == "" {
		return "", errors.New("Failed to create session: missing session id")
	}
	m.store.SetSession(taskID, created.ID)
	m.store.AppendProgress(taskID, "Created session: "+created.ID, ProgressInfo)

	if abort.Err() != nil {
		return "", ErrCancelled
	}

	err = m.api.PromptAsync(ctx, created.ID, opencode.PromptRequest{
		Agent:  opts.Agent,
		System: SystemPrompt(opts.Agent),
		Model:  m.resolveModel(ctx, opts),
		Parts:  []opencode.Part{opencode.TextPart(opts.Prompt)},
	})
	if err != nil {
		return "", fmt.Errorf("Failed to prompt session: %w", err)
	}
	m.store.AppendProgress(taskID, "Prompt sent to agent", ProgressInfo)
	m.report(opts, "Prompt sent", ProgressInfo)
	if m.metrics != nil {
		m.metrics.ObserveTaskStage(observability.StageSessionSetup, m.clock.Now().Sub(setupStart))
	}

	return m.poller.wait(ctx, abort, created.ID)
}

// settle records the outcome of a run. If CancelTask already marked the task
// cancelled, that status stands and the run's own outcome is dropped.
func (m *Manager) settle(abort context.Context, taskID string, opts CreateOptions, result string, runErr error) {
	cancelled := errors.Is(runErr, ErrCancelled) ||
		(abort.Err() != nil && errors.Is(runErr, context.Canceled))

	var (
		task    Task
		applied bool
	)
	switch {
	case runErr == nil:
		task, applied = m.store.UpdateStatus(taskID, StatusCompleted, Extras{Result: result})
		if applied {
			m.store.AppendProgress(taskID, "Task completed successfully", ProgressSuccess)
			m.report(opts, "Task completed", ProgressSuccess)
		}
	case cancelled:
		task, applied = m.store.UpdateStatus(taskID, StatusCancelled, Extras{Error: ErrCancelled.Error()})
	default:
		msg := runErr.Error()
		task, applied = m.store.UpdateStatus(taskID, StatusFailed, Extras{Error: msg})
		if applied {
			m.store.AppendProgress(taskID, "Task failed: "+msg, ProgressError)
			m.report(opts, msg, ProgressError)
		}
	}

	if !applied {
		current, ok := m.store.Get(taskID)
		if !ok || current.Status != StatusCancelled {
			return
		}
		task = current
	}
	if task.Status == StatusCancelled {
		m.store.AppendProgress(taskID, "Task was cancelled", ProgressWarning)
		m.report(opts, ErrCancelled.Error(), ProgressWarning)
	}
	if final, ok := m.store.Get(taskID); ok {
		task = final
	}

	duration := task.Duration(m.clock.Now())
	if m.metrics != nil {
		m.metrics.ObserveTaskFinished(string(task.Status), duration)
		m.metrics.ObserveTaskStage(observability.StageRunTotal, duration)
		m.metrics.ActiveTasks.Dec()
	}
	attrs := []any{"task_id", task.ID, "status", task.Status, "duration", duration}
	if task.Error != "" {
		attrs = append(attrs, "error", task.Error)
	}
	m.logger.Info("background task finished", attrs...)
	m.persist(task)
}

func (m *Manager) report(opts CreateOptions, message string, typ ProgressType) {
	if opts.OnProgress == nil {
		return
	}
	opts.OnProgress(ProgressUpdate{Timestamp: m.clock.Now(), Message: message, Type: typ})
}

// resolveModel prefers an explicit model, then the caller's model, then the
// newest model recorded in the parent session history.
func (m *Manager) resolveModel(ctx context.Context, opts CreateOptions) *opencode.ModelRef {
	if opts.Model != nil {
		return opts.Model
	}
	if opts.ParentModel != nil {
		return opts.ParentModel
	}
	messages, err := m.api.Messages(ctx, opts.Parent.SessionID)
	if err == nil {
		for i := len(messages) - 1; i >= 0; i-- {
			if model := messages[i].Info.Model; model.Valid() {
				return model
			}
		}
	}
	return m.cfg.DefaultModel
}

func (m *Manager) persist(task Task) {
	archive := m.Archive()
	if archive == nil {
		return
	}

	// Close waits for the write so the archive is not closed under it.
	m.wg.Add(1)
	go func(snapshot Task) {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := archive.SaveTask(ctx, snapshot); err != nil {
			m.logger.Warn("archive background task failed", "task_id", snapshot.ID, "error", err)
		}
	}(redacted(task.Clone()))
}
