package background

import (
	"time"

	"github.com/ent0n29/kiro/internal/opencode"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled}

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusRunning:
		return 1
	default:
		return 2
	}
}

func ParseStatus(raw string) (Status, bool) {
	for _, s := range Statuses {
		if string(s) == raw {
			return s, true
		}
	}
	return "", false
}

type ProgressType string

const (
	ProgressInfo    ProgressType = "info"
	ProgressWarning ProgressType = "warning"
	ProgressError   ProgressType = "error"
	ProgressSuccess ProgressType = "success"
)

type ProgressUpdate struct {
	Timestamp time.Time    `json:"timestamp"`
	Message   string       `json:"message"`
	Type      ProgressType `json:"type"`
}

// ParentContext is the reply-to address of whoever requested a task.
type ParentContext struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id,omitempty"`
	Directory string `json:"directory,omitempty"`
	Worktree  string `json:"worktree,omitempty"`
}

type Task struct {
	ID          string           `json:"task_id"`
	Agent       string           `json:"agent"`
	Description string           `json:"description"`
	Prompt      string           `json:"prompt"`
	Status      Status           `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	SessionID   string           `json:"session_id,omitempty"`
	Result      string           `json:"result,omitempty"`
	Error       string           `json:"error,omitempty"`
	Progress    []ProgressUpdate `json:"progress"`
	Parent      ParentContext    `json:"parent_context"`
}

func (t Task) Clone() Task {
	out := t
	if t.Progress != nil {
		out.Progress = make([]ProgressUpdate, len(t.Progress))
		copy(out.Progress, t.Progress)
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		out.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		out.CompletedAt = &v
	}
	return out
}

func (t Task) Terminal() bool {
	return t.Status.Terminal()
}

// Duration is the run time so far, or the final run time once terminal.
func (t Task) Duration(now time.Time) time.Duration {
	switch {
	case t.CompletedAt != nil && t.StartedAt != nil:
		return t.CompletedAt.Sub(*t.StartedAt)
	case t.CompletedAt != nil:
		return t.CompletedAt.Sub(t.CreatedAt)
	case t.StartedAt != nil:
		return now.Sub(*t.StartedAt)
	default:
		return 0
	}
}

type CreateOptions struct {
	Agent       string
	Description string
	Prompt      string
	Parent      ParentContext

	// Model is an explicit override. ParentModel is the model already active on
	// the caller's context. When both are nil the parent session history is scanned.
	Model       *opencode.ModelRef
	ParentModel *opencode.ModelRef

	OnProgress func(ProgressUpdate)
}

type EventType string

const (
	EventTaskCreated   EventType = "task_created"
	EventTaskStarted   EventType = "task_started"
	EventTaskProgress  EventType = "task_progress"
	EventTaskCompleted EventType = "task_completed"
	EventTaskFailed    EventType = "task_failed"
	EventTaskCancelled EventType = "task_cancelled"
)

type Event struct {
	Type            EventType    `json:"type"`
	TaskID          string       `json:"task_id"`
	ParentSessionID string       `json:"parent_session_id"`
	Status          Status       `json:"status,omitempty"`
	Message         string       `json:"message,omitempty"`
	ProgressType    ProgressType `json:"progress_type,omitempty"`
	At              time.Time    `json:"at"`
}

func terminalEvent(s Status) EventType {
	switch s {
	case StatusCompleted:
		return EventTaskCompleted
	case StatusFailed:
		return EventTaskFailed
	case StatusCancelled:
		return EventTaskCancelled
	default:
		return EventTaskStarted
	}
}
