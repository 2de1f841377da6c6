package background

import (
	"context"
	"errors"
	"strings"

	"github.com/ent0n29/kiro/internal/policy"
)

var ErrArchiveNotFound = errors.New("task not found in archive")

// Archive keeps snapshots of terminal tasks after the in-memory store has
// dropped them. It is write-behind history only; the manager never reads it.
type Archive interface {
	SaveTask(ctx context.Context, task Task) error
	GetTask(ctx context.Context, taskID string) (Task, error)
	ListByParent(ctx context.Context, parentSessionID string, limit int) ([]Task, error)
	Close() error
}

// NewArchive returns nil when no database is configured.
func NewArchive(ctx context.Context, databaseURL string) (Archive, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, nil
	}
	return NewPostgresArchive(ctx, databaseURL)
}

// redacted masks credentials and PII in the free-text fields of a snapshot
// bound for the archive. The in-memory task keeps the original text.
func redacted(t Task) Task {
	t.Prompt, _ = policy.Redact(t.Prompt)
	t.Result, _ = policy.Redact(t.Result)
	t.Error, _ = policy.Redact(t.Error)
	for i := range t.Progress {
		t.Progress[i].Message, _ = policy.Redact(t.Progress[i].Message)
	}
	return t
}
