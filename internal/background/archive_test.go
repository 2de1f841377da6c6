package background

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

type memArchive struct {
	mu    sync.Mutex
	saved map[string]Task
}

func newMemArchive() *memArchive {
	return &memArchive{saved: map[string]Task{}}
}

func (a *memArchive) SaveTask(_ context.Context, task Task) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.saved[task.ID] = task
	return nil
}

func (a *memArchive) GetTask(_ context.Context, taskID string) (Task, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.saved[taskID]
	if !ok {
		return Task{}, ErrArchiveNotFound
	}
	return t, nil
}

func (a *memArchive) ListByParent(_ context.Context, parentSessionID string, limit int) ([]Task, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Task
	for _, t := range a.saved {
		if t.Parent.SessionID == parentSessionID && len(out) < limit {
			out = append(out, t)
		}
	}
	return out, nil
}

func (a *memArchive) Close() error { return nil }

// slowArchive delays every write.
type slowArchive struct {
	*memArchive
	delay time.Duration
}

func (a *slowArchive) SaveTask(ctx context.Context, task Task) error {
	time.Sleep(a.delay)
	return a.memArchive.SaveTask(ctx, task)
}

func TestCloseWaitsForArchiveWrites(t *testing.T) {
	host := newFakeHost()
	m := New(Config{PollInterval: time.Millisecond}, host, nil)
	archive := &slowArchive{memArchive: newMemArchive(), delay: 50 * time.Millisecond}
	m.SetArchive(archive)

	id := mustCreate(t, m, CreateOptions{Parent: parent("s1")})
	waitSession(t, m, id)

	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	saved, err := archive.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("snapshot missing after Close: %v", err)
	}
	if saved.Status != StatusCancelled {
		t.Fatalf("archived status = %s, want cancelled", saved.Status)
	}
}

func TestNewArchiveDisabledWithoutURL(t *testing.T) {
	a, err := NewArchive(context.Background(), "  ")
	if err != nil || a != nil {
		t.Fatalf("NewArchive(blank) = %v, %v; want nil, nil", a, err)
	}
}

func TestTerminalTasksAreArchivedRedacted(t *testing.T) {
	host := newFakeHost()
	host.autoReply = true
	m := newTestManager(t, host, Config{})
	archive := newMemArchive()
	m.SetArchive(archive)

	id := mustCreate(t, m, CreateOptions{
		Parent: parent("s1"),
		Prompt: "check the deploy script, api_key=abc123def456",
	})
	waitTaskStatus(t, m, id, StatusCompleted)

	var saved Task
	waitFor(t, "archived snapshot", func() bool {
		got, err := archive.GetTask(context.Background(), id)
		saved = got
		return err == nil
	})

	if saved.Status != StatusCompleted {
		t.Fatalf("archived status = %s, want completed", saved.Status)
	}
	for _, text := range []string{saved.Prompt, saved.Result} {
		if strings.Contains(text, "abc123def456") {
			t.Fatalf("archived text leaks the key: %q", text)
		}
		if !strings.Contains(text, "api_key=[REDACTED_SECRET]") {
			t.Fatalf("archived text not redacted: %q", text)
		}
	}

	live, _ := m.GetTask(id)
	if !strings.Contains(live.Prompt, "abc123def456") {
		t.Fatalf("in-memory prompt should be untouched, got %q", live.Prompt)
	}

	listed, err := archive.ListByParent(context.Background(), "s1", 10)
	if err != nil || len(listed) != 1 {
		t.Fatalf("ListByParent = %d tasks, %v", len(listed), err)
	}
}
