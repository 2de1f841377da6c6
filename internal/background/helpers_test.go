package background

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/kiro/internal/opencode"
)

// fakeHost is a scriptable SessionAPI. Child sessions stay busy until
// finish is called, unless autoReply is set.
type fakeHost struct {
	mu sync.Mutex

	seq        int
	parents    map[string]opencode.Session
	children   map[string]bool
	statuses   map[string]string
	messages   map[string][]opencode.Message
	created    []opencode.CreateSessionRequest
	prompts    map[string][]opencode.PromptRequest
	autoReply  bool
	createGate chan struct{}

	createErr         error
	createEmptyID     bool
	promptErr         error
	statusErr         error
	parentMessagesErr error
	notifyErr         error
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		parents:  map[string]opencode.Session{},
		children: map[string]bool{},
		statuses: map[string]string{},
		messages: map[string][]opencode.Message{},
		prompts:  map[string][]opencode.PromptRequest{},
	}
}

func (h *fakeHost) GetSession(ctx context.Context, id string) (opencode.Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.parents[id]
	if !ok {
		return opencode.Session{}, fmt.Errorf("session %s not found", id)
	}
	return s, nil
}

func (h *fakeHost) CreateSession(ctx context.Context, req opencode.CreateSessionRequest) (opencode.Session, error) {
	h.mu.Lock()
	gate := h.createGate
	h.mu.Unlock()
	if gate != nil {
		<-gate
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.created = append(h.created, req)
	if h.createErr != nil {
		return opencode.Session{}, h.createErr
	}
	if h.createEmptyID {
		return opencode.Session{}, nil
	}
	h.seq++
	id := fmt.Sprintf("child-%d", h.seq)
	h.children[id] = true
	h.statuses[id] = "busy"
	return opencode.Session{ID: id, ParentID: req.ParentID}, nil
}

func (h *fakeHost) PromptAsync(ctx context.Context, sessionID string, req opencode.PromptRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.children[sessionID] {
		h.prompts[sessionID] = append(h.prompts[sessionID], req)
		return h.notifyErr
	}
	if h.promptErr != nil {
		return h.promptErr
	}
	h.prompts[sessionID] = append(h.prompts[sessionID], req)
	if h.autoReply {
		h.finishLocked(sessionID, "done: "+req.Parts[0].Text)
	}
	return nil
}

func (h *fakeHost) SessionStatus(ctx context.Context) (map[string]opencode.SessionStatus, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.statusErr != nil {
		return nil, h.statusErr
	}
	out := make(map[string]opencode.SessionStatus, len(h.statuses))
	for id, st := range h.statuses {
		out[id] = opencode.SessionStatus{Type: st}
	}
	return out, nil
}

func (h *fakeHost) Messages(ctx context.Context, sessionID string) ([]opencode.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.children[sessionID] && h.parentMessagesErr != nil {
		return nil, h.parentMessagesErr
	}
	return append([]opencode.Message(nil), h.messages[sessionID]...), nil
}

func (h *fakeHost) finish(sessionID, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finishLocked(sessionID, text)
}

func (h *fakeHost) finishLocked(sessionID, text string) {
	created := float64(len(h.messages[sessionID]) + 1)
	h.messages[sessionID] = append(h.messages[sessionID], opencode.Message{
		Info:  opencode.MessageInfo{Role: "assistant", Finish: "stop", Time: opencode.MessageTime{Created: &created}},
		Parts: []opencode.Part{opencode.TextPart(text)},
	})
	h.statuses[sessionID] = opencode.StatusIdle
}

func (h *fakeHost) set(fn func(h *fakeHost)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(h)
}

func (h *fakeHost) promptsFor(sessionID string) []opencode.PromptRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]opencode.PromptRequest(nil), h.prompts[sessionID]...)
}

func (h *fakeHost) createdCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.created)
}

// fakeClock advances only when something sleeps. Timers fire on demand.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Advance(d)
	runtime.Gosched()
	return nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// FireDue runs every live timer scheduled at or before now.
func (c *fakeClock) FireDue() int {
	c.mu.Lock()
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.fn()
	}
	return len(due)
}

func (c *fakeClock) liveTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func newTestManager(t *testing.T, host SessionAPI, cfg Config) *Manager {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Millisecond
	}
	if cfg.WaitInterval == 0 {
		cfg.WaitInterval = time.Millisecond
	}
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	m := New(cfg, host, nil)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func parent(sessionID string) ParentContext {
	return ParentContext{SessionID: sessionID, MessageID: "msg-1", Directory: "/ctx-dir", Worktree: "/ctx-dir"}
}

func mustCreate(t *testing.T, m *Manager, opts CreateOptions) string {
	t.Helper()
	if opts.Agent == "" {
		opts.Agent = "kiroExplore"
	}
	if opts.Prompt == "" {
		opts.Prompt = "find the auth flow"
	}
	id, err := m.CreateTask(opts)
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	return id
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitTaskStatus(t *testing.T, m *Manager, taskID string, want Status) Task {
	t.Helper()
	var last Task
	waitFor(t, fmt.Sprintf("task %s to reach %s", taskID, want), func() bool {
		task, ok := m.GetTask(taskID)
		last = task
		return ok && task.Status == want
	})
	return last
}

func waitSession(t *testing.T, m *Manager, taskID string) string {
	t.Helper()
	var sessionID string
	waitFor(t, "session for "+taskID, func() bool {
		task, ok := m.GetTask(taskID)
		sessionID = task.SessionID
		return ok && sessionID != ""
	})
	return sessionID
}

func progressMessages(task Task) []string {
	out := make([]string, 0, len(task.Progress))
	for _, p := range task.Progress {
		out = append(out, p.Message)
	}
	return out
}

func containsAll(s string, parts ...string) bool {
	for _, p := range parts {
		if !strings.Contains(s, p) {
			return false
		}
	}
	return true
}
