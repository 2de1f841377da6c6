package background

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/kiro/internal/observability"
	"github.com/ent0n29/kiro/internal/opencode"
)

const (
	DefaultPollInterval  = time.Second
	DefaultTaskTimeout   = 10 * time.Minute
	DefaultWaitInterval  = 500 * time.Millisecond
	DefaultWaitTimeout   = 10 * time.Minute
	DefaultRetention     = 5 * time.Minute
	DefaultCleanupMaxAge = time.Hour
)

// SessionAPI is the slice of the host session API background tasks need.
type SessionAPI interface {
	GetSession(ctx context.Context, id string) (opencode.Session, error)
	CreateSession(ctx context.Context, req opencode.CreateSessionRequest) (opencode.Session, error)
	PromptAsync(ctx context.Context, sessionID string, req opencode.PromptRequest) error
	SessionStatus(ctx context.Context) (map[string]opencode.SessionStatus, error)
	Messages(ctx context.Context, sessionID string) ([]opencode.Message, error)
}

type Config struct {
	PollInterval time.Duration
	TaskTimeout  time.Duration
	WaitInterval time.Duration
	Retention    time.Duration

	// NotifyPartial sends a no-reply status note to the parent each time one
	// task finishes while siblings are still pending.
	NotifyPartial bool

	// DefaultModel is used when neither the request nor the parent session
	// names a model.
	DefaultModel *opencode.ModelRef

	Clock  Clock
	Logger *slog.Logger
}

type removalTimer struct {
	timer Timer
	seq   uint64
}

// Manager runs background tasks against the host and tracks them in a Store.
type Manager struct {
	api     SessionAPI
	store   *Store
	clock   Clock
	logger  *slog.Logger
	metrics *observability.Metrics
	cfg     Config
	poller  *poller

	// ctx scopes remote calls; it is cancelled only by Close.
	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	aborts   map[string]context.CancelFunc
	timers   map[string]removalTimer
	timerSeq uint64
	archive  Archive
}

func New(cfg Config, api SessionAPI, metrics *observability.Metrics) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}
	if cfg.WaitInterval <= 0 {
		cfg.WaitInterval = DefaultWaitInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, stop := context.WithCancel(context.Background())
	m := &Manager{
		api:     api,
		store:   NewStore(cfg.Clock),
		clock:   cfg.Clock,
		logger:  cfg.Logger.With("component", "background"),
		metrics: metrics,
		cfg:     cfg,
		ctx:     ctx,
		stop:    stop,
		aborts:  make(map[string]context.CancelFunc),
		timers:  make(map[string]removalTimer),
	}
	m.store.onDrop = m.eventDropped
	m.poller = &poller{
		api:      api,
		clock:    cfg.Clock,
		interval: cfg.PollInterval,
		timeout:  cfg.TaskTimeout,
		onTick: func() {
			if m.metrics != nil {
				m.metrics.PollIterations.Inc()
			}
		},
	}
	return m
}

// SetArchive attaches a history sink for terminal task snapshots.
func (m *Manager) SetArchive(a Archive) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.archive = a
}

func (m *Manager) Archive() Archive {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.archive
}

func (m *Manager) Subscribe(parentSessionID string) (<-chan Event, func()) {
	return m.store.Subscribe(parentSessionID)
}

// CreateTask records a pending task and starts it without waiting for any
// remote call. The returned id is immediately visible through GetTask.
func (m *Manager) CreateTask(opts CreateOptions) (string, error) {
	opts.Agent = strings.TrimSpace(opts.Agent)
	opts.Parent.SessionID = strings.TrimSpace(opts.Parent.SessionID)
	if !IsKnownAgent(opts.Agent) {
		return "", fmt.Errorf("%w %q", ErrUnknownAgent, opts.Agent)
	}
	if strings.TrimSpace(opts.Prompt) == "" {
		return "", fmt.Errorf("prompt is required")
	}
	description := strings.TrimSpace(opts.Description)
	if description == "" {
		description = opts.Agent + " task"
	}

	now := m.clock.Now()
	task := Task{
		ID:          NewTaskID(now),
		Agent:       opts.Agent,
		Description: description,
		Prompt:      opts.Prompt,
		Status:      StatusPending,
		CreatedAt:   now,
		Progress:    []ProgressUpdate{},
		Parent:      opts.Parent,
	}
	abort, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return "", ErrClosed
	}
	if err := m.store.Insert(task); err != nil {
		m.mu.Unlock()
		cancel()
		return "", err
	}
	m.aborts[task.ID] = cancel
	m.wg.Add(1)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ObserveTaskEvent("created")
		m.metrics.ActiveTasks.Inc()
	}
	m.logger.Info("background task created",
		"task_id", task.ID,
		"agent", task.Agent,
		"parent_session_id", task.Parent.SessionID,
	)

	go m.run(abort, task.ID, opts)
	return task.ID, nil
}

func (m *Manager) run(abort context.Context, taskID string, opts CreateOptions) {
	defer m.wg.Done()
	m.execute(abort, taskID, opts)
	m.releaseAbort(taskID)
	m.notify(taskID)
}

func (m *Manager) GetTask(taskID string) (Task, bool) {
	return m.store.Get(taskID)
}

func (m *Manager) GetAllTasks() []Task {
	return m.store.All()
}

func (m *Manager) GetTasksByStatus(status Status) []Task {
	return m.store.ByStatus(status)
}

func (m *Manager) GetTasksByParent(parentSessionID string) []Task {
	return m.store.ByParent(parentSessionID)
}

func (m *Manager) GetTaskCount() int {
	return m.store.Count()
}

// CancelTask signals a live task and marks it cancelled. It returns false when
// the task has no live executor handle, including a second cancel, and when
// the executor already moved the task to a terminal status.
func (m *Manager) CancelTask(taskID string) bool {
	m.mu.Lock()
	cancel, ok := m.aborts[taskID]
	if ok {
		delete(m.aborts, taskID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	_, applied := m.store.UpdateStatus(taskID, StatusCancelled, Extras{Error: ErrCancelled.Error()})
	cancel()
	if !applied {
		return false
	}
	if m.metrics != nil {
		m.metrics.ObserveTaskEvent("cancel_requested")
	}
	return true
}

// GetTaskOutput never blocks: unfinished tasks yield a progress transcript.
func (m *Manager) GetTaskOutput(taskID string) (string, error) {
	t, ok := m.store.Get(taskID)
	if !ok {
		return "", notFound(taskID)
	}

	switch {
	case t.Status == StatusCompleted && t.Result != "":
		return t.Result, nil
	case t.Status == StatusFailed:
		return "Task failed: " + t.Error, nil
	case t.Status == StatusCancelled:
		return "Task was cancelled", nil
	}

	lines := make([]string, 0, len(t.Progress))
	for _, p := range t.Progress {
		lines = append(lines, fmt.Sprintf("[%s] %s: %s", isoTime(p.Timestamp), strings.ToUpper(string(p.Type)), p.Message))
	}
	return fmt.Sprintf("Task is %s...\n\nProgress:\n%s", t.Status, strings.Join(lines, "\n")), nil
}

// WaitForTask blocks until the task is terminal or timeout elapses. A
// non-positive timeout means DefaultWaitTimeout.
func (m *Manager) WaitForTask(ctx context.Context, taskID string, timeout time.Duration) (Task, error) {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	start := m.clock.Now()
	for {
		t, ok := m.store.Get(taskID)
		if !ok {
			return Task{}, notFound(taskID)
		}
		if t.Terminal() {
			return t, nil
		}

		elapsed := m.clock.Now().Sub(start)
		if elapsed >= timeout {
			return Task{}, fmt.Errorf("%w %s", ErrWaitTimeout, taskID)
		}
		if err := m.clock.Sleep(ctx, min(m.cfg.WaitInterval, timeout-elapsed)); err != nil {
			return Task{}, err
		}
	}
}

// Cleanup removes terminal tasks that completed more than maxAge ago and
// returns how many were removed. A non-positive maxAge removes every terminal task.
func (m *Manager) Cleanup(maxAge time.Duration) int {
	removed := 0
	for _, t := range m.store.TerminalOlderThan(maxAge, m.clock.Now()) {
		if m.store.Remove(t.ID) {
			removed++
			m.stopRemoval(t.ID)
		}
	}
	if removed > 0 {
		m.logger.Debug("background tasks cleaned up", "removed", removed, "max_age", maxAge)
	}
	return removed
}

// Close cancels every live task, waits for the executors to settle and stops
// pending removal timers.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for id, cancel := range m.aborts {
		cancel()
		delete(m.aborts, id)
	}
	m.mu.Unlock()

	m.stop()
	m.wg.Wait()

	m.mu.Lock()
	for id, rt := range m.timers {
		rt.timer.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()
	return nil
}

func (m *Manager) eventDropped(evt Event) {
	if m.metrics != nil {
		m.metrics.ObserveStreamMessage("outbound", "task_event", "dropped")
	}
	m.logger.Debug("task event dropped for slow subscriber", "task_id", evt.TaskID, "event", evt.Type)
}

func (m *Manager) releaseAbort(taskID string) {
	m.mu.Lock()
	cancel, ok := m.aborts[taskID]
	delete(m.aborts, taskID)
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

func (m *Manager) scheduleRemoval(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if prev, ok := m.timers[taskID]; ok {
		prev.timer.Stop()
	}
	m.timerSeq++
	seq := m.timerSeq
	m.timers[taskID] = removalTimer{
		seq: seq,
		timer: m.clock.AfterFunc(m.cfg.Retention, func() {
			m.mu.Lock()
			cur, ok := m.timers[taskID]
			current := ok && cur.seq == seq
			if current {
				delete(m.timers, taskID)
			}
			m.mu.Unlock()
			if current {
				m.store.Remove(taskID)
			}
		}),
	}
}

func (m *Manager) stopRemoval(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rt, ok := m.timers[taskID]; ok {
		rt.timer.Stop()
		delete(m.timers, taskID)
	}
}

func isoTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}
