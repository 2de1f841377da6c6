package background

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

var errDuplicateTask = errors.New("task id already exists")

// Extras carries the optional fields merged by UpdateStatus.
type Extras struct {
	SessionID string
	Result    string
	Error     string
}

// Store holds task records and, per parent session, the ids still pending.
type Store struct {
	mu    sync.RWMutex
	clock Clock

	tasks           map[string]*Task
	pendingByParent map[string]map[string]struct{}

	subscribers map[string]map[int]chan Event
	nextSubID   int
	// onDrop sees events a full subscriber buffer could not take. It runs
	// under the store lock.
	onDrop func(Event)
}

func NewStore(clock Clock) *Store {
	if clock == nil {
		clock = SystemClock()
	}
	return &Store{
		clock:           clock,
		tasks:           make(map[string]*Task),
		pendingByParent: make(map[string]map[string]struct{}),
		subscribers:     make(map[string]map[int]chan Event),
	}
}

// Subscribe streams events for one parent session, or for every task when
// parentSessionID is empty.
func (s *Store) Subscribe(parentSessionID string) (<-chan Event, func()) {
	key := strings.TrimSpace(parentSessionID)
	ch := make(chan Event, 256)

	s.mu.Lock()
	s.nextSubID++
	id := s.nextSubID
	if _, ok := s.subscribers[key]; !ok {
		s.subscribers[key] = make(map[int]chan Event)
	}
	s.subscribers[key][id] = ch
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.subscribers[key]
		if subs == nil {
			return
		}
		if c, ok := subs[id]; ok {
			delete(subs, id)
			close(c)
		}
		if len(subs) == 0 {
			delete(s.subscribers, key)
		}
	}
}

func (s *Store) Insert(task Task) error {
	if strings.TrimSpace(task.ID) == "" {
		return errors.New("task id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return errDuplicateTask
	}

	t := task.Clone()
	if t.Progress == nil {
		t.Progress = []ProgressUpdate{}
	}
	s.tasks[t.ID] = &t

	parent := t.Parent.SessionID
	if _, ok := s.pendingByParent[parent]; !ok {
		s.pendingByParent[parent] = make(map[string]struct{})
	}
	s.pendingByParent[parent][t.ID] = struct{}{}

	s.publishLocked(Event{
		Type:            EventTaskCreated,
		TaskID:          t.ID,
		ParentSessionID: parent,
		Status:          t.Status,
		Message:         t.Description,
		At:              t.CreatedAt,
	})
	return nil
}

// UpdateStatus moves a task forward along pending -> running -> terminal and
// merges extras. It refuses to leave a terminal status or to move backwards,
// and reports whether the update was applied.
func (s *Store) UpdateStatus(taskID string, status Status, extras Extras) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.Status.Terminal() || status.rank() < t.Status.rank() {
		return Task{}, false
	}

	now := s.clock.Now()
	prev := t.Status
	t.Status = status
	if extras.SessionID != "" {
		t.SessionID = extras.SessionID
	}
	if extras.Result != "" {
		t.Result = extras.Result
	}
	if extras.Error != "" {
		t.Error = extras.Error
	}
	if status == StatusRunning && t.StartedAt == nil {
		t.StartedAt = &now
	}
	if status.Terminal() {
		t.CompletedAt = &now
	}

	if prev != status {
		evt := EventTaskStarted
		if status.Terminal() {
			evt = terminalEvent(status)
		}
		s.publishLocked(Event{
			Type:            evt,
			TaskID:          t.ID,
			ParentSessionID: t.Parent.SessionID,
			Status:          status,
			Message:         t.Error,
			At:              now,
		})
	}
	return t.Clone(), true
}

// SetSession records the remote session id. It applies to terminal tasks too,
// so a task cancelled mid-setup still reports the session it opened.
func (s *Store) SetSession(taskID, sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return false
	}
	t.SessionID = sessionID
	return true
}

func (s *Store) AppendProgress(taskID, message string, typ ProgressType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return false
	}
	update := ProgressUpdate{Timestamp: s.clock.Now(), Message: message, Type: typ}
	t.Progress = append(t.Progress, update)
	s.publishLocked(Event{
		Type:            EventTaskProgress,
		TaskID:          t.ID,
		ParentSessionID: t.Parent.SessionID,
		Status:          t.Status,
		Message:         message,
		ProgressType:    typ,
		At:              update.Timestamp,
	})
	return true
}

func (s *Store) Remove(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return false
	}
	delete(s.tasks, taskID)
	s.removePendingLocked(t.Parent.SessionID, taskID)
	return true
}

// ResolvePending drops a task from its parent's pending set and returns how
// many tasks of that parent are still pending.
func (s *Store) ResolvePending(parentSessionID, taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removePendingLocked(parentSessionID, taskID)
	return len(s.pendingByParent[parentSessionID])
}

func (s *Store) PendingCount(parentSessionID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pendingByParent[parentSessionID])
}

func (s *Store) Get(taskID string) (Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return t.Clone(), true
}

func (s *Store) All() []Task {
	return s.filter(func(*Task) bool { return true })
}

func (s *Store) ByStatus(status Status) []Task {
	return s.filter(func(t *Task) bool { return t.Status == status })
}

func (s *Store) ByParent(parentSessionID string) []Task {
	return s.filter(func(t *Task) bool { return t.Parent.SessionID == parentSessionID })
}

// TerminalOlderThan returns terminal tasks whose completion is more than maxAge
// before now. A non-positive maxAge matches every terminal task.
func (s *Store) TerminalOlderThan(maxAge time.Duration, now time.Time) []Task {
	return s.filter(func(t *Task) bool {
		if !t.Status.Terminal() || t.CompletedAt == nil {
			return false
		}
		return maxAge <= 0 || now.Sub(*t.CompletedAt) > maxAge
	})
}

func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

func (s *Store) filter(keep func(*Task) bool) []Task {
	s.mu.RLock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if keep(t) {
			out = append(out, t.Clone())
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Store) removePendingLocked(parentSessionID, taskID string) {
	set, ok := s.pendingByParent[parentSessionID]
	if !ok {
		return
	}
	delete(set, taskID)
	if len(set) == 0 {
		delete(s.pendingByParent, parentSessionID)
	}
}

func (s *Store) publishLocked(evt Event) {
	for _, key := range []string{evt.ParentSessionID, ""} {
		for _, ch := range s.subscribers[key] {
			select {
			case ch <- evt:
			default:
				if s.onDrop != nil {
					s.onDrop(evt)
				}
			}
		}
		if evt.ParentSessionID == "" {
			break
		}
	}
}
