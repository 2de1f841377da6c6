package opencode

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MockHost is an in-memory host that answers every child prompt immediately.
type MockHost struct {
	mu       sync.Mutex
	seq      int
	sessions map[string]Session
	statuses map[string]SessionStatus
	messages map[string][]Message
	prompts  map[string][]PromptRequest

	createErr error
	promptErr error
}

func NewMockHost() *MockHost {
	return &MockHost{
		sessions: map[string]Session{},
		statuses: map[string]SessionStatus{},
		messages: map[string][]Message{},
		prompts:  map[string][]PromptRequest{},
	}
}

// AddSession seeds a session, typically the requesting parent.
func (h *MockHost) AddSession(s Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.ID] = s
	h.statuses[s.ID] = SessionStatus{Type: StatusIdle}
}

// AppendMessage adds a message to a session's history.
func (h *MockHost) AppendMessage(sessionID string, msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages[sessionID] = append(h.messages[sessionID], msg)
}

// FailCreate makes every CreateSession call return err.
func (h *MockHost) FailCreate(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.createErr = err
}

// FailPrompt makes every PromptAsync call return err.
func (h *MockHost) FailPrompt(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.promptErr = err
}

// Prompts returns the prompts sent to a session so far.
func (h *MockHost) Prompts(sessionID string) []PromptRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]PromptRequest(nil), h.prompts[sessionID]...)
}

func (h *MockHost) GetSession(ctx context.Context, id string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	if !ok {
		return Session{}, &APIError{StatusCode: 404, ErrName: "NotFoundError", Message: fmt.Sprintf("session %s not found", id)}
	}
	return s, nil
}

func (h *MockHost) CreateSession(ctx context.Context, req CreateSessionRequest) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.createErr != nil {
		return Session{}, h.createErr
	}
	h.seq++
	s := Session{
		ID:        fmt.Sprintf("ses_mock_%d", h.seq),
		ParentID:  req.ParentID,
		Title:     req.Title,
		Directory: req.Directory,
	}
	h.sessions[s.ID] = s
	h.statuses[s.ID] = SessionStatus{Type: StatusIdle}
	return s, nil
}

func (h *MockHost) PromptAsync(ctx context.Context, sessionID string, req PromptRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.promptErr != nil {
		return h.promptErr
	}
	s, ok := h.sessions[sessionID]
	if !ok {
		return &APIError{StatusCode: 404, ErrName: "NotFoundError", Message: fmt.Sprintf("session %s not found", sessionID)}
	}
	h.prompts[sessionID] = append(h.prompts[sessionID], req)
	if s.ParentID == "" || req.NoReply {
		return nil
	}

	created := float64(time.Now().UnixMilli())
	h.messages[sessionID] = append(h.messages[sessionID],
		Message{Info: MessageInfo{Role: "user", Agent: req.Agent, Model: req.Model, Time: MessageTime{Created: &created}}, Parts: req.Parts},
		Message{
			Info:  MessageInfo{Role: "assistant", Agent: req.Agent, Finish: "stop", Time: MessageTime{Created: &created}},
			Parts: []Part{TextPart(buildMockReply(req))},
		},
	)
	h.statuses[sessionID] = SessionStatus{Type: StatusIdle}
	return nil
}

func (h *MockHost) SessionStatus(ctx context.Context) (map[string]SessionStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]SessionStatus, len(h.statuses))
	for id, st := range h.statuses {
		out[id] = st
	}
	return out, nil
}

func (h *MockHost) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Message(nil), h.messages[sessionID]...), nil
}

func buildMockReply(req PromptRequest) string {
	var text string
	for _, p := range req.Parts {
		if p.Type == "text" {
			text = strings.TrimSpace(p.Text)
			break
		}
	}
	if text == "" {
		return "Done."
	}
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	return fmt.Sprintf("Done: %s", text)
}
