package opencode

import "strings"

// ModelRef selects a provider/model pair on the host.
type ModelRef struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// ParseModelRef splits a "provider/model" string. The model part may itself
// contain slashes.
func ParseModelRef(raw string) (*ModelRef, bool) {
	provider, model, ok := strings.Cut(strings.TrimSpace(raw), "/")
	if !ok || provider == "" || model == "" {
		return nil, false
	}
	return &ModelRef{ProviderID: provider, ModelID: model}, true
}

// Valid reports whether both identifiers are populated.
func (m *ModelRef) Valid() bool {
	return m != nil && m.ProviderID != "" && m.ModelID != ""
}

// Session is a conversational execution context on the host.
type Session struct {
	ID        string `json:"id"`
	ParentID  string `json:"parentID,omitempty"`
	Title     string `json:"title,omitempty"`
	Directory string `json:"directory,omitempty"`
}

// CreateSessionRequest opens a child session. Directory is sent as a query parameter.
type CreateSessionRequest struct {
	ParentID  string `json:"parentID,omitempty"`
	Title     string `json:"title,omitempty"`
	Directory string `json:"-"`
}

// Part is one content block of a message or prompt.
type Part struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TextPart builds a plain text part.
func TextPart(text string) Part {
	return Part{Type: "text", Text: text}
}

// PromptRequest is the body of an asynchronous prompt.
type PromptRequest struct {
	Agent   string          `json:"agent,omitempty"`
	System  string          `json:"system,omitempty"`
	Model   *ModelRef       `json:"model,omitempty"`
	Parts   []Part          `json:"parts"`
	Tools   map[string]bool `json:"tools,omitempty"`
	NoReply bool            `json:"noReply"`
}

type MessageTime struct {
	Created   *float64 `json:"created,omitempty"`
	Completed *float64 `json:"completed,omitempty"`
}

type MessageInfo struct {
	ID     string      `json:"id,omitempty"`
	Role   string      `json:"role,omitempty"`
	Agent  string      `json:"agent,omitempty"`
	Finish string      `json:"finish,omitempty"`
	Model  *ModelRef   `json:"model,omitempty"`
	Time   MessageTime `json:"time"`
}

// Message is one entry of a session's history.
type Message struct {
	Info  MessageInfo `json:"info"`
	Parts []Part      `json:"parts"`
}

// SessionStatus is the host's activity marker for a session.
type SessionStatus struct {
	Type string `json:"type"`
}

const StatusIdle = "idle"
