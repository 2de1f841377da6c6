package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientSubscribe   MessageType = "client_subscribe"
	TypeClientUnsubscribe MessageType = "client_unsubscribe"
	TypeClientCancel      MessageType = "client_cancel"
	TypeTaskEvent         MessageType = "task_event"
	TypeSystemEvent       MessageType = "system_event"
	TypeErrorEvent        MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientSubscribe narrows the stream to one parent session. An empty
// ParentSessionID subscribes to every task.
type ClientSubscribe struct {
	Type            MessageType `json:"type"`
	ParentSessionID string      `json:"parent_session_id"`
}

type ClientUnsubscribe struct {
	Type MessageType `json:"type"`
}

type ClientCancel struct {
	Type   MessageType `json:"type"`
	TaskID string      `json:"task_id"`
}

type TaskEvent struct {
	Type            MessageType `json:"type"`
	Event           string      `json:"event"`
	TaskID          string      `json:"task_id"`
	ParentSessionID string      `json:"parent_session_id"`
	Status          string      `json:"status"`
	Message         string      `json:"message,omitempty"`
	ProgressType    string      `json:"progress_type,omitempty"`
	TSMs            int64       `json:"ts_ms"`
}

type SystemEvent struct {
	Type   MessageType `json:"type"`
	Code   string      `json:"code"`
	Detail string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientSubscribe:
		var msg ClientSubscribe
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeClientUnsubscribe:
		return ClientUnsubscribe{Type: env.Type}, nil
	case TypeClientCancel:
		var msg ClientCancel
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.TaskID == "" {
			return nil, errors.New("invalid client_cancel")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
