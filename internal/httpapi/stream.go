package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/kiro/internal/background"
	"github.com/ent0n29/kiro/internal/protocol"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamReadTimeout  = 120 * time.Second
	streamPingInterval = 30 * time.Second
)

func taskEventMessage(evt background.Event) protocol.TaskEvent {
	return protocol.TaskEvent{
		Type:            protocol.TypeTaskEvent,
		Event:           string(evt.Type),
		TaskID:          evt.TaskID,
		ParentSessionID: evt.ParentSessionID,
		Status:          string(evt.Status),
		Message:         evt.Message,
		ProgressType:    string(evt.ProgressType),
		TSMs:            evt.At.UnixMilli(),
	}
}

// handleEventStream pushes task events for one parent session, or for every
// task when parent_session_id is empty. Clients can re-subscribe and cancel
// tasks over the same socket.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if s.metrics != nil {
		s.metrics.StreamClients.Inc()
		defer s.metrics.StreamClients.Dec()
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 16)
	go s.readStream(ctx, cancel, conn, inbound)

	parentID := strings.TrimSpace(r.URL.Query().Get("parent_session_id"))
	events, unsubscribe := s.manager.Subscribe(parentID)
	defer func() { unsubscribe() }()

	write := func(msg any, msgType protocol.MessageType) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			s.observeStream("outbound", msgType, "error")
			return false
		}
		s.observeStream("outbound", msgType, "sent")
		return true
	}
	subscribed := func(id string) bool {
		return write(protocol.SystemEvent{Type: protocol.TypeSystemEvent, Code: "subscribed", Detail: id}, protocol.TypeSystemEvent)
	}
	if !subscribed(parentID) {
		return
	}

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case evt, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !write(taskEventMessage(evt), protocol.TypeTaskEvent) {
				return
			}

		case msg := <-inbound:
			var sent bool
			switch m := msg.(type) {
			case protocol.ClientSubscribe:
				unsubscribe()
				parentID = strings.TrimSpace(m.ParentSessionID)
				events, unsubscribe = s.manager.Subscribe(parentID)
				sent = subscribed(parentID)
			case protocol.ClientUnsubscribe:
				unsubscribe()
				events, unsubscribe = nil, func() {}
				sent = write(protocol.SystemEvent{Type: protocol.TypeSystemEvent, Code: "unsubscribed"}, protocol.TypeSystemEvent)
			case protocol.ClientCancel:
				code := "cancel_rejected"
				if s.manager.CancelTask(m.TaskID) {
					code = "cancel_accepted"
				}
				sent = write(protocol.SystemEvent{Type: protocol.TypeSystemEvent, Code: code, Detail: m.TaskID}, protocol.TypeSystemEvent)
			case protocol.ErrorEvent:
				sent = write(m, protocol.TypeErrorEvent)
			default:
				sent = true
			}
			if !sent {
				return
			}

		case <-ping.C:
			deadline := time.Now().Add(streamWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// readStream owns the read side of the socket. Parse failures are turned into
// error events for the writer; any read error ends the stream.
func (s *Server) readStream(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, inbound chan<- any) {
	defer cancel()

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}

		var out any
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.observeStream("inbound", "invalid", "rejected")
			out = protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Retryable: false,
				Detail:    err.Error(),
			}
		} else {
			out = parsed
			s.observeStream("inbound", messageTypeOf(parsed), "accepted")
		}

		select {
		case <-ctx.Done():
			return
		case inbound <- out:
		}
	}
}

func (s *Server) observeStream(direction string, msgType protocol.MessageType, outcome string) {
	if s.metrics != nil {
		s.metrics.ObserveStreamMessage(direction, string(msgType), outcome)
	}
}

func messageTypeOf(v any) protocol.MessageType {
	switch m := v.(type) {
	case protocol.ClientSubscribe:
		return m.Type
	case protocol.ClientUnsubscribe:
		return m.Type
	case protocol.ClientCancel:
		return m.Type
	default:
		return "unknown"
	}
}
