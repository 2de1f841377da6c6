package background

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ent0n29/kiro/internal/opencode"
)

// Finish reasons that mean the assistant is still working.
var nonTerminalFinish = map[string]bool{
	"tool-calls": true,
	"unknown":    true,
}

// poller waits for a remote session to produce a final assistant message.
type poller struct {
	api      SessionAPI
	clock    Clock
	interval time.Duration
	timeout  time.Duration
	onTick   func()
}

// wait polls until the session settles. abort is the task's cancellation
// signal; ctx scopes the remote calls.
func (p *poller) wait(ctx, abort context.Context, sessionID string) (string, error) {
	start := p.clock.Now()
	for {
		if abort.Err() != nil {
			return "", ErrCancelled
		}
		if p.clock.Now().Sub(start) > p.timeout {
			return "", &TimeoutError{Limit: p.timeout}
		}
		if p.onTick != nil {
			p.onTick()
		}

		statuses, err := p.api.SessionStatus(ctx)
		if err != nil {
			statuses = nil
		}
		if st, ok := statuses[sessionID]; ok && st.Type != opencode.StatusIdle {
			_ = p.clock.Sleep(abort, p.interval)
			continue
		}

		messages, err := p.api.Messages(ctx, sessionID)
		if err != nil {
			messages = nil
		}
		if last, ok := lastAssistant(messages); ok {
			text := messageText(last)
			isFinal := last.Info.Finish != "" && !nonTerminalFinish[last.Info.Finish]
			if isFinal || strings.TrimSpace(text) != "" {
				return text, nil
			}
		}

		_ = p.clock.Sleep(abort, p.interval)
	}
}

// lastAssistant picks the newest assistant message, ordering by created time,
// then by a numeric message id, then by position. Ties keep the earliest entry.
func lastAssistant(messages []opencode.Message) (opencode.Message, bool) {
	var (
		best    opencode.Message
		bestKey float64
		found   bool
	)
	for i, msg := range messages {
		if msg.Info.Role != "assistant" {
			continue
		}
		key := messageOrder(msg, i)
		if !found || key > bestKey {
			best, bestKey, found = msg, key, true
		}
	}
	return best, found
}

// messageOrder keys a message by its created time, then a numeric id, then
// its position. Only finite numbers count.
func messageOrder(msg opencode.Message, index int) float64 {
	if c := msg.Info.Time.Created; c != nil && finite(*c) {
		return *c
	}
	if id := strings.TrimSpace(msg.Info.ID); id != "" {
		if n, err := strconv.ParseFloat(id, 64); err == nil && finite(n) {
			return n
		}
	}
	return float64(index)
}

func finite(f float64) bool {
	return !math.IsInf(f, 0) && !math.IsNaN(f)
}

// messageText joins text and reasoning parts with newlines.
func messageText(msg opencode.Message) string {
	var parts []string
	for _, p := range msg.Parts {
		if p.Type == "text" || p.Type == "reasoning" {
			parts = append(parts, p.Text)
		}
	}
	return strings.Join(parts, "\n")
}
