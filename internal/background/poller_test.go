package background

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ent0n29/kiro/internal/opencode"
)

func created(v float64) *float64 { return &v }

func assistant(id string, at *float64, finish string, texts ...string) opencode.Message {
	msg := opencode.Message{Info: opencode.MessageInfo{ID: id, Role: "assistant", Finish: finish, Time: opencode.MessageTime{Created: at}}}
	for _, text := range texts {
		msg.Parts = append(msg.Parts, opencode.TextPart(text))
	}
	return msg
}

func TestLastAssistantOrdering(t *testing.T) {
	cases := []struct {
		name     string
		messages []opencode.Message
		want     string
	}{
		{
			name: "created time wins over position",
			messages: []opencode.Message{
				assistant("m2", created(200), "stop", "newest"),
				assistant("m1", created(100), "stop", "older"),
			},
			want: "newest",
		},
		{
			name: "numeric id when created is missing",
			messages: []opencode.Message{
				assistant("9", nil, "stop", "nine"),
				assistant("3", nil, "stop", "three"),
			},
			want: "nine",
		},
		{
			name: "non-finite ids fall back to position",
			messages: []opencode.Message{
				assistant("Inf", nil, "stop", "inf"),
				assistant("NaN", nil, "stop", "nan"),
				assistant("msg_c", nil, "stop", "third"),
			},
			want: "third",
		},
		{
			name: "position when neither is usable",
			messages: []opencode.Message{
				assistant("msg_a", nil, "stop", "first"),
				assistant("msg_b", nil, "stop", "second"),
			},
			want: "second",
		},
		{
			name: "ties keep the earliest entry",
			messages: []opencode.Message{
				assistant("a", created(5), "stop", "first"),
				assistant("b", created(5), "stop", "second"),
			},
			want: "first",
		},
		{
			name: "user messages are ignored",
			messages: []opencode.Message{
				assistant("a", created(1), "stop", "answer"),
				{Info: opencode.MessageInfo{Role: "user", Time: opencode.MessageTime{Created: created(9)}}, Parts: []opencode.Part{opencode.TextPart("question")}},
			},
			want: "answer",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := lastAssistant(tc.messages)
			if !ok {
				t.Fatalf("lastAssistant() found nothing")
			}
			if text := messageText(got); text != tc.want {
				t.Fatalf("lastAssistant() text = %q, want %q", text, tc.want)
			}
		})
	}

	if _, ok := lastAssistant(nil); ok {
		t.Fatalf("lastAssistant(nil) should find nothing")
	}
}

func TestMessageTextJoinsTextAndReasoning(t *testing.T) {
	msg := opencode.Message{Parts: []opencode.Part{
		{Type: "reasoning", Text: "thinking"},
		{Type: "tool", Text: "ignored"},
		{Type: "text", Text: "answer"},
	}}
	if got := messageText(msg); got != "thinking\nanswer" {
		t.Fatalf("messageText() = %q", got)
	}
}

// scriptedAPI replays a sequence of status/message snapshots, one per poll.
type scriptedAPI struct {
	*fakeHost
	steps []func(*scriptedAPI)
	polls int
}

func (s *scriptedAPI) SessionStatus(ctx context.Context) (map[string]opencode.SessionStatus, error) {
	if s.polls < len(s.steps) {
		s.steps[s.polls](s)
	}
	s.polls++
	return s.fakeHost.SessionStatus(ctx)
}

func TestPollerKeepsWaitingOnNonTerminalFinish(t *testing.T) {
	api := &scriptedAPI{fakeHost: newFakeHost()}
	api.steps = []func(*scriptedAPI){
		func(s *scriptedAPI) { s.statuses["child"] = "busy" },
		func(s *scriptedAPI) {
			s.statuses["child"] = opencode.StatusIdle
			s.messages["child"] = []opencode.Message{assistant("1", created(1), "tool-calls")}
		},
		func(s *scriptedAPI) {
			s.messages["child"] = append(s.messages["child"], assistant("2", created(2), "unknown"))
		},
		func(s *scriptedAPI) {
			s.messages["child"] = append(s.messages["child"], assistant("3", created(3), "stop"))
		},
	}
	p := &poller{api: api, clock: newFakeClock(), interval: time.Second, timeout: time.Minute}

	got, err := p.wait(context.Background(), context.Background(), "child")
	if err != nil {
		t.Fatalf("wait() error = %v", err)
	}
	if got != "" {
		t.Fatalf("wait() = %q, want empty final text", got)
	}
	if api.polls != 4 {
		t.Fatalf("polls = %d, want 4", api.polls)
	}
}

func TestPollerAcceptsTextWithoutFinish(t *testing.T) {
	api := &scriptedAPI{fakeHost: newFakeHost()}
	api.steps = []func(*scriptedAPI){
		func(s *scriptedAPI) { s.messages["child"] = []opencode.Message{assistant("1", created(1), "", "partial answer")} },
	}
	p := &poller{api: api, clock: newFakeClock(), interval: time.Second, timeout: time.Minute}

	got, err := p.wait(context.Background(), context.Background(), "child")
	if err != nil || got != "partial answer" {
		t.Fatalf("wait() = %q, %v", got, err)
	}
}

func TestPollerSwallowsTransientErrors(t *testing.T) {
	api := &scriptedAPI{fakeHost: newFakeHost()}
	api.steps = []func(*scriptedAPI){
		func(s *scriptedAPI) { s.statusErr = errors.New("connection reset") },
		func(s *scriptedAPI) {
			s.statusErr = nil
			s.messages["child"] = []opencode.Message{assistant("1", created(1), "stop", "ok")}
		},
	}
	p := &poller{api: api, clock: newFakeClock(), interval: time.Second, timeout: time.Minute}

	got, err := p.wait(context.Background(), context.Background(), "child")
	if err != nil || got != "ok" {
		t.Fatalf("wait() = %q, %v", got, err)
	}
}

func TestPollerTimeoutAndAbort(t *testing.T) {
	api := newFakeHost()
	api.statuses["child"] = "busy"
	clock := newFakeClock()
	p := &poller{api: api, clock: clock, interval: time.Second, timeout: 10 * time.Minute}

	_, err := p.wait(context.Background(), context.Background(), "child")
	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) || err.Error() != "Task timeout after 600 seconds" {
		t.Fatalf("wait() error = %v, want poll timeout", err)
	}
	if elapsed := clock.Now().Sub(newFakeClock().Now()); elapsed <= 10*time.Minute {
		t.Fatalf("virtual time elapsed = %v, want > 10m", elapsed)
	}

	abort, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.wait(context.Background(), abort, "child"); !errors.Is(err, ErrCancelled) {
		t.Fatalf("wait() with aborted signal error = %v, want ErrCancelled", err)
	}
}
