package opencode

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ent0n29/kiro/internal/reliability"
)

func TestClientCreateSessionSendsParentAndDirectory(t *testing.T) {
	var gotQuery, gotParent, gotTitle string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/session" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotQuery = r.URL.Query().Get("directory")
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotParent = body["parentID"]
		gotTitle = body["title"]
		_, _ = w.Write([]byte(`{"id":"ses_child","parentID":"ses_parent"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "/default", time.Second)
	s, err := c.CreateSession(context.Background(), CreateSessionRequest{
		ParentID:  "ses_parent",
		Title:     "Background task (@kiroExplore)",
		Directory: "/work",
	})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if s.ID != "ses_child" {
		t.Fatalf("session id = %q, want ses_child", s.ID)
	}
	if gotQuery != "/work" || gotParent != "ses_parent" || gotTitle != "Background task (@kiroExplore)" {
		t.Fatalf("unexpected request: directory=%q parent=%q title=%q", gotQuery, gotParent, gotTitle)
	}
}

func TestClientErrorPayloadShapes(t *testing.T) {
	cases := []struct {
		name     string
		status   int
		body     string
		wantMsg  string
		wantName string
	}{
		{"string error", 400, `{"error":"boom"}`, "boom", ""},
		{"nested error", 500, `{"error":{"name":"MessageAbortedError","message":"aborted"}}`, "aborted", "MessageAbortedError"},
		{"named data", 409, `{"name":"MessageAbortedError","data":{"message":"session aborted"}}`, "session aborted", "MessageAbortedError"},
		{"plain text", 502, `bad gateway`, "bad gateway", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			err := NewClient(srv.URL, "", time.Second).PromptAsync(context.Background(), "ses_1", PromptRequest{Parts: []Part{TextPart("hi")}})
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("error = %v, want *APIError", err)
			}
			if apiErr.Error() != tc.wantMsg || apiErr.Name() != tc.wantName || apiErr.StatusCode != tc.status {
				t.Fatalf("apiErr = %+v, want message %q name %q", apiErr, tc.wantMsg, tc.wantName)
			}
		})
	}
}

func TestClientAbortedErrorIsClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"name":"MessageAbortedError","data":{"message":"stopped"}}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "", time.Second).Messages(context.Background(), "ses_1")
	if !reliability.IsAbortedSession(err) {
		t.Fatalf("IsAbortedSession(%v) = false, want true", err)
	}
}

func TestClientStatusAndMessages(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/session/status", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ses_1":{"type":"busy"},"ses_2":{"type":"idle"}}`))
	})
	mux.HandleFunc("/session/ses_1/message", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"info":{"id":"m1","role":"assistant","finish":"stop","time":{"created":1700000000000}},"parts":[{"type":"text","text":"hello"}]}]`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Second)
	statuses, err := c.SessionStatus(context.Background())
	if err != nil {
		t.Fatalf("SessionStatus() error = %v", err)
	}
	if statuses["ses_1"].Type != "busy" || statuses["ses_2"].Type != StatusIdle {
		t.Fatalf("statuses = %+v", statuses)
	}

	msgs, err := c.Messages(context.Background(), "ses_1")
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if len(msgs) != 1 || msgs[0].Info.Finish != "stop" || msgs[0].Info.Time.Created == nil {
		t.Fatalf("messages = %+v", msgs)
	}
	if *msgs[0].Info.Time.Created != 1700000000000 {
		t.Fatalf("created = %v", *msgs[0].Info.Time.Created)
	}
}

func TestClientPromptAsyncAlwaysSendsNoReply(t *testing.T) {
	var raw map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/session/ses_p/prompt_async" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&raw)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := NewClient(srv.URL, "", time.Second).PromptAsync(context.Background(), "ses_p", PromptRequest{
		Parts: []Part{TextPart("done")},
	})
	if err != nil {
		t.Fatalf("PromptAsync() error = %v", err)
	}
	if v, ok := raw["noReply"]; !ok || v != false {
		t.Fatalf("noReply = %v (present=%v), want false", v, ok)
	}
	if _, ok := raw["model"]; ok {
		t.Fatalf("model must be omitted when unset")
	}
}

func TestMockHostRepliesToChildSessions(t *testing.T) {
	ctx := context.Background()
	h := NewMockHost()
	h.AddSession(Session{ID: "parent"})

	child, err := h.CreateSession(ctx, CreateSessionRequest{ParentID: "parent", Title: "t"})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if err := h.PromptAsync(ctx, child.ID, PromptRequest{Parts: []Part{TextPart("map the repo\nmore")}}); err != nil {
		t.Fatalf("PromptAsync() error = %v", err)
	}
	msgs, _ := h.Messages(ctx, child.ID)
	if len(msgs) != 2 || msgs[1].Info.Role != "assistant" || msgs[1].Parts[0].Text != "Done: map the repo" {
		t.Fatalf("messages = %+v", msgs)
	}

	if err := h.PromptAsync(ctx, "parent", PromptRequest{Parts: []Part{TextPart("note")}}); err != nil {
		t.Fatalf("PromptAsync(parent) error = %v", err)
	}
	if got := len(h.Prompts("parent")); got != 1 {
		t.Fatalf("parent prompts = %d, want 1", got)
	}
	if msgs, _ := h.Messages(ctx, "parent"); len(msgs) != 0 {
		t.Fatalf("parent should not get a reply, got %d messages", len(msgs))
	}
}

func TestParseModelRef(t *testing.T) {
	tests := []struct {
		raw      string
		provider string
		model    string
		ok       bool
	}{
		{raw: "zai-coding-plan/glm-5", provider: "zai-coding-plan", model: "glm-5", ok: true},
		{raw: " openrouter/anthropic/claude ", provider: "openrouter", model: "anthropic/claude", ok: true},
		{raw: "glm-5"},
		{raw: "/glm-5"},
		{raw: "provider/"},
		{raw: ""},
	}
	for _, tt := range tests {
		got, ok := ParseModelRef(tt.raw)
		if ok != tt.ok {
			t.Fatalf("ParseModelRef(%q) ok = %v, want %v", tt.raw, ok, tt.ok)
		}
		if !ok {
			continue
		}
		if got.ProviderID != tt.provider || got.ModelID != tt.model {
			t.Fatalf("ParseModelRef(%q) = %+v", tt.raw, got)
		}
	}
}
