package opencode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to an OpenCode-compatible host over its HTTP session API.
type Client struct {
	baseURL   string
	directory string
	client    *http.Client
}

func NewClient(baseURL, directory string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		directory: strings.TrimSpace(directory),
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *Client) GetSession(ctx context.Context, id string) (Session, error) {
	var out Session
	err := c.do(ctx, http.MethodGet, "/session/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (Session, error) {
	query := url.Values{}
	if dir := firstNonEmpty(req.Directory, c.directory); dir != "" {
		query.Set("directory", dir)
	}
	var out Session
	err := c.do(ctx, http.MethodPost, "/session", query, req, &out)
	return out, err
}

func (c *Client) PromptAsync(ctx context.Context, sessionID string, req PromptRequest) error {
	return c.do(ctx, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/prompt_async", nil, req, nil)
}

func (c *Client) SessionStatus(ctx context.Context) (map[string]SessionStatus, error) {
	out := map[string]SessionStatus{}
	err := c.do(ctx, http.MethodGet, "/session/status", nil, nil, &out)
	return out, err
}

func (c *Client) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	var out []Message
	err := c.do(ctx, http.MethodGet, "/session/"+url.PathEscape(sessionID)+"/message", nil, nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	res, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return parseAPIError(res.StatusCode, raw)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
