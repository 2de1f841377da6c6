package opencode

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ent0n29/kiro/internal/reliability"
)

// APIError is a non-2xx answer from the host.
type APIError struct {
	StatusCode int
	ErrName    string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("opencode http status %d", e.StatusCode)
}

// Name returns the host's error class, e.g. MessageAbortedError.
func (e *APIError) Name() string { return e.ErrName }

// Retryable reports whether the same request may succeed later.
func (e *APIError) Retryable() bool {
	return reliability.IsRetryableHTTPStatus(e.StatusCode)
}

// parseAPIError accepts the shapes the host uses for failures:
// {"error":"text"}, {"error":{"name","message"}}, {"name","data":{"message"}}, {"message"}.
func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	var payload struct {
		Error   json.RawMessage `json:"error"`
		Name    string          `json:"name"`
		Message string          `json:"message"`
		Data    struct {
			Message string `json:"message"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		apiErr.Message = strings.TrimSpace(string(body))
		return apiErr
	}

	apiErr.ErrName = payload.Name
	switch {
	case len(payload.Error) > 0:
		var text string
		if err := json.Unmarshal(payload.Error, &text); err == nil {
			apiErr.Message = text
			break
		}
		var nested struct {
			Name    string `json:"name"`
			Message string `json:"message"`
			Data    struct {
				Message string `json:"message"`
			} `json:"data"`
		}
		if err := json.Unmarshal(payload.Error, &nested); err == nil {
			if nested.Name != "" {
				apiErr.ErrName = nested.Name
			}
			apiErr.Message = firstNonEmpty(nested.Message, nested.Data.Message)
		}
	case payload.Data.Message != "":
		apiErr.Message = payload.Data.Message
	default:
		apiErr.Message = payload.Message
	}
	if apiErr.Message == "" && apiErr.ErrName != "" {
		apiErr.Message = apiErr.ErrName
	}
	return apiErr
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
