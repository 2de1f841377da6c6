package reliability

import (
	"strings"
)

// namedError is implemented by errors that carry a distinct name, such as
// host API errors decoded from a {name, data:{message}} payload.
type namedError interface {
	error
	Name() string
}

// ErrorText normalizes an arbitrary failure value into a single line of text.
func ErrorText(v any) string {
	switch e := v.(type) {
	case nil:
		return ""
	case string:
		return e
	case namedError:
		if e.Name() == "" {
			return e.Error()
		}
		return e.Name() + ": " + e.Error()
	case error:
		return e.Error()
	case map[string]any:
		if msg, ok := e["message"].(string); ok {
			return msg
		}
		if name, ok := e["name"].(string); ok {
			return name
		}
	}
	return ""
}

// IsAbortedSession reports whether the failure means the target session was aborted.
func IsAbortedSession(v any) bool {
	return strings.Contains(strings.ToLower(ErrorText(v)), "aborted")
}

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
