package background

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrTaskNotFound = errors.New("Task not found")
	ErrUnknownAgent = errors.New("unknown agent")
	ErrCancelled    = errors.New("Task cancelled")
	ErrWaitTimeout  = errors.New("Timeout waiting for task")
	ErrClosed       = errors.New("background manager is closed")
)

// TimeoutError is returned when a task's session does not settle within the poll ceiling.
type TimeoutError struct {
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("Task timeout after %d seconds", int64(e.Limit/time.Second))
}

func notFound(taskID string) error {
	return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
}
