package background

import (
	"fmt"
	"strings"
	"time"
)

// NotificationInput describes what a parent session is told when tasks finish.
type NotificationInput struct {
	Task           Task
	AllComplete    bool
	RemainingCount int
	CompletedTasks []Task
	Now            time.Time
}

// BuildNotification renders the system reminder injected into the parent session.
func BuildNotification(in NotificationInput) string {
	task := in.Task
	if in.AllComplete {
		var lines []string
		for _, t := range in.CompletedTasks {
			lines = append(lines, fmt.Sprintf("- `%s`: %s", t.ID, t.Description))
		}
		if len(lines) == 0 {
			lines = append(lines, fmt.Sprintf("- `%s`: %s", task.ID, task.Description))
		}
		return "<system-reminder>\n" +
			"[ALL BACKGROUND TASKS COMPLETE]\n\n" +
			"**Completed:**\n" +
			strings.Join(lines, "\n") + "\n\n" +
			"Use `backgroundTaskOutput(task_id=\"<id>\")` to retrieve each result.\n" +
			"</system-reminder>"
	}

	duration := "N/A"
	if task.StartedAt != nil {
		end := in.Now
		if task.CompletedAt != nil {
			end = *task.CompletedAt
		}
		duration = FormatDuration(end.Sub(*task.StartedAt))
	}
	errorInfo := ""
	if task.Error != "" {
		errorInfo = "\n**Error:** " + task.Error
	}
	plural := "s"
	if in.RemainingCount == 1 {
		plural = ""
	}

	var b strings.Builder
	b.WriteString("<system-reminder>\n")
	fmt.Fprintf(&b, "[BACKGROUND TASK %s]\n", statusHeadline(task.Status))
	fmt.Fprintf(&b, "**ID:** `%s`\n", task.ID)
	fmt.Fprintf(&b, "**Description:** %s\n", task.Description)
	fmt.Fprintf(&b, "**Duration:** %s%s\n\n", duration, errorInfo)
	fmt.Fprintf(&b, "**%d task%s still in progress.** You WILL be notified when ALL complete.\n", in.RemainingCount, plural)
	b.WriteString("Do NOT poll - continue productive work.\n\n")
	fmt.Fprintf(&b, "Use `backgroundTaskOutput(task_id=\"%s\")` to retrieve this result when ready.\n", task.ID)
	b.WriteString("</system-reminder>")
	return b.String()
}

func statusHeadline(s Status) string {
	switch s {
	case StatusCompleted:
		return "COMPLETED"
	case StatusFailed:
		return "ERROR"
	case StatusCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// FormatDuration renders <1s, 42s, 3m 5s, 3m, 2h 4m or 2h.
func FormatDuration(d time.Duration) string {
	ms := d.Milliseconds()
	switch {
	case ms < 1000:
		return "<1s"
	case ms < 60000:
		return fmt.Sprintf("%ds", ms/1000)
	case ms < 3600000:
		minutes := ms / 60000
		seconds := (ms % 60000) / 1000
		if seconds > 0 {
			return fmt.Sprintf("%dm %ds", minutes, seconds)
		}
		return fmt.Sprintf("%dm", minutes)
	default:
		hours := ms / 3600000
		minutes := (ms % 3600000) / 60000
		if minutes > 0 {
			return fmt.Sprintf("%dh %dm", hours, minutes)
		}
		return fmt.Sprintf("%dh", hours)
	}
}
