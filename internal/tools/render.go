package tools

import (
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/kiro/internal/background"
)

const resultPreviewLimit = 500

type renderer struct {
	now func() time.Time
	loc *time.Location
}

var statusIcons = map[background.Status]string{
	background.StatusPending:   "⏳",
	background.StatusRunning:   "🔄",
	background.StatusCompleted: "✅",
	background.StatusFailed:    "❌",
	background.StatusCancelled: "🚫",
}

func icon(s background.Status) string {
	return statusIcons[s]
}

func note(s background.Status) string {
	switch s {
	case background.StatusPending:
		return "Queued: waiting for execution slot."
	case background.StatusRunning:
		return "Running: use backgroundTaskOutput(wait=false) to check without blocking."
	case background.StatusCompleted:
		return "Completed: use backgroundTaskOutput to fetch full result."
	case background.StatusFailed:
		return "Failed: inspect error and latest progress below."
	default:
		return "Cancelled: task was stopped before completion."
	}
}

// seconds is the whole-second runtime shown in tables. A finished task is
// measured from its start (or creation), a running one up to now.
func (r renderer) seconds(created time.Time, started, completed *time.Time) int64 {
	var d time.Duration
	switch {
	case completed != nil:
		from := created
		if started != nil {
			from = *started
		}
		d = completed.Sub(from)
	case started != nil:
		d = r.now().Sub(*started)
	}
	if d < 0 {
		return 0
	}
	return int64(d.Round(time.Second) / time.Second)
}

func (r renderer) taskSeconds(t background.Task) int64 {
	return r.seconds(t.CreatedAt, t.StartedAt, t.CompletedAt)
}

func (r renderer) progressLines(progress []background.ProgressUpdate) string {
	if len(progress) == 0 {
		return "(No progress updates yet)"
	}
	lines := make([]string, 0, len(progress))
	for _, p := range progress {
		lines = append(lines, fmt.Sprintf("- [%s] %s: %s",
			p.Timestamp.In(r.loc).Format("15:04:05"),
			strings.ToUpper(string(p.Type)),
			p.Message,
		))
	}
	return strings.Join(lines, "\n")
}

func (r renderer) statusView(t background.Task, info string) string {
	var b strings.Builder
	b.WriteString("# Task Status\n\n")
	b.WriteString("| Field | Value |\n|---|---|\n")
	fmt.Fprintf(&b, "| Task ID | `%s` |\n", t.ID)
	fmt.Fprintf(&b, "| Agent | %s |\n", t.Agent)
	fmt.Fprintf(&b, "| Status | %s %s |\n", icon(t.Status), t.Status)
	fmt.Fprintf(&b, "| Created | %s |\n", t.CreatedAt.In(r.loc).Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "| Duration | %ds |\n\n", r.taskSeconds(t))
	fmt.Fprintf(&b, "> %s\n", note(t.Status))
	if info != "" {
		fmt.Fprintf(&b, "> %s\n", info)
	}
	b.WriteString("\n## Progress\n")
	b.WriteString(r.progressLines(t.Progress))
	b.WriteString("\n\n")
	if t.Error != "" {
		fmt.Fprintf(&b, "\n## Error\n%s\n", t.Error)
	}
	if t.Result != "" {
		fmt.Fprintf(&b, "\n## Result Preview\n%s\n", preview(t.Result))
	}
	return b.String()
}

func (r renderer) resultView(t background.Task, output string) string {
	// Runtime counts from start only; a task that never started reads as zero.
	created := r.now()
	if t.StartedAt != nil {
		created = *t.StartedAt
	}
	if output == "" {
		output = "(No output)"
	}

	var b strings.Builder
	b.WriteString("# Task Result\n\n")
	b.WriteString("| Field | Value |\n|---|---|\n")
	fmt.Fprintf(&b, "| Task ID | `%s` |\n", t.ID)
	fmt.Fprintf(&b, "| Agent | %s |\n", t.Agent)
	fmt.Fprintf(&b, "| Status | %s %s |\n", icon(t.Status), t.Status)
	fmt.Fprintf(&b, "| Duration | %ds |\n\n", r.seconds(created, t.StartedAt, t.CompletedAt))
	b.WriteString("## Output\n")
	b.WriteString(output)
	return b.String()
}

func preview(s string) string {
	runes := []rune(s)
	if len(runes) <= resultPreviewLimit {
		return s
	}
	return string(runes[:resultPreviewLimit]) + "..."
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
