package background

import (
	"testing"
	"time"
)

func TestBuildNotificationAllComplete(t *testing.T) {
	a := Task{ID: "bg-a", Description: "map auth"}
	b := Task{ID: "bg-b", Description: "read config"}

	got := BuildNotification(NotificationInput{Task: b, AllComplete: true, CompletedTasks: []Task{a, b}})
	want := "<system-reminder>\n" +
		"[ALL BACKGROUND TASKS COMPLETE]\n\n" +
		"**Completed:**\n" +
		"- `bg-a`: map auth\n" +
		"- `bg-b`: read config\n\n" +
		"Use `backgroundTaskOutput(task_id=\"<id>\")` to retrieve each result.\n" +
		"</system-reminder>"
	if got != want {
		t.Fatalf("BuildNotification() =\n%s\nwant\n%s", got, want)
	}
}

func TestBuildNotificationAllCompleteFallsBackToTask(t *testing.T) {
	got := BuildNotification(NotificationInput{Task: Task{ID: "bg-x", Description: "solo"}, AllComplete: true})
	if !containsAll(got, "- `bg-x`: solo") {
		t.Fatalf("expected fallback line, got:\n%s", got)
	}
}

func TestBuildNotificationSingleTask(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(95 * time.Second)
	task := Task{
		ID:          "bg-1",
		Description: "explore",
		Status:      StatusFailed,
		StartedAt:   &start,
		CompletedAt: &end,
		Error:       "Failed to prompt session: nope",
	}

	got := BuildNotification(NotificationInput{Task: task, RemainingCount: 1})
	want := "<system-reminder>\n" +
		"[BACKGROUND TASK ERROR]\n" +
		"**ID:** `bg-1`\n" +
		"**Description:** explore\n" +
		"**Duration:** 1m 35s\n" +
		"**Error:** Failed to prompt session: nope\n\n" +
		"**1 task still in progress.** You WILL be notified when ALL complete.\n" +
		"Do NOT poll - continue productive work.\n\n" +
		"Use `backgroundTaskOutput(task_id=\"bg-1\")` to retrieve this result when ready.\n" +
		"</system-reminder>"
	if got != want {
		t.Fatalf("BuildNotification() =\n%s\nwant\n%s", got, want)
	}

	task.Status = StatusPending
	task.StartedAt = nil
	task.Error = ""
	got = BuildNotification(NotificationInput{Task: task, RemainingCount: 3})
	if !containsAll(got, "[BACKGROUND TASK UNKNOWN]", "**Duration:** N/A\n\n", "**3 tasks still in progress.**") {
		t.Fatalf("unexpected render:\n%s", got)
	}
}

func TestFormatDuration(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want string
	}{
		{0, "<1s"},
		{999 * time.Millisecond, "<1s"},
		{time.Second, "1s"},
		{59*time.Second + 900*time.Millisecond, "59s"},
		{time.Minute, "1m"},
		{3*time.Minute + 5*time.Second, "3m 5s"},
		{time.Hour, "1h"},
		{2*time.Hour + 4*time.Minute + 30*time.Second, "2h 4m"},
	}
	for _, tc := range cases {
		if got := FormatDuration(tc.in); got != tc.want {
			t.Fatalf("FormatDuration(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
