package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ent0n29/kiro/internal/background"
)

const (
	defaultOutputTimeoutMs = 60000
	maxOutputTimeoutMs     = 600000
)

var backgroundTaskSpec = Spec{
	Name: BackgroundTask,
	Description: `Start a subagent task in the background for parallel execution.

Use this tool when you want to run multiple tasks concurrently. The task runs
asynchronously and you can check its status later using backgroundTaskStatus.

Supported agents:
- kiroExplore: Fast codebase exploration
- requirements-first-workflow: Requirements gathering and spec creation
- spec-task-execution: Execute tasks from a spec
- context-gatherer: Gather context for a task
- general-task-execution: General development tasks

Returns a taskId that can be used to check status or cancel the task.`,
	Params: map[string]Param{
		"agent":       {Type: "string", Description: "The agent type to use (kiroExplore, spec-task-execution, etc.)", Required: true},
		"prompt":      {Type: "string", Description: "The task prompt for the subagent", Required: true},
		"description": {Type: "string", Description: "Optional description for tracking"},
	},
}

var backgroundTaskStatusSpec = Spec{
	Name: BackgroundTaskStatus,
	Description: `Check the status of a background task.

Returns current status (pending/running/completed/failed/cancelled),
progress updates, and timing information.`,
	Params: map[string]Param{
		"taskId": {Type: "string", Description: "The task ID to check", Required: true},
	},
}

var backgroundTaskOutputSpec = Spec{
	Name: BackgroundTaskOutput,
	Description: `Get the output/result of a background task.

Waits for task completion if still running (with optional timeout).
Returns the full result or error message.`,
	Params: map[string]Param{
		"taskId":  {Type: "string", Description: "The task ID to get output from", Required: true},
		"wait":    {Type: "boolean", Description: "Wait for completion if still running", Default: true},
		"timeout": {Type: "number", Description: "Timeout in ms when waiting (default: 60s)", Default: defaultOutputTimeoutMs},
	},
}

var backgroundTaskCancelSpec = Spec{
	Name: BackgroundTaskCancel,
	Description: `Cancel a running background task.

The task will be stopped and marked as cancelled.
Cannot be undone.`,
	Params: map[string]Param{
		"taskId": {Type: "string", Description: "The task ID to cancel"},
		"all":    {Type: "boolean", Description: "Cancel all running/pending tasks", Default: false},
	},
}

var listBackgroundTasksSpec = Spec{
	Name: ListBackgroundTasks,
	Description: `List all background tasks, optionally filtered by status.

Shows task IDs, agents, status, and timing information.`,
	Params: map[string]Param{},
}

type handlers struct {
	manager TaskManager
	view    renderer
}

func notFoundResult(taskID string) Result {
	return Result{
		Title:    "Task not found",
		Output:   "No task found with ID: " + taskID,
		Metadata: map[string]any{"error": "not_found"},
	}
}

func (h *handlers) backgroundTask(_ context.Context, call Call, raw json.RawMessage) (Result, error) {
	var args struct {
		Agent       string `json:"agent"`
		Prompt      string `json:"prompt"`
		Description string `json:"description"`
	}
	if err := decodeArgs(BackgroundTask, raw, &args); err != nil {
		return Result{}, err
	}

	if !background.IsKnownAgent(args.Agent) {
		return Result{
			Title:    "Invalid agent",
			Output:   fmt.Sprintf("Unknown agent '%s'. Available agents: %s", args.Agent, strings.Join(background.AgentNames(), ", ")),
			Metadata: map[string]any{"error": "invalid_agent"},
		}, nil
	}

	taskID, err := h.manager.CreateTask(background.CreateOptions{
		Agent:       args.Agent,
		Description: args.Description,
		Prompt:      args.Prompt,
		Parent:      call.Parent,
		ParentModel: call.ParentModel,
		OnProgress:  call.OnProgress,
	})
	if err != nil {
		return Result{
			Title:    "Failed to start background task",
			Output:   "Error starting background task: " + err.Error(),
			Metadata: map[string]any{"error": err.Error()},
		}, nil
	}

	title := args.Description
	if title == "" {
		title = "Background task: " + args.Agent
	}
	output := fmt.Sprintf(`Background task started successfully.

Task ID: %[1]s
Agent: %[2]s
Status: running

Use backgroundTaskStatus to check progress:
  backgroundTaskStatus({ taskId: "%[1]s" })

Use backgroundTaskOutput to get results when complete:
  backgroundTaskOutput({ taskId: "%[1]s" })

Use backgroundTaskCancel to cancel if needed:
  backgroundTaskCancel({ taskId: "%[1]s" })`, taskID, args.Agent)

	return Result{
		Title:    title,
		Output:   output,
		Metadata: map[string]any{"taskId": taskID, "status": "running"},
	}, nil
}

func (h *handlers) backgroundTaskStatus(_ context.Context, _ Call, raw json.RawMessage) (Result, error) {
	var args struct {
		TaskID string `json:"taskId"`
	}
	if err := decodeArgs(BackgroundTaskStatus, raw, &args); err != nil {
		return Result{}, err
	}

	task, ok := h.manager.GetTask(args.TaskID)
	if !ok {
		return notFoundResult(args.TaskID), nil
	}
	return Result{
		Title:  "Task status: " + string(task.Status),
		Output: h.view.statusView(task, ""),
		Metadata: map[string]any{
			"taskId":    task.ID,
			"status":    task.Status,
			"duration":  task.Duration(h.view.now()).Milliseconds(),
			"hasResult": task.Result != "",
		},
	}, nil
}

// outputTimeout applies the default to missing or non-positive values and
// caps the rest.
func outputTimeout(v *float64) float64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) || *v <= 0 {
		return defaultOutputTimeoutMs
	}
	return math.Min(*v, maxOutputTimeoutMs)
}

func (h *handlers) backgroundTaskOutput(ctx context.Context, _ Call, raw json.RawMessage) (Result, error) {
	var args struct {
		TaskID  string   `json:"taskId"`
		Wait    *bool    `json:"wait"`
		Timeout *float64 `json:"timeout"`
	}
	if err := decodeArgs(BackgroundTaskOutput, raw, &args); err != nil {
		return Result{}, err
	}

	task, ok := h.manager.GetTask(args.TaskID)
	if !ok {
		return notFoundResult(args.TaskID), nil
	}
	wait := args.Wait == nil || *args.Wait
	timeoutMs := outputTimeout(args.Timeout)

	statusResult := func(t background.Task, info string) Result {
		return Result{
			Title:    "Task output: status",
			Output:   h.view.statusView(t, info),
			Metadata: map[string]any{"taskId": t.ID, "status": t.Status, "view": "status"},
		}
	}

	switch {
	case task.Status == background.StatusCompleted:
		output, err := h.manager.GetTaskOutput(args.TaskID)
		if err != nil {
			return Result{}, err
		}
		return Result{
			Title:    "Task output: " + string(task.Status),
			Output:   h.view.resultView(task, output),
			Metadata: map[string]any{"taskId": task.ID, "status": task.Status, "view": "result"},
		}, nil

	case task.Status.Terminal():
		res := statusResult(task, "Task is not running. Returning latest status snapshot.")
		res.Title = "Task output: " + string(task.Status)
		return res, nil

	case wait:
		timeout := time.Duration(timeoutMs * float64(time.Millisecond))
		done, err := h.manager.WaitForTask(ctx, args.TaskID, timeout)
		if err != nil {
			latest, ok := h.manager.GetTask(args.TaskID)
			if ok && errors.Is(err, background.ErrWaitTimeout) {
				res := statusResult(latest, fmt.Sprintf("Wait timeout reached (%sms). Task may still be running.",
					strconv.FormatFloat(timeoutMs, 'f', -1, 64)))
				res.Title = "Task output: timeout"
				res.Output += "\n\nTimeout: " + err.Error()
				res.Metadata["error"] = err.Error()
				return res, nil
			}
			return Result{}, err
		}
		output, err := h.manager.GetTaskOutput(args.TaskID)
		if err != nil {
			return Result{}, err
		}
		return Result{
			Title:    "Task output: " + string(done.Status),
			Output:   h.view.resultView(done, output),
			Metadata: map[string]any{"taskId": done.ID, "status": done.Status, "view": "result"},
		}, nil
	}

	return statusResult(task, "Non-blocking check. Use wait=true to block until completion."), nil
}

type cancelledRow struct {
	taskID      string
	description string
	status      background.Status
	sessionID   string
}

func (h *handlers) backgroundTaskCancel(_ context.Context, _ Call, raw json.RawMessage) (Result, error) {
	var args struct {
		TaskID string `json:"taskId"`
		All    bool   `json:"all"`
	}
	if err := decodeArgs(BackgroundTaskCancel, raw, &args); err != nil {
		return Result{}, err
	}

	if args.All {
		return h.cancelAll(), nil
	}
	if args.TaskID == "" {
		return Result{
			Title:    "Missing task ID",
			Output:   "Provide taskId, or set all=true to cancel all running tasks.",
			Metadata: map[string]any{"error": "missing_task_id"},
		}, nil
	}

	task, ok := h.manager.GetTask(args.TaskID)
	if !ok {
		return notFoundResult(args.TaskID), nil
	}
	if task.Terminal() {
		return Result{
			Title:    "Cannot cancel task",
			Output:   fmt.Sprintf("Task is already %s. Only running or pending tasks can be cancelled.", task.Status),
			Metadata: map[string]any{"status": task.Status},
		}, nil
	}
	if !h.manager.CancelTask(args.TaskID) {
		return Result{
			Title:    "Failed to cancel task",
			Output:   fmt.Sprintf("Could not cancel task %s. It may have already completed.", args.TaskID),
			Metadata: map[string]any{"error": "cancel_failed"},
		}, nil
	}

	sessionID := task.SessionID
	if sessionID == "" {
		sessionID = "(not started)"
	}
	return Result{
		Title:    "Task cancelled",
		Output:   fmt.Sprintf("Task cancelled successfully.\n\nTask ID: %s\nStatus: %s\nSession ID: %s", task.ID, task.Status, sessionID),
		Metadata: map[string]any{"taskId": task.ID, "status": background.StatusCancelled, "sessionId": task.SessionID},
	}, nil
}

func (h *handlers) cancelAll() Result {
	var live []background.Task
	for _, t := range h.manager.GetAllTasks() {
		if !t.Terminal() {
			live = append(live, t)
		}
	}
	if len(live) == 0 {
		return Result{
			Title:    "No cancellable tasks",
			Output:   "No running or pending background tasks to cancel.",
			Metadata: map[string]any{"cancelled": 0},
		}
	}

	var rows []cancelledRow
	for _, t := range live {
		if !h.manager.CancelTask(t.ID) {
			continue
		}
		rows = append(rows, cancelledRow{
			taskID:      t.ID,
			description: truncate(t.Prompt, 60),
			status:      t.Status,
			sessionID:   t.SessionID,
		})
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Cancelled %d background task(s):\n\n", len(rows))
	b.WriteString("| Task ID | Description | Status | Session ID |\n|---|---|---|---|")
	ids := make([]string, 0, len(rows))
	var resumable []cancelledRow
	for _, row := range rows {
		session := "(not started)"
		if row.sessionID != "" {
			session = "`" + row.sessionID + "`"
			resumable = append(resumable, row)
		}
		fmt.Fprintf(&b, "\n| `%s` | %s | %s | %s |", row.taskID, row.description, row.status, session)
		ids = append(ids, row.taskID)
	}
	if len(resumable) > 0 {
		b.WriteString("\n## Continue Instructions\n\n")
		b.WriteString("Use `task` with `task_id` and matching `subagent_type` to continue an existing subagent session.\n\n")
		b.WriteString("Continuable sessions:")
		for _, row := range resumable {
			fmt.Fprintf(&b, "\n- `%s` (`%s`)", row.sessionID, row.taskID)
		}
	}

	return Result{
		Title:    fmt.Sprintf("Cancelled %d task(s)", len(rows)),
		Output:   b.String(),
		Metadata: map[string]any{"cancelled": len(rows), "taskIds": ids},
	}
}

func (h *handlers) listBackgroundTasks(_ context.Context, _ Call, _ json.RawMessage) (Result, error) {
	tasks := h.manager.GetAllTasks()
	if len(tasks) == 0 {
		return Result{
			Title:    "No background tasks",
			Output:   "No background tasks found.",
			Metadata: map[string]any{"count": 0},
		}, nil
	}

	counts := make(map[background.Status]int, len(background.Statuses))
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d task(s).\n\n", len(tasks))
	b.WriteString("| Task ID | Agent | Status | Duration |\n|---|---|---|---|\n")
	for _, t := range tasks {
		counts[t.Status]++
		fmt.Fprintf(&b, "| %s `%s` | %s | %s | %ds |\n", icon(t.Status), t.ID, t.Agent, t.Status, h.view.taskSeconds(t))
	}
	b.WriteString("\nSummary:")
	for _, s := range background.Statuses {
		label := string(s)
		fmt.Fprintf(&b, "\n- %s%s: %d", strings.ToUpper(label[:1]), label[1:], counts[s])
	}

	return Result{
		Title:    fmt.Sprintf("Background tasks (%d)", len(tasks)),
		Output:   b.String(),
		Metadata: map[string]any{"count": len(tasks), "total": len(tasks)},
	}, nil
}
