package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/gorilla/websocket"
	"github.com/urfave/cli/v3"

	"github.com/ent0n29/kiro/internal/background"
	"github.com/ent0n29/kiro/internal/protocol"
)

// NewTasksCommand returns the tasks subcommand.
func NewTasksCommand() *cli.Command {
	return &cli.Command{
		Name:  "tasks",
		Usage: "Inspect background tasks on a running server",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List tasks",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "status", Usage: "Filter by status"},
					&cli.StringFlag{Name: "parent", Usage: "Filter by parent session"},
				},
				Action: runTasksList,
			},
			{
				Name:      "show",
				Usage:     "Show task details",
				ArgsUsage: "<task_id>",
				Action:    runTasksShow,
			},
			{
				Name:      "output",
				Usage:     "Print task output",
				ArgsUsage: "<task_id>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "wait", Usage: "Block until the task finishes"},
					&cli.DurationFlag{Name: "timeout", Usage: "Wait ceiling", Value: time.Minute},
				},
				Action: runTasksOutput,
			},
			{
				Name:      "cancel",
				Usage:     "Cancel a task",
				ArgsUsage: "<task_id>",
				Action:    runTasksCancel,
			},
			{
				Name:  "watch",
				Usage: "Stream task events",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "parent", Usage: "Only events for this parent session"},
				},
				Action: runTasksWatch,
			},
		},
		DefaultCommand: "list",
	}
}

type taskList struct {
	Tasks []background.Task `json:"tasks"`
	Count int               `json:"count"`
}

type taskOutput struct {
	TaskID string            `json:"task_id"`
	Status background.Status `json:"status"`
	Output string            `json:"output"`
}

func clientFor(cmd *cli.Command, timeout time.Duration) *apiClient {
	return newAPIClient(cmd.Root().String("addr"), timeout)
}

func runTasksList(ctx context.Context, cmd *cli.Command) error {
	query := url.Values{}
	if v := cmd.String("status"); v != "" {
		query.Set("status", v)
	}
	if v := cmd.String("parent"); v != "" {
		query.Set("parent_session_id", v)
	}

	var list taskList
	if err := clientFor(cmd, 15*time.Second).do(ctx, http.MethodGet, "/v1/background/tasks", query, nil, &list); err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	out := cmd.Root().Writer
	if len(list.Tasks) == 0 {
		fmt.Fprintln(out, "No tasks found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tAGENT\tAGE\tDESCRIPTION")
	for _, t := range list.Tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			t.ID,
			t.Status,
			t.Agent,
			time.Since(t.CreatedAt).Truncate(time.Second),
			t.Description,
		)
	}
	return w.Flush()
}

func runTasksShow(ctx context.Context, cmd *cli.Command) error {
	taskID := cmd.Args().First()
	if taskID == "" {
		return fmt.Errorf("usage: kiro tasks show <task_id>")
	}

	var t background.Task
	if err := clientFor(cmd, 15*time.Second).do(ctx, http.MethodGet, "/v1/background/tasks/"+url.PathEscape(taskID), nil, nil, &t); err != nil {
		return fmt.Errorf("get task: %w", err)
	}

	out := cmd.Root().Writer
	fmt.Fprintf(out, "ID:          %s\n", t.ID)
	fmt.Fprintf(out, "Agent:       %s\n", t.Agent)
	fmt.Fprintf(out, "Description: %s\n", t.Description)
	fmt.Fprintf(out, "Status:      %s\n", t.Status)
	fmt.Fprintf(out, "Parent:      %s\n", t.Parent.SessionID)
	fmt.Fprintf(out, "Created:     %s\n", t.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	if t.StartedAt != nil {
		fmt.Fprintf(out, "Started:     %s\n", t.StartedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if t.CompletedAt != nil {
		fmt.Fprintf(out, "Completed:   %s\n", t.CompletedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if t.SessionID != "" {
		fmt.Fprintf(out, "Session:     %s\n", t.SessionID)
	}

	if len(t.Progress) > 0 {
		fmt.Fprintln(out, "\nProgress:")
		for _, p := range t.Progress {
			fmt.Fprintf(out, "  [%s] %s: %s\n", p.Timestamp.Local().Format("15:04:05"), p.Type, p.Message)
		}
	}
	if t.Error != "" {
		fmt.Fprintf(out, "\nError: %s\n", t.Error)
	}
	return nil
}

func runTasksOutput(ctx context.Context, cmd *cli.Command) error {
	taskID := cmd.Args().First()
	if taskID == "" {
		return fmt.Errorf("usage: kiro tasks output <task_id>")
	}

	query := url.Values{}
	timeout := 15 * time.Second
	if cmd.Bool("wait") {
		query.Set("wait", "true")
		query.Set("timeout_ms", strconv.FormatInt(cmd.Duration("timeout").Milliseconds(), 10))
		timeout += cmd.Duration("timeout")
	}

	var res taskOutput
	if err := clientFor(cmd, timeout).do(ctx, http.MethodGet, "/v1/background/tasks/"+url.PathEscape(taskID)+"/output", query, nil, &res); err != nil {
		return fmt.Errorf("task output: %w", err)
	}
	fmt.Fprintln(cmd.Root().Writer, res.Output)
	return nil
}

func runTasksCancel(ctx context.Context, cmd *cli.Command) error {
	taskID := cmd.Args().First()
	if taskID == "" {
		return fmt.Errorf("usage: kiro tasks cancel <task_id>")
	}

	var t background.Task
	if err := clientFor(cmd, 15*time.Second).do(ctx, http.MethodPost, "/v1/background/tasks/"+url.PathEscape(taskID)+"/cancel", nil, nil, &t); err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	fmt.Fprintf(cmd.Root().Writer, "Task %s cancelled.\n", t.ID)
	return nil
}

func runTasksWatch(ctx context.Context, cmd *cli.Command) error {
	wsURL, err := streamURL(cmd.Root().String("addr"), cmd.String("parent"))
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	return watchEvents(ctx, conn, cmd.Root().Writer)
}

func watchEvents(ctx context.Context, conn *websocket.Conn, out io.Writer) error {
	for {
		var raw map[string]any
		if err := conn.ReadJSON(&raw); err != nil {
			var closeErr *websocket.CloseError
			if ctx.Err() != nil || errors.As(err, &closeErr) {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}

		switch protocol.MessageType(fmt.Sprint(raw["type"])) {
		case protocol.TypeTaskEvent:
			ts := time.UnixMilli(int64(toFloat(raw["ts_ms"]))).Local().Format("15:04:05")
			line := fmt.Sprintf("[%s] %s %s %s", ts, raw["task_id"], raw["event"], raw["status"])
			if msg, _ := raw["message"].(string); msg != "" {
				line += ": " + msg
			}
			fmt.Fprintln(out, line)
		case protocol.TypeSystemEvent:
			fmt.Fprintf(out, "-- %s %v\n", raw["code"], raw["detail"])
		case protocol.TypeErrorEvent:
			fmt.Fprintf(out, "!! %s: %v\n", raw["code"], raw["detail"])
		}
	}
}

func toFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}
