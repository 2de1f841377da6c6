// Package tools exposes the background task manager as agent-callable tools
// whose output is markdown meant for a model to read.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/kiro/internal/background"
	"github.com/ent0n29/kiro/internal/opencode"
)

const (
	BackgroundTask       = "backgroundTask"
	BackgroundTaskStatus = "backgroundTaskStatus"
	BackgroundTaskOutput = "backgroundTaskOutput"
	BackgroundTaskCancel = "backgroundTaskCancel"
	ListBackgroundTasks  = "listBackgroundTasks"
)

var ErrUnknownTool = errors.New("unknown tool")

// TaskManager is the part of background.Manager the tools call.
type TaskManager interface {
	CreateTask(opts background.CreateOptions) (string, error)
	GetTask(taskID string) (background.Task, bool)
	GetAllTasks() []background.Task
	CancelTask(taskID string) bool
	GetTaskOutput(taskID string) (string, error)
	WaitForTask(ctx context.Context, taskID string, timeout time.Duration) (background.Task, error)
}

// Param describes one tool argument.
type Param struct {
	Type        string
	Description string
	Required    bool
	Default     any
}

// Spec is the transport-neutral description of a tool.
type Spec struct {
	Name        string
	Description string
	Params      map[string]Param
}

// Call carries what the caller knows about the invoking session.
type Call struct {
	Parent      background.ParentContext
	ParentModel *opencode.ModelRef
	OnProgress  func(background.ProgressUpdate)
}

type Result struct {
	Title    string         `json:"title"`
	Output   string         `json:"output"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type handler func(ctx context.Context, call Call, raw json.RawMessage) (Result, error)

type entry struct {
	spec Spec
	run  handler
}

type Options struct {
	// Disabled names tools left out of the registry.
	Disabled []string
	Now      func() time.Time
	Location *time.Location
}

type Registry struct {
	order   []string
	entries map[string]entry
	view    renderer
}

func NewRegistry(manager TaskManager, opts Options) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	disabled := make(map[string]bool, len(opts.Disabled))
	for _, name := range opts.Disabled {
		disabled[strings.TrimSpace(name)] = true
	}

	r := &Registry{
		entries: make(map[string]entry),
		view:    renderer{now: opts.Now, loc: opts.Location},
	}
	h := &handlers{manager: manager, view: r.view}
	for _, e := range []entry{
		{spec: backgroundTaskSpec, run: h.backgroundTask},
		{spec: backgroundTaskStatusSpec, run: h.backgroundTaskStatus},
		{spec: backgroundTaskOutputSpec, run: h.backgroundTaskOutput},
		{spec: backgroundTaskCancelSpec, run: h.backgroundTaskCancel},
		{spec: listBackgroundTasksSpec, run: h.listBackgroundTasks},
	} {
		if disabled[e.spec.Name] {
			continue
		}
		r.order = append(r.order, e.spec.Name)
		r.entries[e.spec.Name] = e
	}
	return r
}

// Specs lists enabled tools in registration order.
func (r *Registry) Specs() []Spec {
	out := make([]Spec, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name].spec)
	}
	return out
}

func (r *Registry) Has(name string) bool {
	_, ok := r.entries[name]
	return ok
}

// Invoke runs a tool. Only an unknown name or malformed arguments produce an
// error; failures inside a tool come back as an "Error: ..." output.
func (r *Registry) Invoke(ctx context.Context, name string, call Call, args json.RawMessage) (Result, error) {
	e, ok := r.entries[name]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage(`{}`)
	}
	res, err := e.run(ctx, call, args)
	if err != nil {
		var argErr *ArgumentError
		if errors.As(err, &argErr) {
			return Result{}, err
		}
		return Result{
			Title:    "Error",
			Output:   "Error: " + err.Error(),
			Metadata: map[string]any{"error": err.Error()},
		}, nil
	}
	return res, nil
}

type ArgumentError struct {
	Tool string
	Err  error
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %v", e.Tool, e.Err)
}

func (e *ArgumentError) Unwrap() error { return e.Err }

func decodeArgs(tool string, raw json.RawMessage, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return &ArgumentError{Tool: tool, Err: err}
	}
	return nil
}
