package background

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Agents is the allow-list of subagents a background task may run, mapped to
// the host agent that serves them.
var Agents = map[string]string{
	"kiroExplore":                 "kiro",
	"requirements-first-workflow": "kiro",
	"spec-task-execution":         "kiro",
	"context-gatherer":            "kiro",
	"general-task-execution":      "kiro",
}

var agentOrder = []string{
	"kiroExplore",
	"requirements-first-workflow",
	"spec-task-execution",
	"context-gatherer",
	"general-task-execution",
}

var systemPrompts = map[string]string{
	"kiroExplore":                 "You are a fast codebase exploration agent.",
	"requirements-first-workflow": "You are a requirements-first workflow agent.",
	"spec-task-execution":         "You are a spec-driven task execution agent.",
	"context-gatherer":            "You are a context gathering agent.",
	"general-task-execution":      "You are a general task execution agent.",
}

func IsKnownAgent(name string) bool {
	_, ok := Agents[name]
	return ok
}

// AgentNames returns the allow-list in a stable order.
func AgentNames() []string {
	return append([]string(nil), agentOrder...)
}

func SystemPrompt(agent string) string {
	if p, ok := systemPrompts[agent]; ok {
		return p
	}
	return fmt.Sprintf("You are a %s agent.", agent)
}

// NewTaskID returns bg-<unix ms in base36>-<first uuid segment>.
func NewTaskID(now time.Time) string {
	head, _, _ := strings.Cut(uuid.NewString(), "-")
	return "bg-" + strconv.FormatInt(now.UnixMilli(), 36) + "-" + head
}
