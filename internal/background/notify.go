package background

import (
	"github.com/ent0n29/kiro/internal/observability"
	"github.com/ent0n29/kiro/internal/opencode"
	"github.com/ent0n29/kiro/internal/reliability"
)

// notify runs once per task after it settles. The parent session hears about
// its tasks only when the last pending one finishes.
func (m *Manager) notify(taskID string) {
	task, ok := m.store.Get(taskID)
	if !ok {
		return
	}
	parentID := task.Parent.SessionID
	remaining := m.store.ResolvePending(parentID, taskID)
	if remaining > 0 {
		if m.cfg.NotifyPartial {
			m.notifyPartial(task, remaining)
		}
		return
	}

	var completed []Task
	for _, t := range m.store.ByParent(parentID) {
		if t.Terminal() {
			completed = append(completed, t)
		}
	}
	text := BuildNotification(NotificationInput{
		Task:           task,
		AllComplete:    true,
		CompletedTasks: completed,
		Now:            m.clock.Now(),
	})

	agent, model, err := m.parentReplyContext(parentID)
	if err != nil && reliability.IsAbortedSession(err) {
		m.observeNotification("suppressed")
		return
	}

	sendStart := m.clock.Now()
	err = m.api.PromptAsync(m.ctx, parentID, opencode.PromptRequest{
		Agent:   agent,
		Model:   model,
		Parts:   []opencode.Part{opencode.TextPart(text)},
		NoReply: false,
	})
	if m.metrics != nil {
		m.metrics.ObserveTaskStage(observability.StageNotify, m.clock.Now().Sub(sendStart))
	}
	switch {
	case err != nil && reliability.IsAbortedSession(err):
		m.observeNotification("suppressed")
		return
	case err != nil:
		m.observeNotification("failed")
		m.logger.Warn("background notification failed", "parent_session_id", parentID, "error", reliability.ErrorText(err))
	default:
		m.observeNotification("sent")
		m.logger.Debug("background notification sent", "parent_session_id", parentID, "tasks", len(completed))
	}

	for _, t := range completed {
		m.scheduleRemoval(t.ID)
	}
}

// notifyPartial tells the parent about one finished task without asking for
// a reply, so it does not start a new turn.
func (m *Manager) notifyPartial(task Task, remaining int) {
	text := BuildNotification(NotificationInput{
		Task:           task,
		RemainingCount: remaining,
		Now:            m.clock.Now(),
	})
	agent, model, err := m.parentReplyContext(task.Parent.SessionID)
	if err != nil && reliability.IsAbortedSession(err) {
		m.observeNotification("suppressed")
		return
	}
	err = m.api.PromptAsync(m.ctx, task.Parent.SessionID, opencode.PromptRequest{
		Agent:   agent,
		Model:   model,
		Parts:   []opencode.Part{opencode.TextPart(text)},
		NoReply: true,
	})
	if err != nil {
		m.observeNotification("failed")
		return
	}
	m.observeNotification("partial")
}

// parentReplyContext finds the agent and model of the newest parent message
// that carries either.
func (m *Manager) parentReplyContext(parentID string) (string, *opencode.ModelRef, error) {
	messages, err := m.api.Messages(m.ctx, parentID)
	if err != nil {
		return "", nil, err
	}
	for i := len(messages) - 1; i >= 0; i-- {
		info := messages[i].Info
		if info.Agent == "" && info.Model == nil {
			continue
		}
		var model *opencode.ModelRef
		if info.Model.Valid() {
			model = info.Model
		}
		return info.Agent, model, nil
	}
	return "", nil, nil
}

func (m *Manager) observeNotification(outcome string) {
	if m.metrics != nil {
		m.metrics.ObserveNotification(outcome)
	}
}
