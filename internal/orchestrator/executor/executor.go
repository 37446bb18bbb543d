// Package executor runs a task's plan steps sequentially against an agent
// adapter, writing progress through to the store as it goes.
package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/adshq/ads/internal/agent/adapter"
	"github.com/adshq/ads/internal/agent/events"
	"github.com/adshq/ads/internal/common/logger"
	"github.com/adshq/ads/internal/store"
)

const (
	// historyLimit is how many recent conversation messages feed the prompt.
	historyLimit = 16
	// historyLineCap truncates each rendered history line.
	historyLineCap = 800
	// summaryCap truncates the final step's text into the task result.
	summaryCap = 1600
)

// Agent is the slice of the adapter the executor needs.
type Agent interface {
	Send(ctx context.Context, input adapter.SendInput) (*adapter.Result, error)
	OnEvent(handler adapter.EventHandler) func()
	ThreadID() string
}

// Lock serializes executor runs against other workspace mutations.
type Lock interface {
	Acquire(ctx context.Context) error
	Release()
}

// Hooks observe execution progress. Nil hooks are skipped.
type Hooks struct {
	OnStepStarted  func(step *store.PlanStep)
	OnStepComplete func(step *store.PlanStep, result string)
	OnMessageDelta func(step *store.PlanStep, delta string)
	OnCommand      func(step *store.PlanStep, command string)
}

// Executor drives one step at a time. A workspace has a single executor and
// the queue never runs two tasks at once, so no internal locking is needed
// beyond the optional workspace lock.
type Executor struct {
	store       *store.Store
	agent       Agent
	lock        Lock
	stepTimeout time.Duration
	log         *logger.Logger
}

// New builds an executor. lock may be nil; stepTimeout zero means unbounded.
func New(st *store.Store, agent Agent, lock Lock, stepTimeout time.Duration, log *logger.Logger) *Executor {
	return &Executor{
		store:       st,
		agent:       agent,
		lock:        lock,
		stepTimeout: stepTimeout,
		log:         log.WithFields(zap.String("component", "executor")),
	}
}

// Execute runs every plan step in order and returns the task's result
// summary (the final step's assistant text, truncated).
func (e *Executor) Execute(ctx context.Context, task *store.Task, steps []*store.PlanStep, workDir string, hooks Hooks) (string, error) {
	if e.lock != nil {
		if err := e.lock.Acquire(ctx); err != nil {
			return "", err
		}
		defer e.lock.Release()
	}

	var lastResult string
	for _, step := range steps {
		result, err := e.runStep(ctx, task, step, workDir, hooks)
		if err != nil {
			if markErr := e.store.UpdatePlanStepStatus(ctx, step.ID, store.StepStatusFailed, time.Now()); markErr != nil {
				e.log.Warn("failed to mark step failed",
					zap.Int64("step_id", step.ID), zap.Error(markErr))
			}
			return "", err
		}
		lastResult = result
	}
	return truncate(lastResult, summaryCap), nil
}

func (e *Executor) runStep(ctx context.Context, task *store.Task, step *store.PlanStep, workDir string, hooks Hooks) (string, error) {
	now := time.Now().UTC()
	log := e.log.WithTaskID(task.ID).WithFields(zap.Int("step", step.StepNumber))

	if err := e.store.UpdatePlanStepStatus(ctx, step.ID, store.StepStatusRunning, now); err != nil {
		return "", fmt.Errorf("mark step %d running: %w", step.StepNumber, err)
	}
	header := stepHeader(step)
	if err := e.writeThrough(ctx, task, step, store.RoleSystem, "step", "开始执行："+header, now); err != nil {
		return "", err
	}
	if hooks.OnStepStarted != nil {
		hooks.OnStepStarted(step)
	}

	history, err := e.historySnippet(ctx, task)
	if err != nil {
		log.Warn("failed to load conversation history", zap.Error(err))
		history = ""
	}
	prompt := composePrompt(task, step, history)

	stepCtx := ctx
	if e.stepTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, e.stepTimeout)
		defer cancel()
	}

	var cumulative string
	unsub := e.agent.OnEvent(func(ev events.Event) {
		switch ev.Type {
		case events.TypeResponding:
			delta := incrementalSuffix(&cumulative, ev.Delta)
			if delta != "" && hooks.OnMessageDelta != nil {
				hooks.OnMessageDelta(step, delta)
			}
		case events.TypeCommand:
			if ev.Title != "执行命令" {
				return
			}
			cmd := commandFromDetail(ev.Detail)
			if cmd == "" {
				return
			}
			// Event-time writes are best effort; the step does not fail
			// because a progress row could not be saved.
			if _, err := e.store.AddTaskMessage(ctx, &store.TaskMessage{
				TaskID:      task.ID,
				PlanStepID:  &step.ID,
				Role:        store.RoleSystem,
				MessageType: "command",
				Content:     "$ " + cmd,
			}); err != nil {
				log.Warn("failed to persist command message", zap.Error(err))
			}
			if hooks.OnCommand != nil {
				hooks.OnCommand(step, cmd)
			}
		}
	})
	defer unsub()

	res, err := e.agent.Send(stepCtx, adapter.SendInput{
		Prompt:   prompt,
		ThreadID: e.agent.ThreadID(),
		Model:    task.Model,
		Role:     adapter.RoleExecutor,
		Dir:      workDir,
	})
	if err != nil {
		return "", fmt.Errorf("step %d: %w", step.StepNumber, err)
	}
	if !res.OK {
		return "", fmt.Errorf("step %d: agent failed: %s", step.StepNumber, res.ErrorMessage)
	}

	result := res.FinalMessage
	now = time.Now().UTC()
	if result != "" {
		if err := e.writeThrough(ctx, task, step, store.RoleAssistant, "text", result, now); err != nil {
			return "", err
		}
	}
	if err := e.store.UpdatePlanStepStatus(ctx, step.ID, store.StepStatusCompleted, now); err != nil {
		return "", fmt.Errorf("mark step %d completed: %w", step.StepNumber, err)
	}
	if hooks.OnStepComplete != nil {
		hooks.OnStepComplete(step, result)
	}
	return result, nil
}

// writeThrough mirrors a step message into the task transcript and the
// task's conversation.
func (e *Executor) writeThrough(ctx context.Context, task *store.Task, step *store.PlanStep, role store.MessageRole, msgType, content string, now time.Time) error {
	if _, err := e.store.AddTaskMessage(ctx, &store.TaskMessage{
		TaskID:      task.ID,
		PlanStepID:  &step.ID,
		Role:        role,
		MessageType: msgType,
		Content:     content,
		CreatedAt:   now,
	}); err != nil {
		return fmt.Errorf("write task message: %w", err)
	}
	if task.ThreadID == "" {
		return nil
	}
	if _, err := e.store.AddConversationMessage(ctx, &store.ConversationMessage{
		ConversationID: task.ThreadID,
		TaskID:         task.ID,
		PlanStepID:     &step.ID,
		Role:           role,
		MessageType:    msgType,
		Content:        content,
		CreatedAt:      now,
	}); err != nil {
		return fmt.Errorf("write conversation message: %w", err)
	}
	return nil
}

// historySnippet renders recent user/assistant conversation messages, one
// capped line each. Empty when the task has no conversation yet.
func (e *Executor) historySnippet(ctx context.Context, task *store.Task) (string, error) {
	if task.ThreadID == "" {
		return "", nil
	}
	msgs, err := e.store.ListConversationMessages(ctx, task.ThreadID, historyLimit)
	if err != nil {
		return "", err
	}
	var lines []string
	for _, msg := range msgs {
		if msg.Role != store.RoleUser && msg.Role != store.RoleAssistant {
			continue
		}
		lines = append(lines, "- "+string(msg.Role)+": "+truncate(msg.Content, historyLineCap))
	}
	return strings.Join(lines, "\n"), nil
}

const promptPreamble = `You are executing one step of a queued task. Earlier steps have already run;
their outcomes appear in the conversation history. Do only what this step asks.`

const promptRequirements = `Requirements:
- Complete only the current step, then stop.
- Reply with a concise report of what was done.
- Do not repeat work already shown in the history.`

func composePrompt(task *store.Task, step *store.PlanStep, history string) string {
	var b strings.Builder
	b.WriteString(promptPreamble)
	if history != "" {
		b.WriteString("\n\nConversation so far:\n")
		b.WriteString(history)
	}
	b.WriteString("\n\nTask: ")
	b.WriteString(task.Title)
	b.WriteString("\n")
	b.WriteString(task.Prompt)
	b.WriteString("\n\nCurrent step: ")
	b.WriteString(stepHeader(step))
	if step.Description != "" {
		b.WriteString("\n")
		b.WriteString(step.Description)
	}
	b.WriteString("\n\n")
	b.WriteString(promptRequirements)
	return b.String()
}

func stepHeader(step *store.PlanStep) string {
	return fmt.Sprintf("步骤 %d：%s", step.StepNumber, step.Title)
}

// incrementalSuffix diffs a new cumulative buffer against the previous one.
// A strictly shorter or diverging buffer is a reset and is forwarded whole.
func incrementalSuffix(last *string, cumulative string) string {
	prev := *last
	*last = cumulative
	if strings.HasPrefix(cumulative, prev) {
		return cumulative[len(prev):]
	}
	return cumulative
}

// commandFromDetail extracts the command string from a command event detail,
// which carries "<cmd>" or "<cmd> | <output>".
func commandFromDetail(detail string) string {
	if idx := strings.Index(detail, " | "); idx >= 0 {
		detail = detail[:idx]
	}
	return strings.TrimSpace(detail)
}

func truncate(s string, maxRunes int) string {
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes])
}
