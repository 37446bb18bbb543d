// Package planner turns a task prompt into an ordered list of plan steps by
// asking an agent for a JSON plan and parsing the reply tolerantly.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"go.uber.org/zap"

	"github.com/adshq/ads/internal/agent/adapter"
	"github.com/adshq/ads/internal/common/logger"
	"github.com/adshq/ads/internal/store"
)

// Agent is the slice of the adapter the planner needs.
type Agent interface {
	Send(ctx context.Context, input adapter.SendInput) (*adapter.Result, error)
}

// Planner produces plans with a read-only agent run.
type Planner struct {
	agent Agent
	log   *logger.Logger
}

// New builds a planner on top of an agent adapter.
func New(agent Agent, log *logger.Logger) *Planner {
	return &Planner{
		agent: agent,
		log:   log.WithFields(zap.String("component", "planner")),
	}
}

const maxPlanSteps = 50

const planInstruction = `Break the task below into a short ordered list of concrete steps.
Respond with ONLY a JSON array, no prose, in this exact shape:
[{"title": "short imperative step title", "description": "what to do and how to verify it"}]
Keep the list minimal; one step is fine for small tasks.`

const planCorrection = `Your previous reply could not be parsed as a JSON array of steps.
Respond again with ONLY the JSON array, no markdown fences, no commentary.`

// plannedStep is the wire shape the agent is asked for.
type plannedStep struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Plan asks the agent for a step list. A reply that cannot be parsed gets one
// corrective retry before the error surfaces to the caller.
func (p *Planner) Plan(ctx context.Context, task *store.Task, workDir string) ([]store.PlanStepInput, error) {
	prompt := p.buildPrompt(task)

	steps, err := p.requestPlan(ctx, prompt, task, workDir)
	if err == nil {
		return steps, nil
	}

	p.log.Warn("plan reply unparseable, retrying with correction",
		zap.String("task_id", task.ID), zap.Error(err))
	steps, retryErr := p.requestPlan(ctx, prompt+"\n\n"+planCorrection, task, workDir)
	if retryErr != nil {
		return nil, fmt.Errorf("plan task %s: %w", task.ID, retryErr)
	}
	return steps, nil
}

func (p *Planner) requestPlan(ctx context.Context, prompt string, task *store.Task, workDir string) ([]store.PlanStepInput, error) {
	res, err := p.agent.Send(ctx, adapter.SendInput{
		Prompt: prompt,
		Model:  task.Model,
		Role:   adapter.RolePlanner,
		Dir:    workDir,
	})
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, fmt.Errorf("planner agent failed: %s", res.ErrorMessage)
	}
	return ParseSteps(res.FinalMessage)
}

func (p *Planner) buildPrompt(task *store.Task) string {
	var b strings.Builder
	b.WriteString(planInstruction)
	b.WriteString("\n\nTask:\n")
	b.WriteString(task.Prompt)
	return b.String()
}

// ParseSteps extracts the step list from an agent reply. It tolerates
// markdown fences, leading prose and mildly broken JSON.
func ParseSteps(reply string) ([]store.PlanStepInput, error) {
	raw := extractJSON(reply)
	if raw == "" {
		return nil, fmt.Errorf("no JSON array found in plan reply")
	}

	var planned []plannedStep
	if err := json.Unmarshal([]byte(raw), &planned); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(raw)
		if repairErr != nil {
			return nil, fmt.Errorf("parse plan: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), &planned); err != nil {
			return nil, fmt.Errorf("parse repaired plan: %w", err)
		}
	}

	steps := make([]store.PlanStepInput, 0, len(planned))
	for _, ps := range planned {
		title := strings.TrimSpace(ps.Title)
		if title == "" {
			continue
		}
		steps = append(steps, store.PlanStepInput{
			StepNumber:  len(steps) + 1,
			Title:       title,
			Description: strings.TrimSpace(ps.Description),
		})
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("plan reply contained no usable steps")
	}
	if len(steps) > maxPlanSteps {
		steps = steps[:maxPlanSteps]
	}
	return steps, nil
}

// extractJSON finds the JSON array in a reply: a fenced code block wins,
// otherwise the outermost bracketed span.
func extractJSON(reply string) string {
	if fenced := extractFenced(reply); fenced != "" {
		reply = fenced
	}
	start := strings.IndexByte(reply, '[')
	end := strings.LastIndexByte(reply, ']')
	if start < 0 || end <= start {
		return ""
	}
	return reply[start : end+1]
}

func extractFenced(reply string) string {
	idx := strings.Index(reply, "```")
	if idx < 0 {
		return ""
	}
	rest := reply[idx+3:]
	// Skip the optional language tag on the opening fence.
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	if end := strings.Index(rest, "```"); end >= 0 {
		return rest[:end]
	}
	return rest
}
