package planner

import (
	"context"
	"testing"

	"github.com/adshq/ads/internal/agent/adapter"
	"github.com/adshq/ads/internal/common/logger"
	"github.com/adshq/ads/internal/store"
)

func TestParseStepsPlainArray(t *testing.T) {
	steps, err := ParseSteps(`[{"title":"Read the code","description":"survey"},{"title":"Write the fix","description":"edit"}]`)
	if err != nil {
		t.Fatalf("ParseSteps: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("steps = %d", len(steps))
	}
	if steps[0].StepNumber != 1 || steps[1].StepNumber != 2 {
		t.Errorf("step numbers = %d, %d", steps[0].StepNumber, steps[1].StepNumber)
	}
	if steps[0].Title != "Read the code" {
		t.Errorf("title = %q", steps[0].Title)
	}
}

func TestParseStepsFencedWithProse(t *testing.T) {
	reply := "Here is the plan:\n```json\n[{\"title\":\"Do it\",\"description\":\"now\"}]\n```\nGood luck."
	steps, err := ParseSteps(reply)
	if err != nil {
		t.Fatalf("ParseSteps: %v", err)
	}
	if len(steps) != 1 || steps[0].Title != "Do it" {
		t.Errorf("steps = %+v", steps)
	}
}

func TestParseStepsRepairsBrokenJSON(t *testing.T) {
	// Trailing comma and single quotes; jsonrepair handles both.
	reply := `[{'title': 'Fix parser', 'description': 'handle nulls',},]`
	steps, err := ParseSteps(reply)
	if err != nil {
		t.Fatalf("ParseSteps: %v", err)
	}
	if len(steps) != 1 || steps[0].Title != "Fix parser" {
		t.Errorf("steps = %+v", steps)
	}
}

func TestParseStepsSkipsUntitled(t *testing.T) {
	steps, err := ParseSteps(`[{"title":"","description":"orphan"},{"title":"Real step"}]`)
	if err != nil {
		t.Fatalf("ParseSteps: %v", err)
	}
	if len(steps) != 1 || steps[0].StepNumber != 1 {
		t.Errorf("steps = %+v", steps)
	}
}

func TestParseStepsErrors(t *testing.T) {
	for _, reply := range []string{"", "no json here", "[]", `[{"title":""}]`} {
		if _, err := ParseSteps(reply); err == nil {
			t.Errorf("ParseSteps(%q) should fail", reply)
		}
	}
}

type scriptedAgent struct {
	replies []string
	fails   []bool
	calls   []adapter.SendInput
}

func (a *scriptedAgent) Send(ctx context.Context, input adapter.SendInput) (*adapter.Result, error) {
	i := len(a.calls)
	a.calls = append(a.calls, input)
	reply := ""
	if i < len(a.replies) {
		reply = a.replies[i]
	}
	failed := i < len(a.fails) && a.fails[i]
	if failed {
		return &adapter.Result{OK: false, ErrorMessage: reply}, nil
	}
	return &adapter.Result{OK: true, FinalMessage: reply}, nil
}

func testTask() *store.Task {
	return &store.Task{ID: "task-1", Prompt: "add retries to the fetcher", Model: "o4"}
}

func TestPlanUsesReadOnlyRole(t *testing.T) {
	agent := &scriptedAgent{replies: []string{`[{"title":"Step"}]`}}
	p := New(agent, logger.Default())

	steps, err := p.Plan(context.Background(), testTask(), "/ws")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(steps) != 1 {
		t.Fatalf("steps = %+v", steps)
	}
	call := agent.calls[0]
	if call.Role != adapter.RolePlanner {
		t.Errorf("role = %q", call.Role)
	}
	if call.Model != "o4" || call.Dir != "/ws" {
		t.Errorf("call = %+v", call)
	}
}

func TestPlanRetriesOnceOnGarbage(t *testing.T) {
	agent := &scriptedAgent{replies: []string{
		"I think we should probably refactor things.",
		`[{"title":"Refactor"}]`,
	}}
	p := New(agent, logger.Default())

	steps, err := p.Plan(context.Background(), testTask(), "")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(agent.calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(agent.calls))
	}
	if len(steps) != 1 || steps[0].Title != "Refactor" {
		t.Errorf("steps = %+v", steps)
	}
}

func TestPlanFailsAfterSecondGarbage(t *testing.T) {
	agent := &scriptedAgent{replies: []string{"nope", "still nope"}}
	p := New(agent, logger.Default())

	if _, err := p.Plan(context.Background(), testTask(), ""); err == nil {
		t.Fatal("expected error after two unparseable replies")
	}
	if len(agent.calls) != 2 {
		t.Errorf("calls = %d, want 2", len(agent.calls))
	}
}
