package main

import (
	"testing"
)

func TestParseArgs(t *testing.T) {
	opts := parseArgs([]string{"--json", "--skip-git-repo-check", "--model", "gpt-large", "--sandbox", "read-only", "resume", "T-1"})
	if !opts.JSON || opts.Model != "gpt-large" || opts.Sandbox != "read-only" || opts.ResumeID != "T-1" {
		t.Fatalf("opts = %+v", opts)
	}
}

func TestRespondSuccess(t *testing.T) {
	out := respond(options{}, "write hello world\nmore detail")
	if len(out) != 3 {
		t.Fatalf("events = %d, want init, assistant, result", len(out))
	}
	if out[0]["type"] != "system" || out[2]["type"] != "result" {
		t.Fatalf("stream shape = %+v", out)
	}
	if out[2]["is_error"] == true {
		t.Error("success scenario produced an error result")
	}
}

func TestRespondResumeKeepsSession(t *testing.T) {
	out := respond(options{ResumeID: "T-9"}, "continue")
	if out[0]["session_id"] != "T-9" {
		t.Errorf("session_id = %v, want resumed thread", out[0]["session_id"])
	}
}

func TestRespondFailMarker(t *testing.T) {
	out := respond(options{}, "please MOCK_FAIL now")
	last := out[len(out)-1]
	if last["is_error"] != true {
		t.Fatalf("want error result, got %+v", last)
	}
}

func TestRespondModelMismatchOnlyWhenResuming(t *testing.T) {
	resumed := respond(options{ResumeID: "T-1", Model: "other"}, "MOCK_MODEL_MISMATCH")
	last := resumed[len(resumed)-1]
	if last["is_error"] != true {
		t.Fatal("resumed mismatch turn should fail")
	}

	fresh := respond(options{Model: "other"}, "MOCK_MODEL_MISMATCH")
	last = fresh[len(fresh)-1]
	if last["is_error"] == true {
		t.Fatal("fresh turn must succeed so the adapter retry lands")
	}
}

func TestRespondPlan(t *testing.T) {
	out := respond(options{Sandbox: "read-only"}, "Respond with ONLY a JSON array\n\nTask:\nfix the bug")
	last := out[len(out)-1]
	plan, ok := last["result"].(string)
	if !ok || plan == "" {
		t.Fatalf("plan result = %+v", last)
	}
	if plan[0] != '[' {
		t.Errorf("plan is not a JSON array: %s", plan)
	}
}
