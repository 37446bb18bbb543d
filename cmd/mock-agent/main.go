// Package main implements a mock vendor CLI for local development and
// end-to-end tests. It honors the real subprocess contract: the prompt
// arrives on stdin, --json selects line-delimited JSON events on stdout,
// and exit 0 without a failed turn means success.
//
// Point the orchestrator at it with ADS_CODEX_BIN=mock-agent. Prompt
// markers steer the scenario:
//
//	MOCK_FAIL            the turn fails with a generic error
//	MOCK_MODEL_MISMATCH  resumed turns fail as if the model changed
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

func main() {
	opts := parseArgs(os.Args[1:])

	prompt, err := io.ReadAll(os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: read stdin: %v\n", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	for _, ev := range respond(opts, string(prompt)) {
		if err := enc.Encode(ev); err != nil {
			fmt.Fprintf(os.Stderr, "mock-agent: encode: %v\n", err)
			os.Exit(1)
		}
	}
}

// options mirrors the flags the orchestrator passes to vendor CLIs.
type options struct {
	JSON     bool
	Model    string
	Sandbox  string
	ResumeID string
}

func parseArgs(args []string) options {
	var opts options
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--json":
			opts.JSON = true
		case "--skip-git-repo-check":
		case "--model":
			if i+1 < len(args) {
				i++
				opts.Model = args[i]
			}
		case "--sandbox":
			if i+1 < len(args) {
				i++
				opts.Sandbox = args[i]
			}
		case "resume":
			if i+1 < len(args) {
				i++
				opts.ResumeID = args[i]
			}
		}
	}
	return opts
}

// event is one line of the stream. The shape matches the codex family.
type event map[string]any

// respond builds the full event stream for one turn.
func respond(opts options, prompt string) []event {
	sessionID := opts.ResumeID
	if sessionID == "" {
		sessionID = fmt.Sprintf("mock-%d", os.Getpid())
	}

	out := []event{{
		"type":       "system",
		"subtype":    "init",
		"session_id": sessionID,
		"model":      opts.Model,
	}}

	switch {
	case strings.Contains(prompt, "MOCK_MODEL_MISMATCH") && opts.ResumeID != "":
		return append(out, event{
			"type":     "result",
			"is_error": true,
			"error":    "Cannot resume thread with a different model",
		})
	case strings.Contains(prompt, "MOCK_FAIL"):
		return append(out, event{
			"type":     "result",
			"is_error": true,
			"error":    "mock agent instructed to fail",
		})
	case wantsPlan(prompt):
		return append(out, event{
			"type":    "result",
			"subtype": "success",
			"result":  planFor(prompt),
		})
	}

	reply := "Completed: " + firstLine(prompt)
	out = append(out,
		event{
			"type": "assistant",
			"message": map[string]any{
				"id": "m1",
				"content": []any{
					map[string]any{"type": "text", "text": reply},
				},
			},
		},
		event{
			"type":    "result",
			"subtype": "success",
			"usage":   map[string]any{"input_tokens": 25, "output_tokens": 8},
		},
	)
	return out
}

// wantsPlan detects the planner's instruction without depending on its
// exact wording.
func wantsPlan(prompt string) bool {
	return strings.Contains(prompt, "JSON array")
}

// planFor returns a canned two-step plan referencing the task prompt.
func planFor(prompt string) string {
	steps := []map[string]string{
		{"title": "Do the work", "description": firstLine(prompt)},
		{"title": "Verify the result", "description": "Check the outcome of the previous step"},
	}
	data, _ := json.Marshal(steps)
	return string(data)
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return "empty prompt"
}
