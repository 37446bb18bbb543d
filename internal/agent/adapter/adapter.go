// Package adapter drives vendor CLI agents as subprocesses and turns their
// JSON streams into normalized events.
package adapter

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/adshq/ads/internal/agent/events"
	"github.com/adshq/ads/internal/agent/parser"
	"github.com/adshq/ads/internal/common/logger"
)

// Role selects the sandbox posture of a run. Planner and reviewer runs must
// not mutate the workspace.
type Role string

const (
	RoleExecutor Role = "executor"
	RolePlanner  Role = "planner"
	RoleReviewer Role = "reviewer"
)

// Status reports whether the adapter currently owns a running subprocess.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
)

// SendInput describes one prompt turn.
type SendInput struct {
	Prompt string
	// ThreadID resumes an existing vendor session when non-empty.
	ThreadID string
	// Model overrides the vendor's default model when non-empty.
	Model string
	Role  Role
	// Dir is the working directory for the subprocess.
	Dir string
}

// Result is the outcome of one Send.
type Result struct {
	OK           bool
	ThreadID     string
	FinalMessage string
	ErrorMessage string
	Usage        *events.Usage
}

// StreamingConfig describes the adapter's stream handling, for callers that
// surface progress.
type StreamingConfig struct {
	Vendor         string
	Format         string
	MaxStreamBytes int64
}

// Options configures an Adapter.
type Options struct {
	// Vendor selects the parser variant and allowlist entry: codex, gemini
	// or amp.
	Vendor string
	// Binary is the CLI command. It must be a bare basename present on the
	// allowlist; paths are rejected.
	Binary string
	// Allowlist is the set of permitted CLI basenames.
	Allowlist []string
	// MaxStreamBytes caps how much stdout is parsed per run. Output beyond
	// the cap is drained and dropped while the process keeps running.
	MaxStreamBytes int64
	// Timeout bounds one run; zero means unbounded.
	Timeout time.Duration
}

const defaultMaxStreamBytes = 10 << 20

// EventHandler receives normalized events during runs.
type EventHandler func(events.Event)

// Adapter runs one vendor CLI. An adapter serializes its runs: Send blocks
// while a previous Send is in flight.
type Adapter struct {
	opts   Options
	runner Runner
	log    *logger.Logger

	seq atomic.Int64

	mu       sync.Mutex
	status   Status
	threadID string

	subMu  sync.RWMutex
	subs   map[int]EventHandler
	nextID int
}

// New builds an adapter. The runner is swappable for tests.
func New(opts Options, runner Runner, log *logger.Logger) (*Adapter, error) {
	if opts.Binary == "" {
		return nil, fmt.Errorf("adapter %s: binary not configured", opts.Vendor)
	}
	if err := checkAllowlisted(opts.Binary, opts.Allowlist); err != nil {
		return nil, err
	}
	if opts.MaxStreamBytes <= 0 {
		opts.MaxStreamBytes = defaultMaxStreamBytes
	}
	if runner == nil {
		runner = NewExecRunner()
	}
	return &Adapter{
		opts:   opts,
		runner: runner,
		log:    log.WithFields(zap.String("component", "agent-adapter"), zap.String("vendor", opts.Vendor)),
		status: StatusIdle,
		subs:   make(map[int]EventHandler),
	}, nil
}

// checkAllowlisted rejects binaries that carry path separators or whose
// basename is not on the allowlist. An empty allowlist disables the check.
// Resolution stays with $PATH.
func checkAllowlisted(binary string, allowlist []string) error {
	if len(allowlist) == 0 {
		return nil
	}
	if strings.ContainsRune(binary, '/') || strings.ContainsRune(binary, filepath.Separator) {
		return fmt.Errorf("agent binary %q: paths are not allowed, configure a bare command name", binary)
	}
	for _, allowed := range allowlist {
		if binary == allowed {
			return nil
		}
	}
	return fmt.Errorf("agent binary %q is not on the exec allowlist", binary)
}

// OnEvent registers a handler for normalized events. The returned function
// unsubscribes.
func (a *Adapter) OnEvent(handler EventHandler) func() {
	a.subMu.Lock()
	id := a.nextID
	a.nextID++
	a.subs[id] = handler
	a.subMu.Unlock()
	return func() {
		a.subMu.Lock()
		delete(a.subs, id)
		a.subMu.Unlock()
	}
}

func (a *Adapter) publish(ev events.Event) {
	ev.Seq = a.seq.Add(1)
	a.subMu.RLock()
	defer a.subMu.RUnlock()
	for _, handler := range a.subs {
		handler(ev)
	}
}

// Status reports idle or running.
func (a *Adapter) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// ThreadID returns the vendor session id from the most recent run.
func (a *Adapter) ThreadID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.threadID
}

// Reset forgets the remembered session id so the next Send starts fresh.
func (a *Adapter) Reset() {
	a.mu.Lock()
	a.threadID = ""
	a.mu.Unlock()
}

// GetStreamingConfig describes this adapter's stream handling.
func (a *Adapter) GetStreamingConfig() StreamingConfig {
	return StreamingConfig{
		Vendor:         a.opts.Vendor,
		Format:         "jsonl",
		MaxStreamBytes: a.opts.MaxStreamBytes,
	}
}

// Send runs one prompt turn. When a resumed session fails because the model
// does not match the session's pinned model, the turn is retried once
// without resume; the caller never sees the first failure.
func (a *Adapter) Send(ctx context.Context, input SendInput) (*Result, error) {
	a.mu.Lock()
	if a.status == StatusRunning {
		a.mu.Unlock()
		return nil, fmt.Errorf("adapter %s: a run is already in flight", a.opts.Vendor)
	}
	a.status = StatusRunning
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.status = StatusIdle
		a.mu.Unlock()
	}()

	if a.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.opts.Timeout)
		defer cancel()
	}

	res, err := a.runOnce(ctx, input)
	if err != nil {
		return nil, err
	}
	if !res.OK && input.ThreadID != "" && isModelMismatch(res.ErrorMessage) {
		a.log.Warn("resume rejected for model mismatch, retrying without resume",
			zap.String("thread_id", input.ThreadID),
			zap.String("model", input.Model))
		retry := input
		retry.ThreadID = ""
		res, err = a.runOnce(ctx, retry)
		if err != nil {
			return nil, err
		}
	}

	if res.ThreadID != "" {
		a.mu.Lock()
		a.threadID = res.ThreadID
		a.mu.Unlock()
	}
	return res, nil
}

// isModelMismatch recognizes the vendor rejections for resuming a thread
// under a different model. The canonical phrasing is "Cannot resume thread
// with a different model"; the remaining markers cover vendor variants.
func isModelMismatch(message string) bool {
	m := strings.ToLower(message)
	if !strings.Contains(m, "model") {
		return false
	}
	for _, marker := range []string{"different model", "mismatch", "does not match", "not available", "not supported"} {
		if strings.Contains(m, marker) {
			return true
		}
	}
	return false
}

func (a *Adapter) runOnce(ctx context.Context, input SendInput) (*Result, error) {
	args := buildArgs(input)
	a.log.Debug("starting agent run",
		zap.String("binary", a.opts.Binary),
		zap.Strings("args", args))

	proc, err := a.runner.Start(ctx, RunRequest{
		Binary: a.opts.Binary,
		Args:   args,
		Dir:    input.Dir,
		Stdin:  input.Prompt,
	})
	if err != nil {
		return nil, err
	}

	p := parser.New(a.opts.Vendor)
	var turnFailed bool
	var failMessage string
	var usage *events.Usage

	scanner := bufio.NewScanner(proc.Stdout())
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var consumed int64
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		consumed += int64(len(line)) + 1
		if consumed > a.opts.MaxStreamBytes {
			// Keep draining so the process is not blocked on a full pipe,
			// but stop parsing.
			continue
		}

		var payload any
		if err := json.Unmarshal(line, &payload); err != nil {
			a.log.Warn("skipping unparseable stream line", zap.Error(err))
			continue
		}
		for _, ev := range p.ParseLine(payload) {
			switch ev.Type {
			case events.TypeTurnFailed:
				turnFailed = true
				failMessage = ev.Message
			case events.TypeTurnCompleted:
				usage = ev.Usage
			}
			a.publish(ev)
		}
	}
	if err := scanner.Err(); err != nil {
		a.log.Warn("agent stream read error", zap.Error(err))
	}

	waitErr := proc.Wait()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	res := &Result{
		ThreadID:     p.SessionID(),
		FinalMessage: p.FinalMessage(),
		Usage:        usage,
	}
	switch {
	case turnFailed:
		res.ErrorMessage = failMessage
	case waitErr != nil:
		res.ErrorMessage = exitMessage(waitErr, p.LastError(), proc.StderrTail())
	default:
		res.OK = true
	}
	return res, nil
}

// buildArgs assembles the vendor CLI invocation. Resume is a positional
// subcommand; everything else is flags. Planner and reviewer runs get a
// read-only sandbox.
func buildArgs(input SendInput) []string {
	args := []string{"--json", "--skip-git-repo-check"}
	if input.Model != "" {
		args = append(args, "--model", input.Model)
	}
	if input.Role == RolePlanner || input.Role == RoleReviewer {
		args = append(args, "--sandbox", "read-only")
	}
	if input.ThreadID != "" {
		args = append(args, "resume", input.ThreadID)
	}
	return args
}

func exitMessage(waitErr error, lastError, stderrTail string) string {
	if lastError != "" {
		return lastError
	}
	tail := strings.TrimSpace(stderrTail)
	if tail != "" {
		return fmt.Sprintf("%v: %s", waitErr, tail)
	}
	return waitErr.Error()
}
