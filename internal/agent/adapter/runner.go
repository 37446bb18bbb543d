package adapter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// RunRequest describes one CLI invocation.
type RunRequest struct {
	Binary string
	Args   []string
	Dir    string
	// Stdin is written to the process and then the pipe is closed. Vendors
	// read the prompt from stdin until EOF.
	Stdin string
}

// Process is a handle on a started CLI run.
type Process interface {
	// Stdout streams the process's line-delimited JSON output.
	Stdout() io.Reader
	// Wait blocks until the process exits and returns its exit error.
	Wait() error
	// Stop terminates the process: SIGTERM first, SIGKILL after the grace
	// period. Safe to call more than once.
	Stop(grace time.Duration)
	// StderrTail returns the captured tail of stderr, for error reporting.
	StderrTail() string
}

// Runner starts vendor CLI processes. The exec-backed implementation is used
// in production; tests substitute a fake.
type Runner interface {
	Start(ctx context.Context, req RunRequest) (Process, error)
}

// ExecRunner runs CLIs as real subprocesses in their own process group.
type ExecRunner struct{}

// NewExecRunner returns the production runner.
func NewExecRunner() *ExecRunner { return &ExecRunner{} }

const stderrTailBytes = 8 * 1024

// Start launches the binary and begins feeding stdin. The process is placed
// in its own process group so stopping it takes the whole tree down. Context
// cancellation stops the process with a 2 second grace period.
func (r *ExecRunner) Start(ctx context.Context, req RunRequest) (Process, error) {
	// exec.Command rather than CommandContext: CommandContext sends SIGKILL
	// on cancellation, which skips the vendor's own cleanup.
	cmd := exec.Command(req.Binary, req.Args...)
	cmd.Dir = req.Dir
	cmd.Env = os.Environ()
	setProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", req.Binary, err)
	}

	p := &execProcess{
		cmd:    cmd,
		stdout: stdout,
		exited: make(chan struct{}),
	}

	go func() {
		_, _ = io.WriteString(stdin, req.Stdin)
		_ = stdin.Close()
	}()
	go p.drainStderr(stderr)
	go func() {
		select {
		case <-ctx.Done():
			p.Stop(2 * time.Second)
		case <-p.exited:
		}
	}()

	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader

	mu        sync.Mutex
	stderrBuf bytes.Buffer
	waitOnce  sync.Once
	waitErr   error
	exited    chan struct{}
	stopOnce  sync.Once
}

func (p *execProcess) Stdout() io.Reader { return p.stdout }

func (p *execProcess) Wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
		close(p.exited)
	})
	<-p.exited
	return p.waitErr
}

func (p *execProcess) Stop(grace time.Duration) {
	p.stopOnce.Do(func() {
		pid := p.cmd.Process.Pid
		_ = terminateGroup(pid)
		go func() {
			select {
			case <-p.exited:
			case <-time.After(grace):
				_ = killGroup(pid)
			}
		}()
	})
}

func (p *execProcess) StderrTail() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stderrBuf.String()
}

func (p *execProcess) drainStderr(r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			p.mu.Lock()
			p.stderrBuf.Write(buf[:n])
			if p.stderrBuf.Len() > stderrTailBytes {
				trimmed := p.stderrBuf.Bytes()[p.stderrBuf.Len()-stderrTailBytes:]
				rest := make([]byte, len(trimmed))
				copy(rest, trimmed)
				p.stderrBuf.Reset()
				p.stderrBuf.Write(rest)
			}
			p.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}
