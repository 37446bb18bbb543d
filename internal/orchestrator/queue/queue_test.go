package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adshq/ads/internal/common/logger"
	"github.com/adshq/ads/internal/db"
	"github.com/adshq/ads/internal/events/bus"
	"github.com/adshq/ads/internal/orchestrator/executor"
	"github.com/adshq/ads/internal/store"
)

const testSession = "sess-test"

type fakePlanner struct {
	mu    sync.Mutex
	steps []store.PlanStepInput
	err   error
	calls int
}

func (p *fakePlanner) Plan(ctx context.Context, task *store.Task, workDir string) ([]store.PlanStepInput, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return p.steps, nil
}

type fakeExecutor struct {
	mu sync.Mutex
	// results and errs are consumed per call.
	results []string
	errs    []error
	calls   int
	// block, when non-nil, makes Execute wait for ctx cancellation after
	// reporting the first step as started.
	block chan struct{}
}

func (e *fakeExecutor) Execute(ctx context.Context, task *store.Task, steps []*store.PlanStep, workDir string, hooks executor.Hooks) (string, error) {
	e.mu.Lock()
	i := e.calls
	e.calls++
	block := e.block
	e.mu.Unlock()

	if len(steps) > 0 && hooks.OnStepStarted != nil {
		hooks.OnStepStarted(steps[0])
	}
	if block != nil {
		close(block)
		<-ctx.Done()
		return "", ctx.Err()
	}
	if i < len(e.errs) && e.errs[i] != nil {
		return "", e.errs[i]
	}
	if hooks.OnMessageDelta != nil {
		hooks.OnMessageDelta(steps[0], "chunk")
	}
	for _, step := range steps {
		if hooks.OnStepComplete != nil {
			hooks.OnStepComplete(step, "done")
		}
	}
	if i < len(e.results) {
		return e.results[i], nil
	}
	return "ok", nil
}

type harness struct {
	store *store.Store
	bus   *bus.MemoryBus
	queue *Queue

	mu     sync.Mutex
	events []*bus.Event
	notify chan string
}

func newHarness(t *testing.T, p Planner, e Executor) *harness {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"), db.DefaultBusyTimeout, logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	b := bus.NewMemoryBus(logger.Default())
	t.Cleanup(b.Close)

	h := &harness{store: st, bus: b, notify: make(chan string, 256)}
	sub, err := b.Subscribe(testSession, func(ev *bus.Event) {
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.mu.Unlock()
		h.notify <- ev.Type
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	h.queue = New(st, p, e, b, Config{
		SessionID:    testSession,
		RetryBackoff: 10 * time.Millisecond,
		PollInterval: 20 * time.Millisecond,
	}, logger.Default())
	h.queue.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.queue.Stop(ctx)
	})
	return h
}

func (h *harness) createTask(t *testing.T, prompt string, maxRetries int) *store.Task {
	t.Helper()
	task, err := h.store.CreateTask(context.Background(), store.CreateTaskInput{
		Prompt:     prompt,
		MaxRetries: &maxRetries,
	}, time.Now(), nil)
	require.NoError(t, err)
	h.queue.NotifyNewTask()
	return task
}

// waitFor blocks until an event of the given type arrives.
func (h *harness) waitFor(t *testing.T, eventType string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case got := <-h.notify:
			if got == eventType {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s; saw %v", eventType, h.eventTypes())
		}
	}
}

func (h *harness) eventTypes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	types := make([]string, len(h.events))
	for i, ev := range h.events {
		types[i] = ev.Type
	}
	return types
}

func planOf(titles ...string) []store.PlanStepInput {
	steps := make([]store.PlanStepInput, len(titles))
	for i, title := range titles {
		steps[i] = store.PlanStepInput{StepNumber: i + 1, Title: title}
	}
	return steps
}

func TestHappyPathLifecycle(t *testing.T) {
	h := newHarness(t,
		&fakePlanner{steps: planOf("Draft script", "Explain")},
		&fakeExecutor{results: []string{"Explanation text"}})

	task := h.createTask(t, "write hello world in python", 3)
	h.waitFor(t, EventTaskCompleted)

	final, err := h.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusCompleted, final.Status)
	assert.Equal(t, "Explanation text", final.Result)
	assert.NotNil(t, final.CompletedAt)
	assert.NotNil(t, final.StartedAt)
	assert.NotNil(t, final.PromptInjectedAt)
	assert.Equal(t, 0, final.RetryCount)

	ctxs, err := h.store.ListTaskContexts(context.Background(), task.ID)
	require.NoError(t, err)
	require.Len(t, ctxs, 1)
	assert.Equal(t, "summary", ctxs[0].ContextType)
	assert.Equal(t, "Explanation text", ctxs[0].Content)

	// Lifecycle ordering: started < planned < running < step/delta < completed.
	types := h.eventTypes()
	order := map[string]int{}
	for i, typ := range types {
		if _, seen := order[typ]; !seen {
			order[typ] = i
		}
	}
	assert.Less(t, order[EventTaskStarted], order[EventTaskPlanned])
	assert.Less(t, order[EventTaskPlanned], order[EventTaskRunning])
	assert.Less(t, order[EventTaskRunning], order[EventStepStarted])
	assert.Less(t, order[EventStepStarted], order[EventTaskCompleted])
	assert.Contains(t, types, EventMessageDelta)

	// Sequence numbers are strictly increasing.
	h.mu.Lock()
	defer h.mu.Unlock()
	var prev int64
	for _, ev := range h.events {
		assert.Greater(t, ev.Seq, prev)
		prev = ev.Seq
	}
}

func TestRetryThenSuccess(t *testing.T) {
	h := newHarness(t,
		&fakePlanner{steps: planOf("Only step")},
		&fakeExecutor{errs: []error{errors.New("flaky tool"), nil}, results: []string{"", "second time lucky"}})

	task := h.createTask(t, "do something flaky", 3)
	h.waitFor(t, EventTaskFailed)
	h.waitFor(t, EventTaskCompleted)

	final, err := h.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusCompleted, final.Status)
	// Succeeded on attempt 2, so one retry was consumed.
	assert.Equal(t, 1, final.RetryCount)
	assert.Equal(t, "second time lucky", final.Result)
	assert.Equal(t, int64(1), h.queue.Stats().Retried)
}

func TestRetriesExhausted(t *testing.T) {
	fails := []error{errors.New("boom"), errors.New("boom"), errors.New("boom")}
	h := newHarness(t,
		&fakePlanner{steps: planOf("Only step")},
		&fakeExecutor{errs: fails})

	task := h.createTask(t, "always fails", 2)
	deadline := time.After(5 * time.Second)
	for h.queue.Stats().Failed == 0 {
		select {
		case <-deadline:
			t.Fatal("task never failed permanently")
		case <-time.After(20 * time.Millisecond):
		}
	}

	final, err := h.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusFailed, final.Status)
	assert.Equal(t, 2, final.RetryCount)
	assert.Contains(t, final.LastError, "boom")

	ctxs, err := h.store.ListTaskContexts(context.Background(), task.ID)
	require.NoError(t, err)
	var foundFailure bool
	for _, c := range ctxs {
		if c.ContextType == "status" {
			foundFailure = true
			assert.Contains(t, c.Content, "[失败]")
			assert.Contains(t, c.Content, "boom")
		}
	}
	assert.True(t, foundFailure)
	assert.Equal(t, int64(1), h.queue.Stats().Failed)
}

func TestCancelMidStep(t *testing.T) {
	block := make(chan struct{})
	h := newHarness(t,
		&fakePlanner{steps: planOf("Long step")},
		&fakeExecutor{block: block})

	task := h.createTask(t, "long running work", 3)
	select {
	case <-block:
	case <-time.After(5 * time.Second):
		t.Fatal("executor never started")
	}

	require.NoError(t, h.queue.Cancel(context.Background(), task.ID))
	h.waitFor(t, EventTaskCancelled)

	final, err := h.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusCancelled, final.Status)
	assert.Empty(t, final.Result, "cancelled task has no result summary")
	assert.NotNil(t, final.CompletedAt)

	ctxs, err := h.store.ListTaskContexts(context.Background(), task.ID)
	require.NoError(t, err)
	var found bool
	for _, c := range ctxs {
		if c.Content == "[已取消]" {
			found = true
		}
	}
	assert.True(t, found, "cancellation context row missing")
	assert.Equal(t, int64(1), h.queue.Stats().Cancelled)
}

func TestCancelDoesNotConsumeRetryBudget(t *testing.T) {
	block := make(chan struct{})
	h := newHarness(t,
		&fakePlanner{steps: planOf("Step")},
		&fakeExecutor{block: block})

	task := h.createTask(t, "to be cancelled", 3)
	<-block
	require.NoError(t, h.queue.Cancel(context.Background(), task.ID))
	h.waitFor(t, EventTaskCancelled)

	final, err := h.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, final.RetryCount)
}

func TestPauseHoldsClaims(t *testing.T) {
	h := newHarness(t,
		&fakePlanner{steps: planOf("Step")},
		&fakeExecutor{})

	h.queue.Pause("maintenance")
	h.waitFor(t, EventQueuePaused)
	assert.True(t, h.queue.Paused())

	task := h.createTask(t, "waits for resume", 3)
	time.Sleep(100 * time.Millisecond)
	current, err := h.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusPending, current.Status, "paused queue must not claim")

	h.queue.Resume()
	h.waitFor(t, EventTaskCompleted)
}

func TestQueuedTaskIsPromotedAndRun(t *testing.T) {
	h := newHarness(t,
		&fakePlanner{steps: planOf("Step")},
		&fakeExecutor{})

	task, err := h.store.CreateTask(context.Background(), store.CreateTaskInput{
		Prompt: "starts queued",
	}, time.Now(), &store.CreateTaskOptions{Status: store.TaskStatusQueued})
	require.NoError(t, err)
	require.Equal(t, store.TaskStatusQueued, task.Status)
	require.NotNil(t, task.QueuedAt)
	h.queue.NotifyNewTask()

	h.waitFor(t, EventTaskCompleted)
	final, err := h.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusCompleted, final.Status)
}

func TestPlannerFailureConsumesRetries(t *testing.T) {
	h := newHarness(t,
		&fakePlanner{err: errors.New("planner produced garbage twice")},
		&fakeExecutor{})

	task := h.createTask(t, "unplannable", 0)
	h.waitFor(t, EventTaskFailed)

	deadline := time.After(5 * time.Second)
	for {
		final, err := h.store.GetTask(context.Background(), task.ID)
		require.NoError(t, err)
		if final.Status == store.TaskStatusFailed {
			assert.Contains(t, final.LastError, "garbage")
			return
		}
		select {
		case <-deadline:
			t.Fatalf("status %s", final.Status)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestStopDrains(t *testing.T) {
	h := newHarness(t, &fakePlanner{steps: planOf("Step")}, &fakeExecutor{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.queue.Stop(ctx))
	// Second stop is harmless.
	require.NoError(t, h.queue.Stop(ctx))
}
