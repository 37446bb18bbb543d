// Package queue owns the per-workspace task worker: it promotes and claims
// tasks, drives the planner and executor, applies retry-or-fail on errors,
// and publishes lifecycle events to the session bus.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/adshq/ads/internal/common/logger"
	"github.com/adshq/ads/internal/events/bus"
	"github.com/adshq/ads/internal/orchestrator/executor"
	"github.com/adshq/ads/internal/store"
)

// Event types published to the session bus.
const (
	EventTaskUpdated   = "task:updated"
	EventTaskStarted   = "task:started"
	EventTaskPlanned   = "task:planned"
	EventTaskRunning   = "task:running"
	EventTaskCompleted = "task:completed"
	EventTaskFailed    = "task:failed"
	EventTaskCancelled = "task:cancelled"
	EventStepStarted   = "step:started"
	EventStepCompleted = "step:completed"
	EventMessageDelta  = "message:delta"
	EventCommand       = "command"
	EventQueuePaused   = "queue:paused"
	EventQueueResumed  = "queue:resumed"
)

// Planner produces a plan for a claimed task.
type Planner interface {
	Plan(ctx context.Context, task *store.Task, workDir string) ([]store.PlanStepInput, error)
}

// Executor runs a plan to completion.
type Executor interface {
	Execute(ctx context.Context, task *store.Task, steps []*store.PlanStep, workDir string, hooks executor.Hooks) (string, error)
}

// Config tunes the worker loop.
type Config struct {
	// SessionID scopes this queue's events on the bus.
	SessionID string
	// WorkDir is handed to the planner and executor.
	WorkDir string
	// RetryBackoff delays the wake after a retriable failure.
	RetryBackoff time.Duration
	// PollInterval bounds the wait when the wake channel is silent.
	PollInterval time.Duration
}

// Stats is a point-in-time snapshot of queue activity.
type Stats struct {
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Cancelled int64  `json:"cancelled"`
	Retried   int64  `json:"retried"`
	Paused    bool   `json:"paused"`
	RunningID string `json:"running_id,omitempty"`
}

// errCancelled marks the cooperative-cancellation path internally.
var errCancelled = errors.New("task cancelled")

// Queue is the single worker for one workspace.
type Queue struct {
	store    *store.Store
	planner  Planner
	executor Executor
	bus      bus.Bus
	cfg      Config
	log      *logger.Logger

	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	seq    atomic.Int64
	paused atomic.Bool

	mu            sync.Mutex
	runningTaskID string
	cancelRunning context.CancelFunc
	started       bool
	stopOnce      sync.Once

	completed atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
	retried   atomic.Int64
}

// New wires a queue. Defaults: 1s poll interval, 1s retry backoff.
func New(st *store.Store, p Planner, e Executor, b bus.Bus, cfg Config, log *logger.Logger) *Queue {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	return &Queue{
		store:    st,
		planner:  p,
		executor: e,
		bus:      b,
		cfg:      cfg,
		log:      log.WithFields(zap.String("component", "task-queue")),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the worker. Idempotent; the second call is a no-op.
func (q *Queue) Start() {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()
	go q.run()
}

// Stop cancels any running task and waits for the worker to drain, bounded
// by ctx.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()

	q.stopOnce.Do(func() { close(q.stop) })
	q.abortRunning()
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue did not drain: %w", ctx.Err())
	}
}

// NotifyNewTask wakes the worker without blocking.
func (q *Queue) NotifyNewTask() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Pause halts claiming. The running task, if any, finishes.
func (q *Queue) Pause(reason string) {
	q.paused.Store(true)
	q.emit(EventQueuePaused, nil, map[string]any{"reason": reason})
}

// Resume clears the paused flag and wakes the worker.
func (q *Queue) Resume() {
	q.paused.Store(false)
	q.emit(EventQueueResumed, nil, nil)
	q.NotifyNewTask()
}

// Paused reports the paused flag.
func (q *Queue) Paused() bool { return q.paused.Load() }

// Cancel flips the task to cancelled. If it is the running task its
// cancellation controller fires too; otherwise the worker is woken so order
// stays consistent.
func (q *Queue) Cancel(ctx context.Context, taskID string) error {
	status := store.TaskStatusCancelled
	if _, err := q.store.UpdateTask(ctx, taskID, store.UpdateTaskInput{Status: &status}, time.Now()); err != nil {
		return err
	}

	q.mu.Lock()
	isRunning := q.runningTaskID == taskID
	cancel := q.cancelRunning
	q.mu.Unlock()
	if isRunning && cancel != nil {
		cancel()
	} else {
		q.NotifyNewTask()
	}
	return nil
}

// Retry resets a task to pending with a fresh retry budget and wakes the
// worker.
func (q *Queue) Retry(ctx context.Context, taskID string) error {
	status := store.TaskStatusPending
	zero := 0
	empty := ""
	if _, err := q.store.UpdateTask(ctx, taskID, store.UpdateTaskInput{
		Status:     &status,
		RetryCount: &zero,
		LastError:  &empty,
		Result:     &empty,
		ClearTimes: true,
	}, time.Now()); err != nil {
		return err
	}
	q.NotifyNewTask()
	return nil
}

// RunningTaskID returns the id of the task being executed, if any.
func (q *Queue) RunningTaskID() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.runningTaskID
}

// Stats snapshots queue counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Completed: q.completed.Load(),
		Failed:    q.failed.Load(),
		Cancelled: q.cancelled.Load(),
		Retried:   q.retried.Load(),
		Paused:    q.paused.Load(),
		RunningID: q.RunningTaskID(),
	}
}

func (q *Queue) abortRunning() {
	q.mu.Lock()
	cancel := q.cancelRunning
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (q *Queue) run() {
	defer close(q.done)
	ctx := context.Background()

	for {
		select {
		case <-q.stop:
			return
		default:
		}

		if q.paused.Load() {
			q.waitForWake()
			continue
		}

		q.promoteQueued(ctx)

		task, err := q.store.ClaimNextPendingTask(ctx, time.Now())
		if err != nil {
			q.log.Error("claim failed", zap.Error(err))
			q.waitForWake()
			continue
		}
		if task == nil {
			q.waitForWake()
			continue
		}
		q.runTask(ctx, task)
	}
}

// promoteQueued moves every queued task to pending so it becomes claimable.
func (q *Queue) promoteQueued(ctx context.Context) {
	for {
		task, err := q.store.DequeueNextQueuedTask(ctx, time.Now())
		if err != nil {
			q.log.Error("dequeue failed", zap.Error(err))
			return
		}
		if task == nil {
			return
		}
		q.emit(EventTaskUpdated, task, nil)
	}
}

func (q *Queue) waitForWake() {
	timer := time.NewTimer(q.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-q.stop:
	case <-q.wake:
	case <-timer.C:
	}
}

func (q *Queue) runTask(ctx context.Context, task *store.Task) {
	taskCtx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	q.runningTaskID = task.ID
	q.cancelRunning = cancel
	q.mu.Unlock()
	defer func() {
		cancel()
		q.mu.Lock()
		q.runningTaskID = ""
		q.cancelRunning = nil
		q.mu.Unlock()
	}()

	log := q.log.WithTaskID(task.ID)
	q.emit(EventTaskStarted, task, nil)

	summary, err := q.planAndExecute(taskCtx, task)
	switch {
	case err == nil:
		q.finishCompleted(ctx, task, summary, log)
	case errors.Is(err, errCancelled) || errors.Is(err, context.Canceled):
		q.finishCancelled(ctx, task, log)
	default:
		q.handleFailure(ctx, task, err, log)
	}
}

func (q *Queue) planAndExecute(ctx context.Context, task *store.Task) (string, error) {
	if _, err := q.store.MarkPromptInjected(ctx, task.ID, time.Now()); err != nil {
		q.log.Warn("failed to stamp prompt injection", zap.Error(err))
	}

	plan, err := q.planner.Plan(ctx, task, q.cfg.WorkDir)
	if err != nil {
		return "", err
	}
	if cancelled, cerr := q.taskCancelled(ctx, task.ID); cerr != nil {
		return "", cerr
	} else if cancelled {
		return "", errCancelled
	}

	steps, err := q.store.SetPlan(ctx, task.ID, plan)
	if err != nil {
		return "", err
	}
	q.emit(EventTaskPlanned, task, map[string]any{"steps": len(steps)})
	q.emit(EventTaskRunning, task, nil)

	summary, err := q.executor.Execute(ctx, task, steps, q.cfg.WorkDir, q.stepHooks(task))
	if err != nil {
		return "", err
	}
	if cancelled, cerr := q.taskCancelled(ctx, task.ID); cerr != nil {
		return "", cerr
	} else if cancelled {
		return "", errCancelled
	}
	return summary, nil
}

func (q *Queue) stepHooks(task *store.Task) executor.Hooks {
	return executor.Hooks{
		OnStepStarted: func(step *store.PlanStep) {
			q.emit(EventStepStarted, task, map[string]any{"step_number": step.StepNumber, "title": step.Title})
		},
		OnStepComplete: func(step *store.PlanStep, result string) {
			q.emit(EventStepCompleted, task, map[string]any{"step_number": step.StepNumber})
		},
		OnMessageDelta: func(step *store.PlanStep, delta string) {
			q.emit(EventMessageDelta, task, map[string]any{"step_number": step.StepNumber, "delta": delta})
		},
		OnCommand: func(step *store.PlanStep, command string) {
			q.emit(EventCommand, task, map[string]any{"step_number": step.StepNumber, "command": command})
		},
	}
}

func (q *Queue) taskCancelled(ctx context.Context, taskID string) (bool, error) {
	current, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	return current.Status == store.TaskStatusCancelled, nil
}

func (q *Queue) finishCompleted(ctx context.Context, task *store.Task, summary string, log *logger.Logger) {
	status := store.TaskStatusCompleted
	input := store.UpdateTaskInput{Status: &status}
	if summary != "" {
		input.Result = &summary
	}
	updated, err := q.store.UpdateTask(ctx, task.ID, input, time.Now())
	if err != nil {
		log.Error("failed to persist completed state", zap.Error(err))
		return
	}

	if summary != "" {
		if err := q.store.AddTaskContext(ctx, task.ID, "summary", summary, time.Now()); err != nil {
			log.Warn("failed to save summary context", zap.Error(err))
		}
		if task.ThreadID != "" {
			if _, err := q.store.AddConversationMessage(ctx, &store.ConversationMessage{
				ConversationID: task.ThreadID,
				TaskID:         task.ID,
				Role:           store.RoleSystem,
				Content:        "[任务完成摘要]\n" + summary,
				Metadata:       map[string]any{"kind": "task_summary"},
			}); err != nil {
				log.Warn("failed to mirror summary to conversation", zap.Error(err))
			}
		}
	}

	q.completed.Add(1)
	q.emit(EventTaskCompleted, updated, nil)
	log.Info("task completed")
}

func (q *Queue) finishCancelled(ctx context.Context, task *store.Task, log *logger.Logger) {
	status := store.TaskStatusCancelled
	updated, err := q.store.UpdateTask(ctx, task.ID, store.UpdateTaskInput{Status: &status}, time.Now())
	if err != nil {
		log.Error("failed to persist cancelled state", zap.Error(err))
		updated = task
	}
	if err := q.store.AddTaskContext(ctx, task.ID, "status", "[已取消]", time.Now()); err != nil {
		log.Warn("failed to save cancellation context", zap.Error(err))
	}
	q.cancelled.Add(1)
	q.emit(EventTaskCancelled, updated, nil)
	log.Info("task cancelled")
}

// handleFailure applies retry-or-fail. A task with remaining budget goes
// back to pending with cleared timestamps; otherwise it fails for good.
func (q *Queue) handleFailure(ctx context.Context, task *store.Task, cause error, log *logger.Logger) {
	current, err := q.store.GetTask(ctx, task.ID)
	if err != nil {
		log.Error("failed to re-read task after error", zap.Error(err))
		current = task
	}

	msg := cause.Error()
	if current.RetryCount+1 <= current.MaxRetries {
		retryCount := current.RetryCount + 1
		status := store.TaskStatusPending
		updated, uerr := q.store.UpdateTask(ctx, task.ID, store.UpdateTaskInput{
			Status:     &status,
			RetryCount: &retryCount,
			LastError:  &msg,
			ClearTimes: true,
		}, time.Now())
		if uerr != nil {
			log.Error("failed to persist retry state", zap.Error(uerr))
			return
		}
		q.retried.Add(1)
		q.emit(EventTaskFailed, updated, map[string]any{"error": msg, "will_retry": true})
		log.Warn("task failed, will retry",
			zap.Int("retry_count", retryCount),
			zap.Int("max_retries", current.MaxRetries),
			zap.String("error", msg))

		// Back off before the next claim so a hot failure does not spin.
		timer := time.NewTimer(q.cfg.RetryBackoff)
		select {
		case <-q.stop:
		case <-timer.C:
		}
		timer.Stop()
		q.NotifyNewTask()
		return
	}

	status := store.TaskStatusFailed
	updated, uerr := q.store.UpdateTask(ctx, task.ID, store.UpdateTaskInput{
		Status:    &status,
		LastError: &msg,
	}, time.Now())
	if uerr != nil {
		log.Error("failed to persist failed state", zap.Error(uerr))
		updated = current
	}
	if err := q.store.AddTaskContext(ctx, task.ID, "status", "[失败]\n"+msg, time.Now()); err != nil {
		log.Warn("failed to save failure context", zap.Error(err))
	}
	q.failed.Add(1)
	q.emit(EventTaskFailed, updated, map[string]any{"error": msg})
	log.Error("task failed permanently", zap.String("error", msg))
}

// emit publishes one lifecycle event with a task snapshot and a queue-wide
// monotonic sequence number.
func (q *Queue) emit(eventType string, task *store.Task, data map[string]any) {
	if data == nil {
		data = make(map[string]any)
	}
	if task != nil {
		data["task"] = taskSnapshot(task)
	}
	ev := bus.NewEvent(q.cfg.SessionID, eventType, data)
	ev.Seq = q.seq.Add(1)
	if err := q.bus.Publish(context.Background(), q.cfg.SessionID, ev); err != nil {
		q.log.Warn("failed to publish event",
			zap.String("event_type", eventType), zap.Error(err))
	}
}

func taskSnapshot(task *store.Task) map[string]any {
	snap := map[string]any{
		"id":          task.ID,
		"title":       task.Title,
		"status":      string(task.Status),
		"queue_order": task.QueueOrder,
		"retry_count": task.RetryCount,
		"max_retries": task.MaxRetries,
	}
	if task.ThreadID != "" {
		snap["thread_id"] = task.ThreadID
	}
	if task.Result != "" {
		snap["result"] = task.Result
	}
	if task.LastError != "" {
		snap["last_error"] = task.LastError
	}
	return snap
}
