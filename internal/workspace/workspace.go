// Package workspace bundles the per-workspace subsystems behind one
// context object: state store, attachments, planner, executor, task queue,
// run controller, async lock, metrics and the session event bus. Transports
// talk to a Context; nothing below it is reachable from the outside.
package workspace

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/adshq/ads/internal/agent/adapter"
	"github.com/adshq/ads/internal/attachments"
	"github.com/adshq/ads/internal/common/config"
	"github.com/adshq/ads/internal/common/logger"
	"github.com/adshq/ads/internal/events/bus"
	"github.com/adshq/ads/internal/orchestrator/executor"
	"github.com/adshq/ads/internal/orchestrator/planner"
	"github.com/adshq/ads/internal/orchestrator/queue"
	"github.com/adshq/ads/internal/store"
)

// stateDirName is the per-workspace state directory under the root.
const stateDirName = ".ads"

// Options configures a Context beyond what the config file carries.
type Options struct {
	// Bus overrides the event bus. Nil selects NATS when configured,
	// otherwise the in-memory bus; the context then owns its lifecycle.
	Bus bus.Bus
	// Runner overrides subprocess spawning, for tests.
	Runner adapter.Runner
	// Metrics overrides the shared collectors, for tests.
	Metrics *Metrics
}

// Context is the per-workspace singleton. All mutations flow through it.
type Context struct {
	root    string
	session string
	meta    *Metadata
	cfg     *config.Config
	log     *logger.Logger

	store       *store.Store
	attachments *attachments.Manager
	bus         bus.Bus
	ownsBus     bool
	lock        *AsyncLock
	run         *RunController
	queue       *queue.Queue
	metrics     *Metrics

	metricsSub bus.Subscription

	subMu sync.Mutex
	subs  map[string]bus.Subscription

	closeOnce sync.Once
}

// Open constructs the context for a workspace root: state directory,
// metadata file, store, adapters, queue. The queue worker starts
// immediately; callers that want a held queue switch to manual mode.
func Open(root string, cfg *config.Config, opts Options, log *logger.Logger) (*Context, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	stateDir := filepath.Join(absRoot, stateDirName)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	meta, err := ensureMetadata(stateDir, filepath.Base(absRoot))
	if err != nil {
		return nil, err
	}

	dbPath := cfg.State.DBPath
	if dbPath == "" {
		dbPath = filepath.Join(stateDir, "state.db")
	}
	st, err := store.Open(dbPath, cfg.State.BusyTimeout(), log)
	if err != nil {
		return nil, err
	}

	c := &Context{
		root:    absRoot,
		session: sessionKey(absRoot),
		meta:    meta,
		cfg:     cfg,
		log:     log.WithFields(zap.String("workspace", meta.Name)),
		store:   st,
		subs:    make(map[string]bus.Subscription),
	}

	c.bus = opts.Bus
	if c.bus == nil {
		c.bus, err = openBus(cfg, log)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		c.ownsBus = true
	}

	c.attachments = attachments.New(st, stateDir, log)
	c.lock = NewAsyncLock()
	c.metrics = opts.Metrics
	if c.metrics == nil {
		c.metrics = defaultMetrics()
	}

	plannerAgent, executorAgent, err := buildAgents(cfg.Agents, opts.Runner, log)
	if err != nil {
		_ = c.teardownPartial()
		return nil, err
	}

	pl := planner.New(plannerAgent, log)
	ex := executor.New(st, executorAgent, c.lock, cfg.Agents.StepTimeout(), log)
	c.queue = queue.New(st, pl, ex, c.bus, queue.Config{
		SessionID:    c.session,
		WorkDir:      absRoot,
		RetryBackoff: cfg.Queue.RetryBackoff(),
		PollInterval: cfg.Queue.PollInterval(),
	}, log)
	c.run = NewRunController(c.queue, c.bus, st, c.session, c.log)

	c.metricsSub, err = c.bus.Subscribe(c.session, c.observe)
	if err != nil {
		_ = c.teardownPartial()
		return nil, err
	}

	c.queue.Start()
	c.log.Info("workspace opened", zap.String("root", absRoot))
	return c, nil
}

// openBus picks the configured backend: NATS when a URL is set, in-memory
// otherwise.
func openBus(cfg *config.Config, log *logger.Logger) (bus.Bus, error) {
	if cfg.NATS.URL != "" {
		return bus.NewNATSBus(cfg.NATS, log)
	}
	return bus.NewMemoryBus(log), nil
}

// buildAgents constructs the planner and executor adapters for the
// configured vendor. They are separate instances so the planner's read-only
// sandbox and thread state never leak into execution.
func buildAgents(agents config.AgentsConfig, runner adapter.Runner, log *logger.Logger) (*adapter.Adapter, *adapter.Adapter, error) {
	allowlist := agents.AllowlistBasenames()
	binary := agents.BinaryFor(agents.Vendor)

	plannerAgent, err := adapter.New(adapter.Options{
		Vendor:         agents.Vendor,
		Binary:         binary,
		Allowlist:      allowlist,
		MaxStreamBytes: agents.MaxStreamBytes,
		Timeout:        agents.PlannerTimeout(),
	}, runner, log)
	if err != nil {
		return nil, nil, err
	}
	executorAgent, err := adapter.New(adapter.Options{
		Vendor:         agents.Vendor,
		Binary:         binary,
		Allowlist:      allowlist,
		MaxStreamBytes: agents.MaxStreamBytes,
		Timeout:        agents.DrainTimeout(),
	}, runner, log)
	if err != nil {
		return nil, nil, err
	}
	return plannerAgent, executorAgent, nil
}

// sessionKey derives a stable bus session id from the workspace root. The
// hash keeps the id usable as a NATS subject token.
func sessionKey(root string) string {
	sum := sha256.Sum256([]byte(root))
	return "ws-" + hex.EncodeToString(sum[:8])
}

// Root returns the workspace root directory.
func (c *Context) Root() string { return c.root }

// Name returns the workspace's display name.
func (c *Context) Name() string { return c.meta.Name }

// SessionID returns the bus session carrying this workspace's events.
func (c *Context) SessionID() string { return c.session }

// Store exposes the state store for read paths that transports proxy.
func (c *Context) Store() *store.Store { return c.store }

// Run returns the workspace's run controller.
func (c *Context) Run() *RunController { return c.run }

// Stats returns a queue activity snapshot.
func (c *Context) Stats() queue.Stats { return c.queue.Stats() }

// CreateTask validates and persists a task, then wakes the worker.
func (c *Context) CreateTask(ctx context.Context, input store.CreateTaskInput) (*store.Task, error) {
	task, err := c.store.CreateTask(ctx, input, time.Now().UTC(), nil)
	if err != nil {
		return nil, err
	}
	c.metrics.IncCreated(c.meta.Name)
	c.queue.NotifyNewTask()
	return task, nil
}

// ListTasks returns tasks in queue order, optionally filtered by status.
func (c *Context) ListTasks(ctx context.Context, status store.TaskStatus, limit int) ([]*store.Task, error) {
	return c.store.ListTasks(ctx, status, limit)
}

// GetTask returns one task or a NotFound error.
func (c *Context) GetTask(ctx context.Context, id string) (*store.Task, error) {
	return c.store.GetTask(ctx, id)
}

// UpdateTask applies a partial update.
func (c *Context) UpdateTask(ctx context.Context, id string, input store.UpdateTaskInput) (*store.Task, error) {
	return c.store.UpdateTask(ctx, id, input, time.Now().UTC())
}

// DeleteTask removes a task and its dependent rows. The cascade touches
// several tables, so it runs under the workspace lock.
func (c *Context) DeleteTask(ctx context.Context, id string) error {
	if c.queue.RunningTaskID() == id {
		return store.NewValidationError("id", "task is running; cancel it first")
	}
	return c.lock.Do(ctx, func() error {
		return c.store.DeleteTask(ctx, id)
	})
}

// CancelTask requests cooperative cancellation of a task.
func (c *Context) CancelTask(ctx context.Context, id string) error {
	return c.queue.Cancel(ctx, id)
}

// RetryTask requeues a failed or cancelled task with a fresh budget.
func (c *Context) RetryTask(ctx context.Context, id string) error {
	return c.queue.Retry(ctx, id)
}

// PauseQueue holds further claims; the running task finishes.
func (c *Context) PauseQueue(ctx context.Context, reason string) {
	c.run.Pause(ctx, reason)
}

// ResumeQueue lets the worker claim again.
func (c *Context) ResumeQueue(ctx context.Context) {
	c.run.Resume(ctx)
}

// MovePendingTask shifts a pending task one slot up or down. Runs under the
// workspace lock so a reorder never interleaves with a claim.
func (c *Context) MovePendingTask(ctx context.Context, id, direction string) error {
	return c.lock.Do(ctx, func() error {
		return c.store.MovePendingTask(ctx, id, direction)
	})
}

// ReorderPendingTasks applies an explicit ordering of pending tasks.
func (c *Context) ReorderPendingTasks(ctx context.Context, ids []string) error {
	return c.lock.Do(ctx, func() error {
		return c.store.ReorderPendingTasks(ctx, ids)
	})
}

// Subscribe attaches a sink for this workspace's lifecycle events. The
// session id identifies the client; resubscribing under the same id
// replaces the previous sink. Buffered recent events are replayed first.
func (c *Context) Subscribe(sessionID string, handler bus.Handler) (func(), error) {
	sub, err := c.bus.Subscribe(c.session, handler)
	if err != nil {
		return nil, err
	}

	c.subMu.Lock()
	if prev, ok := c.subs[sessionID]; ok {
		_ = prev.Unsubscribe()
	}
	c.subs[sessionID] = sub
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		if current, ok := c.subs[sessionID]; ok && current == sub {
			delete(c.subs, sessionID)
		}
		c.subMu.Unlock()
		_ = sub.Unsubscribe()
	}, nil
}

// CreateImageAttachment stores an uploaded image content-addressed.
func (c *Context) CreateImageAttachment(ctx context.Context, input attachments.CreateInput) (*store.Attachment, error) {
	return c.attachments.Create(ctx, input)
}

// LinkAttachmentsToTask associates stored attachments with a task.
func (c *Context) LinkAttachmentsToTask(ctx context.Context, taskID string, attachmentIDs []string) error {
	return c.store.LinkAttachmentsToTask(ctx, taskID, attachmentIDs, time.Now().UTC())
}

// ReadAttachment returns an attachment's blob bytes.
func (c *Context) ReadAttachment(att *store.Attachment) ([]byte, error) {
	return c.attachments.Read(att)
}

// CollectAttachmentGarbage removes attachments no task references.
func (c *Context) CollectAttachmentGarbage(ctx context.Context) (int, error) {
	return c.attachments.CollectGarbage(ctx)
}

// UpsertModelConfig creates or updates a model registry entry.
func (c *Context) UpsertModelConfig(ctx context.Context, cfg *store.ModelConfig) error {
	return c.store.UpsertModelConfig(ctx, cfg, time.Now().UTC())
}

// GetModelConfig returns one model registry entry.
func (c *Context) GetModelConfig(ctx context.Context, id string) (*store.ModelConfig, error) {
	return c.store.GetModelConfig(ctx, id)
}

// ListModelConfigs returns all model registry entries.
func (c *Context) ListModelConfigs(ctx context.Context) ([]*store.ModelConfig, error) {
	return c.store.ListModelConfigs(ctx)
}

// DeleteModelConfig removes a model registry entry.
func (c *Context) DeleteModelConfig(ctx context.Context, id string) error {
	return c.store.DeleteModelConfig(ctx, id)
}

// observe feeds workspace metrics from the queue's own event stream.
func (c *Context) observe(ev *bus.Event) {
	name := c.meta.Name
	switch ev.Type {
	case queue.EventTaskStarted:
		c.metrics.SetRunning(name, 1)
	case queue.EventTaskCompleted:
		c.metrics.SetRunning(name, 0)
		c.metrics.IncFinished(name, "completed")
	case queue.EventTaskCancelled:
		c.metrics.SetRunning(name, 0)
		c.metrics.IncFinished(name, "cancelled")
	case queue.EventTaskFailed:
		c.metrics.SetRunning(name, 0)
		if retry, _ := ev.Data["will_retry"].(bool); retry {
			c.metrics.IncRetried(name)
		} else {
			c.metrics.IncFinished(name, "failed")
		}
	}
}

// Close drains the queue, detaches subscribers and closes the store. Safe
// to call more than once.
func (c *Context) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		stopCtx := ctx
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			stopCtx, cancel = context.WithTimeout(ctx, c.cfg.Agents.DrainTimeout())
			defer cancel()
		}
		err = c.queue.Stop(stopCtx)

		if c.metricsSub != nil {
			_ = c.metricsSub.Unsubscribe()
		}
		c.subMu.Lock()
		for id, sub := range c.subs {
			_ = sub.Unsubscribe()
			delete(c.subs, id)
		}
		c.subMu.Unlock()

		c.bus.DropSession(c.session)
		if c.ownsBus {
			c.bus.Close()
		}
		if cerr := c.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
		c.log.Info("workspace closed")
	})
	return err
}

// teardownPartial unwinds a half-built context when Open fails.
func (c *Context) teardownPartial() error {
	if c.ownsBus && c.bus != nil {
		c.bus.Close()
	}
	return c.store.Close()
}
