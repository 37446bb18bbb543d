package workspace

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adshq/ads/internal/agent/adapter"
	"github.com/adshq/ads/internal/attachments"
	"github.com/adshq/ads/internal/common/config"
	"github.com/adshq/ads/internal/common/logger"
	"github.com/adshq/ads/internal/events/bus"
	"github.com/adshq/ads/internal/orchestrator/queue"
	"github.com/adshq/ads/internal/store"
)

// Scripted CLI streams. The planner call consumes the first script, each
// executor step consumes the next; the last script repeats when exhausted.
const planScript = `{"type":"system","subtype":"init","session_id":"plan-1"}
{"type":"result","subtype":"success","result":"[{\"title\":\"Say hello\",\"description\":\"print the greeting\"}]"}
`

const execScript = `{"type":"system","subtype":"init","session_id":"exec-1"}
{"type":"assistant","message":{"id":"m1","content":[{"type":"text","text":"hello done"}]}}
{"type":"result","subtype":"success","usage":{"input_tokens":10,"output_tokens":2}}
`

type scriptedRunner struct {
	mu      sync.Mutex
	scripts []string
}

func (r *scriptedRunner) Start(ctx context.Context, req adapter.RunRequest) (adapter.Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	script := r.scripts[0]
	if len(r.scripts) > 1 {
		r.scripts = r.scripts[1:]
	}
	return &scriptedProcess{out: strings.NewReader(script)}, nil
}

type scriptedProcess struct{ out io.Reader }

func (p *scriptedProcess) Stdout() io.Reader  { return p.out }
func (p *scriptedProcess) Wait() error        { return nil }
func (p *scriptedProcess) Stop(time.Duration) {}
func (p *scriptedProcess) StderrTail() string { return "" }

func testConfig() *config.Config {
	return &config.Config{
		State: config.StateConfig{BusyTimeoutMS: 5000},
		Agents: config.AgentsConfig{
			Vendor:           "codex",
			CodexBin:         "codex",
			MaxStreamBytes:   1 << 20,
			PlannerTimeoutMS: 60_000,
			DrainTimeoutMS:   60_000,
		},
		Queue: config.QueueConfig{RetryBackoffMS: 10, PollIntervalMS: 20},
	}
}

func openWorkspace(t *testing.T) (*Context, *Metrics) {
	t.Helper()
	metrics := MustNewMetrics(prometheus.NewRegistry())
	c, err := Open(t.TempDir(), testConfig(), Options{
		Runner:  &scriptedRunner{scripts: []string{planScript, execScript}},
		Metrics: metrics,
	}, logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Close(ctx)
	})
	return c, metrics
}

// waitForEvent subscribes and blocks until an event of the given type shows
// up, replay included.
func waitForEvent(t *testing.T, c *Context, eventType string) *bus.Event {
	t.Helper()
	found := make(chan *bus.Event, 1)
	unsubscribe, err := c.Subscribe("test-waiter-"+eventType, func(ev *bus.Event) {
		if ev.Type == eventType {
			select {
			case found <- ev:
			default:
			}
		}
	})
	require.NoError(t, err)
	defer unsubscribe()

	select {
	case ev := <-found:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", eventType)
		return nil
	}
}

func TestOpenWritesMetadata(t *testing.T) {
	c, _ := openWorkspace(t)

	stateDir := filepath.Join(c.Root(), stateDirName)
	if _, err := os.Stat(filepath.Join(stateDir, "state.db")); err != nil {
		t.Fatalf("state db missing: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(stateDir, metadataFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), c.Name())
	assert.Equal(t, filepath.Base(c.Root()), c.Name())
}

func TestMetadataSurvivesReopen(t *testing.T) {
	stateDir := t.TempDir()
	first, err := ensureMetadata(stateDir, "proj")
	require.NoError(t, err)
	second, err := ensureMetadata(stateDir, "renamed")
	require.NoError(t, err)
	assert.Equal(t, "proj", second.Name, "existing metadata wins")
	assert.Equal(t, first.Created.Unix(), second.Created.Unix())
}

func TestTaskRunsToCompletion(t *testing.T) {
	c, metrics := openWorkspace(t)
	ctx := context.Background()

	task, err := c.CreateTask(ctx, store.CreateTaskInput{Prompt: "greet the user"})
	require.NoError(t, err)

	waitForEvent(t, c, queue.EventTaskCompleted)

	final, err := c.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusCompleted, final.Status)
	assert.Equal(t, "hello done", final.Result)

	assert.Equal(t, float64(1),
		testutil.ToFloat64(metrics.tasksCreated.WithLabelValues(c.Name())))
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.tasksFinished.WithLabelValues(c.Name(), "completed")) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManualModeHoldsQueue(t *testing.T) {
	c, _ := openWorkspace(t)
	ctx := context.Background()

	require.NoError(t, c.Run().SetMode(ctx, RunModeManual))
	assert.True(t, c.Run().Paused())

	task, err := c.CreateTask(ctx, store.CreateTaskInput{Prompt: "held work"})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	current, err := c.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusPending, current.Status, "manual mode must not claim")

	require.NoError(t, c.Run().SetMode(ctx, RunModeAll))
	waitForEvent(t, c, queue.EventTaskCompleted)
}

func TestManualModeSurvivesReopen(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	first, err := Open(root, testConfig(), Options{
		Runner:  &scriptedRunner{scripts: []string{planScript, execScript}},
		Metrics: MustNewMetrics(prometheus.NewRegistry()),
	}, logger.Default())
	require.NoError(t, err)
	require.NoError(t, first.Run().SetMode(ctx, RunModeManual))
	require.NoError(t, first.Close(ctx))

	second, err := Open(root, testConfig(), Options{
		Runner:  &scriptedRunner{scripts: []string{planScript, execScript}},
		Metrics: MustNewMetrics(prometheus.NewRegistry()),
	}, logger.Default())
	require.NoError(t, err)
	defer second.Close(ctx)

	assert.Equal(t, RunModeManual, second.Run().Mode())
	assert.True(t, second.Run().Paused(), "persisted manual mode must hold the queue")
}

func TestSetModeRejectsUnknown(t *testing.T) {
	c, _ := openWorkspace(t)
	assert.Error(t, c.Run().SetMode(context.Background(), RunMode("turbo")))
}

func TestManagerCachesAndReleases(t *testing.T) {
	root := t.TempDir()
	m := NewManager(testConfig(), Options{
		Runner:  &scriptedRunner{scripts: []string{planScript, execScript}},
		Metrics: MustNewMetrics(prometheus.NewRegistry()),
	}, logger.Default())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Close(ctx)
	})

	first, err := m.Get(root)
	require.NoError(t, err)
	second, err := m.Get(root)
	require.NoError(t, err)
	assert.Same(t, first, second, "same root must share one context")

	peeked, ok := m.Peek(root)
	assert.True(t, ok)
	assert.Same(t, first, peeked)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Release(ctx, root))
	_, ok = m.Peek(root)
	assert.False(t, ok)
}

func TestSubscribeReplacesSameSession(t *testing.T) {
	c, _ := openWorkspace(t)
	ctx := context.Background()

	// No run:updated has been published yet, so neither sink sees replay.
	var mu sync.Mutex
	var oldRuns, newRuns int
	_, err := c.Subscribe("client-1", func(ev *bus.Event) {
		if ev.Type == EventRunUpdated {
			mu.Lock()
			oldRuns++
			mu.Unlock()
		}
	})
	require.NoError(t, err)

	// Same session id: the first sink is detached.
	unsubscribe, err := c.Subscribe("client-1", func(ev *bus.Event) {
		if ev.Type == EventRunUpdated {
			mu.Lock()
			newRuns++
			mu.Unlock()
		}
	})
	require.NoError(t, err)
	defer unsubscribe()

	c.PauseQueue(ctx, "test")
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return newRuns > 0
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, oldRuns, "replaced sink must not receive new events")
}

func TestDeleteTaskRemovesIt(t *testing.T) {
	c, _ := openWorkspace(t)
	ctx := context.Background()
	require.NoError(t, c.Run().SetMode(ctx, RunModeManual))

	task, err := c.CreateTask(ctx, store.CreateTaskInput{Prompt: "doomed"})
	require.NoError(t, err)
	require.NoError(t, c.DeleteTask(ctx, task.ID))

	_, err = c.GetTask(ctx, task.ID)
	assert.Error(t, err)
}

func TestReorderPendingTasks(t *testing.T) {
	c, _ := openWorkspace(t)
	ctx := context.Background()
	require.NoError(t, c.Run().SetMode(ctx, RunModeManual))

	a, err := c.CreateTask(ctx, store.CreateTaskInput{Prompt: "first"})
	require.NoError(t, err)
	b, err := c.CreateTask(ctx, store.CreateTaskInput{Prompt: "second"})
	require.NoError(t, err)
	cc, err := c.CreateTask(ctx, store.CreateTaskInput{Prompt: "third"})
	require.NoError(t, err)

	// Overlay: the supplied subset lands in the positions its members held
	// before, in the supplied order. a held slot 0 and cc slot 2.
	require.NoError(t, c.ReorderPendingTasks(ctx, []string{cc.ID, a.ID}))

	tasks, err := c.ListTasks(ctx, store.TaskStatusPending, 0)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, cc.ID, tasks[0].ID)
	assert.Equal(t, b.ID, tasks[1].ID)
	assert.Equal(t, a.ID, tasks[2].ID)
}

func TestAttachmentPassthrough(t *testing.T) {
	c, _ := openWorkspace(t)
	ctx := context.Background()
	require.NoError(t, c.Run().SetMode(ctx, RunModeManual))

	task, err := c.CreateTask(ctx, store.CreateTaskInput{Prompt: "task with image"})
	require.NoError(t, err)

	att, err := c.CreateImageAttachment(ctx, attachments.CreateInput{
		Bytes:       []byte("not really a png"),
		Filename:    "shot.png",
		ContentType: "image/png",
	})
	require.NoError(t, err)
	require.NoError(t, c.LinkAttachmentsToTask(ctx, task.ID, []string{att.ID}))

	data, err := c.ReadAttachment(att)
	require.NoError(t, err)
	assert.Equal(t, []byte("not really a png"), data)

	removed, err := c.CollectAttachmentGarbage(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed, "linked attachment must survive GC")
}

func TestModelConfigCRUD(t *testing.T) {
	c, _ := openWorkspace(t)
	ctx := context.Background()

	cfg := &store.ModelConfig{
		ID:          "gpt-large",
		DisplayName: "GPT Large",
		Provider:    "codex",
		IsEnabled:   true,
		IsDefault:   true,
	}
	require.NoError(t, c.UpsertModelConfig(ctx, cfg))

	got, err := c.GetModelConfig(ctx, "gpt-large")
	require.NoError(t, err)
	assert.Equal(t, "GPT Large", got.DisplayName)

	all, err := c.ListModelConfigs(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, c.DeleteModelConfig(ctx, "gpt-large"))
	_, err = c.GetModelConfig(ctx, "gpt-large")
	assert.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	c, _ := openWorkspace(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Close(ctx))
	require.NoError(t, c.Close(ctx))
}
