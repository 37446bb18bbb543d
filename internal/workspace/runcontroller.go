package workspace

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/adshq/ads/internal/common/logger"
	"github.com/adshq/ads/internal/events/bus"
	"github.com/adshq/ads/internal/orchestrator/queue"
	"github.com/adshq/ads/internal/store"
)

// RunMode decides whether the queue advances on its own.
type RunMode string

const (
	// RunModeAll runs every claimable task without operator involvement.
	RunModeAll RunMode = "all"
	// RunModeManual holds the queue; tasks accumulate until resumed.
	RunModeManual RunMode = "manual"
)

// EventRunUpdated announces a mode or pause change to subscribers.
const EventRunUpdated = "run:updated"

// prefRunMode is the preferences key the mode persists under.
const prefRunMode = "run_mode"

// RunController is the workspace's execution switch: an atomic mode flag
// plus the queue's paused flag, with every change published to the session.
// The mode persists in the store's preferences so a workspace left in
// manual mode reopens paused.
type RunController struct {
	queue   *queue.Queue
	bus     bus.Bus
	store   *store.Store
	session string
	log     *logger.Logger

	mode atomic.Value // RunMode
}

// NewRunController restores the persisted mode, defaulting to RunModeAll
// with the queue live.
func NewRunController(q *queue.Queue, b bus.Bus, st *store.Store, session string, log *logger.Logger) *RunController {
	rc := &RunController{queue: q, bus: b, store: st, session: session, log: log}
	rc.mode.Store(RunModeAll)
	if saved, err := st.GetPreference(context.Background(), prefRunMode); err == nil && RunMode(saved) == RunModeManual {
		rc.mode.Store(RunModeManual)
		q.Pause("manual mode")
	}
	return rc
}

// Mode returns the current run mode.
func (rc *RunController) Mode() RunMode {
	return rc.mode.Load().(RunMode)
}

// Paused reports whether the queue is holding claims.
func (rc *RunController) Paused() bool {
	return rc.queue.Paused()
}

// SetMode switches between all and manual. Entering manual pauses the
// queue; returning to all resumes it.
func (rc *RunController) SetMode(ctx context.Context, mode RunMode) error {
	switch mode {
	case RunModeAll, RunModeManual:
	default:
		return fmt.Errorf("unknown run mode %q", mode)
	}
	rc.mode.Store(mode)
	if mode == RunModeManual {
		rc.queue.Pause("manual mode")
	} else {
		rc.queue.Resume()
	}
	// Persistence is best-effort; the live switch already happened.
	if err := rc.store.SetPreference(ctx, prefRunMode, string(mode), time.Now().UTC()); err != nil {
		rc.log.Warn("persist run mode", zap.Error(err))
	}
	rc.publish(ctx)
	return nil
}

// Pause holds the queue without leaving the current mode.
func (rc *RunController) Pause(ctx context.Context, reason string) {
	rc.queue.Pause(reason)
	rc.publish(ctx)
}

// Resume lets the queue claim again.
func (rc *RunController) Resume(ctx context.Context) {
	rc.queue.Resume()
	rc.publish(ctx)
}

func (rc *RunController) publish(ctx context.Context) {
	ev := bus.NewEvent(rc.session, EventRunUpdated, map[string]any{
		"mode":   string(rc.Mode()),
		"paused": rc.queue.Paused(),
	})
	_ = rc.bus.Publish(ctx, rc.session, ev)
}
