package workspace

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for per-workspace task activity.
// Workspaces are a label, not separate collectors, so one registration
// serves every context in the process.
type Metrics struct {
	tasksCreated  *prometheus.CounterVec
	tasksFinished *prometheus.CounterVec
	tasksRetried  *prometheus.CounterVec
	tasksRunning  *prometheus.GaugeVec
}

var (
	sharedMetricsOnce sync.Once
	sharedMetrics     *Metrics
)

// defaultMetrics returns the process-wide metrics instance registered with
// the global Prometheus registry. Created once to avoid duplicate
// registration panics when multiple workspace contexts are opened.
func defaultMetrics() *Metrics {
	sharedMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs the collectors on the given registerer. Tests
// pass a fresh registry; a nil registerer falls back to the global one.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	tasksCreated := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ads",
			Subsystem: "workspace",
			Name:      "tasks_created_total",
			Help:      "Tasks accepted through the workspace API.",
		},
		[]string{"workspace"},
	)
	tasksFinished := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ads",
			Subsystem: "workspace",
			Name:      "tasks_finished_total",
			Help:      "Tasks that reached a terminal status.",
		},
		[]string{"workspace", "outcome"},
	)
	tasksRetried := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ads",
			Subsystem: "workspace",
			Name:      "task_retries_total",
			Help:      "Failed attempts that were requeued for another try.",
		},
		[]string{"workspace"},
	)
	tasksRunning := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ads",
			Subsystem: "workspace",
			Name:      "tasks_running",
			Help:      "Tasks currently being planned or executed.",
		},
		[]string{"workspace"},
	)

	collectors := []prometheus.Collector{tasksCreated, tasksFinished, tasksRetried, tasksRunning}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch collector {
				case tasksCreated:
					tasksCreated = already.ExistingCollector.(*prometheus.CounterVec)
				case tasksFinished:
					tasksFinished = already.ExistingCollector.(*prometheus.CounterVec)
				case tasksRetried:
					tasksRetried = already.ExistingCollector.(*prometheus.CounterVec)
				case tasksRunning:
					tasksRunning = already.ExistingCollector.(*prometheus.GaugeVec)
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		tasksCreated:  tasksCreated,
		tasksFinished: tasksFinished,
		tasksRetried:  tasksRetried,
		tasksRunning:  tasksRunning,
	}
}

// IncCreated counts a task accepted through the API.
func (m *Metrics) IncCreated(workspace string) {
	if m == nil {
		return
	}
	m.tasksCreated.WithLabelValues(workspace).Inc()
}

// IncFinished counts a terminal outcome: completed, failed or cancelled.
func (m *Metrics) IncFinished(workspace, outcome string) {
	if m == nil {
		return
	}
	m.tasksFinished.WithLabelValues(workspace, outcome).Inc()
}

// IncRetried counts an attempt that will be retried.
func (m *Metrics) IncRetried(workspace string) {
	if m == nil {
		return
	}
	m.tasksRetried.WithLabelValues(workspace).Inc()
}

// SetRunning reports how many tasks are active. With a single worker this
// is 0 or 1.
func (m *Metrics) SetRunning(workspace string, n float64) {
	if m == nil {
		return
	}
	m.tasksRunning.WithLabelValues(workspace).Set(n)
}
