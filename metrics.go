package sharedloop

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects prometheus metrics for managers, controllers, and loops.
// Each is labeled by name (see WithName), so a single Metrics may be shared.
//
// A nil *Metrics is valid, and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	tokens   *prometheus.GaugeVec
	running  *prometheus.GaugeVec
	state    *prometheus.GaugeVec
	acquires *prometheus.CounterVec
	releases *prometheus.CounterVec

	starts        *prometheus.CounterVec
	stops         *prometheus.CounterVec
	startDuration *prometheus.HistogramVec
	stopDuration  *prometheus.HistogramVec

	taskPanics  *prometheus.CounterVec
	taskDropped *prometheus.CounterVec
}

// NewMetrics creates a new Metrics, with its own registry, see
// Metrics.Registry. Namespace defaults to "sharedloop".
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "sharedloop"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.tokens = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "manager",
			Name:      "tokens_outstanding",
			Help:      "Number of acquired loop tokens that have not been released",
		},
		[]string{"name"},
	)

	m.running = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "running",
			Help:      "Whether the loop is running (0=no, 1=yes)",
		},
		[]string{"name"},
	)

	m.state = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "state",
			Help:      "Current state of the loop controller (0=stopped, 1=starting, 2=running, 3=stopping, 4=broken)",
		},
		[]string{"name"},
	)

	m.acquires = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "manager",
			Name:      "acquires_total",
			Help:      "Total number of acquire calls",
		},
		[]string{"name", "result"},
	)

	m.releases = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "manager",
			Name:      "releases_total",
			Help:      "Total number of release calls",
		},
		[]string{"name", "result"},
	)

	m.starts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "starts_total",
			Help:      "Total number of loop start transitions",
		},
		[]string{"name", "result"},
	)

	m.stops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "stops_total",
			Help:      "Total number of loop stop transitions",
		},
		[]string{"name", "result"},
	)

	m.startDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "start_duration_seconds",
			Help:      "Time taken to start the loop",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10), // 100µs to ~26s
		},
		[]string{"name", "result"},
	)

	m.stopDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "stop_duration_seconds",
			Help:      "Time taken to stop the loop",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
		[]string{"name", "result"},
	)

	m.taskPanics = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "task_panics_total",
			Help:      "Total number of tasks that panicked",
		},
		[]string{"name"},
	)

	m.taskDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "tasks_dropped_total",
			Help:      "Total number of delayed tasks dropped, due to a full queue",
		},
		[]string{"name"},
	)

	m.registry.MustRegister(
		m.tokens,
		m.running,
		m.state,
		m.acquires,
		m.releases,
		m.starts,
		m.stops,
		m.startDuration,
		m.stopDuration,
		m.taskPanics,
		m.taskDropped,
	)

	return m
}

// Registry returns the registry all metrics are registered with, e.g. for
// use with promhttp.HandlerFor.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) setTokens(name string, count int) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues(name).Set(float64(count))
}

func (m *Metrics) setState(name string, state State) {
	if m == nil {
		return
	}
	m.state.WithLabelValues(name).Set(float64(state))
	var running float64
	if state == StateRunning {
		running = 1
	}
	m.running.WithLabelValues(name).Set(running)
}

func (m *Metrics) observeAcquire(name string, err error) {
	if m == nil {
		return
	}
	m.acquires.WithLabelValues(name, resultLabel(err)).Inc()
}

func (m *Metrics) observeRelease(name string, result string) {
	if m == nil {
		return
	}
	m.releases.WithLabelValues(name, result).Inc()
}

func (m *Metrics) observeStart(name string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := resultLabel(err)
	m.starts.WithLabelValues(name, result).Inc()
	m.startDuration.WithLabelValues(name, result).Observe(d.Seconds())
}

func (m *Metrics) observeStop(name string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := resultLabel(err)
	m.stops.WithLabelValues(name, result).Inc()
	m.stopDuration.WithLabelValues(name, result).Observe(d.Seconds())
}

func (m *Metrics) observeTaskPanic(name string) {
	if m == nil {
		return
	}
	m.taskPanics.WithLabelValues(name).Inc()
}

func (m *Metrics) observeTaskDropped(name string) {
	if m == nil {
		return
	}
	m.taskDropped.WithLabelValues(name).Inc()
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
