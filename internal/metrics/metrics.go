// Package metrics exposes executor and task counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rbaker/internal/eventbus"
	"rbaker/internal/task/engine"
)

// Gauges are read at scrape time.
type Gauges struct {
	Executor  func() engine.Snapshot
	Schedules func() int
	Dropped   func() uint64
}

// Metrics owns a private registry so tests can create as many as they like.
type Metrics struct {
	reg *prometheus.Registry

	runs       *prometheus.CounterVec
	timeouts   *prometheus.CounterVec
	late       *prometheus.CounterVec
	queued     *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	queueDelay *prometheus.HistogramVec
}

var durationBuckets = []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200, 14400}

func New(g Gauges) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rbaker_task_runs_total",
			Help: "Executions that left the executor, by task and status.",
		}, []string{"task", "status"}),
		timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rbaker_task_timeouts_total",
			Help: "Executions abandoned after their timeout.",
		}, []string{"task"}),
		late: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rbaker_task_late_completions_total",
			Help: "Abandoned executions that eventually returned.",
		}, []string{"task", "status"}),
		queued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rbaker_task_queued_total",
			Help: "Triggers that had to wait behind a running task.",
		}, []string{"task"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rbaker_task_duration_seconds",
			Help:    "Time from start until the executor released the task.",
			Buckets: durationBuckets,
		}, []string{"task"}),
		queueDelay: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rbaker_task_queue_delay_seconds",
			Help:    "Time a trigger waited in the queue.",
			Buckets: durationBuckets,
		}, []string{"task"}),
	}
	m.reg.MustRegister(m.runs, m.timeouts, m.late, m.queued, m.duration, m.queueDelay)
	m.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if g.Executor != nil {
		m.reg.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "rbaker_executor_queue_length",
				Help: "Triggers waiting for the executor.",
			}, func() float64 { return float64(len(g.Executor().Queue)) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "rbaker_executor_running",
				Help: "1 while a task holds the executor.",
			}, func() float64 {
				if g.Executor().State == engine.StateRunning {
					return 1
				}
				return 0
			}),
		)
	}
	if g.Schedules != nil {
		m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "rbaker_schedules",
			Help: "Live cron triggers.",
		}, func() float64 { return float64(g.Schedules()) }))
	}
	if g.Dropped != nil {
		m.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "rbaker_eventbus_dropped_total",
			Help: "Events dropped because a subscriber was slow.",
		}, func() float64 { return float64(g.Dropped()) }))
	}
	return m
}

// Observe updates counters from a task lifecycle event. Other events are ignored.
func (m *Metrics) Observe(ev eventbus.Event) {
	te, ok := ev.Data.(engine.TaskEvent)
	if !ok {
		return
	}
	switch ev.Type {
	case eventbus.TaskQueued:
		m.queued.WithLabelValues(te.Name).Inc()
	case eventbus.TaskStarted:
		m.queueDelay.WithLabelValues(te.Name).Observe(te.QueueDelay.Seconds())
	case eventbus.TaskFinished, eventbus.TaskFailed:
		m.runs.WithLabelValues(te.Name, te.Status).Inc()
		m.duration.WithLabelValues(te.Name).Observe(te.Duration.Seconds())
	case eventbus.TaskTimeout:
		m.runs.WithLabelValues(te.Name, te.Status).Inc()
		m.timeouts.WithLabelValues(te.Name).Inc()
		m.duration.WithLabelValues(te.Name).Observe(te.Duration.Seconds())
	case eventbus.TaskLate:
		m.late.WithLabelValues(te.Name, te.Status).Inc()
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
