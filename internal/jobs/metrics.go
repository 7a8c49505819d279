package jobmetrics

import (
	"errors"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
)

// Outcomes recorded for notification deliveries.
const (
	DeliverySent    = "sent"
	DeliveryFailed  = "failed"
	DeliveryStale   = "stale"
	DeliveryMissing = "missing"
)

// Metrics exposes Prometheus collectors for the worker tasks.
type Metrics struct {
	runs       *prometheus.CounterVec
	failures   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	mismatches prometheus.Counter
	relayed    *prometheus.CounterVec
	deliveries *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the collectors on registerer, or once on the default
// registerer when nil.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker times one task run.
type Tracker struct {
	metrics *Metrics
	task    string
	started time.Time
}

// Track starts timing a run of task. A nil receiver yields a no-op tracker.
func (m *Metrics) Track(task string) *Tracker {
	return &Tracker{metrics: m, task: task, started: time.Now()}
}

// End records the run and hands err back. Tasks ending in asynq.SkipRetry
// count as skipped rather than failed.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil {
		return err
	}
	status := "success"
	switch {
	case errors.Is(err, asynq.SkipRetry):
		status = "skipped"
	case err != nil:
		status = "failure"
		t.metrics.failures.WithLabelValues(t.task).Inc()
	}
	t.metrics.runs.WithLabelValues(t.task, status).Inc()
	t.metrics.duration.WithLabelValues(t.task).Observe(time.Since(t.started).Seconds())
	return err
}

// AddReplayMismatches counts variants whose history no longer folds to the
// stored quantity.
func (m *Metrics) AddReplayMismatches(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.mismatches.Add(float64(count))
}

// AddRelayed counts outbox rows handed to the queue, grouped by outcome.
func (m *Metrics) AddRelayed(outcome string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.relayed.WithLabelValues(outcome).Add(float64(count))
}

// ObserveDelivery counts one notification attempt.
func (m *Metrics) ObserveDelivery(outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(outcome).Inc()
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_retail_tasks_total",
			Help: "Worker task runs by task type and status.",
		}, []string{"task", "status"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_retail_task_failures_total",
			Help: "Worker task runs that returned an error.",
		}, []string{"task"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "odyssey_retail_task_duration_seconds",
			Help:    "Worker task run time in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"task"}),
		mismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "odyssey_ledger_replay_mismatches_total",
			Help: "Variants whose stock history replay disagreed with the stored quantity.",
		}),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_outbox_relayed_total",
			Help: "Outbox rows relayed to the task queue by outcome.",
		}, []string{"outcome"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_notifications_total",
			Help: "Notification delivery attempts by outcome.",
		}, []string{"outcome"}),
	}
	registerer.MustRegister(m.runs, m.failures, m.duration, m.mismatches, m.relayed, m.deliveries)
	return m
}
