package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "changewatch"

// Metrics holds the Prometheus metrics for all feeds of the process.
type Metrics struct {
	EventsReceived     *prometheus.CounterVec
	EventsDispatched   *prometheus.CounterVec
	StaleEventsSkipped *prometheus.CounterVec
	HandlerFailures    *prometheus.CounterVec
	PermanentFailures  *prometheus.CounterVec
	DispatchDuration   *prometheus.HistogramVec
	CheckpointSaves    *prometheus.CounterVec
	CheckpointFailures *prometheus.CounterVec
	Reconnects         *prometheus.CounterVec
	FeedState          *prometheus.GaugeVec
}

// New registers the metrics on reg. Pass prometheus.NewRegistry() in tests to
// keep them isolated from the default registry.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Total number of change events read from a feed",
		}, []string{"feed", "entity_type"}),
		EventsDispatched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dispatched_total",
			Help:      "Total number of change events whose dispatch attempt concluded",
		}, []string{"feed", "entity_type"}),
		StaleEventsSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_events_skipped_total",
			Help:      "Total number of events skipped because their marker was not after the checkpoint",
		}, []string{"feed"}),
		HandlerFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_failures_total",
			Help:      "Total number of failed handler attempts, retries included",
		}, []string{"feed", "handler"}),
		PermanentFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "permanent_delivery_failures_total",
			Help:      "Total number of deliveries that failed after exhausting retries",
		}, []string{"feed", "handler"}),
		DispatchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent dispatching one event to all of its handlers",
			Buckets:   prometheus.DefBuckets,
		}, []string{"feed"}),
		CheckpointSaves: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_saves_total",
			Help:      "Total number of persisted checkpoints",
		}, []string{"feed"}),
		CheckpointFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_save_failures_total",
			Help:      "Total number of checkpoints that could not be persisted",
		}, []string{"feed"}),
		Reconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Total number of feed reconnect attempts",
		}, []string{"feed"}),
		FeedState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_state",
			Help:      "Current watcher state (0=idle 1=starting 2=running 3=reconnecting 4=stopped 5=failed)",
		}, []string{"feed"}),
	}
}

// NewNop returns metrics bound to a throwaway registry
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
