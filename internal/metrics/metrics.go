package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Lane labels.
const (
	LaneGroup    = "group"
	LaneCallback = "callback"
)

// Result labels.
const (
	ResultDelivered = "delivered"
	ResultErrored   = "errored"
	ResultLost      = "lost" // conditional update lost to a concurrent writer
)

type Metrics struct {
	transitions *prometheus.CounterVec
	conflicts   *prometheus.CounterVec

	deliveries      *prometheus.CounterVec
	deliveryLatency *prometheus.HistogramVec

	sweeps        *prometheus.CounterVec
	sweepRetried  *prometheus.CounterVec
	sweepDuration *prometheus.HistogramVec
	leaseHeld     *prometheus.GaugeVec

	ingested *prometheus.CounterVec
}

var singleton = sync.OnceValue(func() *Metrics {
	return &Metrics{
		transitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kabot",
			Name:      "transitions_total",
			Help:      "Committed lifecycle transitions by target status.",
		}, []string{"event", "status"}),
		conflicts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kabot",
			Name:      "transition_conflicts_total",
			Help:      "Lifecycle events rejected because the guard did not hold.",
		}, []string{"event"}),
		deliveries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kabot",
			Name:      "deliveries_total",
			Help:      "External delivery attempts per lane and result.",
		}, []string{"lane", "result"}),
		deliveryLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kabot",
			Name:      "delivery_latency_seconds",
			Help:      "Latency distribution for external deliveries.",
			Buckets: []float64{
				0.01, 0.02, 0.05,
				0.1, 0.2, 0.5,
				1, 2, 5, 10,
			},
		}, []string{"lane", "result"}),
		sweeps: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kabot",
			Name:      "reconcile_sweeps_total",
			Help:      "Reconciliation sweeps per lane.",
		}, []string{"lane", "result"}),
		sweepRetried: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kabot",
			Name:      "reconcile_items_total",
			Help:      "Requests retried by the reconciliation loop per lane and result.",
		}, []string{"lane", "result"}),
		sweepDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kabot",
			Name:      "reconcile_sweep_seconds",
			Help:      "Duration of one reconciliation sweep.",
		}, []string{"lane"}),
		leaseHeld: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kabot",
			Name:      "reconcile_lease_held",
			Help:      "Whether this instance held the lane lease on its last tick (1/0).",
		}, []string{"lane"}),
		ingested: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kabot",
			Name:      "ingested_total",
			Help:      "Inbound submissions by outcome.",
		}, []string{"outcome"}),
	}
})

// Get returns the process-wide metrics registered on the default registry.
func Get() *Metrics { return singleton() }

func (m *Metrics) Transition(event, status string) {
	m.transitions.WithLabelValues(event, status).Inc()
}

func (m *Metrics) Conflict(event string) {
	m.conflicts.WithLabelValues(event).Inc()
}

func (m *Metrics) Delivery(lane, result string, latency time.Duration) {
	m.deliveries.WithLabelValues(lane, result).Inc()
	m.deliveryLatency.WithLabelValues(lane, result).Observe(latency.Seconds())
}

func (m *Metrics) Sweep(lane, result string, took time.Duration) {
	m.sweeps.WithLabelValues(lane, result).Inc()
	m.sweepDuration.WithLabelValues(lane).Observe(took.Seconds())
}

func (m *Metrics) SweepItem(lane, result string) {
	m.sweepRetried.WithLabelValues(lane, result).Inc()
}

func (m *Metrics) LeaseHeld(lane string, held bool) {
	v := 0.0
	if held {
		v = 1
	}
	m.leaseHeld.WithLabelValues(lane).Set(v)
}

func (m *Metrics) Ingested(outcome string) {
	m.ingested.WithLabelValues(outcome).Inc()
}
