package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus metric the broker and worker emit.
type Metrics struct {
	InstancesDispatched prometheus.Counter
	InstancesFinalized  *prometheus.CounterVec // label: status

	StepsAssigned  prometheus.Counter
	StepsReported  *prometheus.CounterVec // label: status
	LeasesReclaimed prometheus.Counter
	WorkersActive   prometheus.Gauge

	StepDuration *prometheus.HistogramVec // label: step
}

// NewMetrics creates and registers every metric against reg. Pass
// prometheus.DefaultRegisterer in production, or a fresh
// prometheus.NewRegistry() in tests to avoid duplicate-registration
// panics across test runs.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "conduit"
	}
	auto := promauto.With(reg)

	return &Metrics{
		InstancesDispatched: auto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "instances_dispatched_total",
			Help:      "Total workflow instances dispatched.",
		}),
		InstancesFinalized: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "instances_finalized_total",
			Help:      "Total workflow instances finalized, by terminal status.",
		}, []string{"status"}),
		StepsAssigned: auto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "steps_assigned_total",
			Help:      "Total step assignments leased out to workers.",
		}),
		StepsReported: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "steps_reported_total",
			Help:      "Total terminal step reports received, by status.",
		}, []string{"status"}),
		LeasesReclaimed: auto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "leases_reclaimed_total",
			Help:      "Total leases reclaimed by the reaper after expiry or worker loss.",
		}),
		WorkersActive: auto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "workers_active",
			Help:      "Number of workers currently registered and within their TTL.",
		}),
		StepDuration: auto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "step_duration_seconds",
			Help:      "Step execution duration in seconds, by step name.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"step"}),
	}
}
