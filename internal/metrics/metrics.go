package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Proxy connection outcomes.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeDropped  = "dropped"
	OutcomeFailed   = "failed"
	OutcomeRelayed  = "relayed"
)

type Metrics struct {
	ProxyConnections   *prometheus.CounterVec
	ProxyActiveWorkers prometheus.Gauge
	ProxyBytes         *prometheus.CounterVec

	LifecycleOperations *prometheus.CounterVec
	LifecycleDuration   *prometheus.HistogramVec
}

// New registers every collector with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ProxyConnections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ref_proxy_connections_total",
				Help: "Proxy connections by outcome",
			},
			[]string{"outcome"},
		),
		ProxyActiveWorkers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ref_proxy_active_workers",
				Help: "Number of live proxy workers",
			},
		),
		ProxyBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ref_proxy_relayed_bytes_total",
				Help: "Bytes relayed by the proxy",
			},
			[]string{"direction"},
		),
		LifecycleOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ref_instance_operations_total",
				Help: "Instance lifecycle operations by result",
			},
			[]string{"operation", "status"},
		),
		LifecycleDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ref_instance_operation_duration_seconds",
				Help:    "Duration of instance lifecycle operations",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
			},
			[]string{"operation"},
		),
	}
}

// ObserveOperation records one lifecycle operation.
func (m *Metrics) ObserveOperation(operation string, seconds float64, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.LifecycleOperations.WithLabelValues(operation, status).Inc()
	m.LifecycleDuration.WithLabelValues(operation).Observe(seconds)
}
