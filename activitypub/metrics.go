package activitypub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks federation-side counters and gauges
type Metrics struct {
	// Inbound pipeline
	InboundActivities *prometheus.CounterVec

	// Dispatch queue
	QueueDepth     prometheus.Gauge
	QueueRejected  prometheus.Counter
	DeliveriesSent *prometheus.CounterVec

	// Remote fetches
	Dereferences *prometheus.CounterVec
}

// NewMetrics creates and registers Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	return &Metrics{
		InboundActivities: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "federation_inbound_activities_total",
			Help: "Inbound activities by kind and terminal outcome",
		}, []string{"kind", "outcome"}),
		QueueDepth: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "federation_dispatch_queue_depth",
			Help: "Dispatch items currently waiting in the outbound queue",
		}),
		QueueRejected: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "federation_dispatch_rejected_total",
			Help: "Dispatch submissions rejected because the queue was full",
		}),
		DeliveriesSent: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "federation_deliveries_total",
			Help: "Outbound delivery attempts by result",
		}, []string{"result"}),
		Dereferences: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "federation_dereferences_total",
			Help: "Remote object and actor fetches by result",
		}, []string{"result"}),
	}
}
