package observability

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the service's Prometheus collectors. A single instance is
// created at startup and injected into the components that record to it.
type Metrics struct {
	// JobsProcessed counts terminal job outcomes by queue, kind and outcome
	// (completed, failed, retried).
	JobsProcessed *prometheus.CounterVec

	// JobDuration observes handler wall time in seconds by queue and kind.
	JobDuration *prometheus.HistogramVec

	// ProviderRequests counts external provider calls by operation and outcome.
	ProviderRequests *prometheus.CounterVec

	// ProviderLatency observes provider call latency in seconds by operation.
	ProviderLatency *prometheus.HistogramVec

	// CacheLookups counts raw-transaction cache lookups by result (hit, miss).
	CacheLookups *prometheus.CounterVec

	// EventsDropped counts events dropped after exhausted publish retries.
	EventsDropped prometheus.Counter

	// GatewayClients gauges currently connected WebSocket clients.
	GatewayClients prometheus.Gauge
}

// NewMetrics creates the collector set. Collectors are unregistered until
// the Prometheus handler is built.
func NewMetrics() *Metrics {
	return &Metrics{
		JobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "walletscope",
			Name:      "jobs_processed_total",
			Help:      "Terminal job outcomes by queue, kind and outcome.",
		}, []string{"queue", "kind", "outcome"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "walletscope",
			Name:      "job_duration_seconds",
			Help:      "Job handler wall time in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"queue", "kind"}),
		ProviderRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "walletscope",
			Name:      "provider_requests_total",
			Help:      "External provider calls by operation and outcome.",
		}, []string{"operation", "outcome"}),
		ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "walletscope",
			Name:      "provider_request_seconds",
			Help:      "External provider call latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "walletscope",
			Name:      "raw_cache_lookups_total",
			Help:      "Raw transaction cache lookups by result.",
		}, []string{"result"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "walletscope",
			Name:      "events_dropped_total",
			Help:      "Events dropped after exhausted publish retries.",
		}),
		GatewayClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "walletscope",
			Name:      "gateway_clients",
			Help:      "Currently connected WebSocket clients.",
		}),
	}
}

func (m *Metrics) register(registry *prometheus.Registry) error {
	collectors := []prometheus.Collector{
		m.JobsProcessed,
		m.JobDuration,
		m.ProviderRequests,
		m.ProviderLatency,
		m.CacheLookups,
		m.EventsDropped,
		m.GatewayClients,
	}

	for _, c := range collectors {
		err := registry.Register(c)
		if err != nil {
			return err
		}
	}

	return nil
}
