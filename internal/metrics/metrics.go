package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the agent broker.
type Metrics struct {
	PostsTotal         prometheus.Counter
	GetsTotal          prometheus.Counter
	AuthFailuresTotal  prometheus.Counter
	MessagesRxTotal    prometheus.Counter
	MessagesTxTotal    prometheus.Counter
	MessagesDropped    prometheus.Counter
	SessionsCreated    prometheus.Counter
	SessionsTerminated prometheus.Counter
	LongPollDuration   prometheus.Histogram
}

// New creates a Metrics instance with all instruments registered on the
// default registry.
func New() *Metrics {
	return &Metrics{
		PostsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "agent_posts_total",
			Help: "Total agent message POSTs served",
		}),
		GetsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "agent_gets_total",
			Help: "Total agent long-poll GETs served",
		}),
		AuthFailuresTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "agent_auth_failures_total",
			Help: "Total requests rejected for certificate or token failures",
		}),
		MessagesRxTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "agent_messages_rx_total",
			Help: "Total messages forwarded from agents onto the bus",
		}),
		MessagesTxTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "agent_messages_tx_total",
			Help: "Total messages delivered to agents",
		}),
		MessagesDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "agent_messages_dropped_total",
			Help: "Total messages dropped on queue overflow or publish failure",
		}),
		SessionsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "agent_sessions_created_total",
			Help: "Total plugin sessions created",
		}),
		SessionsTerminated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "agent_sessions_terminated_total",
			Help: "Total plugin sessions terminated",
		}),
		LongPollDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "agent_long_poll_duration_seconds",
			Help:    "Wall time of agent long-poll GETs",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}
}

// Nop returns a Metrics whose instruments are unregistered, for tests.
func Nop() *Metrics {
	counter := func() prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Name: "nop", Help: "nop"})
	}
	return &Metrics{
		PostsTotal:         counter(),
		GetsTotal:          counter(),
		AuthFailuresTotal:  counter(),
		MessagesRxTotal:    counter(),
		MessagesTxTotal:    counter(),
		MessagesDropped:    counter(),
		SessionsCreated:    counter(),
		SessionsTerminated: counter(),
		LongPollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "nop_duration", Help: "nop",
		}),
	}
}
