package chat

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics aggregates the chat plane's Prometheus collectors.
//
// Each Metrics value owns a private registry, so parallel tests can construct
// independent instances without duplicate-registration panics.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsActive prometheus.Gauge
	MeetingsActive    prometheus.Gauge
	MessagesPersisted *prometheus.CounterVec
	Broadcasts        prometheus.Counter
	BroadcastDrops    prometheus.Counter
	SystemSuppressed  prometheus.Counter
	TypingExpiries    prometheus.Counter
	HistoryRequests   prometheus.Counter
}

// NewMetrics registers the chat collectors plus the standard Go runtime and
// process collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "huddle",
			Subsystem: "chat",
			Name:      "connections_active",
			Help:      "Currently registered WebSocket connections.",
		}),
		MeetingsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "huddle",
			Subsystem: "chat",
			Name:      "meetings_active",
			Help:      "Meetings with at least one connected chat participant.",
		}),
		MessagesPersisted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "huddle",
			Subsystem: "chat",
			Name:      "messages_persisted_total",
			Help:      "Messages written to the store, by kind.",
		}, []string{"kind"}),
		Broadcasts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "huddle",
			Subsystem: "chat",
			Name:      "broadcasts_total",
			Help:      "Envelopes fanned out to meeting rooms.",
		}),
		BroadcastDrops: f.NewCounter(prometheus.CounterOpts{
			Namespace: "huddle",
			Subsystem: "chat",
			Name:      "broadcast_drops_total",
			Help:      "Per-connection deliveries dropped due to full send queues.",
		}),
		SystemSuppressed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "huddle",
			Subsystem: "chat",
			Name:      "system_messages_suppressed_total",
			Help:      "System notifications suppressed by a dedup window.",
		}),
		TypingExpiries: f.NewCounter(prometheus.CounterOpts{
			Namespace: "huddle",
			Subsystem: "chat",
			Name:      "typing_expiries_total",
			Help:      "Typing indicators cleared by the idle timeout.",
		}),
		HistoryRequests: f.NewCounter(prometheus.CounterOpts{
			Namespace: "huddle",
			Subsystem: "chat",
			Name:      "history_requests_total",
			Help:      "REST message-history reads served.",
		}),
	}
}

// Handler exposes the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
