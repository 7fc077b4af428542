package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "portal_client"

// Metrics groups the client's collectors. A nil *Metrics is valid and
// records nothing, so components can be built without a registry.
type Metrics struct {
	gatewayRequests *prometheus.CounterVec
	gatewayDuration *prometheus.HistogramVec
	realtimeEvents  *prometheus.CounterVec
	subscriptions   *prometheus.CounterVec
	connections     *prometheus.CounterVec
}

// New builds the collectors and registers them with reg when reg is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		gatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Number of gateway requests by method and outcome",
		}, []string{"method", "outcome"}),
		gatewayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Gateway request latency including the credential read",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		realtimeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "events_total",
			Help:      "Number of channel events received by event name",
		}, []string{"event"}),
		subscriptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "subscription_transitions_total",
			Help:      "Number of channel subscription state transitions by target state",
		}, []string{"state"}),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "connection_transitions_total",
			Help:      "Number of realtime connection state transitions by target state",
		}, []string{"state"}),
	}
	if reg != nil {
		reg.MustRegister(m.gatewayRequests, m.gatewayDuration, m.realtimeEvents, m.subscriptions, m.connections)
	}
	return m
}

func (m *Metrics) ObserveRequest(method string, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.gatewayRequests.WithLabelValues(method, outcome).Inc()
	m.gatewayDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

func (m *Metrics) IncEvent(event string) {
	if m == nil {
		return
	}
	m.realtimeEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) IncSubscription(state string) {
	if m == nil {
		return
	}
	m.subscriptions.WithLabelValues(state).Inc()
}

func (m *Metrics) IncConnection(state string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(state).Inc()
}
