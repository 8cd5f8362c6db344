// Package metrics exposes the coordinator's Prometheus instrumentation,
// following the labeled-counter convention used for per-operation
// outcome tracking across the example pack's WebRTC signaling services.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveConnections is the number of currently authenticated sessions.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coordinator_active_connections",
		Help: "Number of currently authenticated connections.",
	})

	// ActiveRooms is the number of currently tracked lobby rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coordinator_active_rooms",
		Help: "Number of currently tracked rooms across all niches.",
	})

	// TicksRun counts completed lobby tick sweeps.
	TicksRun = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_lobby_ticks_total",
		Help: "Total number of lobby tick sweeps run.",
	})

	// PresenceOutcomes counts per-tick eviction/ping decisions.
	PresenceOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_presence_outcomes_total",
		Help: "Presence tick outcomes, labeled by decision.",
	}, []string{"decision"}) // "evicted" | "pinged"

	// ChatMessagesRelayed counts successfully broadcast chat messages.
	ChatMessagesRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_chat_messages_relayed_total",
		Help: "Total chat messages persisted and broadcast.",
	})

	// SignalsRelayed counts Offer/Answer/Candidate/WebRTCSignal deliveries,
	// labeled by message type.
	SignalsRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_signals_relayed_total",
		Help: "Total signaling messages relayed, labeled by type.",
	}, []string{"type"})

	// BreakerStateTransitions counts circuit breaker state changes,
	// labeled by breaker name and the state transitioned to.
	BreakerStateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_breaker_state_transitions_total",
		Help: "Circuit breaker state transitions, labeled by breaker and state.",
	}, []string{"breaker", "state"})
)

// Handler returns the HTTP handler serving the Prometheus exposition
// format, for mounting on the metrics listener.
func Handler() http.Handler {
	return promhttp.Handler()
}
