// Package metrics exposes Prometheus collectors for the session bridge.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "session_bridge"

var (
	// Sessions tracks live sessions by lifecycle state.
	Sessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions",
		Help:      "Sessions currently registered, by state.",
	}, []string{"state"})

	BrowsersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "browsers_connected",
		Help:      "Browser transports currently attached.",
	})

	AgentsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "agents_connected",
		Help:      "Agent transports currently attached.",
	})

	EventsAppended = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_appended_total",
		Help:      "Events appended to session event logs.",
	})

	EventsReplayed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_replayed_total",
		Help:      "Events re-sent to reconnecting browsers.",
	})

	MalformedAgentLines = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "agent_malformed_lines_total",
		Help:      "Agent lines dropped because they were not valid JSON.",
	})

	DuplicateClientMessages = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "duplicate_client_messages_total",
		Help:      "Browser messages dropped because their client id was already processed.",
	})

	SendFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "send_failures_total",
		Help:      "Messages that could not be queued to a transport.",
	}, []string{"peer"})

	ControlRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "control_requests_total",
		Help:      "Control requests sent to the agent, by subtype and outcome.",
	}, []string{"subtype", "outcome"})

	PermissionRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "permission_requests_total",
		Help:      "Tool permission requests, by outcome.",
	}, []string{"outcome"})

	ViewerActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "viewer_actions_total",
		Help:      "Viewer action requests, by outcome.",
	}, []string{"outcome"})

	AgentExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "agent_exits_total",
		Help:      "Agent process exits, by cause.",
	}, []string{"cause"})

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "browser_rate_limited_total",
		Help:      "Browser messages rejected by the inbound rate limiter.",
	})
)

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
