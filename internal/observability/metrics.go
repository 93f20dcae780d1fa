package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "bagmatch", Name: "match_transitions_total", Help: "Match transitions by action and outcome kind"},
		[]string{"action", "result"},
	)
	MatchesCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: "bagmatch", Name: "matches_created_total", Help: "Pending matches created"})
	CASConflicts   = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "bagmatch", Name: "cas_conflicts_total", Help: "Conditional writes rejected by the store"},
		[]string{"reason"},
	)
	PinVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "bagmatch", Name: "pin_verifications_total", Help: "Delivery PIN verification attempts by outcome"},
		[]string{"outcome"},
	)
	PinsIssued    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "bagmatch", Name: "pins_issued_total", Help: "Delivery PINs issued or reissued"})
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "bagmatch", Name: "events_dropped_total", Help: "Match events a sink failed to accept"},
		[]string{"sink"},
	)
	LiveSessions = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "bagmatch", Name: "ws_sessions", Help: "Connected websocket sessions"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "bagmatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bagmatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
