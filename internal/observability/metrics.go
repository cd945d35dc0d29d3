package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "messages_total", Help: "Inbound messages handled"},
		[]string{"type", "result"},
	)
	MessageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "message_duration_seconds",
			Help:      "Time spent handling one inbound message",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"type"},
	)
	SessionsActive  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "sessions_active", Help: "Logged in sessions"})
	ConnectionsOpen = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "connections_open", Help: "Open client connections"})

	RideTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "ride_transitions_total", Help: "Ride state transitions"},
		[]string{"from", "to", "reason"},
	)
	RidesLive = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "rides_live", Help: "Rides not yet terminal"})

	MatchCandidates = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ride_dispatch",
		Name:      "match_candidates",
		Help:      "Eligible drivers per ride request",
		Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64},
	})

	MatchLatency       = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_dispatch", Name: "match_latency_seconds", Help: "Match latency seconds"})
	AcceptRacesLost    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "accept_races_lost_total", Help: "Accepts that arrived after another driver won"})
	OutboundDropped    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "outbound_queue_full_total", Help: "Connections closed because their outbound queue filled"})
	NotificationsLost  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "notifications_undeliverable_total", Help: "Notifications addressed to users without a session"})
	ChatRelayed        = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "chat_relayed_total", Help: "Chat messages relayed by the server"})
	EventPublishErrors = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "event_publish_errors_total", Help: "Ride events that could not be published"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
