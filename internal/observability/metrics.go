package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	RidesRequested = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rides_requested_total", Help: "Total ride requests persisted"})
	OffersSent     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_sent_total", Help: "Ride offers delivered to connected drivers"})

	BroadcastLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "broadcast_latency_seconds",
		Help:      "Time from ride creation until every candidate offer was attempted",
		Buckets:   prometheus.DefBuckets,
	})

	// AcceptanceOutcomes is labelled accepted, already_taken, declined.
	AcceptanceOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "acceptance_outcomes_total", Help: "Dispatch resolutions by outcome"},
		[]string{"outcome"},
	)
	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Committed ride status transitions"},
		[]string{"from", "to"},
	)
	SettlementFailures = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "completion_settlement_failures_total", Help: "Completed rides whose side effects were left for the reconciler"})
	Settlements        = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "completion_settlements_total", Help: "Completed rides whose side effects were applied"})

	OTPIssued        = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "otp_issued_total", Help: "OTP codes issued"})
	OTPVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "otp_verifications_total", Help: "OTP verification attempts by result"},
		[]string{"result"},
	)

	LocationRelays = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "location_relays_total", Help: "Location updates forwarded to a counterparty"})

	ConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "connections_active", Help: "Registered real-time connections"},
		[]string{"party_type"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
