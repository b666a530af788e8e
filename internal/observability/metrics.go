package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	RequestsSubmitted    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "requests_submitted_total", Help: "Ride requests accepted from clients"})
	MatchingAttempts     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "matching_attempts_total", Help: "Matching attempts launched by the rescan loop"})
	NotificationsCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "notifications_created_total", Help: "Offers broadcast to candidate workers"})
	NotificationsExpired = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "notifications_expired_total", Help: "Offers that hit the per-candidate timeout"})
	RequestsAccepted     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "requests_accepted_total", Help: "Requests with a committed winner"})
	ResolutionsAborted   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "resolutions_aborted_total", Help: "Winner resolutions that lost the commit race"})
	RescanTicks          = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rescan_ticks_total", Help: "Rescan loop ticks"})
	RescanErrors         = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rescan_errors_total", Help: "Rescan ticks that failed to list requests"})

	RequestsTimedOut = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "requests_timed_out_total", Help: "Requests ended without a winner"},
		[]string{"reason"},
	)
	Pushes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "pushes_total", Help: "Messages pushed to client connections"},
		[]string{"kind"},
	)
	AcceptLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "accept_latency_seconds",
		Help:      "Time from broadcast start to committed acceptance",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
	})

	InflightRequests = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "inflight_requests", Help: "Requests under an active matching attempt"})
	DistanceStreams  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "distance_streams", Help: "Live distance streams"})
	Connections      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "connections", Help: "Open client websocket connections"})

	LocationsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "locations_ingested_total", Help: "Worker location updates written by the consumer"},
		[]string{"source", "result"},
	)
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_published_total", Help: "Dispatch outcome events by sink"},
		[]string{"sink", "result"},
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
