package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Frames counts frames handled by the relay per path (gui|backend|udp) and direction (in|out).
	Frames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imrelay_frames_total",
			Help: "Frames handled by the relay",
		},
		[]string{"path", "direction"},
	)

	// Sessions tracks live sessions per kind.
	Sessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "imrelay_sessions",
			Help: "Live relay sessions by kind",
		},
		[]string{"kind"},
	)

	LoggedInUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "imrelay_logged_in_users",
			Help: "Users with a completed login",
		},
	)

	RetryQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "imrelay_retry_queue_depth",
			Help: "Messages waiting for a backend session",
		},
	)

	// Transfers counts finished file transfers by type (image|file), direction (send|recv) and result.
	Transfers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imrelay_transfers_total",
			Help: "Finished file transfers",
		},
		[]string{"type", "direction", "result"},
	)

	ReconnectLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "imrelay_reconnect_seconds",
			Help:    "Time from backend connection loss to recovery",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
	)

	// APILatency measures gateway HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "imrelay_http_request_duration_seconds",
			Help:    "Gateway HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	GatewayEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imrelay_gateway_events_total",
			Help: "Events published to gateway subscribers",
		},
		[]string{"stream"},
	)
)
