package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatrelay_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Realtime metrics
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatrelay_connections_active",
			Help: "Live websocket connections",
		},
	)

	ConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_connections_total",
			Help: "Total accepted websocket connections",
		},
	)

	PushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_pushes_total",
			Help: "Outbound realtime events by result",
		},
		[]string{"event", "result"}, // "ok", "dropped", "gone"
	)

	DispatchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_dispatch_errors_total",
			Help: "Inbound realtime events answered with an error",
		},
		[]string{"event", "reason"},
	)

	MessagesRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_messages_routed_total",
			Help: "Direct messages accepted by the router",
		},
		[]string{"delivery"}, // "online" or "stored"
	)

	// Ingestion metrics
	WebhooksReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_webhooks_received_total",
			Help: "Webhook payloads received",
		},
		[]string{"source"}, // "http", "spool", "rpc" or "other"
	)

	IngestItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_ingest_items_total",
			Help: "Webhook items by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// Fanout metrics
	FanoutPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_fanout_published_total",
			Help: "Bus events published to the broker",
		},
		[]string{"result"},
	)
)
