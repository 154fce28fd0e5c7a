package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Agent metrics for production monitoring
var (
	// Collection metrics
	CollectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exchange_agent_collections_total",
			Help: "Total number of metric collection attempts",
		},
		[]string{"kind", "status"}, // status: success/failure
	)

	CollectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "exchange_agent_collection_duration_seconds",
			Help:    "Metric collection duration in seconds, retries included",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		},
		[]string{"kind"},
	)

	CollectionFailureStreak = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "exchange_agent_collection_failure_streak",
			Help: "Consecutive failed collections per entity",
		},
		[]string{"entity"},
	)

	// Store metrics
	SamplesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exchange_agent_samples_ingested_total",
			Help: "Total number of samples accepted by the store",
		},
		[]string{"kind"},
	)

	SamplesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exchange_agent_samples_rejected_total",
			Help: "Total number of samples rejected by the store",
		},
		[]string{"reason"},
	)

	SeriesSamples = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "exchange_agent_series_samples",
			Help: "Samples held in the analysis window per entity",
		},
		[]string{"entity"},
	)

	// Alert metrics
	AlertsFiredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exchange_agent_alerts_fired_total",
			Help: "Total number of alerts fired",
		},
		[]string{"severity", "metric"},
	)

	AlertsSuppressedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exchange_agent_alerts_suppressed_total",
			Help: "Total number of alerts held back by storm suppression",
		},
		[]string{"metric"},
	)

	// Analysis metrics
	AnalysisDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "exchange_agent_analysis_duration_seconds",
			Help:    "Duration of one analysis pass across all entities",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
	)

	EntityHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "exchange_agent_entity_health",
			Help: "Entity health (0=healthy, 1=warning, 2=critical, -1=unknown)",
		},
		[]string{"entity", "kind"},
	)

	// Action metrics
	ActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exchange_agent_actions_total",
			Help: "Total number of actions requested",
		},
		[]string{"action", "status"},
	)

	ActionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "exchange_agent_action_duration_seconds",
			Help:    "Action execution duration in seconds, retries included",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"action"},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exchange_agent_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// WebSocket metrics
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "exchange_agent_websocket_connections",
			Help: "Current number of active WebSocket connections",
		},
	)

	WebSocketMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exchange_agent_websocket_messages_total",
			Help: "Total number of WebSocket messages",
		},
		[]string{"direction"}, // direction: inbound/outbound
	)

	// Config metrics
	ConfigReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exchange_agent_config_reloads_total",
			Help: "Total number of configuration reloads",
		},
		[]string{"status"},
	)
)
