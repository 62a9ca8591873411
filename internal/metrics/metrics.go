package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP метрики
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tracker_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracker_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	// WebSocket метрики
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracker_websocket_connections_active",
			Help: "Number of active WebSocket connections",
		},
	)

	WebSocketMessagesOut = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tracker_websocket_messages_out_total",
			Help: "Total number of WebSocket messages sent",
		},
	)

	// MQTT метрики
	MQTTMessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracker_mqtt_messages_received_total",
			Help: "Total number of MQTT messages received",
		},
		[]string{"kind"},
	)

	MQTTParseErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tracker_mqtt_parse_errors_total",
			Help: "Total number of MQTT message parse errors",
		},
	)

	MQTTConnectionStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracker_mqtt_connection_status",
			Help: "MQTT connection status (1 = connected, 0 = disconnected)",
		},
	)

	// Метрики сессии записи
	FixesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracker_fixes_received_total",
			Help: "Total number of location fixes received",
		},
		[]string{"source"},
	)

	FixesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tracker_fixes_dropped_total",
			Help: "Fixes dropped because the session queue was full or the session was not consuming",
		},
	)

	FixesAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tracker_fixes_accepted_total",
			Help: "Total number of fixes accepted by the recording policy",
		},
	)

	FixesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracker_fixes_rejected_total",
			Help: "Total number of fixes rejected by the recording policy",
		},
		[]string{"reason"},
	)

	PointsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracker_points_written_total",
			Help: "Accepted points written, by destination (direct or buffered)",
		},
		[]string{"destination"},
	)

	PointsLost = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tracker_points_lost_total",
			Help: "Accepted points that could be written neither directly nor to the buffer",
		},
	)

	PointWriteDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tracker_point_write_duration_seconds",
			Help:    "Duration of point writes in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"destination"},
	)

	SessionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracker_session_state",
			Help: "Recording session state (0 = idle, 1 = recording, 2 = finalizing)",
		},
	)

	SessionDistanceMeters = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracker_session_distance_meters",
			Help: "Running distance of the active track in meters",
		},
	)

	TracksFinalized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracker_tracks_finalized_total",
			Help: "Finalized tracks by outcome (committed, discarded, deferred)",
		},
		[]string{"outcome"},
	)

	// Метрики буфера и синхронизации
	BufferDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracker_buffer_unsynced_points",
			Help: "Number of unsynced points in the local buffer",
		},
	)

	SyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracker_sync_runs_total",
			Help: "Reconciliation runs by trigger",
		},
		[]string{"trigger"},
	)

	SyncPoints = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tracker_sync_points_total",
			Help: "Buffered points moved into the primary store",
		},
	)

	SyncOrphans = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tracker_sync_orphan_points_total",
			Help: "Buffered points discarded because their track no longer exists",
		},
	)

	SyncErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tracker_sync_errors_total",
			Help: "Track groups that failed to reconcile",
		},
	)

	SyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tracker_sync_duration_seconds",
			Help:    "Duration of a full reconciliation pass in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	// Связность и уведомления
	ConnectivityStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracker_connectivity_status",
			Help: "Primary store reachability (1 = reachable, 0 = unreachable)",
		},
	)

	ConnectivityTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracker_connectivity_transitions_total",
			Help: "Reachability transitions by direction",
		},
		[]string{"to"},
	)

	NotificationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracker_notification_errors_total",
			Help: "Failed session notifications by sink",
		},
		[]string{"sink"},
	)

	// Информация о приложении
	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tracker_app_info",
			Help: "Application information",
		},
		[]string{"version", "commit", "build_time"},
	)
)

// SetAppInfo устанавливает информацию о версии приложения
func SetAppInfo(version, commit, buildTime string) {
	AppInfo.WithLabelValues(version, commit, buildTime).Set(1)
}

// BoolGauge переводит bool в значение gauge
func BoolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
