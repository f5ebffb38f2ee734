// Package metrics provides Prometheus metrics for the fleetwatch service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager owns every Prometheus collector used by fleetwatch.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	constLabels      prometheus.Labels
	registry         prometheus.Registerer

	// Tracker
	heartbeatsSent      prometheus.Counter
	heartbeatsFailed    prometheus.Counter
	heartbeatsDebounced prometheus.Counter
	heartbeatsWithheld  prometheus.Counter
	heartbeatLatency    prometheus.Histogram
	fixErrors           *prometheus.CounterVec
	addressLookups      *prometheus.CounterVec
	trackingSessions    prometheus.Gauge

	// Presence view
	presenceRecords     prometheus.Gauge
	changeEventsApplied *prometheus.CounterVec
	changeEventsDropped prometheus.Counter
	terminalDetections  *prometheus.CounterVec

	// Store
	storeLatency *prometheus.HistogramVec
	storeErrors  *prometheus.CounterVec

	// Change-feed queue
	queuesOpen         prometheus.Gauge
	queueEnqueued      prometheus.Counter
	queueDequeued      prometheus.Counter
	queueEnqueueErrors *prometheus.CounterVec

	// HTTP and websocket
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	websocketClients    prometheus.Gauge
	websocketBroadcasts prometheus.Counter

	errorsByComponent *prometheus.CounterVec
}

var globalManager *Manager //nolint:gochecknoglobals // singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // metrics registry

func init() { //nolint:gochecknoinits // global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a metrics manager and registers its collectors.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "fleetwatch",
		subsystem:        "presence",
		histogramBuckets: []float64{0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		registry:         prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	})
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	}, labels)
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	})
}

func (m *Manager) initializeMetrics() {
	auto := promauto.With(m.registry)

	m.heartbeatsSent = m.counter("heartbeats_sent_total", "Heartbeats successfully upserted to the presence store")
	m.heartbeatsFailed = m.counter("heartbeats_failed_total", "Heartbeat upserts that failed")
	m.heartbeatsDebounced = m.counter("heartbeats_debounced_total", "Location updates skipped by the heartbeat debounce")
	m.heartbeatsWithheld = m.counter("heartbeats_withheld_total", "Timer heartbeats withheld because the device sent no fix")
	m.heartbeatLatency = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        "heartbeat_latency_milliseconds",
		Help:        "Time from fix acquisition to completed upsert",
		Buckets:     m.histogramBuckets,
		ConstLabels: m.constLabels,
	})
	m.fixErrors = m.counterVec("fix_errors_total", "Geolocation failures by code", "code")
	m.addressLookups = m.counterVec("address_lookups_total", "Network address lookups by result", "result")
	m.trackingSessions = m.gauge("tracking_sessions", "Tracking sessions currently running")

	m.presenceRecords = m.gauge("records", "Records in the presence view")
	m.changeEventsApplied = m.counterVec("change_events_applied_total", "Change events applied to the presence view", "type")
	m.changeEventsDropped = m.counter("change_events_dropped_total", "Change events ignored or dropped before apply")
	m.terminalDetections = m.counterVec("terminal_detections_total", "Terminal detection results", "result")

	m.storeLatency = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        "store_latency_milliseconds",
		Help:        "Presence store operation latency",
		Buckets:     m.histogramBuckets,
		ConstLabels: m.constLabels,
	}, []string{"backend", "op"})
	m.storeErrors = m.counterVec("store_errors_total", "Presence store operation errors", "backend", "op")

	m.queuesOpen = m.gauge("queues_open", "Change-feed queues currently open, one per subscription")
	m.queueEnqueued = m.counter("queue_enqueued_total", "Change events accepted by the queue")
	m.queueDequeued = m.counter("queue_dequeued_total", "Change events delivered by the queue")
	m.queueEnqueueErrors = m.counterVec("queue_enqueue_errors_total", "Change events rejected by the queue", "reason")

	m.httpRequests = m.counterVec("http_requests_total", "HTTP requests by endpoint and method", "endpoint", "method", "status_code")
	m.httpRequestDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        "http_request_duration_milliseconds",
		Help:        "HTTP request duration in milliseconds",
		Buckets:     m.histogramBuckets,
		ConstLabels: m.constLabels,
	}, []string{"endpoint", "method", "status_code"})
	m.websocketClients = m.gauge("websocket_clients", "Connected presence websocket clients")
	m.websocketBroadcasts = m.counter("websocket_broadcasts_total", "Presence snapshots broadcast to websocket clients")

	m.errorsByComponent = m.counterVec("errors_total", "Errors by component and type", "component", "error_type")
}

// RecordHeartbeatSent counts a successful upsert and its latency.
func RecordHeartbeatSent(latencyMs float64) {
	globalManager.heartbeatsSent.Inc()
	globalManager.heartbeatLatency.Observe(latencyMs)
}

// RecordHeartbeatFailed counts a failed upsert.
func RecordHeartbeatFailed() {
	globalManager.heartbeatsFailed.Inc()
}

// RecordHeartbeatDebounced counts a location update that did not produce an upsert.
func RecordHeartbeatDebounced() {
	globalManager.heartbeatsDebounced.Inc()
}

// RecordHeartbeatWithheld counts a timer tick skipped for a silent device.
func RecordHeartbeatWithheld() {
	globalManager.heartbeatsWithheld.Inc()
}

// RecordFixError counts a geolocation failure by code.
func RecordFixError(code string) {
	globalManager.fixErrors.WithLabelValues(code).Inc()
}

// RecordAddressLookup counts a network address lookup ("ok", "failed" or "cached").
func RecordAddressLookup(result string) {
	globalManager.addressLookups.WithLabelValues(result).Inc()
}

// UpdateTrackingSessions sets the running session count.
func UpdateTrackingSessions(count int) {
	globalManager.trackingSessions.Set(float64(count))
}

// UpdatePresenceRecords sets the presence view size.
func UpdatePresenceRecords(count int) {
	globalManager.presenceRecords.Set(float64(count))
}

// RecordChangeEventApplied counts a change event applied by type.
func RecordChangeEventApplied(eventType string) {
	globalManager.changeEventsApplied.WithLabelValues(eventType).Inc()
}

// RecordChangeEventDropped counts a change event that was not applied.
func RecordChangeEventDropped() {
	globalManager.changeEventsDropped.Inc()
}

// RecordTerminalDetection counts a detection ("matched" or "unmatched").
func RecordTerminalDetection(result string) {
	globalManager.terminalDetections.WithLabelValues(result).Inc()
}

// RecordStoreLatency observes a store operation.
func RecordStoreLatency(backend, op string, latencyMs float64) {
	globalManager.storeLatency.WithLabelValues(backend, op).Observe(latencyMs)
}

// RecordStoreError counts a failed store operation.
func RecordStoreError(backend, op string) {
	globalManager.storeErrors.WithLabelValues(backend, op).Inc()
}

// RecordQueueOpened counts a new change-feed queue.
func RecordQueueOpened() {
	globalManager.queuesOpen.Inc()
}

// RecordQueueClosed counts a closed change-feed queue.
func RecordQueueClosed() {
	globalManager.queuesOpen.Dec()
}

// RecordQueueEnqueue increments the enqueue counter.
func RecordQueueEnqueue() {
	globalManager.queueEnqueued.Inc()
}

// RecordQueueDequeue increments the dequeue counter.
func RecordQueueDequeue() {
	globalManager.queueDequeued.Inc()
}

// RecordQueueEnqueueError counts a rejected enqueue by reason.
func RecordQueueEnqueueError(reason string) {
	globalManager.queueEnqueueErrors.WithLabelValues(reason).Inc()
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// UpdateWebsocketClients sets the connected websocket client count.
func UpdateWebsocketClients(count int) {
	globalManager.websocketClients.Set(float64(count))
}

// RecordWebsocketBroadcast counts a snapshot broadcast.
func RecordWebsocketBroadcast() {
	globalManager.websocketBroadcasts.Inc()
}

// RecordErrorByComponent records an error with component and type labels.
func RecordErrorByComponent(component, errorType string) {
	globalManager.errorsByComponent.WithLabelValues(component, errorType).Inc()
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
