// Package metrics provides Prometheus metrics for the sabor vote service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace              = "sabor"
	subsystem              = "votes"
	defaultRefreshInterval = 10 * time.Second
)

// latencyBuckets spans fast in-process stages up to remote calls near their timeouts, in ms.
var latencyBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000} //nolint:gochecknoglobals // static bucket layout

// distanceBuckets covers walking distance around a venue up to a few cities away, in km.
var distanceBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5, 25, 100} //nolint:gochecknoglobals // static bucket layout

// Manager owns every Prometheus collector of the service.
type Manager struct {
	histogramBuckets []float64
	enabled          bool
	refreshInterval  time.Duration
	customLabels     map[string]string
	registry         prometheus.Registerer

	// Pipeline
	stageOutcomes   *prometheus.CounterVec
	stageLatency    *prometheus.HistogramVec
	activeAttempts  prometheus.Gauge
	votesCommitted  prometheus.Counter
	badgesUnlocked  prometheus.Counter
	reservations    *prometheus.CounterVec
	geofenceDistKM  prometheus.Histogram
	integrityCalls  *prometheus.CounterVec
	integrityMillis prometheus.Histogram
	challengeEvents *prometheus.CounterVec
	rateLimitHits   *prometheus.CounterVec

	// Ranking
	rankingUpdates prometheus.Counter
	rankedVoters   prometheus.Gauge

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Queue and workers
	queueSize        prometheus.Gauge
	queueCapacity    prometheus.Gauge
	queueEnqueued    prometheus.Counter
	queueDequeued    prometheus.Counter
	queueRejected    *prometheus.CounterVec
	workerCount      prometheus.Gauge
	workerErrors     prometheus.Counter
	workerLatencyMs  prometheus.Histogram
	errorByComponent *prometheus.CounterVec

	// System
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
	systemGCPauseTime    prometheus.Histogram
}

var globalManager *Manager //nolint:gochecknoglobals // singleton metrics manager

// customRegistry keeps the default Go collectors out of /healthz.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // metrics registry

func init() { //nolint:gochecknoinits // global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		histogramBuckets: latencyBuckets,
		enabled:          true,
		refreshInterval:  defaultRefreshInterval,
		customLabels:     make(map[string]string),
		registry:         prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) counterOpts(name, help string) prometheus.CounterOpts {
	return prometheus.CounterOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, ConstLabels: m.customLabels}
}

func (m *Manager) gaugeOpts(name, help string) prometheus.GaugeOpts {
	return prometheus.GaugeOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, ConstLabels: m.customLabels}
}

func (m *Manager) histogramOpts(name, help string, buckets []float64) prometheus.HistogramOpts {
	return prometheus.HistogramOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: buckets, ConstLabels: m.customLabels}
}

func (m *Manager) initializeMetrics() { //nolint:funlen // one place for every collector
	auto := promauto.With(m.registry)

	m.stageOutcomes = auto.NewCounterVec(m.counterOpts("stage_outcomes_total",
		"Pipeline stage outcomes by stage, result and rejection code"), []string{"stage", "result", "code"})
	m.stageLatency = auto.NewHistogramVec(m.histogramOpts("stage_latency_milliseconds",
		"Pipeline stage latency in milliseconds", m.histogramBuckets), []string{"stage"})
	m.activeAttempts = auto.NewGauge(m.gaugeOpts("active_attempts", "Vote attempts currently held in memory"))
	m.votesCommitted = auto.NewCounter(m.counterOpts("committed_total", "Votes committed to the authoritative store"))
	m.badgesUnlocked = auto.NewCounter(m.counterOpts("badges_unlocked_total", "First-vote badges unlocked"))
	m.reservations = auto.NewCounterVec(m.counterOpts("reservations_total",
		"Duplicate guard reservation results"), []string{"result"})
	m.geofenceDistKM = auto.NewHistogram(m.histogramOpts("geofence_distance_km",
		"Distance between voter and venue at geofence time", distanceBuckets))
	m.integrityCalls = auto.NewCounterVec(m.counterOpts("integrity_calls_total",
		"Integrity analyzer calls by result"), []string{"result"})
	m.integrityMillis = auto.NewHistogram(m.histogramOpts("integrity_latency_milliseconds",
		"Integrity analyzer latency in milliseconds", m.histogramBuckets))
	m.challengeEvents = auto.NewCounterVec(m.counterOpts("challenge_events_total",
		"OTP challenge lifecycle events"), []string{"event"})
	m.rateLimitHits = auto.NewCounterVec(m.counterOpts("rate_limited_total",
		"Rate limiter rejections by key space"), []string{"space"})

	m.rankingUpdates = auto.NewCounter(m.counterOpts("ranking_updates_total", "Ranking board updates applied by workers"))
	m.rankedVoters = auto.NewGauge(m.gaugeOpts("ranked_voters", "Voters present on ranking boards"))

	m.httpRequests = auto.NewCounterVec(m.counterOpts("http_requests_total",
		"HTTP requests by endpoint, method and status"), []string{"endpoint", "method", "status_code"})
	m.httpRequestDuration = auto.NewHistogramVec(m.histogramOpts("http_request_duration_milliseconds",
		"HTTP request duration in milliseconds", m.histogramBuckets), []string{"endpoint", "method", "status_code"})

	m.queueSize = auto.NewGauge(m.gaugeOpts("queue_size", "Vote events waiting for ranking workers"))
	m.queueCapacity = auto.NewGauge(m.gaugeOpts("queue_capacity", "Vote event queue capacity"))
	m.queueEnqueued = auto.NewCounter(m.counterOpts("queue_enqueued_total", "Vote events enqueued"))
	m.queueDequeued = auto.NewCounter(m.counterOpts("queue_dequeued_total", "Vote events dequeued"))
	m.queueRejected = auto.NewCounterVec(m.counterOpts("queue_rejected_total",
		"Vote events rejected by the queue"), []string{"reason"})
	m.workerCount = auto.NewGauge(m.gaugeOpts("worker_count", "Ranking workers running"))
	m.workerErrors = auto.NewCounter(m.counterOpts("worker_errors_total", "Ranking worker failures"))
	m.workerLatencyMs = auto.NewHistogram(m.histogramOpts("worker_latency_milliseconds",
		"Ranking worker processing latency in milliseconds", m.histogramBuckets))
	m.errorByComponent = auto.NewCounterVec(m.counterOpts("errors_total",
		"Errors by component and type"), []string{"component", "error_type"})

	m.systemMemoryUsage = auto.NewGauge(m.gaugeOpts("system_memory_bytes", "Heap bytes allocated"))
	m.systemGoroutineCount = auto.NewGauge(m.gaugeOpts("system_goroutines", "Goroutines running"))
	m.systemGCPauseTime = auto.NewHistogram(m.histogramOpts("system_gc_pause_milliseconds",
		"Average GC pause in milliseconds", m.histogramBuckets))
}

// RecordStageOutcome counts a stage result; code is empty on pass.
func RecordStageOutcome(stage, result, code string) {
	if globalManager.enabled {
		globalManager.stageOutcomes.WithLabelValues(stage, result, code).Inc()
	}
}

// RecordStageLatency observes how long a stage took.
func RecordStageLatency(stage string, latencyMs float64) {
	if globalManager.enabled {
		globalManager.stageLatency.WithLabelValues(stage).Observe(latencyMs)
	}
}

// UpdateActiveAttempts sets the number of attempts in memory.
func UpdateActiveAttempts(n int) {
	if globalManager.enabled {
		globalManager.activeAttempts.Set(float64(n))
	}
}

// RecordVoteCommitted counts a committed vote.
func RecordVoteCommitted() {
	if globalManager.enabled {
		globalManager.votesCommitted.Inc()
	}
}

// RecordBadgeUnlocked counts an unlocked first-vote badge.
func RecordBadgeUnlocked() {
	if globalManager.enabled {
		globalManager.badgesUnlocked.Inc()
	}
}

// RecordReservation counts reserve/release/duplicate results.
func RecordReservation(result string) {
	if globalManager.enabled {
		globalManager.reservations.WithLabelValues(result).Inc()
	}
}

// RecordGeofenceDistance observes a measured distance in km.
func RecordGeofenceDistance(km float64) {
	if globalManager.enabled {
		globalManager.geofenceDistKM.Observe(km)
	}
}

// RecordIntegrityCall counts an integrity call and its latency.
func RecordIntegrityCall(result string, latencyMs float64) {
	if globalManager.enabled {
		globalManager.integrityCalls.WithLabelValues(result).Inc()
		globalManager.integrityMillis.Observe(latencyMs)
	}
}

// RecordChallengeEvent counts issued/verified/expired/mismatch/exhausted/dispatch_failed.
func RecordChallengeEvent(event string) {
	if globalManager.enabled {
		globalManager.challengeEvents.WithLabelValues(event).Inc()
	}
}

// RecordRateLimited counts a limiter rejection for the key space.
func RecordRateLimited(space string) {
	if globalManager.enabled {
		globalManager.rateLimitHits.WithLabelValues(space).Inc()
	}
}

// RecordRankingUpdate counts a board update.
func RecordRankingUpdate() {
	if globalManager.enabled {
		globalManager.rankingUpdates.Inc()
	}
}

// UpdateRankedVoters sets the number of voters on boards.
func UpdateRankedVoters(n int) {
	if globalManager.enabled {
		globalManager.rankedVoters.Set(float64(n))
	}
}

// RecordHTTPRequest records a completed HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string, durationMs float64) {
	if globalManager.enabled {
		globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
		globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(durationMs)
	}
}

// UpdateQueueSize sets the current queue length.
func UpdateQueueSize(size int) {
	if globalManager.enabled {
		globalManager.queueSize.Set(float64(size))
	}
}

// UpdateQueueCapacity sets the queue capacity.
func UpdateQueueCapacity(capacity int) {
	if globalManager.enabled {
		globalManager.queueCapacity.Set(float64(capacity))
	}
}

// RecordQueueEnqueue counts an enqueued event.
func RecordQueueEnqueue() {
	if globalManager.enabled {
		globalManager.queueEnqueued.Inc()
	}
}

// RecordQueueDequeue counts a dequeued event.
func RecordQueueDequeue() {
	if globalManager.enabled {
		globalManager.queueDequeued.Inc()
	}
}

// RecordQueueRejected counts an event the queue refused.
func RecordQueueRejected(reason string) {
	if globalManager.enabled {
		globalManager.queueRejected.WithLabelValues(reason).Inc()
	}
}

// UpdateWorkerCount sets the number of running workers.
func UpdateWorkerCount(count int) {
	if globalManager.enabled {
		globalManager.workerCount.Set(float64(count))
	}
}

// RecordWorkerProcessed observes worker latency and counts failures.
func RecordWorkerProcessed(latencyMs float64, failed bool) {
	if !globalManager.enabled {
		return
	}
	globalManager.workerLatencyMs.Observe(latencyMs)
	if failed {
		globalManager.workerErrors.Inc()
	}
}

// RecordErrorByComponent counts an error for a component.
func RecordErrorByComponent(component, errorType string) {
	if globalManager.enabled {
		globalManager.errorByComponent.WithLabelValues(component, errorType).Inc()
	}
}

// UpdateSystemMemoryUsage sets heap usage in bytes.
func UpdateSystemMemoryUsage(bytes uint64) {
	if globalManager.enabled {
		globalManager.systemMemoryUsage.Set(float64(bytes))
	}
}

// UpdateSystemGoroutineCount sets the goroutine count.
func UpdateSystemGoroutineCount(count int) {
	if globalManager.enabled {
		globalManager.systemGoroutineCount.Set(float64(count))
	}
}

// RecordSystemGCPauseTime observes an average GC pause.
func RecordSystemGCPauseTime(pauseMs float64) {
	if globalManager.enabled {
		globalManager.systemGCPauseTime.Observe(pauseMs)
	}
}

// GetRegistry returns the registry serving /healthz.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}

// RefreshInterval is how often background gauges should be refreshed.
func RefreshInterval() time.Duration {
	return globalManager.refreshInterval
}
