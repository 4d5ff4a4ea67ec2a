package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the transcription service
type Metrics struct {
	// Run metrics
	RunsTotal     *prometheus.CounterVec
	RunDuration   prometheus.Histogram
	AudioSeconds  prometheus.Counter
	StageDuration *prometheus.HistogramVec

	// Segment metrics
	SegmentsTotal       *prometheus.CounterVec
	RecognitionDuration prometheus.Histogram
	TokensUsed          prometheus.Counter
	RecognitionRetries  prometheus.Counter

	// Job metrics
	ActiveJobs    prometheus.Gauge
	QueuedJobs    prometheus.Gauge
	FilesDetected prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// registers with the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		// Run metrics
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicer_runs_total",
			Help: "Total number of pipeline runs by final state",
		}, []string{"state"}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicer_run_duration_seconds",
			Help:    "Wall clock duration of pipeline runs",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		}),
		AudioSeconds: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicer_audio_seconds_total",
			Help: "Total seconds of input audio processed",
		}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voicer_stage_duration_seconds",
			Help:    "Duration of pipeline stages",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~3 minutes
		}, []string{"stage"}),

		// Segment metrics
		SegmentsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicer_segments_total",
			Help: "Total number of segments by outcome",
		}, []string{"status"}),
		RecognitionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicer_recognition_duration_seconds",
			Help:    "Duration of recognition calls",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7 minutes
		}),
		TokensUsed: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicer_tokens_used_total",
			Help: "Total number of tokens reported by the recognition service",
		}),
		RecognitionRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicer_recognition_retries_total",
			Help: "Total number of recognition retries",
		}),

		// Job metrics
		ActiveJobs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicer_active_jobs",
			Help: "Current number of running jobs",
		}),
		QueuedJobs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicer_queued_jobs",
			Help: "Current number of jobs waiting for a slot",
		}),
		FilesDetected: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicer_watch_files_detected_total",
			Help: "Total number of audio files picked up by the folder watcher",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicer_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voicer_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicer_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// ObserveStage records the duration of a completed stage
func (m *Metrics) ObserveStage(stage string, elapsed time.Duration) {
	m.StageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}

// ObserveSegment records a segment outcome
func (m *Metrics) ObserveSegment(status string, elapsed time.Duration, tokens int) {
	m.SegmentsTotal.WithLabelValues(status).Inc()
	if elapsed > 0 {
		m.RecognitionDuration.Observe(elapsed.Seconds())
	}
	if tokens > 0 {
		m.TokensUsed.Add(float64(tokens))
	}
}

// ObserveRun records a finished run
func (m *Metrics) ObserveRun(state string, audioSeconds float64, elapsed time.Duration) {
	m.RunsTotal.WithLabelValues(state).Inc()
	m.RunDuration.Observe(elapsed.Seconds())
	if audioSeconds > 0 {
		m.AudioSeconds.Add(audioSeconds)
	}
}

// RecordRecognitionRetry increments the retry counter
func (m *Metrics) RecordRecognitionRetry() {
	m.RecognitionRetries.Inc()
}

// SetActiveJobs sets the current number of running jobs
func (m *Metrics) SetActiveJobs(count int) {
	m.ActiveJobs.Set(float64(count))
}

// SetQueuedJobs sets the current number of waiting jobs
func (m *Metrics) SetQueuedJobs(count int) {
	m.QueuedJobs.Set(float64(count))
}

// RecordFileDetected increments the watcher counter
func (m *Metrics) RecordFileDetected() {
	m.FilesDetected.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
