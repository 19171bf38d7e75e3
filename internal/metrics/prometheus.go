package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains the Prometheus collectors of the service. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	// Session metrics
	LiveSessions     prometheus.Gauge
	QueuedSessions   prometheus.Gauge
	SessionsAdmitted prometheus.Counter
	SessionsQueued   prometheus.Counter
	SessionsClosed   *prometheus.CounterVec
	SessionDuration  prometheus.Histogram

	// Chunk metrics
	ChunksReceived   prometheus.Counter
	ChunksOutOfOrder prometheus.Counter
	ChunksDuplicate  prometheus.Counter
	ChunksMalformed  prometheus.Counter

	// Transcription metrics
	Batches               *prometheus.CounterVec
	BatchSize             prometheus.Histogram
	TranscriptionDuration prometheus.Histogram
	TranscriptionFailures prometheus.Counter
	TranscriptionRetries  prometheus.Counter

	// Classification metrics
	ClassificationDuration prometheus.Histogram
	ClassificationFailures prometheus.Counter

	// Review persistence
	ReviewsSubmitted *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		LiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "livescribe_live_sessions",
			Help: "Current number of admitted sessions",
		}),
		QueuedSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "livescribe_queued_sessions",
			Help: "Current number of requests waiting for admission",
		}),
		SessionsAdmitted: f.NewCounter(prometheus.CounterOpts{
			Name: "livescribe_sessions_admitted_total",
			Help: "Total number of sessions admitted",
		}),
		SessionsQueued: f.NewCounter(prometheus.CounterOpts{
			Name: "livescribe_sessions_queued_total",
			Help: "Total number of start requests placed in the wait queue",
		}),
		SessionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "livescribe_sessions_closed_total",
			Help: "Total number of sessions closed by terminal status",
		}, []string{"status"}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "livescribe_session_duration_seconds",
			Help:    "Lifetime of sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~34 minutes
		}),

		ChunksReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "livescribe_chunks_received_total",
			Help: "Total number of audio chunks accepted",
		}),
		ChunksOutOfOrder: f.NewCounter(prometheus.CounterOpts{
			Name: "livescribe_chunks_out_of_order_total",
			Help: "Total number of chunks that arrived out of sequence",
		}),
		ChunksDuplicate: f.NewCounter(prometheus.CounterOpts{
			Name: "livescribe_chunks_duplicate_total",
			Help: "Total number of chunks that replaced an existing sequence number",
		}),
		ChunksMalformed: f.NewCounter(prometheus.CounterOpts{
			Name: "livescribe_chunks_malformed_total",
			Help: "Total number of chunks dropped because the payload could not be decoded",
		}),

		Batches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "livescribe_batches_total",
			Help: "Total number of transcription passes by kind and outcome",
		}, []string{"kind", "outcome"}),
		BatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "livescribe_batch_chunks",
			Help:    "Number of chunks per transcription pass",
			Buckets: prometheus.LinearBuckets(1, 2, 10),
		}),
		TranscriptionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "livescribe_transcription_duration_seconds",
			Help:    "Duration of transcription engine calls",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1 minute
		}),
		TranscriptionFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "livescribe_transcription_failures_total",
			Help: "Total number of failed transcription engine calls",
		}),
		TranscriptionRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "livescribe_transcription_retries_total",
			Help: "Total number of transcription request retries",
		}),

		ClassificationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "livescribe_classification_duration_seconds",
			Help:    "Duration of classification engine calls",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8),
		}),
		ClassificationFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "livescribe_classification_failures_total",
			Help: "Total number of failed classifications",
		}),

		ReviewsSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "livescribe_reviews_submitted_total",
			Help: "Total number of review records handed to persistence",
		}, []string{"outcome"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "livescribe_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "livescribe_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

func (m *Metrics) SetSessionGauges(live, queued int) {
	if m == nil {
		return
	}
	m.LiveSessions.Set(float64(live))
	m.QueuedSessions.Set(float64(queued))
}

func (m *Metrics) RecordAdmitted() {
	if m == nil {
		return
	}
	m.SessionsAdmitted.Inc()
}

func (m *Metrics) RecordQueued() {
	if m == nil {
		return
	}
	m.SessionsQueued.Inc()
}

// RecordClosed counts a terminal session and observes its lifetime.
func (m *Metrics) RecordClosed(status string, lifetime time.Duration) {
	if m == nil {
		return
	}
	m.SessionsClosed.WithLabelValues(status).Inc()
	m.SessionDuration.Observe(lifetime.Seconds())
}

func (m *Metrics) RecordChunk(duplicate, outOfOrder bool) {
	if m == nil {
		return
	}
	m.ChunksReceived.Inc()
	if duplicate {
		m.ChunksDuplicate.Inc()
	}
	if outOfOrder {
		m.ChunksOutOfOrder.Inc()
	}
}

func (m *Metrics) RecordMalformedChunk() {
	if m == nil {
		return
	}
	m.ChunksMalformed.Inc()
}

// RecordBatch records one transcription pass. kind is "partial" or "final".
func (m *Metrics) RecordBatch(kind string, chunks int, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
		m.TranscriptionFailures.Inc()
	}
	m.Batches.WithLabelValues(kind, outcome).Inc()
	m.BatchSize.Observe(float64(chunks))
	m.TranscriptionDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordTranscriptionRetry() {
	if m == nil {
		return
	}
	m.TranscriptionRetries.Inc()
}

func (m *Metrics) RecordClassification(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.ClassificationDuration.Observe(d.Seconds())
	if err != nil {
		m.ClassificationFailures.Inc()
	}
}

func (m *Metrics) RecordReviewSubmitted(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.ReviewsSubmitted.WithLabelValues("failure").Inc()
		return
	}
	m.ReviewsSubmitted.WithLabelValues("success").Inc()
}

func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(d.Seconds())
}
