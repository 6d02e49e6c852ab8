package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the Prometheus collectors for live sessions. All methods
// are safe on a nil receiver so tests and tools can run without metrics.
type Metrics struct {
	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	// Audio metrics
	AudioChunks prometheus.Counter
	AudioBytes  prometheus.Counter

	// Transcription metrics
	TranscriptionStarts *prometheus.CounterVec
	Transcripts         *prometheus.CounterVec
	ProviderErrors      prometheus.Counter

	// Delivery and persistence
	SendFailures      prometheus.Counter
	ProtocolErrors    prometheus.Counter
	PersistenceErrors *prometheus.CounterVec
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "callscribe_active_sessions",
			Help: "Current number of connected audio sessions",
		}),
		SessionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callscribe_sessions_total",
			Help: "Sessions by how they ended",
		}, []string{"outcome"}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "callscribe_session_duration_seconds",
			Help:    "Duration of audio sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68 minutes
		}),
		AudioChunks: f.NewCounter(prometheus.CounterOpts{
			Name: "callscribe_audio_chunks_total",
			Help: "Total number of audio chunks received from clients",
		}),
		AudioBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "callscribe_audio_bytes_total",
			Help: "Total number of audio bytes received from clients",
		}),
		TranscriptionStarts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callscribe_transcription_starts_total",
			Help: "Transcription stream start attempts by result",
		}, []string{"result"}),
		Transcripts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callscribe_transcripts_total",
			Help: "Transcript events relayed to clients",
		}, []string{"final"}),
		ProviderErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "callscribe_transcription_errors_total",
			Help: "Errors reported by the transcription provider mid-stream",
		}),
		SendFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "callscribe_client_send_failures_total",
			Help: "Messages that could not be delivered to a client",
		}),
		ProtocolErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "callscribe_protocol_errors_total",
			Help: "Malformed client messages",
		}),
		PersistenceErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callscribe_persistence_errors_total",
			Help: "Failed persistence calls by operation",
		}, []string{"op"}),
	}
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

func (m *Metrics) SessionEnded(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionsTotal.WithLabelValues(outcome).Inc()
	m.SessionDuration.Observe(d.Seconds())
}

// SessionRejected counts a connection refused before it became a session.
func (m *Metrics) SessionRejected() {
	if m == nil {
		return
	}
	m.SessionsTotal.WithLabelValues("rejected").Inc()
}

func (m *Metrics) AudioReceived(n int) {
	if m == nil {
		return
	}
	m.AudioChunks.Inc()
	m.AudioBytes.Add(float64(n))
}

func (m *Metrics) TranscriptionStart(result string) {
	if m == nil {
		return
	}
	m.TranscriptionStarts.WithLabelValues(result).Inc()
}

func (m *Metrics) TranscriptRelayed(final bool) {
	if m == nil {
		return
	}
	m.Transcripts.WithLabelValues(strconv.FormatBool(final)).Inc()
}

func (m *Metrics) ProviderError() {
	if m == nil {
		return
	}
	m.ProviderErrors.Inc()
}

func (m *Metrics) SendFailed() {
	if m == nil {
		return
	}
	m.SendFailures.Inc()
}

func (m *Metrics) ProtocolError() {
	if m == nil {
		return
	}
	m.ProtocolErrors.Inc()
}

func (m *Metrics) PersistenceError(op string) {
	if m == nil {
		return
	}
	m.PersistenceErrors.WithLabelValues(op).Inc()
}
