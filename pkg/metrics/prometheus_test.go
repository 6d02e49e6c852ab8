package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSessionMetrics(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.SessionStarted()
	m.SessionStarted()
	m.SessionEnded("stopped", 3*time.Second)

	if got := testutil.ToFloat64(m.ActiveSessions); got != 1 {
		t.Fatalf("expected 1 active session, got %v", got)
	}
	if got := testutil.ToFloat64(m.SessionsTotal.WithLabelValues("stopped")); got != 1 {
		t.Fatalf("expected 1 stopped session, got %v", got)
	}
}

func TestAudioAndTranscriptMetrics(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.AudioReceived(1024)
	m.AudioReceived(512)
	m.TranscriptRelayed(true)
	m.TranscriptRelayed(false)
	m.TranscriptRelayed(false)
	m.PersistenceError("append_transcript")

	if got := testutil.ToFloat64(m.AudioBytes); got != 1536 {
		t.Fatalf("expected 1536 bytes, got %v", got)
	}
	if got := testutil.ToFloat64(m.AudioChunks); got != 2 {
		t.Fatalf("expected 2 chunks, got %v", got)
	}
	if got := testutil.ToFloat64(m.Transcripts.WithLabelValues("false")); got != 2 {
		t.Fatalf("expected 2 interim transcripts, got %v", got)
	}
	if got := testutil.ToFloat64(m.PersistenceErrors.WithLabelValues("append_transcript")); got != 1 {
		t.Fatalf("expected 1 persistence error, got %v", got)
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.SessionStarted()
	m.SessionEnded("stopped", time.Second)
	m.AudioReceived(10)
	m.TranscriptRelayed(true)
	m.ProviderError()
	m.SendFailed()
	m.ProtocolError()
	m.PersistenceError("end_call")
	m.TranscriptionStart("ok")
	m.SessionRejected()
}
