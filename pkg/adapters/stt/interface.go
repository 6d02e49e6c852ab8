package stt

import (
	"context"
	"time"
)

// Word is a word-level span inside a transcript.
type Word struct {
	Word       string  `json:"word"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}

// Transcript is a provider result normalized for the rest of the system.
// Interim results (IsFinal false) may be superseded by later ones.
type Transcript struct {
	Text       string
	IsFinal    bool
	Confidence float64
	Words      []Word
	ReceivedAt time.Time
}

// Handler receives events pushed by a provider stream. Callbacks run on
// the provider's goroutine and must not block.
type Handler struct {
	OnTranscript func(Transcript)
	OnError      func(error)
	// OnClose fires once when the provider side of the stream has closed.
	OnClose func()
}

// Config identifies the session a stream is opened for.
type Config struct {
	SessionID string
	TraceID   string
}

// Stream is one open connection to a streaming STT vendor.
type Stream interface {
	// Send forwards raw audio bytes.
	Send(audio []byte) error
	// Finish signals end of audio and waits for the provider to close.
	Finish() error
}

// Provider opens streams against one STT vendor with a fixed configuration.
type Provider interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Open performs the handshake; it returns once the stream is usable.
	Open(ctx context.Context, cfg Config, h Handler) (Stream, error)
}
