// Package store persists call records and their final transcript lines.
// Persistence is best effort from the caller's point of view: the live
// relay never waits on a failed write.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harunnryd/callscribe/pkg/adapters/stt"
)

var ErrNotFound = errors.New("call not found")

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

type Call struct {
	ID              string     `json:"id"`
	SessionID       string     `json:"session_id"`
	Status          Status     `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds float64    `json:"duration_seconds"`
	TotalBytes      int64      `json:"total_bytes"`
	ChunksReceived  int        `json:"chunks_received"`
	TranscriptCount int        `json:"transcript_count"`
}

type TranscriptLine struct {
	CallID     string     `json:"call_id"`
	Text       string     `json:"text"`
	IsFinal    bool       `json:"is_final"`
	Confidence float64    `json:"confidence"`
	Words      []stt.Word `json:"words,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Store creates call records and serves them back for the history API.
type Store interface {
	Name() string
	// CreateCall starts an active call for sessionID.
	CreateCall(ctx context.Context, sessionID string) (Recorder, error)
	// ListCalls returns up to limit calls, newest first.
	ListCalls(ctx context.Context, limit int) ([]Call, error)
	// GetCall looks a call up by call id or, failing that, by the most
	// recent call for a session id.
	GetCall(ctx context.Context, key string) (Call, []TranscriptLine, error)
	Close() error
}

// Recorder writes to one call. It is scoped to a single connection.
type Recorder interface {
	CallID() string
	AppendTranscriptLine(ctx context.Context, text string, isFinal bool, confidence float64, words []stt.Word) error
	UpdateStats(ctx context.Context, totalBytes int64, chunks int) error
	// EndCall marks the call completed. Calling it again changes nothing.
	EndCall(ctx context.Context) error
	// Close releases connection-scoped resources.
	Close() error
}

// New builds the store named by provider. "none" returns a nil Store,
// which callers treat as persistence disabled.
func New(provider, dir string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "memory":
		return NewMemoryStore(), nil
	case "file":
		fs, err := NewFileStore(dir)
		if err != nil {
			return nil, err
		}
		return fs, nil
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("store provider not registered: %s", provider)
	}
}

func endCall(c *Call, now time.Time) bool {
	if c.Status == StatusCompleted {
		return false
	}
	c.Status = StatusCompleted
	c.EndedAt = &now
	c.DurationSeconds = now.Sub(c.StartedAt).Seconds()
	return true
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	return limit
}
