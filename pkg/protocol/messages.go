package protocol

import (
	"encoding/json"

	"github.com/harunnryd/callscribe/pkg/adapters/stt"
)

const (
	TypeConnection         = "connection"
	TypePong               = "pong"
	TypeAudioAck           = "audio_ack"
	TypeTranscription      = "transcription"
	TypeTranscriptionError = "transcription_error"
	TypeError              = "error"
	TypeStopped            = "stopped"
)

type ConnectionMessage struct {
	Type                 string `json:"type"`
	Status               string `json:"status"`
	SessionID            string `json:"session_id"`
	TranscriptionEnabled bool   `json:"transcription_enabled"`
	DatabaseEnabled      bool   `json:"database_enabled"`
}

type PongMessage struct {
	Type      string          `json:"type"`
	Timestamp json.RawMessage `json:"timestamp"`
}

type AudioAckMessage struct {
	Type           string  `json:"type"`
	SessionID      string  `json:"session_id"`
	ChunksReceived int     `json:"chunks_received"`
	TotalBytes     int64   `json:"total_bytes"`
	Duration       float64 `json:"duration"`
}

type TranscriptionMessage struct {
	Type       string     `json:"type"`
	Transcript string     `json:"transcript"`
	IsFinal    bool       `json:"is_final"`
	Confidence float64    `json:"confidence"`
	Words      []stt.Word `json:"words"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type StoppedMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

func Connection(sessionID string, transcription, database bool) ConnectionMessage {
	return ConnectionMessage{
		Type:                 TypeConnection,
		Status:               "connected",
		SessionID:            sessionID,
		TranscriptionEnabled: transcription,
		DatabaseEnabled:      database,
	}
}

// Pong echoes the client's timestamp unchanged; a missing one becomes null.
func Pong(timestamp json.RawMessage) PongMessage {
	if len(timestamp) == 0 {
		timestamp = json.RawMessage("null")
	}
	return PongMessage{Type: TypePong, Timestamp: timestamp}
}

func AudioAck(sessionID string, chunks int, totalBytes int64, duration float64) AudioAckMessage {
	return AudioAckMessage{
		Type:           TypeAudioAck,
		SessionID:      sessionID,
		ChunksReceived: chunks,
		TotalBytes:     totalBytes,
		Duration:       duration,
	}
}

func Transcription(t stt.Transcript) TranscriptionMessage {
	words := t.Words
	if words == nil {
		words = []stt.Word{}
	}
	return TranscriptionMessage{
		Type:       TypeTranscription,
		Transcript: t.Text,
		IsFinal:    t.IsFinal,
		Confidence: t.Confidence,
		Words:      words,
	}
}

func TranscriptionError(message string) ErrorMessage {
	return ErrorMessage{Type: TypeTranscriptionError, Message: message}
}

func Error(message string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Message: message}
}

func Stopped(sessionID string) StoppedMessage {
	return StoppedMessage{Type: TypeStopped, SessionID: sessionID}
}
