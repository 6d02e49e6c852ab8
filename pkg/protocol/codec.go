// Package protocol encodes and decodes the browser WebSocket protocol.
//
// Binary frames are raw audio. Text frames carry a JSON envelope
// {"type": ...} which decodes into one of the Kind variants.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/callscribe/pkg/errorsx"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindAudio
	KindPing
	KindStop
)

func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindPing:
		return "ping"
	case KindStop:
		return "stop"
	default:
		return "unknown"
	}
}

// Inbound is a decoded client message.
type Inbound struct {
	Kind Kind
	// Type is the raw envelope type; set for text frames only.
	Type  string
	Audio []byte
	// Timestamp is echoed back verbatim in the pong.
	Timestamp json.RawMessage
}

type envelope struct {
	Type      string          `json:"type"`
	Data      *string         `json:"data"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// Decode classifies a frame read from the socket. Errors carry
// protocol_malformed or protocol_audio reasons and are meant to be reported
// to the client, not to end the session.
func Decode(messageType int, data []byte) (Inbound, error) {
	if messageType == websocket.BinaryMessage {
		return Inbound{Kind: KindAudio, Audio: data}, nil
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Inbound{}, errorsx.New(errorsx.ReasonProtocolMalformed, "invalid JSON message: %v", err)
	}

	in := Inbound{Type: env.Type}
	switch env.Type {
	case "audio":
		if env.Data == nil {
			return Inbound{}, errorsx.New(errorsx.ReasonProtocolAudio, "audio message missing data")
		}
		b, err := DecodeAudio(*env.Data)
		if err != nil {
			return Inbound{}, err
		}
		in.Kind = KindAudio
		in.Audio = b
	case "ping":
		in.Kind = KindPing
		in.Timestamp = env.Timestamp
	case "stop":
		in.Kind = KindStop
	default:
		in.Kind = KindUnknown
	}
	return in, nil
}

// DecodeAudio decodes base64 audio, accepting a data URL
// ("data:audio/webm;base64,....") as browsers produce.
func DecodeAudio(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		if i := strings.IndexByte(s, ','); i >= 0 {
			s = s[i+1:]
		}
	}
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, errorsx.New(errorsx.ReasonProtocolAudio, "invalid base64 audio: %v", err)
	}
	return b, nil
}
