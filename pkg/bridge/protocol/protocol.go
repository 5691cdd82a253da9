// Package protocol defines the client-facing wire messages for the
// websocket bridge and helpers for converting embedded audio payloads.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
)

// Inbound control message types recognized from the client.
const (
	TypeAudio          = "audio"
	TypeText           = "text"
	TypeCommitAudio    = "commit_audio"
	TypeVADSpeechStart = "client_vad_speech_start"
	TypeInterrupt      = "interrupt"
)

// Outbound control message types the bridge originates (engine events pass
// through with their own types).
const (
	TypeAudioStart       = "audio_start"
	TypeAudioInterrupted = "audio_interrupted"
	TypeMetrics          = "metrics"
	TypeError            = "error"
)

// ClientMessage is a decoded inbound JSON control message.
type ClientMessage struct {
	Type string  `json:"type"`
	Data []int16 `json:"data,omitempty"` // int16 samples for "audio"
	Text string  `json:"text,omitempty"` // utterance for "text"
}

// DecodeClientMessage parses an inbound text frame. Unknown types decode
// successfully; the caller decides whether to ignore them.
func DecodeClientMessage(raw []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("decode client message: %w", err)
	}
	if strings.TrimSpace(msg.Type) == "" {
		return ClientMessage{}, fmt.Errorf("decode client message: missing type")
	}
	return msg, nil
}

// PCMFromInt16 converts int16 samples into little-endian PCM bytes, the
// layout expected by the conversation engine's audio input buffer.
func PCMFromInt16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// ErrorMessage is the best-effort error notification sent to the client.
type ErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// NewErrorMessage builds an error notification payload.
func NewErrorMessage(text string) ([]byte, error) {
	return json.Marshal(ErrorMessage{Type: TypeError, Error: text})
}

// MetricsMessage carries per-turn latency and usage facts to the client.
type MetricsMessage struct {
	Type string             `json:"type"`
	Data map[string]float64 `json:"data"`
}

// NewMetricsMessage builds a metrics payload. Returns nil when there is
// nothing to report.
func NewMetricsMessage(data map[string]float64) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	return json.Marshal(MetricsMessage{Type: TypeMetrics, Data: data})
}
