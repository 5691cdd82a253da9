// Package realtime provides the client for the external conversational
// engine: a duplex websocket carrying raw audio plus typed JSON events.
// The engine is opaque to the bridge; this package normalizes its event
// stream into a single flat shape the session dispatcher consumes.
package realtime

import (
	"context"
	"encoding/json"
)

// Event is a normalized engine event. One flat record with a type tag;
// fields are populated per type and omitted otherwise. Unknown types
// carry only the tag and pass through to the client untouched.
type Event struct {
	Type       string            `json:"type"`
	Agent      string            `json:"agent,omitempty"`
	From       string            `json:"from,omitempty"`
	To         string            `json:"to,omitempty"`
	Tool       string            `json:"tool,omitempty"`
	Output     string            `json:"output,omitempty"`
	Transcript string            `json:"transcript,omitempty"`
	Error      string            `json:"error,omitempty"`
	Item       json.RawMessage   `json:"item,omitempty"`
	History    []json.RawMessage `json:"history,omitempty"`
	Response   *Response         `json:"response,omitempty"`
	Raw        *RawModelEvent    `json:"raw_model_event,omitempty"`
}

// RawModelEvent summarizes a passthrough model event: the inner type plus
// any transcript found in its payload.
type RawModelEvent struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript,omitempty"`
}

// Response carries the finalized-response payload. Only usage matters to
// the bridge; the rest is forwarded opaquely.
type Response struct {
	Usage *Usage          `json:"usage,omitempty"`
	Rest  json.RawMessage `json:"-"`
}

// MarshalJSON forwards the original response body when one was captured,
// so the client sees what the engine sent.
func (r *Response) MarshalJSON() ([]byte, error) {
	if len(r.Rest) > 0 {
		return r.Rest, nil
	}
	type alias Response
	return json.Marshal((*alias)(r))
}

// Usage is the engine's token accounting for a finalized response.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Session is one live engine conversation. Implementations are safe for
// concurrent use; all methods honor ctx cancellation.
type Session interface {
	// SendAudio appends raw PCM bytes to the engine's input buffer.
	SendAudio(ctx context.Context, pcm []byte) error

	// SendUserText submits a typed user utterance and requests a response.
	SendUserText(ctx context.Context, text string) error

	// SendRawEvent forwards an arbitrary client event to the engine.
	SendRawEvent(ctx context.Context, eventType string, fields map[string]any) error

	// Interrupt cancels the engine's in-progress response.
	Interrupt(ctx context.Context) error

	// Events returns the normalized event stream. The channel closes when
	// the engine connection ends; check Err afterwards.
	Events() <-chan Event

	// Err reports the terminal stream error, if any. Valid once Events
	// is closed.
	Err() error

	// Close tears the connection down. Idempotent.
	Close() error
}

// Dialer opens engine sessions. The bridge holds one Dialer and dials
// lazily per connection.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}
