package realtime

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// OpenAIDialer dials OpenAI-compatible realtime endpoints (including Azure
// deployments, which authenticate with an api-key header).
type OpenAIDialer struct {
	URL                string
	APIKey             string
	TranscriptionModel string

	dialer *websocket.Dialer
}

// NewOpenAIDialer creates a dialer for the given realtime endpoint.
func NewOpenAIDialer(url, apiKey, transcriptionModel string) *OpenAIDialer {
	return &OpenAIDialer{
		URL:                url,
		APIKey:             apiKey,
		TranscriptionModel: transcriptionModel,
		dialer:             websocket.DefaultDialer,
	}
}

// Dial opens one engine conversation and configures server-side turn
// detection before returning.
func (d *OpenAIDialer) Dial(ctx context.Context) (Session, error) {
	header := http.Header{}
	if d.APIKey != "" {
		header.Set("Authorization", "Bearer "+d.APIKey)
		header.Set("api-key", d.APIKey)
	}
	header.Set("OpenAI-Beta", "realtime=v1")

	conn, _, err := d.dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		return nil, fmt.Errorf("engine connect: %w", err)
	}

	s := &wsSession{
		conn:   conn,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}

	update := sessionUpdate{
		Type: "session.update",
		Session: sessionConfig{
			TurnDetection: &turnDetection{
				Type:              "server_vad",
				PrefixPaddingMs:   1000,
				SilenceDurationMs: 1000,
				InterruptResponse: true,
				CreateResponse:    true,
			},
			OutputModalities: []string{"text"},
		},
	}
	if d.TranscriptionModel != "" {
		update.Session.InputAudioTranscription = &transcriptionConfig{Model: d.TranscriptionModel}
	}
	if err := s.writeJSON(ctx, update); err != nil {
		conn.Close()
		return nil, fmt.Errorf("engine configure: %w", err)
	}

	go s.readLoop()
	return s, nil
}

// wsSession is a live engine conversation over one websocket. Writes are
// serialized with a mutex; reads happen on a single background goroutine.
type wsSession struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	events chan Event

	mu  sync.Mutex
	err error

	done      chan struct{}
	closeOnce sync.Once
}

func (s *wsSession) SendAudio(ctx context.Context, pcm []byte) error {
	return s.writeJSON(ctx, map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(pcm),
	})
}

func (s *wsSession) SendUserText(ctx context.Context, text string) error {
	item := map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	}
	if err := s.writeJSON(ctx, item); err != nil {
		return err
	}
	return s.writeJSON(ctx, map[string]any{"type": "response.create"})
}

func (s *wsSession) SendRawEvent(ctx context.Context, eventType string, fields map[string]any) error {
	msg := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		msg[k] = v
	}
	msg["type"] = eventType
	return s.writeJSON(ctx, msg)
}

func (s *wsSession) Interrupt(ctx context.Context) error {
	return s.writeJSON(ctx, map[string]any{"type": "response.cancel"})
}

func (s *wsSession) Events() <-chan Event {
	return s.events
}

func (s *wsSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close tears the connection down. Idempotent; the read loop exits on the
// resulting read error.
func (s *wsSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		s.conn.Close()
	})
	return nil
}

func (s *wsSession) writeJSON(ctx context.Context, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-s.done:
		return fmt.Errorf("engine session closed")
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("engine send: %w", err)
	}
	return nil
}

// readLoop normalizes inbound frames until the connection ends. Unparsable
// frames are skipped rather than failing the stream.
func (s *wsSession) readLoop() {
	defer close(s.events)
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			return
		}
		ev, err := Normalize(raw)
		if err != nil {
			continue
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

type sessionUpdate struct {
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

type sessionConfig struct {
	TurnDetection           *turnDetection       `json:"turn_detection,omitempty"`
	InputAudioTranscription *transcriptionConfig `json:"input_audio_transcription,omitempty"`
	OutputModalities        []string             `json:"output_modalities,omitempty"`
}

type turnDetection struct {
	Type              string `json:"type"`
	PrefixPaddingMs   int    `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int    `json:"silence_duration_ms,omitempty"`
	InterruptResponse bool   `json:"interrupt_response,omitempty"`
	CreateResponse    bool   `json:"create_response,omitempty"`
}

type transcriptionConfig struct {
	Model string `json:"model"`
}
