package tts

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

const (
	cartesiaWSURL   = "wss://api.cartesia.ai/tts/websocket"
	cartesiaVersion = "2025-04-16"

	defaultModelID    = "sonic-3"
	defaultSampleRate = 24000
)

// CartesiaProvider implements Provider against Cartesia's websocket TTS API.
// Output is always raw pcm_s16le so the bridge can forward frames untouched.
type CartesiaProvider struct {
	apiKey string
	wsURL  string
	dialer *websocket.Dialer
}

// NewCartesia creates a Cartesia TTS provider.
func NewCartesia(apiKey string) *CartesiaProvider {
	return &CartesiaProvider{
		apiKey: apiKey,
		wsURL:  cartesiaWSURL,
		dialer: websocket.DefaultDialer,
	}
}

// NewCartesiaWithEndpoint creates a provider against a custom endpoint.
// Used in tests against a local websocket server.
func NewCartesiaWithEndpoint(apiKey, wsURL string) *CartesiaProvider {
	p := NewCartesia(apiKey)
	p.wsURL = wsURL
	return p
}

// Name returns the provider identifier.
func (c *CartesiaProvider) Name() string {
	return "cartesia"
}

// SynthesizeStream opens a websocket generation, sends the transcript, and
// streams decoded PCM chunks until the provider reports done.
func (c *CartesiaProvider) SynthesizeStream(ctx context.Context, text string, opts SynthesizeOptions) (*SynthesisStream, error) {
	u, err := url.Parse(c.wsURL)
	if err != nil {
		return nil, fmt.Errorf("parse websocket URL: %w", err)
	}
	q := u.Query()
	q.Set("api_key", c.apiKey)
	q.Set("cartesia_version", cartesiaVersion)
	u.RawQuery = q.Encode()

	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("websocket connect: %w", err)
	}

	req := cartesiaWSRequest{
		ModelID:    opts.Model,
		Transcript: text,
		Voice: cartesiaVoiceSpec{
			Mode: "id",
			ID:   opts.Voice,
		},
		OutputFormat: buildOutputFormat(opts.SampleRate),
		ContextID:    nextContextID(),
	}
	if req.ModelID == "" {
		req.ModelID = defaultModelID
	}
	if opts.Language != "" {
		req.Language = &opts.Language
	}

	if err := conn.WriteJSON(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send request: %w", err)
	}

	stream := NewSynthesisStream()

	go func() {
		defer stream.FinishSending()
		defer conn.Close()

		for {
			select {
			case <-ctx.Done():
				stream.SetError(ctx.Err())
				return
			case <-stream.Done():
				return
			default:
			}

			var msg cartesiaWSResponse
			if err := conn.ReadJSON(&msg); err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					return
				}
				stream.SetError(err)
				return
			}

			switch msg.Type {
			case "chunk":
				audio, err := base64.StdEncoding.DecodeString(msg.Data)
				if err != nil {
					stream.SetError(fmt.Errorf("decode audio: %w", err))
					return
				}
				if !stream.Send(audio) {
					return
				}

			case "done":
				return

			case "error":
				stream.SetError(fmt.Errorf("cartesia error: %s", msg.Error))
				return
			}
		}
	}()

	return stream, nil
}

func buildOutputFormat(sampleRate int) cartesiaOutputFormat {
	if sampleRate == 0 {
		sampleRate = defaultSampleRate
	}
	return cartesiaOutputFormat{
		Container:  "raw",
		Encoding:   "pcm_s16le",
		SampleRate: sampleRate,
	}
}

type cartesiaWSRequest struct {
	ModelID      string               `json:"model_id"`
	Transcript   string               `json:"transcript"`
	Voice        cartesiaVoiceSpec    `json:"voice"`
	OutputFormat cartesiaOutputFormat `json:"output_format"`
	ContextID    string               `json:"context_id,omitempty"`
	Language     *string              `json:"language,omitempty"`
}

type cartesiaVoiceSpec struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type cartesiaWSResponse struct {
	Type       string `json:"type"` // "chunk", "done", "error"
	Data       string `json:"data,omitempty"`
	Error      string `json:"error,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
}

var contextCounter atomic.Uint64

func nextContextID() string {
	return fmt.Sprintf("ctx_%d", contextCounter.Add(1))
}
