// Package tts provides streaming text-to-speech for the voice bridge.
package tts

import (
	"context"
	"sync"
)

// Provider is the interface for streaming TTS engines.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// SynthesizeStream converts text to a stream of raw PCM audio chunks.
	// The stream is ended by the provider; cancelling ctx aborts synthesis.
	SynthesizeStream(ctx context.Context, text string, opts SynthesizeOptions) (*SynthesisStream, error)
}

// SynthesizeOptions configures a synthesis request.
type SynthesizeOptions struct {
	Voice      string // provider voice identifier
	Model      string // provider model identifier
	Language   string // language code, provider default when empty
	SampleRate int    // output sample rate in Hz, 24000 when zero
}

// SynthesisStream delivers synthesized audio as it is generated. Chunk sizes
// are whatever the provider emits; callers reframe as needed.
type SynthesisStream struct {
	chunks chan []byte

	mu  sync.Mutex
	err error

	done      chan struct{}
	closeOnce sync.Once
}

// NewSynthesisStream creates an empty stream for a provider to feed.
func NewSynthesisStream() *SynthesisStream {
	return &SynthesisStream{
		chunks: make(chan []byte, 100),
		done:   make(chan struct{}),
	}
}

// Chunks returns the channel of audio chunks. It is closed when synthesis
// finishes or fails; check Err after it closes.
func (s *SynthesisStream) Chunks() <-chan []byte {
	return s.chunks
}

// Err returns the terminal error, if any. Valid once Chunks is closed.
func (s *SynthesisStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close abandons the stream. Safe to call multiple times and concurrently
// with the provider's read loop.
func (s *SynthesisStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// Done reports abandonment to the provider's read loop.
func (s *SynthesisStream) Done() <-chan struct{} {
	return s.done
}

// Send delivers a chunk. Returns false once the stream is abandoned.
func (s *SynthesisStream) Send(chunk []byte) bool {
	select {
	case s.chunks <- chunk:
		return true
	case <-s.done:
		return false
	}
}

// SetError records a terminal error.
func (s *SynthesisStream) SetError(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// FinishSending closes the chunk channel. Provider side only.
func (s *SynthesisStream) FinishSending() {
	close(s.chunks)
}
