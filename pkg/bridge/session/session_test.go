package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/voicebridge-io/voicebridge/pkg/bridge/config"
	"github.com/voicebridge-io/voicebridge/pkg/bridge/metrics"
	"github.com/voicebridge-io/voicebridge/pkg/realtime"
	"github.com/voicebridge-io/voicebridge/pkg/voice/tts"
)

type recordedWrite struct {
	messageType int
	data        string
	control     bool
}

// fakeWS records every transport operation the writer performs.
type fakeWS struct {
	mu       sync.Mutex
	writes   []recordedWrite
	closes   int
	writeErr error
}

func (f *fakeWS) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeWS) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, recordedWrite{messageType: messageType, data: string(data)})
	return nil
}

func (f *fakeWS) WriteControl(messageType int, data []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, recordedWrite{messageType: messageType, data: string(data), control: true})
	return nil
}

func (f *fakeWS) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeWS) snapshot() []recordedWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedWrite, len(f.writes))
	copy(out, f.writes)
	return out
}

// dataWrites filters out control frames (pings, closes).
func (f *fakeWS) dataWrites() []recordedWrite {
	var out []recordedWrite
	for _, w := range f.snapshot() {
		if !w.control {
			out = append(out, w)
		}
	}
	return out
}

func (f *fakeWS) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// fakeEngine is an in-memory realtime.Session.
type fakeEngine struct {
	mu         sync.Mutex
	audio      [][]byte
	texts      []string
	rawEvents  []string
	interrupts int

	events    chan realtime.Event
	err       error
	closeOnce sync.Once
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{events: make(chan realtime.Event, 32)}
}

func (f *fakeEngine) SendAudio(_ context.Context, pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	f.audio = append(f.audio, buf)
	return nil
}

func (f *fakeEngine) SendUserText(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeEngine) SendRawEvent(_ context.Context, eventType string, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rawEvents = append(f.rawEvents, eventType)
	return nil
}

func (f *fakeEngine) Interrupt(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts++
	return nil
}

func (f *fakeEngine) Events() <-chan realtime.Event { return f.events }

func (f *fakeEngine) Err() error { return f.err }

func (f *fakeEngine) Close() error {
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

func (f *fakeEngine) audioFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.audio))
	copy(out, f.audio)
	return out
}

type fakeDialer struct {
	mu     sync.Mutex
	engine *fakeEngine
	err    error
	dials  int
}

func (d *fakeDialer) Dial(context.Context) (realtime.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	d.dials++
	return d.engine, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// fakeTTS emits the configured chunks, or holds the stream open until
// cancellation when hold is set.
type fakeTTS struct {
	mu        sync.Mutex
	chunks    [][]byte
	hold      bool
	dialErr   error
	streamErr error
	ctxs      []context.Context
}

func (f *fakeTTS) Name() string { return "fake" }

func (f *fakeTTS) SynthesizeStream(ctx context.Context, _ string, _ tts.SynthesizeOptions) (*tts.SynthesisStream, error) {
	f.mu.Lock()
	if f.dialErr != nil {
		err := f.dialErr
		f.mu.Unlock()
		return nil, err
	}
	f.ctxs = append(f.ctxs, ctx)
	chunks := f.chunks
	hold := f.hold
	streamErr := f.streamErr
	f.mu.Unlock()

	s := tts.NewSynthesisStream()
	go func() {
		defer s.FinishSending()
		for _, chunk := range chunks {
			if !s.Send(chunk) {
				return
			}
		}
		if streamErr != nil {
			s.SetError(streamErr)
			return
		}
		if hold {
			<-ctx.Done()
			s.SetError(ctx.Err())
		}
	}()
	return s, nil
}

func (f *fakeTTS) startedContexts() []context.Context {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]context.Context, len(f.ctxs))
	copy(out, f.ctxs)
	return out
}

func testConfig() config.Config {
	return config.Config{
		OutgoingQueueMax: 64,
		InboundAudioMax:  8,
		TTSChunkBytes:    4096,
		WSWriteTimeout:   time.Second,
		WSPingInterval:   time.Hour,
		CartesiaVoiceID:  "voice-1",
		CartesiaModelID:  "sonic-3",
		TTSSampleRate:    24000,
	}
}

func testManager(t *testing.T, dialer realtime.Dialer, ttsProvider tts.Provider) *Manager {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager(testConfig(), log, metrics.New("test"), dialer, ttsProvider)
	t.Cleanup(m.Close)
	return m
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func closeCode(data string) int {
	if len(data) < 2 {
		return -1
	}
	return int(data[0])<<8 | int(data[1])
}

var _ wsConn = (*fakeWS)(nil)
var _ realtime.Session = (*fakeEngine)(nil)
var _ realtime.Dialer = (*fakeDialer)(nil)
var _ tts.Provider = (*fakeTTS)(nil)
