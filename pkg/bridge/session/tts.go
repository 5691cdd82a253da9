package session

import (
	"context"
	"time"

	"github.com/voicebridge-io/voicebridge/pkg/bridge/protocol"
	"github.com/voicebridge-io/voicebridge/pkg/voice/tts"
)

// startSynthesis cancels any in-flight synthesis for the connection and
// launches a new stream for the finalized transcript. speechEnd and
// ttsReady are captured at trigger time so the relay never reads turn
// state concurrently with the dispatch path.
func (m *Manager) startSynthesis(c *Conn, transcript string, speechEnd, ttsReady time.Time) {
	if m.tts == nil {
		return
	}
	c.stopSynthesis()

	ctx, cancel := context.WithCancel(c.ctx)
	done := make(chan struct{})
	c.setSynthesis(cancel, done)

	go func() {
		defer close(done)
		defer cancel()
		m.streamSynthesis(ctx, c, transcript, speechEnd, ttsReady)
	}()
}

// streamSynthesis relays synthesized audio to the client in fixed-size
// frames. The audio-start notice and every audio frame are enqueued
// blocking: dropping audio corrupts playback. Synthesis faults are local;
// they are reported best-effort and never tear the session down.
func (m *Manager) streamSynthesis(ctx context.Context, c *Conn, transcript string, speechEnd, ttsReady time.Time) {
	start := m.now()

	m.startWriter(c)
	if !c.enqueue(ctx, outgoingMessage{kind: outText, data: []byte(`{"type":"audio_start"}`)}, false) {
		return
	}

	stream, err := m.tts.SynthesizeStream(ctx, transcript, tts.SynthesizeOptions{
		Voice:      m.cfg.CartesiaVoiceID,
		Model:      m.cfg.CartesiaModelID,
		SampleRate: m.cfg.TTSSampleRate,
	})
	if err != nil {
		m.log.Error("synthesis start failed", "session_id", c.ID, "error", err)
		m.met.Error("tts")
		m.notifyError(ctx, c, "speech synthesis unavailable")
		return
	}
	defer stream.Close()

	chunkBytes := m.cfg.TTSChunkBytes
	if chunkBytes <= 0 {
		chunkBytes = 4096
	}

	buf := make([]byte, 0, chunkBytes*2)
	firstFrameSent := false

	flush := func(frame []byte) bool {
		if !c.enqueue(ctx, outgoingMessage{kind: outBinary, data: frame}, false) {
			return false
		}
		m.met.AudioBytes("out", len(frame))
		if !firstFrameSent {
			firstFrameSent = true
			m.emitFirstFrameMetrics(ctx, c, speechEnd, ttsReady)
		}
		return true
	}

	for chunk := range stream.Chunks() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if len(chunk) == 0 {
			continue
		}
		buf = append(buf, chunk...)
		for len(buf) >= chunkBytes {
			frame := make([]byte, chunkBytes)
			copy(frame, buf[:chunkBytes])
			buf = buf[chunkBytes:]
			if !flush(frame) {
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			m.log.Info("synthesis cancelled", "session_id", c.ID)
			return
		}
		m.log.Error("synthesis stream failed", "session_id", c.ID, "error", err)
		m.met.Error("tts")
		m.notifyError(ctx, c, "speech synthesis failed")
		return
	}

	// Leftover partial frame flushes on clean completion.
	if len(buf) > 0 {
		frame := make([]byte, len(buf))
		copy(frame, buf)
		flush(frame)
	}

	m.log.Debug("synthesis complete",
		"session_id", c.ID,
		"elapsed_ms", roundMs(m.now().Sub(start)))
}

// emitFirstFrameMetrics reports turn latency (speech end to first audio)
// and synthesis latency (transcript ready to first audio) once per stream.
func (m *Manager) emitFirstFrameMetrics(ctx context.Context, c *Conn, speechEnd, ttsReady time.Time) {
	now := m.now()
	data := make(map[string]float64, 2)
	if !speechEnd.IsZero() {
		data["turn"] = roundMs(now.Sub(speechEnd))
		m.met.TurnLatency(now.Sub(speechEnd))
	}
	if !ttsReady.IsZero() {
		data["tts"] = roundMs(now.Sub(ttsReady))
		m.met.TTSFirstFrame(now.Sub(ttsReady))
	}
	payload, err := protocol.NewMetricsMessage(data)
	if err != nil || payload == nil {
		return
	}
	if !c.enqueue(ctx, outgoingMessage{kind: outText, data: payload}, true) {
		m.met.Dropped("metrics")
	}
}

// notifyError sends a best-effort error message to the client.
func (m *Manager) notifyError(ctx context.Context, c *Conn, text string) {
	payload, err := protocol.NewErrorMessage(text)
	if err != nil {
		return
	}
	c.enqueue(ctx, outgoingMessage{kind: outText, data: payload}, true)
}
