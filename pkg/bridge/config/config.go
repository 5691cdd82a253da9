package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries all process configuration, loaded from the environment.
type Config struct {
	Addr string

	// CORS allowlist for the websocket upgrade Origin check. Empty => same-origin only.
	CORSAllowedOrigins map[string]struct{}

	// Realtime conversation engine (opaque duplex event channel).
	RealtimeURL        string
	RealtimeAPIKey     string
	TranscriptionModel string

	// Speech synthesis engine.
	CartesiaAPIKey  string
	CartesiaVoiceID string
	CartesiaModelID string
	TTSSampleRate   int

	// Per-connection queue tunables.
	OutgoingQueueMax int
	InboundAudioMax  int
	TTSChunkBytes    int

	// Transport limits and timings.
	MaxMessageBytes     int64
	WSWriteTimeout      time.Duration
	WSPingInterval      time.Duration
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

// LoadFromEnv builds a Config from VOICEBRIDGE_* environment variables,
// applying defaults and validating ranges.
func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("VOICEBRIDGE_ADDR", ":8001"),
		CORSAllowedOrigins:  make(map[string]struct{}),
		RealtimeURL:         strings.TrimSpace(os.Getenv("VOICEBRIDGE_REALTIME_URL")),
		RealtimeAPIKey:      strings.TrimSpace(os.Getenv("VOICEBRIDGE_REALTIME_API_KEY")),
		TranscriptionModel:  envOr("VOICEBRIDGE_TRANSCRIPTION_MODEL", "gpt-4o-transcribe"),
		CartesiaAPIKey:      strings.TrimSpace(os.Getenv("CARTESIA_API_KEY")),
		CartesiaVoiceID:     envOr("VOICEBRIDGE_CARTESIA_VOICE_ID", "6ccbfb76-1fc6-48f7-b71d-91ac6298247b"),
		CartesiaModelID:     envOr("VOICEBRIDGE_CARTESIA_MODEL_ID", "sonic-3"),
		TTSSampleRate:       envIntOr("VOICEBRIDGE_TTS_SAMPLE_RATE", 24000),
		OutgoingQueueMax:    envIntOr("VOICEBRIDGE_OUTGOING_QUEUE_MAX", 512),
		InboundAudioMax:     envIntOr("VOICEBRIDGE_INBOUND_AUDIO_MAX", 32),
		TTSChunkBytes:       envIntOr("VOICEBRIDGE_TTS_CHUNK_BYTES", 4096),
		MaxMessageBytes:     envInt64Or("VOICEBRIDGE_MAX_MESSAGE_BYTES", 16<<20), // 16 MiB
		WSWriteTimeout:      envDurationOr("VOICEBRIDGE_WS_WRITE_TIMEOUT", 5*time.Second),
		WSPingInterval:      envDurationOr("VOICEBRIDGE_WS_PING_INTERVAL", 20*time.Second),
		ReadHeaderTimeout:   envDurationOr("VOICEBRIDGE_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod: envDurationOr("VOICEBRIDGE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	for _, origin := range splitCSV(os.Getenv("VOICEBRIDGE_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if cfg.OutgoingQueueMax <= 0 {
		return Config{}, fmt.Errorf("VOICEBRIDGE_OUTGOING_QUEUE_MAX must be > 0")
	}
	if cfg.InboundAudioMax <= 0 {
		return Config{}, fmt.Errorf("VOICEBRIDGE_INBOUND_AUDIO_MAX must be > 0")
	}
	if cfg.TTSChunkBytes <= 0 {
		return Config{}, fmt.Errorf("VOICEBRIDGE_TTS_CHUNK_BYTES must be > 0")
	}
	if cfg.TTSSampleRate <= 0 {
		return Config{}, fmt.Errorf("VOICEBRIDGE_TTS_SAMPLE_RATE must be > 0")
	}
	if cfg.MaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("VOICEBRIDGE_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEBRIDGE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("VOICEBRIDGE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEBRIDGE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VOICEBRIDGE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

// Ready reports whether the external collaborators are configured. The
// process can serve health checks without them, but cannot bridge sessions.
func (c Config) Ready() error {
	if c.RealtimeURL == "" {
		return fmt.Errorf("VOICEBRIDGE_REALTIME_URL is not set")
	}
	if c.RealtimeAPIKey == "" {
		return fmt.Errorf("VOICEBRIDGE_REALTIME_API_KEY is not set")
	}
	if c.CartesiaAPIKey == "" {
		return fmt.Errorf("CARTESIA_API_KEY is not set")
	}
	return nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
