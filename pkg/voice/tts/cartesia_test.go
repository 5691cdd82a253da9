package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestCartesiaName(t *testing.T) {
	if got := NewCartesia("key").Name(); got != "cartesia" {
		t.Fatalf("name = %q, want cartesia", got)
	}
}

func TestBuildOutputFormat(t *testing.T) {
	def := buildOutputFormat(0)
	if def.Container != "raw" || def.Encoding != "pcm_s16le" || def.SampleRate != 24000 {
		t.Fatalf("default format = %#v, want raw/pcm_s16le/24000", def)
	}
	if got := buildOutputFormat(16000); got.SampleRate != 16000 {
		t.Fatalf("sample rate = %d, want 16000", got.SampleRate)
	}
}

func TestNextContextIDMonotonic(t *testing.T) {
	a, b := nextContextID(), nextContextID()
	if a == b {
		t.Fatalf("context IDs should differ, got %q twice", a)
	}
}

// fakeCartesia serves one generation request, returning the configured
// chunks followed by a done message.
func fakeCartesia(t *testing.T, chunks [][]byte) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("api_key") == "" {
			http.Error(w, "missing api key", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var req cartesiaWSRequest
		if err := conn.ReadJSON(&req); err != nil {
			t.Errorf("read request: %v", err)
			return
		}
		if req.Transcript == "" || req.ModelID == "" {
			t.Errorf("incomplete request: %+v", req)
		}
		if req.OutputFormat.Encoding != "pcm_s16le" {
			t.Errorf("encoding = %q, want pcm_s16le", req.OutputFormat.Encoding)
		}

		for _, chunk := range chunks {
			msg := cartesiaWSResponse{Type: "chunk", Data: base64.StdEncoding.EncodeToString(chunk)}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
		conn.WriteJSON(cartesiaWSResponse{Type: "done"})
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSynthesizeStreamDeliversChunks(t *testing.T) {
	want := [][]byte{{1, 2, 3}, {4, 5}, {6}}
	srv := fakeCartesia(t, want)
	defer srv.Close()

	p := NewCartesiaWithEndpoint("test-key", wsURL(srv))
	stream, err := p.SynthesizeStream(context.Background(), "hello world", SynthesizeOptions{Voice: "v1"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	defer stream.Close()

	var got [][]byte
	for chunk := range stream.Chunks() {
		got = append(got, chunk)
	}
	if err := stream.Err(); err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("chunks = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Fatalf("chunk[%d] = %x, want %x", i, got[i], want[i])
		}
	}
}

func TestSynthesizeStreamCancellation(t *testing.T) {
	upgrader := websocket.Upgrader{}
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var req cartesiaWSRequest
		conn.ReadJSON(&req)
		// Never send audio; hold the connection open.
		<-blocked
	}))
	defer srv.Close()
	defer close(blocked)

	ctx, cancel := context.WithCancel(context.Background())
	p := NewCartesiaWithEndpoint("test-key", wsURL(srv))
	stream, err := p.SynthesizeStream(ctx, "hello", SynthesizeOptions{Voice: "v1"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	defer stream.Close()

	cancel()
	stream.Close()

	select {
	case _, ok := <-stream.Chunks():
		if ok {
			t.Fatal("unexpected audio after cancellation")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not terminate after cancellation")
	}
}

func TestSynthesizeStreamPropagatesProviderError(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var req cartesiaWSRequest
		conn.ReadJSON(&req)
		conn.WriteJSON(cartesiaWSResponse{Type: "error", Error: "invalid voice"})
	}))
	defer srv.Close()

	p := NewCartesiaWithEndpoint("test-key", wsURL(srv))
	stream, err := p.SynthesizeStream(context.Background(), "hello", SynthesizeOptions{Voice: "bogus"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	defer stream.Close()

	for range stream.Chunks() {
	}
	if err := stream.Err(); err == nil || !strings.Contains(err.Error(), "invalid voice") {
		t.Fatalf("err = %v, want provider error", err)
	}
}
