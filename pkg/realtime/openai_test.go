package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeEngine upgrades one connection, records inbound messages, and lets
// the test push events back.
type fakeEngine struct {
	srv      *httptest.Server
	inbound  chan map[string]any
	outbound chan any
}

func newFakeEngine(t *testing.T) *fakeEngine {
	t.Helper()
	fe := &fakeEngine{
		inbound:  make(chan map[string]any, 32),
		outbound: make(chan any, 32),
	}
	upgrader := websocket.Upgrader{}
	fe.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		go func() {
			for msg := range fe.outbound {
				if conn.WriteJSON(msg) != nil {
					return
				}
			}
		}()

		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			fe.inbound <- msg
		}
	}))
	t.Cleanup(fe.srv.Close)
	return fe
}

func (fe *fakeEngine) url() string {
	return "ws" + strings.TrimPrefix(fe.srv.URL, "http")
}

func (fe *fakeEngine) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case msg := <-fe.inbound:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound engine message")
		return nil
	}
}

func dialTestSession(t *testing.T, fe *fakeEngine) Session {
	t.Helper()
	d := NewOpenAIDialer(fe.url(), "test-key", "whisper-1")
	sess, err := d.Dial(context.Background())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { sess.Close() })
	return sess
}

func TestDialSendsSessionConfig(t *testing.T) {
	fe := newFakeEngine(t)
	dialTestSession(t, fe)

	msg := fe.next(t)
	if msg["type"] != "session.update" {
		t.Fatalf("first message type = %v, want session.update", msg["type"])
	}
	session := msg["session"].(map[string]any)
	td := session["turn_detection"].(map[string]any)
	if td["type"] != "server_vad" {
		t.Fatalf("turn detection = %+v", td)
	}
	transcription := session["input_audio_transcription"].(map[string]any)
	if transcription["model"] != "whisper-1" {
		t.Fatalf("transcription = %+v", transcription)
	}
}

func TestSendAudioEncodesBase64(t *testing.T) {
	fe := newFakeEngine(t)
	sess := dialTestSession(t, fe)
	fe.next(t) // session.update

	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	if err := sess.SendAudio(context.Background(), pcm); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	msg := fe.next(t)
	if msg["type"] != "input_audio_buffer.append" {
		t.Fatalf("type = %v", msg["type"])
	}
	decoded, err := base64.StdEncoding.DecodeString(msg["audio"].(string))
	if err != nil || string(decoded) != string(pcm) {
		t.Fatalf("audio = %v (%v)", msg["audio"], err)
	}
}

func TestSendUserTextCreatesItemThenResponse(t *testing.T) {
	fe := newFakeEngine(t)
	sess := dialTestSession(t, fe)
	fe.next(t) // session.update

	if err := sess.SendUserText(context.Background(), "hello"); err != nil {
		t.Fatalf("send text: %v", err)
	}
	first := fe.next(t)
	if first["type"] != "conversation.item.create" {
		t.Fatalf("first = %v", first["type"])
	}
	raw, _ := json.Marshal(first)
	if !strings.Contains(string(raw), `"text":"hello"`) {
		t.Fatalf("utterance missing: %s", raw)
	}
	second := fe.next(t)
	if second["type"] != "response.create" {
		t.Fatalf("second = %v", second["type"])
	}
}

func TestInterruptSendsResponseCancel(t *testing.T) {
	fe := newFakeEngine(t)
	sess := dialTestSession(t, fe)
	fe.next(t) // session.update

	if err := sess.Interrupt(context.Background()); err != nil {
		t.Fatalf("interrupt: %v", err)
	}
	if msg := fe.next(t); msg["type"] != "response.cancel" {
		t.Fatalf("type = %v", msg["type"])
	}
}

func TestSendRawEventMergesFields(t *testing.T) {
	fe := newFakeEngine(t)
	sess := dialTestSession(t, fe)
	fe.next(t) // session.update

	err := sess.SendRawEvent(context.Background(), "input_audio_buffer.commit", map[string]any{"reason": "manual"})
	if err != nil {
		t.Fatalf("send raw: %v", err)
	}
	msg := fe.next(t)
	if msg["type"] != "input_audio_buffer.commit" || msg["reason"] != "manual" {
		t.Fatalf("got %+v", msg)
	}
}

func TestEventsStreamNormalizes(t *testing.T) {
	fe := newFakeEngine(t)
	sess := dialTestSession(t, fe)
	fe.next(t) // session.update

	fe.outbound <- map[string]any{"type": "agent_start", "agent": map[string]any{"name": "concierge"}}

	select {
	case ev := <-sess.Events():
		if ev.Type != "agent_start" || ev.Agent != "concierge" {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}

func TestCloseIsIdempotentAndEndsStream(t *testing.T) {
	fe := newFakeEngine(t)
	sess := dialTestSession(t, fe)
	fe.next(t) // session.update

	if err := sess.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	select {
	case _, ok := <-sess.Events():
		if ok {
			t.Fatal("expected closed event channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event channel did not close")
	}
	if err := sess.SendAudio(context.Background(), []byte{1}); err == nil {
		t.Fatal("send after close should fail")
	}
}
