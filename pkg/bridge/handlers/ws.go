// Package handlers exposes the HTTP surface of the bridge: the websocket
// endpoint and the health/readiness probes.
package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voicebridge-io/voicebridge/pkg/bridge/config"
	"github.com/voicebridge-io/voicebridge/pkg/bridge/lifecycle"
	"github.com/voicebridge-io/voicebridge/pkg/bridge/protocol"
	"github.com/voicebridge-io/voicebridge/pkg/bridge/session"
)

// WSHandler handles /ws/{session_id} websocket sessions.
type WSHandler struct {
	Config    config.Config
	Logger    *slog.Logger
	Manager   *session.Manager
	Lifecycle *lifecycle.Lifecycle
}

func (h WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.Lifecycle != nil && h.Lifecycle.IsDraining() {
		http.Error(w, "server is draining", http.StatusServiceUnavailable)
		return
	}
	if !h.originAllowed(r) {
		http.Error(w, "origin is not allowed", http.StatusForbidden)
		return
	}

	sessionID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ws"), "/")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if h.Config.MaxMessageBytes > 0 {
		conn.SetReadLimit(h.Config.MaxMessageBytes)
	}

	h.Manager.Connect(conn, sessionID)
	defer h.Manager.Disconnect(sessionID, websocket.CloseNormalClosure, "")

	h.readLoop(sessionID, conn)
}

// readLoop routes inbound frames until the client goes away. Binary frames
// are raw audio; text frames are typed control messages.
func (h WSHandler) readLoop(sessionID string, conn *websocket.Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		if messageType == websocket.BinaryMessage {
			h.Manager.SendAudio(sessionID, data)
			continue
		}
		if messageType != websocket.TextMessage {
			continue
		}

		msg, err := protocol.DecodeClientMessage(data)
		if err != nil {
			h.Logger.Debug("bad client message", "session_id", sessionID, "error", err)
			continue
		}

		switch msg.Type {
		case protocol.TypeAudio:
			h.Manager.SendAudio(sessionID, protocol.PCMFromInt16(msg.Data))

		case protocol.TypeText:
			if msg.Text == "" {
				h.Manager.SendJSON(sessionID, map[string]string{
					"type":  protocol.TypeError,
					"error": "Empty text message.",
				}, true)
				continue
			}
			if err := h.Manager.SendUserText(sessionID, msg.Text); err != nil {
				h.Logger.Error("forward user text", "session_id", sessionID, "error", err)
				return
			}

		case protocol.TypeCommitAudio:
			if err := h.Manager.SendClientEvent(sessionID, "input_audio_buffer.commit", nil); err != nil {
				h.Logger.Error("forward commit", "session_id", sessionID, "error", err)
				return
			}

		case protocol.TypeVADSpeechStart:
			go func() {
				if err := h.Manager.Interrupt(sessionID); err != nil {
					h.Logger.Debug("interrupt failed", "session_id", sessionID, "error", err)
				}
			}()
			h.Manager.CancelTTS(sessionID)

		case protocol.TypeInterrupt:
			go func() {
				if err := h.Manager.Interrupt(sessionID); err != nil {
					h.Logger.Debug("interrupt failed", "session_id", sessionID, "error", err)
				}
			}()

		default:
			// Unknown client message types are ignored.
		}
	}
}

func (h WSHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if len(h.Config.CORSAllowedOrigins) == 0 {
		return false
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}
