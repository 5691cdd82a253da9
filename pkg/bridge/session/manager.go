package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicebridge-io/voicebridge/pkg/bridge/config"
	"github.com/voicebridge-io/voicebridge/pkg/bridge/metrics"
	"github.com/voicebridge-io/voicebridge/pkg/realtime"
	"github.com/voicebridge-io/voicebridge/pkg/voice/tts"
)

// taskStopTimeout bounds how long Disconnect waits for each per-connection
// task to wind down before moving on.
const taskStopTimeout = 3 * time.Second

// CloseReplaced is sent when a new connection takes over a session id.
const CloseReplaced = 1012

// Manager owns the registry of live connections. It is the composition
// root for the per-connection tasks; everything else here operates on one
// connection at a time.
type Manager struct {
	cfg config.Config
	log *slog.Logger
	met *metrics.Metrics

	dialer realtime.Dialer
	tts    tts.Provider

	now func() time.Time

	mu    sync.Mutex
	conns map[string]*Conn
}

// NewManager creates a connection manager. dialer and ttsProvider may be
// nil in tests; a nil ttsProvider disables synthesis.
func NewManager(cfg config.Config, log *slog.Logger, met *metrics.Metrics, dialer realtime.Dialer, ttsProvider tts.Provider) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		log:    log,
		met:    met,
		dialer: dialer,
		tts:    ttsProvider,
		now:    time.Now,
		conns:  make(map[string]*Conn),
	}
}

// Connect registers a client transport under the session id, replacing any
// prior connection with a graceful teardown. The engine session is NOT
// created here; that is deferred to first use.
func (m *Manager) Connect(ws wsConn, sessionID string) *Conn {
	m.mu.Lock()
	_, exists := m.conns[sessionID]
	m.mu.Unlock()
	if exists {
		m.Disconnect(sessionID, CloseReplaced, "replaced")
	}

	outgoingMax := m.cfg.OutgoingQueueMax
	if outgoingMax <= 0 {
		outgoingMax = 512
	}
	inboundMax := m.cfg.InboundAudioMax
	if inboundMax <= 0 {
		inboundMax = 32
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ID:           sessionID,
		CreatedAt:    m.now(),
		ws:           ws,
		state:        NewState(sessionID),
		outgoing:     make(chan outgoingMessage, outgoingMax),
		inboundAudio: make(chan []byte, inboundMax),
		ctx:          ctx,
		cancel:       cancel,
		writeTimeout: m.cfg.WSWriteTimeout,
		pingInterval: m.cfg.WSPingInterval,
		writerDone:   make(chan struct{}),
		pumpDone:     make(chan struct{}),
	}

	m.mu.Lock()
	m.conns[sessionID] = c
	m.mu.Unlock()

	m.met.SessionStarted()
	m.log.Info("session connected", "session_id", sessionID)
	return c
}

// Disconnect tears a session down: remove from the registry first so no
// new work can be scheduled, then cancel tasks with bounded wait, close
// the engine session, and close the transport. Idempotent; a second call
// finds the registry empty and returns.
func (m *Manager) Disconnect(sessionID string, code int, reason string) {
	m.mu.Lock()
	c, ok := m.conns[sessionID]
	if ok {
		delete(m.conns, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	c.closed.Store(true)

	awaitStop(c.stopSynthesis())
	c.cancel()

	c.pumpOnce.Do(func() { close(c.pumpDone) })
	awaitStop(c.pumpDone)

	c.engineMu.Lock()
	engine, eventDone := c.engine, c.eventDone
	c.engineMu.Unlock()
	if engine != nil {
		engine.Close()
	}
	awaitStop(eventDone)

	c.writerOnce.Do(func() { close(c.writerDone) })
	awaitStop(c.writerDone)

	deadline := time.Now().Add(c.writeTimeout)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	_ = c.ws.Close()

	c.state.Connected = false
	m.met.SessionEnded(closeStatus(code), m.now().Sub(c.CreatedAt))
	m.log.Info("session disconnected", "session_id", sessionID, "code", code, "reason", reason)
}

// Close tears down every live session. Used at server shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Disconnect(id, websocket.CloseGoingAway, "server shutting down")
	}
}

// ActiveSessions reports the number of registered connections.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

func (m *Manager) conn(sessionID string) *Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[sessionID]
}

// SendJSON enqueues a JSON message for the client. Blocking mode guarantees
// delivery order; drop-if-full sheds load for high-frequency events.
// Returns false when the message was not queued.
func (m *Manager) SendJSON(sessionID string, payload any, dropIfFull bool) bool {
	c := m.conn(sessionID)
	if c == nil || c.closed.Load() {
		return false
	}
	data, err := json.Marshal(payload)
	if err != nil {
		m.log.Error("marshal outbound message", "session_id", sessionID, "error", err)
		return false
	}
	return m.enqueueText(c, data, dropIfFull)
}

// SendBytes enqueues a binary frame for the client, blocking.
func (m *Manager) SendBytes(sessionID string, data []byte) bool {
	c := m.conn(sessionID)
	if c == nil || c.closed.Load() {
		return false
	}
	m.startWriter(c)
	return c.enqueue(c.ctx, outgoingMessage{kind: outBinary, data: data}, false)
}

// EnqueueClose asks the writer to close the transport with the given code.
func (m *Manager) EnqueueClose(sessionID string, code int, reason string) bool {
	c := m.conn(sessionID)
	if c == nil || c.closed.Load() {
		return false
	}
	m.startWriter(c)
	return c.enqueue(c.ctx, outgoingMessage{kind: outClose, code: code, reason: reason}, false)
}

func (m *Manager) enqueueText(c *Conn, data []byte, dropIfFull bool) bool {
	m.startWriter(c)
	ok := c.enqueue(c.ctx, outgoingMessage{kind: outText, data: data}, dropIfFull)
	if !ok && dropIfFull {
		m.met.Dropped("text")
	}
	return ok
}

// SendAudio queues inbound client audio for the engine pump. The queue is
// bounded and blocking: a full queue pushes back on the reader rather than
// dropping frames.
func (m *Manager) SendAudio(sessionID string, pcm []byte) {
	c := m.conn(sessionID)
	if c == nil || c.closed.Load() {
		return
	}
	m.startPump(c)
	select {
	case c.inboundAudio <- pcm:
		m.met.AudioBytes("in", len(pcm))
	case <-c.ctx.Done():
	}
}

// SendUserText submits a typed user utterance to the engine.
func (m *Manager) SendUserText(sessionID, text string) error {
	c := m.conn(sessionID)
	if c == nil || c.closed.Load() {
		return nil
	}
	engine, err := m.ensureEngine(c)
	if err != nil {
		return err
	}
	return engine.SendUserText(c.ctx, text)
}

// SendClientEvent forwards a raw client event to the engine.
func (m *Manager) SendClientEvent(sessionID, eventType string, fields map[string]any) error {
	c := m.conn(sessionID)
	if c == nil || c.closed.Load() {
		return nil
	}
	engine, err := m.ensureEngine(c)
	if err != nil {
		return err
	}
	return engine.SendRawEvent(c.ctx, eventType, fields)
}

// Interrupt cancels the engine's current response. No engine is created if
// one does not exist yet.
func (m *Manager) Interrupt(sessionID string) error {
	c := m.conn(sessionID)
	if c == nil || c.closed.Load() {
		return nil
	}
	c.engineMu.Lock()
	engine := c.engine
	c.engineMu.Unlock()
	if engine == nil {
		return nil
	}
	return engine.Interrupt(c.ctx)
}

// CancelTTS stops any in-flight synthesis for the session.
func (m *Manager) CancelTTS(sessionID string) {
	c := m.conn(sessionID)
	if c == nil || c.closed.Load() {
		return
	}
	c.stopSynthesis()
}

// ensureEngine returns the connection's engine session, dialing it on
// first use. Double-checked under the per-connection lock; the event task
// starts exactly once, with the session.
func (m *Manager) ensureEngine(c *Conn) (realtime.Session, error) {
	c.engineMu.Lock()
	defer c.engineMu.Unlock()
	if c.engine != nil {
		return c.engine, nil
	}
	engine, err := m.dialer.Dial(c.ctx)
	if err != nil {
		return nil, err
	}
	c.engine = engine
	c.eventDone = make(chan struct{})
	go m.processEvents(c, engine)
	return engine, nil
}

// processEvents consumes the engine event stream until it ends. Engine
// stream termination is fatal to the connection.
func (m *Manager) processEvents(c *Conn, engine realtime.Session) {
	defer close(c.eventDone)
	for ev := range engine.Events() {
		m.handleEvent(c, ev)
	}
	if err := engine.Err(); err != nil {
		m.log.Error("engine stream failed", "session_id", c.ID, "error", err)
		m.met.Error("engine")
	}
	if !c.closed.Load() {
		go m.Disconnect(c.ID, websocket.CloseNormalClosure, "")
	}
}

// handleEvent dispatches one engine event: update turn state, then emit in
// order — interruption notice first, then the event itself, then metrics —
// and finally kick off synthesis when a transcript finalized. A failure
// here is contained to this event.
func (m *Manager) handleEvent(c *Conn, ev realtime.Event) {
	res := applyEvent(c.state, ev, m.now())

	if res.cancelSynthesis {
		c.stopSynthesis()
	}
	if res.interrupted {
		// Must reach the client before anything else from this event.
		m.enqueueText(c, []byte(`{"type":"audio_interrupted"}`), false)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		m.log.Error("marshal engine event", "session_id", c.ID, "type", ev.Type, "error", err)
	} else {
		m.enqueueText(c, data, isDroppable(ev.Type))
	}

	if len(res.metrics) > 0 {
		m.emitMetrics(c, res.metrics)
	}
	if ev.Type == "response.done" {
		m.met.Tokens(c.state.InputTokens, c.state.OutputTokens)
		m.met.Cost(res.costDelta)
	}

	if res.synthesize != "" {
		m.startSynthesis(c, res.synthesize, c.state.SpeechEnd, c.state.TTSReady)
	}
}

func (m *Manager) emitMetrics(c *Conn, data map[string]float64) {
	payload, err := json.Marshal(map[string]any{"type": "metrics", "data": data})
	if err != nil {
		return
	}
	if !m.enqueueText(c, payload, true) {
		m.met.Dropped("metrics")
	}
}

// awaitStop waits for a task's done channel with a bounded timeout. A nil
// channel (task never started) returns immediately.
func awaitStop(done <-chan struct{}) {
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(taskStopTimeout):
	}
}

func closeStatus(code int) string {
	switch code {
	case websocket.CloseNormalClosure:
		return "normal"
	case websocket.CloseGoingAway:
		return "going_away"
	case CloseReplaced:
		return "replaced"
	default:
		return "error"
	}
}
