package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voicebridge-io/voicebridge/pkg/realtime"
)

// wsConn is the subset of the client websocket the writer needs. Narrowed
// for tests.
type wsConn interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type outKind uint8

const (
	outText outKind = iota
	outBinary
	outClose
)

// outgoingMessage is one queued transport operation: a text frame, a binary
// frame, or a close directive.
type outgoingMessage struct {
	kind   outKind
	data   []byte
	code   int
	reason string
}

// Conn is one client connection. The transport handle is exclusively owned:
// every write goes through the outbound writer task, never directly.
type Conn struct {
	ID        string
	CreatedAt time.Time

	ws    wsConn
	state *State

	outgoing     chan outgoingMessage
	inboundAudio chan []byte

	// Root context for all per-connection tasks; cancelled on disconnect.
	ctx    context.Context
	cancel context.CancelFunc

	writeTimeout time.Duration
	pingInterval time.Duration

	// Lazy engine creation, double-checked under engineMu.
	engineMu  sync.Mutex
	engine    realtime.Session
	eventDone chan struct{}

	writerOnce sync.Once
	writerDone chan struct{}
	pumpOnce   sync.Once
	pumpDone   chan struct{}

	// In-flight synthesis. At most one live at a time.
	ttsMu     sync.Mutex
	ttsCancel context.CancelFunc
	ttsDone   chan struct{}

	closed atomic.Bool
}

// enqueue queues an outbound message. Blocking mode waits for queue space
// (bounded by ctx); drop-if-full mode returns false when the queue is
// saturated. Returns false once the connection is closed.
func (c *Conn) enqueue(ctx context.Context, msg outgoingMessage, dropIfFull bool) bool {
	if c.closed.Load() {
		return false
	}
	if dropIfFull {
		select {
		case c.outgoing <- msg:
			return true
		default:
			return false
		}
	}
	select {
	case c.outgoing <- msg:
		return true
	case <-ctx.Done():
		return false
	case <-c.ctx.Done():
		return false
	}
}

// stopSynthesis cancels the in-flight synthesis task, if any, and returns
// its done channel so callers can bound-wait for it to wind down.
func (c *Conn) stopSynthesis() <-chan struct{} {
	c.ttsMu.Lock()
	defer c.ttsMu.Unlock()
	if c.ttsCancel != nil {
		c.ttsCancel()
		c.ttsCancel = nil
	}
	return c.ttsDone
}

// setSynthesis records a newly started synthesis task.
func (c *Conn) setSynthesis(cancel context.CancelFunc, done chan struct{}) {
	c.ttsMu.Lock()
	c.ttsCancel = cancel
	c.ttsDone = done
	c.ttsMu.Unlock()
}
