package session

import (
	"time"

	"github.com/gorilla/websocket"
)

// startWriter lazily launches the outbound writer task. At most one writer
// ever exists per connection; it is not recreated after it exits.
func (m *Manager) startWriter(c *Conn) {
	c.writerOnce.Do(func() {
		go func() {
			defer close(c.writerDone)
			err := c.writeLoop()
			if err != nil {
				m.log.Info("writer stopped", "session_id", c.ID, "error", err)
			}
			// A broken writer never leaves a connection half-open.
			if !c.closed.Load() {
				go m.Disconnect(c.ID, websocket.CloseNormalClosure, "")
			}
		}()
	})
}

// writeLoop drains the outgoing queue strictly in order. It is the single
// point of transport writes for the connection. A close-kind message
// performs the close and terminates the task.
func (c *Conn) writeLoop() error {
	pingInterval := c.pingInterval
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	writeTimeout := c.writeTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return nil
		case <-pingTicker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				return err
			}
		case msg := <-c.outgoing:
			deadline := time.Now().Add(writeTimeout)
			switch msg.kind {
			case outText:
				if err := c.ws.SetWriteDeadline(deadline); err != nil {
					return err
				}
				if err := c.ws.WriteMessage(websocket.TextMessage, msg.data); err != nil {
					return err
				}
			case outBinary:
				if err := c.ws.SetWriteDeadline(deadline); err != nil {
					return err
				}
				if err := c.ws.WriteMessage(websocket.BinaryMessage, msg.data); err != nil {
					return err
				}
			case outClose:
				_ = c.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(msg.code, msg.reason), deadline)
				return c.ws.Close()
			}
		}
	}
}
