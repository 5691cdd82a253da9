package session

import "github.com/gorilla/websocket"

// startPump lazily launches the inbound audio pump. Like the writer, at
// most one pump ever exists per connection.
func (m *Manager) startPump(c *Conn) {
	c.pumpOnce.Do(func() {
		go func() {
			defer close(c.pumpDone)
			err := m.pumpLoop(c)
			if err != nil {
				m.log.Info("audio pump stopped", "session_id", c.ID, "error", err)
			}
			if !c.closed.Load() {
				go m.Disconnect(c.ID, websocket.CloseNormalClosure, "")
			}
		}()
	})
}

// pumpLoop forwards queued audio frames to the engine in order, one at a
// time. Frames are never dropped; the bounded queue pushes back on the
// producer instead.
func (m *Manager) pumpLoop(c *Conn) error {
	for {
		select {
		case <-c.ctx.Done():
			return nil
		case pcm := <-c.inboundAudio:
			engine, err := m.ensureEngine(c)
			if err != nil {
				return err
			}
			if err := engine.SendAudio(c.ctx, pcm); err != nil {
				return err
			}
		}
	}
}
