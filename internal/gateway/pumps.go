package gateway

import (
	"bufio"
	"encoding/json"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/llmgateway/gateway/internal/logging"
)

// readPump reads text frames off the socket and dispatches each to the
// protocol handler until the connection errors or the peer closes. Mirrors
// the teacher's pump_read.go: one read-deadline reset per frame, close frame
// ends the loop.
func (s *Server) readPump(c *Connection) {
	defer logging.RecoverPanic(s.logger, "readPump", map[string]any{"connection_id": c.ID})

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch op {
		case ws.OpText:
			s.dispatch(c, msg)
		case ws.OpClose:
			return
		}
	}
}

// writePump batches frames off the connection's send channel onto the
// socket, and pings on an interval, mirroring the teacher's pump_write.go
// batching discipline.
func (s *Server) writePump(c *Connection) {
	defer logging.RecoverPanic(s.logger, "writePump", map[string]any{"connection_id": c.ID})

	writer := bufio.NewWriter(c.conn)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				wsutil.WriteServerMessage(c.conn, ws.OpClose, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(writer, ws.OpText, frame); err != nil {
				return
			}
			n := len(c.send)
			for i := 0; i < n; i++ {
				frame = <-c.send
				if err := wsutil.WriteServerMessage(writer, ws.OpText, frame); err != nil {
					return
				}
			}
			if err := writer.Flush(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

// send marshals v to JSON and enqueues it on c's write pump. Failures to
// marshal are a programmer error (all wire types are marshalable) and are
// logged rather than propagated, since the caller has no frame to retry.
func (s *Server) send(c *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error().Err(err).Str("connection_id", c.ID).Msg("failed to marshal outgoing frame")
		return
	}
	c.enqueue(data)
}
