package gateway

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gobwas/ws"

	"github.com/llmgateway/gateway/internal/logging"
	"github.com/llmgateway/gateway/internal/metrics"
	"github.com/llmgateway/gateway/internal/wire"
)

// handleUpgrade is the /ws entry point. Admission (C13) is consulted before
// any WebSocket handshake is attempted: a rejection here is a plain HTTP
// status, never a wire frame, because no Connection exists yet.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	clientIP := clientIPFromRequest(r)

	if accept, reason := s.guard.Allow(clientIP); !accept {
		metrics.ConnectionsRejected.WithLabelValues(reason).Inc()
		s.logger.Warn().Str("client_ip", clientIP).Str("reason", reason).Msg("connection admission rejected")
		status := http.StatusTooManyRequests
		if reason == "at max connections" || reason == "CPU over threshold" || reason == "goroutine limit exceeded" {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, reason, status)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		metrics.ConnectionsRejected.WithLabelValues("upgrade_failed").Inc()
		s.logger.Error().Err(err).Str("client_ip", clientIP).Msg("websocket upgrade failed")
		return
	}

	c := newConnection(newConnectionID(), conn, clientIP)
	s.trackConnection(c)

	s.wg.Add(1)
	go s.runConnection(c)
}

// runConnection drives one connection from NEW through its state machine to
// CLOSED: issue the challenge, start the auth deadline, then pump reads and
// writes until the socket dies.
func (s *Server) runConnection(c *Connection) {
	defer s.wg.Done()
	defer logging.RecoverPanic(s.logger, "runConnection", map[string]any{"connection_id": c.ID})
	defer s.teardown(c)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.writePump(c)
	}()

	challengeVal, err := s.challenge.Issue(c.ID)
	if err != nil {
		s.logger.Error().Err(err).Str("connection_id", c.ID).Msg("failed to issue challenge")
		s.closeConnection(c, uint16(wire.CloseServerError), "server_error")
		return
	}
	c.setState(stateAwaitingSignature)
	c.mu.Lock()
	c.challenge = challengeVal
	c.mu.Unlock()

	s.send(c, wire.ChallengeMsg{Type: wire.TypeChallenge, Timestamp: nowMillis(), Challenge: challengeVal})

	c.mu.Lock()
	c.authTimer = time.AfterFunc(s.cfg.AuthTimeout(), func() {
		s.onAuthTimeout(c)
	})
	c.mu.Unlock()

	s.readPump(c)
}

func (s *Server) onAuthTimeout(c *Connection) {
	if c.isAuthenticated() {
		return
	}
	s.send(c, wire.ErrorMsg{
		Type:      wire.TypeError,
		Timestamp: nowMillis(),
		Error:     "Authentication timeout",
		Code:      wire.ErrAuthenticationTimeout,
	})
	s.closeConnection(c, uint16(wire.CloseAuthTimeout), "authentication_timeout")
}

// teardown cancels every generation owned by c, clears its challenge, stops
// its timers, and removes it from the connection table. It does not close
// c.send: generation goroutines may still be enqueuing a final frame
// (STREAM_END/ERROR) concurrently, and a send on a closed channel panics.
// c.closed (closed by markClosed above) is what drives writePump's exit.
func (s *Server) teardown(c *Connection) {
	c.markClosed()
	c.stopAuthTimer()
	s.challenge.Clear(c.ID)
	for _, g := range c.ownedGenerations() {
		g.abort()
	}
	s.untrackConnection(c)
}

// closeConnection sends a WebSocket close frame with the given code/reason
// and tears the connection down. Best-effort: write errors are ignored since
// the socket is going away regardless.
func (s *Server) closeConnection(c *Connection, code uint16, reason string) {
	closeFrame := ws.NewCloseFrameBody(ws.StatusCode(code), reason)
	_ = ws.WriteFrame(c.conn, ws.NewCloseFrame(closeFrame))
	c.conn.Close()
}

func clientIPFromRequest(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
