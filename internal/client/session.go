package client

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/llmgateway/gateway/internal/wire"
)

// session is one live connection attempt: its own socket, read/write pumps,
// pending-request table, and ping tracking. A new session is created for
// every (re)connect; nothing survives across sessions except the owning
// Client's handlers and reconnect policy.
type session struct {
	client *Client
	conn   *websocket.Conn

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan pendingOutcome

	pingSentMu sync.Mutex
	pingSentAt map[string]time.Time

	challengeCh  chan string
	authResultCh chan wire.AuthResultMsg

	closeOnce      sync.Once
	closed         chan struct{}
	lastRetryAfter int64
}

type pendingOutcome struct {
	raw json.RawMessage
	err error
}

type disconnectInfo struct {
	err        error
	retryAfter int64
}

func newSession(cl *Client) (*session, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: cl.cfg.DialTimeout,
	}
	conn, _, err := dialer.Dial(cl.cfg.ServerURL, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	return &session{
		client:       cl,
		conn:         conn,
		pending:      make(map[string]chan pendingOutcome),
		pingSentAt:   make(map[string]time.Time),
		challengeCh:  make(chan string, 1),
		authResultCh: make(chan wire.AuthResultMsg, 1),
		closed:       make(chan struct{}),
	}, nil
}

// run drives one connection attempt to completion: performs the
// challenge/signature handshake, starts the ping loop, reads frames until
// the socket closes, and returns the reason the session ended.
func (s *session) run() *disconnectInfo {
	readErrCh := make(chan error, 1)
	go s.readPump(readErrCh)

	var pingDone chan struct{}
	if err := s.handshake(); err != nil {
		s.client.emit("error", err)
		s.close()
	} else {
		pingDone = make(chan struct{})
		go s.pingLoop(pingDone)
	}

	err := <-readErrCh
	if pingDone != nil {
		close(pingDone)
	}

	closeErr, _ := err.(*websocket.CloseError)
	retryAfter := s.lastRetryAfter
	if closeErr != nil {
		switch closeErr.Code {
		case int(wire.CloseAuthFailed), int(wire.CloseAuthTimeout):
			s.client.disableReconnect()
			s.client.emit("auth_failed", closeErr.Text)
		case int(wire.CloseRateLimited):
			// retryAfter already captured from the preceding auth_result frame.
		}
	}

	s.failAllPending(err)
	return &disconnectInfo{err: err, retryAfter: retryAfter}
}

func (s *session) handshake() error {
	select {
	case challenge := <-s.challengeCh:
		sig, err := sign(s.client.cfg.PrivateKey, s.client.cfg.SignatureAlgorithm, []byte(challenge))
		if err != nil {
			return fmt.Errorf("sign challenge: %w", err)
		}
		if err := s.writeJSON(wire.AuthenticateMsg{
			Type:      wire.TypeAuthenticate,
			Timestamp: nowMillis(),
			ClientID:  s.client.cfg.ClientID,
			Signature: sig,
		}); err != nil {
			return fmt.Errorf("send authenticate: %w", err)
		}
	case <-time.After(s.client.cfg.AuthChallengeTimeout):
		return fmt.Errorf("timed out waiting for challenge")
	case <-s.closed:
		return fmt.Errorf("session closed before challenge arrived")
	}

	select {
	case result := <-s.authResultCh:
		if !result.Success {
			s.client.emit("auth_failed", result.Error)
			return fmt.Errorf("authentication rejected: %s", result.Error)
		}
		s.client.emit("authenticated", nil)
		return nil
	case <-time.After(s.client.cfg.AuthChallengeTimeout):
		return fmt.Errorf("timed out waiting for auth_result")
	case <-s.closed:
		return fmt.Errorf("session closed before auth_result arrived")
	}
}

func (s *session) readPump(errCh chan<- error) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			errCh <- err
			return
		}
		s.dispatch(data)
	}
}

func (s *session) pingLoop(done <-chan struct{}) {
	ticker := time.NewTicker(s.client.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			id := newID("ping")
			s.pingSentMu.Lock()
			s.pingSentAt[id] = time.Now()
			s.pingSentMu.Unlock()
			_ = s.writeJSON(wire.PingMsg{Type: wire.TypePing, Timestamp: nowMillis(), ID: id})
		}
	}
}

func (s *session) dispatch(data []byte) {
	env, err := wire.ParseEnvelope(data)
	if err != nil {
		s.client.emit("error", fmt.Errorf("malformed frame: %w", err))
		return
	}

	switch env.Type {
	case wire.TypeChallenge:
		var msg wire.ChallengeMsg
		if json.Unmarshal(data, &msg) == nil {
			select {
			case s.challengeCh <- msg.Challenge:
			default:
			}
		}
	case wire.TypeAuthResult:
		var msg wire.AuthResultMsg
		if json.Unmarshal(data, &msg) == nil {
			if msg.RetryAfter > 0 {
				s.lastRetryAfter = msg.RetryAfter
			}
			select {
			case s.authResultCh <- msg:
			default:
			}
		}
	case wire.TypeError:
		var msg wire.ErrorMsg
		if json.Unmarshal(data, &msg) == nil {
			if !s.resolvePending(msg.ID, nil, fmt.Errorf("%s", msg.Error)) {
				s.client.emit("error", msg)
			}
		}
	case wire.TypeModelsResult:
		var msg wire.ModelsResultMsg
		if json.Unmarshal(data, &msg) == nil {
			s.resolvePending(msg.ID, data, nil)
		}
	case wire.TypeAck:
		var msg wire.AckMsg
		if json.Unmarshal(data, &msg) == nil {
			s.resolvePending(msg.ID, data, nil)
			s.client.emit("ack", msg)
		}
	case wire.TypeStreamStart:
		var msg wire.StreamStartMsg
		if json.Unmarshal(data, &msg) == nil {
			s.client.emit("generation_start", msg)
		}
	case wire.TypeStreamToken:
		var msg wire.StreamTokenMsg
		if json.Unmarshal(data, &msg) == nil {
			s.client.emit("token", msg)
		}
	case wire.TypeStreamEnd:
		var msg wire.StreamEndMsg
		if json.Unmarshal(data, &msg) == nil {
			s.client.emit("generation_end", msg)
		}
	case wire.TypePong:
		var msg wire.PongMsg
		if json.Unmarshal(data, &msg) == nil {
			s.pingSentMu.Lock()
			sentAt, ok := s.pingSentAt[msg.ID]
			if ok {
				delete(s.pingSentAt, msg.ID)
			}
			s.pingSentMu.Unlock()
			latency := time.Duration(0)
			if ok {
				latency = time.Since(sentAt)
			}
			s.client.emit("pong", latency)
		}
	}
}

func (s *session) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *session) registerPending(id string) chan pendingOutcome {
	ch := make(chan pendingOutcome, 1)
	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()
	return ch
}

func (s *session) resolvePending(id string, raw json.RawMessage, err error) bool {
	s.pendingMu.Lock()
	ch, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.pendingMu.Unlock()
	if !ok {
		return false
	}
	ch <- pendingOutcome{raw: raw, err: err}
	return true
}

func (s *session) failAllPending(err error) {
	s.pendingMu.Lock()
	pending := s.pending
	s.pending = make(map[string]chan pendingOutcome)
	s.pendingMu.Unlock()
	for _, ch := range pending {
		ch <- pendingOutcome{err: fmt.Errorf("connection closed: %w", err)}
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}
