package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/llmgateway/gateway/internal/metrics"
	"github.com/llmgateway/gateway/internal/signature"
	"github.com/llmgateway/gateway/internal/wire"
)

// dispatch parses the envelope and routes to the appropriate handler per the
// connection's current state (§4.6/§4.7). It never panics on malformed
// input: a parse failure is reported as invalid_request and the connection
// stays open unless the connection is still unauthenticated, in which case a
// malformed frame is a fatal protocol violation.
func (s *Server) dispatch(c *Connection, raw []byte) {
	env, err := wire.ParseEnvelope(raw)
	if err != nil {
		if !c.isAuthenticated() {
			s.closeConnection(c, uint16(wire.CloseAuthFailed), "auth_failed")
			return
		}
		s.send(c, wire.ErrorMsg{Type: wire.TypeError, Timestamp: nowMillis(), Error: "malformed message", Code: wire.ErrInvalidRequest})
		return
	}

	switch c.state() {
	case stateAwaitingSignature:
		s.dispatchAwaitingSignature(c, env, raw)
	case stateAuthenticated:
		s.dispatchAuthenticated(c, env, raw)
	default:
		// NEW or CLOSED: should not be reachable from dispatch, but guard
		// against a frame racing teardown.
	}
}

func (s *Server) dispatchAwaitingSignature(c *Connection, env wire.Envelope, raw []byte) {
	if env.Type != wire.TypeAuthenticate {
		s.send(c, wire.ErrorMsg{Type: wire.TypeError, Timestamp: nowMillis(), Error: "expected authenticate message", Code: wire.ErrInvalidRequest})
		return
	}

	var msg wire.AuthenticateMsg
	if err := json.Unmarshal(raw, &msg); err != nil || msg.ClientID == "" || msg.Signature == "" {
		s.send(c, wire.ErrorMsg{Type: wire.TypeError, Timestamp: nowMillis(), Error: "missing clientId or signature", Code: wire.ErrMissingParameters})
		return
	}

	s.handleAuthenticate(c, msg)
}

func (s *Server) dispatchAuthenticated(c *Connection, env wire.Envelope, raw []byte) {
	switch env.Type {
	case wire.TypePing:
		var msg wire.PingMsg
		json.Unmarshal(raw, &msg)
		s.send(c, wire.PongMsg{Type: wire.TypePong, Timestamp: nowMillis(), ID: msg.ID})

	case wire.TypeModels:
		var msg wire.ModelsMsg
		json.Unmarshal(raw, &msg)
		s.handleModels(c, msg)

	case wire.TypeGenerate:
		var msg wire.GenerateMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.send(c, wire.ErrorMsg{Type: wire.TypeError, Timestamp: nowMillis(), Error: "malformed generate message", Code: wire.ErrInvalidRequest})
			return
		}
		s.handleGenerate(c, msg)

	case wire.TypeStop:
		var msg wire.StopMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.send(c, wire.ErrorMsg{Type: wire.TypeError, Timestamp: nowMillis(), Error: "malformed stop message", Code: wire.ErrInvalidRequest})
			return
		}
		s.handleStop(c, msg)

	case wire.TypeBatch:
		var msg wire.BatchMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.send(c, wire.ErrorMsg{Type: wire.TypeError, Timestamp: nowMillis(), Error: "malformed batch message", Code: wire.ErrInvalidRequest})
			return
		}
		for _, inner := range msg.Messages {
			s.dispatchAuthenticated(c, mustEnvelope(inner), inner)
		}

	default:
		s.send(c, wire.ErrorMsg{Type: wire.TypeError, Timestamp: nowMillis(), Error: "Unsupported message type", Code: wire.ErrInvalidRequest})
	}
}

func mustEnvelope(raw []byte) wire.Envelope {
	env, _ := wire.ParseEnvelope(raw)
	return env
}

// handleAuthenticate implements the AWAITING_SIGNATURE -> AUTHENTICATED /
// CLOSED transition (§4.6).
func (s *Server) handleAuthenticate(c *Connection, msg wire.AuthenticateMsg) {
	key := fmt.Sprintf("%s:%s", c.peer, msg.ClientID)

	if res := s.limiter.Check(key); res.Limited {
		s.send(c, wire.AuthResultMsg{Type: wire.TypeAuthResult, Timestamp: nowMillis(), Success: false, Error: "Too many failed attempts", RetryAfter: res.WaitSeconds})
		metrics.RateLimitBlocksTotal.Inc()
		s.closeConnection(c, uint16(wire.CloseRateLimited), "rate_limited")
		return
	}

	c.mu.Lock()
	storedChallenge := c.challenge
	c.mu.Unlock()

	// Verify consumes the stored entry on success (single-use/anti-replay):
	// a second AUTHENTICATE for the same challenge always fails from here on.
	if !s.challenge.Verify(c.ID, storedChallenge) {
		s.send(c, wire.AuthResultMsg{Type: wire.TypeAuthResult, Timestamp: nowMillis(), Success: false, Error: "Challenge expired or invalid"})
		s.recordAuthFailure(c, key, "challenge_invalid")
		return
	}

	client, found := s.registry.Lookup(msg.ClientID)
	if !found {
		s.send(c, wire.AuthResultMsg{Type: wire.TypeAuthResult, Timestamp: nowMillis(), Success: false, Error: "Client not found or has been revoked"})
		s.recordAuthFailure(c, key, "client_not_found")
		// Per the spec's resolved open question: do not close immediately;
		// let the auth deadline take the connection down if no further
		// AUTHENTICATE arrives.
		return
	}

	pub, err := signature.ParsePublicKey(client.PublicKey)
	if err != nil {
		s.send(c, wire.AuthResultMsg{Type: wire.TypeAuthResult, Timestamp: nowMillis(), Success: false, Error: "invalid_authentication"})
		s.recordAuthFailure(c, key, "bad_stored_key")
		s.closeConnection(c, uint16(wire.CloseAuthFailed), "auth_failed")
		return
	}

	valid, err := signature.Verify(pub, client.SignatureAlgorithm, []byte(storedChallenge), msg.Signature)
	if err != nil || !valid {
		remaining := s.limiter.Remaining(key)
		res := s.limiter.RecordFailure(key)
		metrics.AuthFailureTotal.WithLabelValues("bad_signature").Inc()
		if res.Limited {
			metrics.RateLimitBlocksTotal.Inc()
			s.send(c, wire.AuthResultMsg{Type: wire.TypeAuthResult, Timestamp: nowMillis(), Success: false, Error: "Invalid signature", RetryAfter: res.WaitSeconds})
			s.closeConnection(c, uint16(wire.CloseRateLimited), "rate_limited")
			return
		}
		s.send(c, wire.AuthResultMsg{Type: wire.TypeAuthResult, Timestamp: nowMillis(), Success: false, Error: "Invalid signature", RemainingAttempts: remaining})
		if remaining <= 0 {
			s.closeConnection(c, uint16(wire.CloseAuthFailed), "auth_failed")
		}
		return
	}

	s.limiter.RecordSuccess(key)
	c.stopAuthTimer()
	c.markAuthenticated(client.ID)
	if err := s.registry.RecordConnection(client.ID, time.Now(), c.peer); err != nil {
		s.logger.Warn().Err(err).Str("client_id", client.ID).Msg("failed to record connection audit fields")
	}

	metrics.AuthSuccessTotal.Inc()
	s.send(c, wire.AuthResultMsg{Type: wire.TypeAuthResult, Timestamp: nowMillis(), Success: true})
}

func (s *Server) recordAuthFailure(c *Connection, key, reason string) {
	metrics.AuthFailureTotal.WithLabelValues(reason).Inc()
	s.limiter.RecordFailure(key)
}

func (s *Server) handleModels(c *Connection, msg wire.ModelsMsg) {
	ctx := s.generationCtx()
	models, err := s.upstream.ListModels(ctx)
	if err != nil {
		metrics.UpstreamErrorsTotal.Inc()
		s.send(c, wire.ErrorMsg{Type: wire.TypeError, Timestamp: nowMillis(), ID: msg.ID, Error: err.Error(), Code: wire.ErrServerError})
		return
	}
	out := make([]wire.Model, 0, len(models))
	for _, m := range models {
		out = append(out, wire.Model{Name: m.Name, Size: m.Size, ModifiedAt: m.ModifiedAt, QuantizationLevel: m.Details.QuantizationLevel})
	}
	s.send(c, wire.ModelsResultMsg{Type: wire.TypeModelsResult, Timestamp: nowMillis(), ID: msg.ID, Models: out})
}

func (s *Server) handleStop(c *Connection, msg wire.StopMsg) {
	g, ok := s.lookupGeneration(msg.RequestID)
	if !ok {
		s.send(c, wire.ErrorMsg{Type: wire.TypeError, Timestamp: nowMillis(), ID: msg.ID, Error: "No active generation with that ID", Code: wire.ErrInvalidRequest, RequestID: msg.RequestID})
		return
	}
	if g.ConnectionID != c.ID {
		s.send(c, wire.ErrorMsg{Type: wire.TypeError, Timestamp: nowMillis(), ID: msg.ID, Error: "Not authorized to stop this generation", Code: wire.ErrInvalidRequest, RequestID: msg.RequestID})
		return
	}
	g.abort()
	s.send(c, wire.AckMsg{Type: wire.TypeAck, Timestamp: nowMillis(), ID: msg.ID, RequestID: msg.RequestID, Success: true, Action: "stop"})
}
