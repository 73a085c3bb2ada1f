package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/llmgateway/gateway/internal/wire"
)

var ErrNotConnected = errors.New("client: not connected")

func (cl *Client) currentSession() (*session, error) {
	cl.stateMu.Lock()
	s := cl.active
	cl.stateMu.Unlock()
	if s == nil {
		return nil, ErrNotConnected
	}
	return s, nil
}

// ListModels requests the upstream model catalog and blocks until the
// matching models_result frame arrives or RequestTimeout elapses.
func (cl *Client) ListModels() ([]wire.Model, error) {
	s, err := cl.currentSession()
	if err != nil {
		return nil, err
	}

	id := newID("models")
	ch := s.registerPending(id)
	if err := s.writeJSON(wire.ModelsMsg{Type: wire.TypeModels, Timestamp: nowMillis(), ID: id}); err != nil {
		return nil, fmt.Errorf("send models request: %w", err)
	}

	select {
	case outcome := <-ch:
		if outcome.err != nil {
			return nil, outcome.err
		}
		var result wire.ModelsResultMsg
		if err := json.Unmarshal(outcome.raw, &result); err != nil {
			return nil, fmt.Errorf("decode models_result: %w", err)
		}
		return result.Models, nil
	case <-time.After(cl.cfg.RequestTimeout):
		return nil, fmt.Errorf("models request %s: %w", id, errRequestTimeout)
	}
}

// Generate starts a streaming generation and returns its requestId
// immediately; progress arrives via the generation_start/token/
// generation_end events, not as a resolved value here.
func (cl *Client) Generate(prompt, model string, options *wire.GenerateOptions) (string, error) {
	s, err := cl.currentSession()
	if err != nil {
		return "", err
	}

	id := newID("gen")
	msg := wire.GenerateMsg{
		Type:      wire.TypeGenerate,
		Timestamp: nowMillis(),
		ID:        id,
		Prompt:    prompt,
		Model:     model,
		Options:   options,
	}
	if err := s.writeJSON(msg); err != nil {
		return "", fmt.Errorf("send generate: %w", err)
	}
	return id, nil
}

// StopGeneration cancels an in-flight generation by its requestId and
// blocks until the server's acknowledgement arrives or RequestTimeout
// elapses.
func (cl *Client) StopGeneration(requestID string) error {
	s, err := cl.currentSession()
	if err != nil {
		return err
	}

	id := newID("stop")
	ch := s.registerPending(id)
	if err := s.writeJSON(wire.StopMsg{Type: wire.TypeStop, Timestamp: nowMillis(), ID: id, RequestID: requestID}); err != nil {
		return fmt.Errorf("send stop: %w", err)
	}

	select {
	case outcome := <-ch:
		if outcome.err != nil {
			return outcome.err
		}
		var ack wire.AckMsg
		if err := json.Unmarshal(outcome.raw, &ack); err != nil {
			return fmt.Errorf("decode ack: %w", err)
		}
		if !ack.Success {
			return fmt.Errorf("stop rejected: %s", ack.Message)
		}
		return nil
	case <-time.After(cl.cfg.RequestTimeout):
		return fmt.Errorf("stop request %s: %w", id, errRequestTimeout)
	}
}

// SendBatch forwards a set of already-encoded messages in a single frame;
// the server dispatches each independently and any per-message replies
// arrive through the usual events rather than as a reply to the batch.
func (cl *Client) SendBatch(messages []json.RawMessage) error {
	s, err := cl.currentSession()
	if err != nil {
		return err
	}
	return s.writeJSON(wire.BatchMsg{Type: wire.TypeBatch, Timestamp: nowMillis(), Messages: messages})
}

var errRequestTimeout = errors.New("request timed out")

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// newID produces a prefix-timestamp-random correlation id, per §4.9.
func newID(prefix string) string {
	return fmt.Sprintf("%s-%d-%06d", prefix, time.Now().UnixMilli(), rand.Intn(1_000_000))
}
