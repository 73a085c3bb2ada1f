package gateway

import (
	"context"
	"time"

	"github.com/llmgateway/gateway/internal/logging"
	"github.com/llmgateway/gateway/internal/metrics"
	"github.com/llmgateway/gateway/internal/upstream"
	"github.com/llmgateway/gateway/internal/wire"
)

// generationCtx is used for one-shot upstream calls (models) that have no
// per-request cancellation handle of their own.
func (s *Server) generationCtx() context.Context {
	return context.Background()
}

// handleGenerate implements the Streaming Generation Multiplexer (C7): it
// registers the Generation under the client-supplied id before any upstream
// I/O, opens the upstream streaming call in its own goroutine, and forwards
// STREAM_START/STREAM_TOKEN/STREAM_END (or ERROR) frames in order (§4.8/§5).
func (s *Server) handleGenerate(c *Connection, msg wire.GenerateMsg) {
	if msg.ID == "" || msg.Prompt == "" {
		s.send(c, wire.ErrorMsg{Type: wire.TypeError, Timestamp: nowMillis(), ID: msg.ID, Error: "missing prompt or id", Code: wire.ErrMissingParameters})
		return
	}

	if _, exists := s.lookupGeneration(msg.ID); exists {
		s.send(c, wire.ErrorMsg{Type: wire.TypeError, Timestamp: nowMillis(), ID: msg.ID, Error: "duplicate requestId", Code: wire.ErrInvalidRequest, RequestID: msg.ID})
		return
	}

	model := msg.Model
	if model == "" {
		model = s.cfg.OllamaDefaultModel
	}

	ctx, cancel := context.WithCancel(context.Background())
	gen := &Generation{
		RequestID:    msg.ID,
		ConnectionID: c.ID,
		Model:        model,
		StartTime:    time.Now(),
		cancel:       cancel,
	}
	c.registerGeneration(gen)
	s.registerGeneration(gen)
	metrics.GenerationsActive.Inc()

	s.wg.Add(1)
	go s.runGeneration(c, gen, msg, ctx)
}

func (s *Server) runGeneration(c *Connection, gen *Generation, msg wire.GenerateMsg, ctx context.Context) {
	defer s.wg.Done()
	defer logging.RecoverPanic(s.logger, "runGeneration", map[string]any{"request_id": gen.RequestID})
	defer func() {
		c.removeGeneration(gen.RequestID)
		s.removeGeneration(gen.RequestID)
		metrics.GenerationsActive.Dec()
	}()

	s.send(c, wire.StreamStartMsg{Type: wire.TypeStreamStart, Timestamp: nowMillis(), ID: gen.RequestID, Model: gen.Model, RequestID: gen.RequestID})

	var opts *upstream.GenerateOptions
	if msg.Options != nil {
		opts = &upstream.GenerateOptions{
			Temperature:  msg.Options.Temperature,
			TopP:         msg.Options.TopP,
			TopK:         msg.Options.TopK,
			MaxTokens:    msg.Options.MaxTokens,
			SystemPrompt: msg.Options.SystemPrompt,
		}
	}

	result, err := s.upstream.Generate(ctx, gen.Model, msg.Prompt, opts, func(tok upstream.Token) {
		metrics.TokensStreamedTotal.Inc()
		s.send(c, wire.StreamTokenMsg{Type: wire.TypeStreamToken, Timestamp: nowMillis(), ID: gen.RequestID, Token: tok.Text, RequestID: gen.RequestID})
	})

	if err != nil {
		metrics.UpstreamErrorsTotal.Inc()
		metrics.GenerationsTotal.WithLabelValues("failed").Inc()
		s.send(c, wire.ErrorMsg{Type: wire.TypeError, Timestamp: nowMillis(), ID: gen.RequestID, Error: err.Error(), Code: wire.ErrGenerationFailed, RequestID: gen.RequestID})
		return
	}

	if result.Cancelled {
		metrics.GenerationsTotal.WithLabelValues("cancelled").Inc()
		s.send(c, wire.StreamEndMsg{Type: wire.TypeStreamEnd, Timestamp: nowMillis(), ID: gen.RequestID, RequestID: gen.RequestID, IsCancelled: true})
		return
	}

	metrics.GenerationsTotal.WithLabelValues("completed").Inc()
	s.send(c, wire.StreamEndMsg{
		Type:        wire.TypeStreamEnd,
		Timestamp:   nowMillis(),
		ID:          gen.RequestID,
		RequestID:   gen.RequestID,
		TotalTokens: result.TotalTokens,
		ElapsedTime: time.Since(gen.StartTime).Milliseconds(),
	})
}
