package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/llmgateway/gateway/internal/admission"
	"github.com/llmgateway/gateway/internal/challenge"
	"github.com/llmgateway/gateway/internal/config"
	"github.com/llmgateway/gateway/internal/metrics"
	"github.com/llmgateway/gateway/internal/ratelimit"
	"github.com/llmgateway/gateway/internal/registry"
	"github.com/llmgateway/gateway/internal/signature"
	"github.com/llmgateway/gateway/internal/upstream"
)

// Time allowed to write a message to the peer, mirroring the teacher's pump
// deadlines (internal/shared/server.go's writeWait/pongWait/pingPeriod).
const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Server is the gateway runtime: it owns the Client Registry, Challenge
// Store, Rate Limiter, Admission Guard, and upstream client, and dispatches
// every WebSocket connection through the C5/C6/C7 state machine. No package
// in this repo reads os.Getenv directly; every tunable arrives through cfg.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	registry  *registry.Registry
	challenge *challenge.Store
	limiter   *ratelimit.Limiter
	guard     *admission.Guard
	upstream  *upstream.Client

	listener net.Listener
	httpSrv  *http.Server

	connMu      sync.Mutex
	connections map[string]*Connection
	connCount   int64

	genMu       sync.Mutex
	generations map[string]*Generation

	shuttingDown int32

	wg sync.WaitGroup
}

// New constructs a Server. cfg, logger, and their derived services are
// constructed once in main and threaded down by explicit parameter (no
// package-level globals), per the teacher's cmd/single/main.go convention.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	reg := registry.New(cfg.DataDir, signature.IsSupportedAlgorithm, cfg.BackupKeepN)
	if err := reg.Load(); err != nil {
		return nil, fmt.Errorf("load client registry: %w", err)
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		registry:  reg,
		challenge: challenge.New(cfg.ChallengeTTL()),
		limiter: ratelimit.New(ratelimit.Config{
			MaxAttempts:   cfg.MaxAuthAttempts,
			AuthWindow:    cfg.AuthWindow(),
			SweepInterval: cfg.RateLimitSweepInterval(),
			ReclaimAge:    cfg.RateLimitReclaimAge(),
		}),
		upstream:    upstream.New(cfg.OllamaAPIURL, cfg.OllamaDefaultModel),
		connections: make(map[string]*Connection),
		generations: make(map[string]*Generation),
	}

	s.guard = admission.New(admission.Config{
		IPBurst:       cfg.ConnRateIPBurst,
		IPRate:        cfg.ConnRateIPPerSec,
		GlobalBurst:   cfg.ConnRateGlobalBurst,
		GlobalRate:    cfg.ConnRateGlobalPerSec,
		MaxConns:      cfg.MaxConnections,
		MaxGoroutines: cfg.MaxGoroutines,
		CPUReject:     cfg.CPURejectThresholdPct,
		Logger:        logger,
	}, &s.connCount)
	s.guard.StartMonitoring(cfg.MetricsInterval)

	return s, nil
}

// Addr returns the listener's bound network address. Only valid after
// Start returns successfully.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

func (s *Server) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/api/auth/register", s.handleRegister)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start binds the listener and begins serving HTTP/WebSocket traffic. It
// returns once the listener is bound; Serve runs in a background goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr(), err)
	}
	s.listener = ln

	s.httpSrv = &http.Server{Handler: s.mux()}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("http serve error")
		}
	}()

	s.logger.Info().Str("addr", s.cfg.Addr()).Msg("gateway listening")
	return nil
}

// Shutdown performs a graceful drain: stop accepting new connections, send a
// server_shutdown close frame to every live connection and close its socket,
// wait (up to a 10 s grace period, or until ctx is done) for their teardowns,
// then stop the background services and wait for all goroutines. Connections
// still tracked when the wait ends are not closed a second time. Mirrors the
// teacher's ticker/timer drain loop in internal/shared/server.go's Shutdown.
func (s *Server) Shutdown(ctx context.Context) error {
	atomic.StoreInt32(&s.shuttingDown, 1)
	s.logger.Info().Msg("gateway shutting down")

	if s.listener != nil {
		s.listener.Close()
	}
	if s.httpSrv != nil {
		s.httpSrv.Close()
	}

	s.connMu.Lock()
	conns := make([]*Connection, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.connMu.Unlock()

	for _, c := range conns {
		s.closeConnection(c, 1001, "server_shutdown")
	}

	gracePeriod := 10 * time.Second
	drainTimer := time.NewTimer(gracePeriod)
	checkTicker := time.NewTicker(200 * time.Millisecond)
	defer drainTimer.Stop()
	defer checkTicker.Stop()

drain:
	for {
		select {
		case <-drainTimer.C:
			break drain
		case <-checkTicker.C:
			s.connMu.Lock()
			remaining := len(s.connections)
			s.connMu.Unlock()
			if remaining == 0 {
				break drain
			}
		case <-ctx.Done():
			break drain
		}
	}

	s.limiter.Stop()
	s.guard.Stop()
	s.wg.Wait()
	return nil
}

func (s *Server) trackConnection(c *Connection) {
	s.connMu.Lock()
	s.connections[c.ID] = c
	atomic.StoreInt64(&s.connCount, int64(len(s.connections)))
	s.connMu.Unlock()
	metrics.ConnectionsActive.Set(float64(atomic.LoadInt64(&s.connCount)))
	metrics.ConnectionsTotal.Inc()
}

func (s *Server) untrackConnection(c *Connection) {
	s.connMu.Lock()
	delete(s.connections, c.ID)
	atomic.StoreInt64(&s.connCount, int64(len(s.connections)))
	s.connMu.Unlock()
	metrics.ConnectionsActive.Set(float64(atomic.LoadInt64(&s.connCount)))
}

func newConnectionID() string {
	return uuid.New().String()
}

// registerGeneration adds a Generation to the server-wide table keyed by
// requestId. Lookups must be global (not scoped to the owning connection)
// so that a STOP arriving on a different connection can find the Generation
// and be rejected by the ownership check rather than by a missed lookup
// (§4.7, §8 ownership invariant).
func (s *Server) registerGeneration(g *Generation) {
	s.genMu.Lock()
	s.generations[g.RequestID] = g
	s.genMu.Unlock()
}

func (s *Server) lookupGeneration(requestID string) (*Generation, bool) {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	g, ok := s.generations[requestID]
	return g, ok
}

func (s *Server) removeGeneration(requestID string) {
	s.genMu.Lock()
	delete(s.generations, requestID)
	s.genMu.Unlock()
}
