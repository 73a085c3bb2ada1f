// Package admission implements the Connection Admission Guard (C13): ambient,
// identity-agnostic DoS protection consulted before a WebSocket upgrade is
// performed, independent of the identity-scoped auth rate limiter (C3).
// Grounded directly on this codebase's ConnectionRateLimiter (two-level
// per-IP + global token buckets) and ResourceGuard (CPU/memory/goroutine
// emergency brakes), generalized from a trading-feed server's Kafka/broadcast
// rate limiting to this gateway's connection-admission concern only.
package admission

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/llmgateway/gateway/internal/metrics"
)

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Config configures the Guard's tunables.
type Config struct {
	IPBurst       int
	IPRate        float64
	IPTTL         time.Duration
	GlobalBurst   int
	GlobalRate    float64
	MaxConns      int
	MaxGoroutines int
	CPUReject     float64 // percent
	Logger        zerolog.Logger
}

// Guard gates connection admission ahead of the Connection Manager (C5).
type Guard struct {
	ipLimiters map[string]*ipLimiterEntry
	ipMu       sync.RWMutex
	ipBurst    int
	ipRate     float64
	ipTTL      time.Duration

	globalLimiter *rate.Limiter

	maxConns      int
	maxGoroutines int
	cpuReject     float64

	currentConns *int64
	cpuMonitor   *CPUMonitor
	currentCPU   atomic.Value // float64

	logger        zerolog.Logger
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
}

// New constructs a Guard. currentConns must point at the Connection
// Manager's live connection counter (read with atomic.LoadInt64).
func New(cfg Config, currentConns *int64) *Guard {
	if cfg.IPBurst == 0 {
		cfg.IPBurst = 10
	}
	if cfg.IPRate == 0 {
		cfg.IPRate = 1.0
	}
	if cfg.IPTTL == 0 {
		cfg.IPTTL = 5 * time.Minute
	}
	if cfg.GlobalBurst == 0 {
		cfg.GlobalBurst = 300
	}
	if cfg.GlobalRate == 0 {
		cfg.GlobalRate = 50.0
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 1000
	}
	if cfg.MaxGoroutines == 0 {
		cfg.MaxGoroutines = 20000
	}
	if cfg.CPUReject == 0 {
		cfg.CPUReject = 90.0
	}

	g := &Guard{
		ipLimiters:    make(map[string]*ipLimiterEntry),
		ipBurst:       cfg.IPBurst,
		ipRate:        cfg.IPRate,
		ipTTL:         cfg.IPTTL,
		globalLimiter: rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		maxConns:      cfg.MaxConns,
		maxGoroutines: cfg.MaxGoroutines,
		cpuReject:     cfg.CPUReject,
		currentConns:  currentConns,
		cpuMonitor:    NewCPUMonitor(cfg.Logger),
		logger:        cfg.Logger.With().Str("component", "admission_guard").Logger(),
		stopCleanup:   make(chan struct{}),
	}
	g.currentCPU.Store(0.0)

	g.cleanupTicker = time.NewTicker(time.Minute)
	go g.cleanupLoop()

	return g
}

// Allow checks both the connection-rate limits and the resource brakes. The
// caller should refuse the HTTP upgrade outright (no WebSocket handshake,
// no wire frame) when accept is false.
func (g *Guard) Allow(ip string) (accept bool, reason string) {
	if !g.globalLimiter.Allow() {
		return false, "global connection rate limit exceeded"
	}
	if !g.getIPLimiter(ip).Allow() {
		return false, "per-IP connection rate limit exceeded"
	}

	current := atomic.LoadInt64(g.currentConns)
	if current >= int64(g.maxConns) {
		return false, "at max connections"
	}

	cpuPercent := g.currentCPU.Load().(float64)
	if cpuPercent > g.cpuReject {
		return false, "CPU over threshold"
	}

	if goros := runtime.NumGoroutine(); goros > g.maxGoroutines {
		return false, "goroutine limit exceeded"
	}

	return true, "OK"
}

func (g *Guard) getIPLimiter(ip string) *rate.Limiter {
	g.ipMu.RLock()
	entry, exists := g.ipLimiters[ip]
	g.ipMu.RUnlock()
	if exists {
		g.ipMu.Lock()
		entry.lastAccess = time.Now()
		g.ipMu.Unlock()
		return entry.limiter
	}

	g.ipMu.Lock()
	defer g.ipMu.Unlock()
	if entry, exists = g.ipLimiters[ip]; exists {
		entry.lastAccess = time.Now()
		return entry.limiter
	}
	limiter := rate.NewLimiter(rate.Limit(g.ipRate), g.ipBurst)
	g.ipLimiters[ip] = &ipLimiterEntry{limiter: limiter, lastAccess: time.Now()}
	return limiter
}

// SampleResources updates the cached CPU reading. Call on an interval (see
// StartMonitoring) from a single goroutine.
func (g *Guard) SampleResources() {
	percent, err := g.cpuMonitor.GetPercent()
	if err != nil {
		return
	}
	g.currentCPU.Store(percent)
	metrics.CPUPercent.Set(percent)
}

// StartMonitoring begins periodic resource sampling until ctx-like stop
// signal via Stop().
func (g *Guard) StartMonitoring(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.SampleResources()
			case <-g.stopCleanup:
				return
			}
		}
	}()
}

func (g *Guard) cleanupLoop() {
	for {
		select {
		case <-g.cleanupTicker.C:
			g.cleanup()
		case <-g.stopCleanup:
			g.cleanupTicker.Stop()
			return
		}
	}
}

func (g *Guard) cleanup() {
	g.ipMu.Lock()
	defer g.ipMu.Unlock()
	now := time.Now()
	for ip, entry := range g.ipLimiters {
		if now.Sub(entry.lastAccess) > g.ipTTL {
			delete(g.ipLimiters, ip)
		}
	}
}

// Stop halts background goroutines. Safe to call more than once.
func (g *Guard) Stop() {
	g.stopOnce.Do(func() {
		close(g.stopCleanup)
	})
}

// Stats returns a debug/health snapshot.
func (g *Guard) Stats() map[string]any {
	g.ipMu.RLock()
	tracked := len(g.ipLimiters)
	g.ipMu.RUnlock()
	return map[string]any{
		"tracked_ips":   tracked,
		"cpu_percent":   g.currentCPU.Load().(float64),
		"max_conns":     g.maxConns,
		"current_conns": atomic.LoadInt64(g.currentConns),
	}
}
