// Package ratelimit implements the identity-scoped exponential-backoff rate
// limiter (C3): per-key failure counts, exponential block windows, and a
// periodic GC sweep. Grounded on the map+mutex+ticker+TTL-cleanup shape of
// this codebase's connection rate limiter, with the backoff arithmetic
// hand-rolled per an exact specified formula rather than delegated to
// golang.org/x/time/rate (whose single constant refill rate cannot express a
// doubling backoff capped at a ceiling).
package ratelimit

import (
	"math"
	"sync"
	"time"
)

const maxBackoffSeconds = 1800

type record struct {
	consecutiveFailures int
	lastAttempt         time.Time
	blockedUntil        time.Time
}

// Result is returned by Check.
type Result struct {
	Limited     bool
	WaitSeconds int64
}

// Limiter tracks failure counts and block windows per rate-limit key
// ("<peer>:<clientId>").
type Limiter struct {
	mu            sync.Mutex
	records       map[string]*record
	maxAttempts   int
	authWindow    time.Duration
	sweepInterval time.Duration
	reclaimAge    time.Duration
	stopSweep     chan struct{}
	stopSweepOnce sync.Once
	now           func() time.Time
}

// Config configures a Limiter's tunables, all of which the gateway exposes
// through its configuration struct rather than hardcoding.
type Config struct {
	MaxAttempts   int
	AuthWindow    time.Duration
	SweepInterval time.Duration
	ReclaimAge    time.Duration
}

// New constructs a Limiter and starts its background sweep goroutine.
func New(cfg Config) *Limiter {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.AuthWindow <= 0 {
		cfg.AuthWindow = 10 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Hour
	}
	if cfg.ReclaimAge <= 0 {
		cfg.ReclaimAge = 24 * time.Hour
	}

	l := &Limiter{
		records:       make(map[string]*record),
		maxAttempts:   cfg.MaxAttempts,
		authWindow:    cfg.AuthWindow,
		sweepInterval: cfg.SweepInterval,
		reclaimAge:    cfg.ReclaimAge,
		stopSweep:     make(chan struct{}),
		now:           time.Now,
	}
	go l.sweepLoop()
	return l
}

// Check reports whether key is currently blocked, resetting the failure
// count first if the auth window has elapsed since the last attempt.
func (l *Limiter) Check(key string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.records[key]
	if !ok {
		return Result{Limited: false}
	}

	now := l.now()
	l.maybeResetLocked(r, now)

	if r.blockedUntil.After(now) {
		waitSeconds := int64(math.Ceil(r.blockedUntil.Sub(now).Seconds()))
		return Result{Limited: true, WaitSeconds: waitSeconds}
	}
	return Result{Limited: false}
}

// RecordFailure increments the failure count for key, setting an exponential
// block window once the count reaches maxAttempts.
func (l *Limiter) RecordFailure(key string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	r, ok := l.records[key]
	if !ok {
		r = &record{}
		l.records[key] = r
	}
	l.maybeResetLocked(r, now)

	r.consecutiveFailures++
	r.lastAttempt = now

	if r.consecutiveFailures >= l.maxAttempts {
		backoffSeconds := math.Pow(2, float64(r.consecutiveFailures-1))
		if backoffSeconds > maxBackoffSeconds {
			backoffSeconds = maxBackoffSeconds
		}
		r.blockedUntil = now.Add(time.Duration(backoffSeconds) * time.Second)
	}

	if r.blockedUntil.After(now) {
		waitSeconds := int64(math.Ceil(r.blockedUntil.Sub(now).Seconds()))
		return Result{Limited: true, WaitSeconds: waitSeconds}
	}
	return Result{Limited: false}
}

// RecordSuccess zeroes the failure count and clears any block.
func (l *Limiter) RecordSuccess(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.records[key]
	if !ok {
		return
	}
	r.consecutiveFailures = 0
	r.blockedUntil = time.Time{}
	r.lastAttempt = l.now()
}

// Remaining reports how many more failures key can accrue before being
// blocked.
func (l *Limiter) Remaining(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.records[key]
	if !ok {
		return l.maxAttempts
	}
	remaining := l.maxAttempts - r.consecutiveFailures
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (l *Limiter) maybeResetLocked(r *record, now time.Time) {
	if !r.lastAttempt.IsZero() && now.Sub(r.lastAttempt) > l.authWindow {
		r.consecutiveFailures = 0
		r.blockedUntil = time.Time{}
	}
}

func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stopSweep:
			return
		}
	}
}

// sweep drops records idle past reclaimAge and not currently blocked. The
// critical section only touches the map — no I/O is performed under the lock.
func (l *Limiter) sweep() {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, r := range l.records {
		if now.Sub(r.lastAttempt) >= l.reclaimAge && !r.blockedUntil.After(now) {
			delete(l.records, key)
		}
	}
}

// Stop halts the background sweep goroutine. Safe to call more than once.
func (l *Limiter) Stop() {
	l.stopSweepOnce.Do(func() {
		close(l.stopSweep)
	})
}

// Size reports the number of tracked keys, for /healthz and tests.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}
