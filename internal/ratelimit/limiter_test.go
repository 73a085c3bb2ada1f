package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestLimiter(maxAttempts int) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	l := New(Config{MaxAttempts: maxAttempts, AuthWindow: time.Hour, SweepInterval: time.Hour, ReclaimAge: 24 * time.Hour})
	l.now = clock.now
	return l, clock
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestCheckUnknownKeyIsNotLimited(t *testing.T) {
	l, _ := newTestLimiter(3)
	defer l.Stop()
	res := l.Check("unknown")
	require.False(t, res.Limited)
}

func TestRecordFailureLocksAfterMaxAttemptsWithExponentialBackoff(t *testing.T) {
	l, clock := newTestLimiter(3)
	defer l.Stop()

	res := l.RecordFailure("k")
	require.False(t, res.Limited)
	res = l.RecordFailure("k")
	require.False(t, res.Limited)

	// Third failure reaches maxAttempts: blocked for 2^(3-1) = 4 seconds.
	res = l.RecordFailure("k")
	require.True(t, res.Limited)
	require.Equal(t, int64(4), res.WaitSeconds)

	// Fourth failure: 2^(4-1) = 8 seconds.
	clock.advance(5 * time.Second)
	res = l.RecordFailure("k")
	require.True(t, res.Limited)
	require.Equal(t, int64(8), res.WaitSeconds)
}

func TestRecordFailureCapsAtMaxBackoffSeconds(t *testing.T) {
	l, clock := newTestLimiter(1)
	defer l.Stop()

	var last Result
	for i := 0; i < 15; i++ {
		last = l.RecordFailure("k")
		if last.Limited {
			clock.advance(time.Duration(last.WaitSeconds+1) * time.Second)
		}
	}
	require.LessOrEqual(t, last.WaitSeconds, int64(maxBackoffSeconds))
}

func TestRecordSuccessClearsBlock(t *testing.T) {
	l, _ := newTestLimiter(1)
	defer l.Stop()

	res := l.RecordFailure("k")
	require.True(t, res.Limited)

	l.RecordSuccess("k")
	res = l.Check("k")
	require.False(t, res.Limited)
}

func TestAuthWindowResetsFailureCount(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	l := New(Config{MaxAttempts: 2, AuthWindow: 10 * time.Second, SweepInterval: time.Hour, ReclaimAge: 24 * time.Hour})
	l.now = clock.now
	defer l.Stop()

	l.RecordFailure("k")
	require.Equal(t, 1, 2-l.Remaining("k"))

	clock.advance(20 * time.Second)
	res := l.RecordFailure("k")
	// The window elapsed, so this is treated as the first failure again.
	require.False(t, res.Limited)
}

func TestSweepReclaimsIdleUnblockedRecords(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	l := New(Config{MaxAttempts: 5, AuthWindow: time.Hour, SweepInterval: time.Hour, ReclaimAge: time.Minute})
	l.now = clock.now
	defer l.Stop()

	l.RecordFailure("k")
	require.Equal(t, 1, l.Size())

	clock.advance(2 * time.Minute)
	l.sweep()
	require.Equal(t, 0, l.Size())
}
