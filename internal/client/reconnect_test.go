package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffDelayDoublesWithinJitterBounds(t *testing.T) {
	base := 1 * time.Second
	jitter := func() float64 { return 0.5 } // factor == 1.0, no jitter applied

	require.Equal(t, base, backoffDelay(base, 1, jitter))
	require.Equal(t, 2*base, backoffDelay(base, 2, jitter))
	require.Equal(t, 4*base, backoffDelay(base, 3, jitter))
}

func TestBackoffDelayCapsAtMaxReconnectDelay(t *testing.T) {
	base := 1 * time.Second
	jitter := func() float64 { return 0.5 }

	delay := backoffDelay(base, 10, jitter)
	require.Equal(t, maxReconnectDelay, delay)
}

func TestBackoffDelayStaysWithinDocumentedJitterBounds(t *testing.T) {
	base := 1 * time.Second
	for attempt := 1; attempt <= 6; attempt++ {
		raw := float64(base) * pow2(attempt-1)
		capped := raw
		if capped > float64(maxReconnectDelay) {
			capped = float64(maxReconnectDelay)
		}
		lowerBound := time.Duration(capped * (1 - reconnectJitterPct))
		upperBound := time.Duration(capped * (1 + reconnectJitterPct))

		for _, j := range []float64{0, 0.25, 0.5, 0.75, 0.999} {
			delay := backoffDelay(base, attempt, func() float64 { return j })
			require.GreaterOrEqual(t, delay, lowerBound)
			require.LessOrEqual(t, delay, upperBound)
		}
	}
}

func TestBackoffDelayTreatsNonPositiveAttemptAsFirst(t *testing.T) {
	base := 1 * time.Second
	jitter := func() float64 { return 0.5 }
	require.Equal(t, backoffDelay(base, 1, jitter), backoffDelay(base, 0, jitter))
	require.Equal(t, backoffDelay(base, 1, jitter), backoffDelay(base, -3, jitter))
}
