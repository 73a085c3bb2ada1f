package client

import (
	"math/rand"
	"time"
)

const (
	maxReconnectDelay  = 30 * time.Second
	maxReconnectTries  = 10
	reconnectJitterPct = 0.2
)

// backoffDelay computes the delay before reconnect attempt n (1-indexed):
// base * 2^(n-1), capped at maxReconnectDelay, with multiplicative jitter in
// [1-j, 1+j]. jitter is an injected random-in-[0,1) source so tests can
// assert the documented bounds deterministically (§8 "Reconnect backoff").
func backoffDelay(base time.Duration, attempt int, jitter func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	raw := float64(base) * pow2(attempt-1)
	capped := raw
	if capped > float64(maxReconnectDelay) {
		capped = float64(maxReconnectDelay)
	}
	factor := 1 - reconnectJitterPct + jitter()*2*reconnectJitterPct
	delay := time.Duration(capped * factor)
	if delay < 0 {
		delay = 0
	}
	return delay
}

func pow2(n int) float64 {
	result := 1.0
	for i := 0; i < n; i++ {
		result *= 2
	}
	return result
}

func defaultJitter() float64 {
	return rand.Float64()
}
