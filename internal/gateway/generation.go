package gateway

import (
	"context"
	"time"
)

// Generation is an active upstream streaming request (C7), owned by exactly
// one Connection. It is registered under its client-supplied requestId
// before upstream I/O begins so a STOP can find and cancel it.
type Generation struct {
	RequestID    string
	ConnectionID string
	Model        string
	StartTime    time.Time
	cancel       context.CancelFunc
}

// abort cancels the upstream call backing this generation. Safe to call more
// than once; context.CancelFunc is idempotent.
func (g *Generation) abort() {
	if g.cancel != nil {
		g.cancel()
	}
}
