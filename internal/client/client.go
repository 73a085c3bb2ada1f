// Package client implements the Client Runtime (C8): the cooperative,
// single-threaded peer that connects to the gateway, completes the
// challenge/signature handshake, correlates request/response frames, and
// reconnects with jittered backoff when the connection drops.
package client

import (
	"crypto"
	"fmt"
	"sync"
	"time"
)

// Config configures a Client. PrivateKey signs the server's challenge bytes
// under SignatureAlgorithm; ClientID must match the id the key was
// registered under via the gateway's registration endpoint.
type Config struct {
	ServerURL            string
	ClientID             string
	SignatureAlgorithm   string
	PrivateKey           crypto.Signer
	DialTimeout          time.Duration
	AuthChallengeTimeout time.Duration
	RequestTimeout       time.Duration
	PingInterval         time.Duration
	ReconnectDelay       time.Duration
}

func (c *Config) setDefaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.AuthChallengeTimeout == 0 {
		c.AuthChallengeTimeout = 10 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 60 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 1 * time.Second
	}
}

// Handler receives an event's payload. Its type depends on the event (for
// example a wire message struct for token, a time.Duration latency for pong,
// nil for connected).
type Handler func(payload any)

// Client is the event-emitting, reconnecting WebSocket peer described by
// §4.9. The zero value is not usable; construct with New.
type Client struct {
	cfg Config

	handlersMu sync.Mutex
	handlers   map[string][]*subscription

	stateMu          sync.Mutex
	active           *session
	reconnectAllowed bool
	stopped          bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type subscription struct {
	handler Handler
}

// New constructs a Client. Call Connect to begin the connect/handshake/
// reconnect loop.
func New(cfg Config) *Client {
	cfg.setDefaults()
	return &Client{
		cfg:              cfg,
		handlers:         make(map[string][]*subscription),
		reconnectAllowed: true,
		stopCh:           make(chan struct{}),
	}
}

// On registers handler for event and returns a function that unsubscribes
// it. Events: connecting, connected, authenticated, auth_failed,
// disconnected, reconnecting, reconnect_failed, error, generation_start,
// token, generation_end, ack, pong.
func (cl *Client) On(event string, handler Handler) func() {
	sub := &subscription{handler: handler}
	cl.handlersMu.Lock()
	cl.handlers[event] = append(cl.handlers[event], sub)
	cl.handlersMu.Unlock()

	return func() {
		cl.handlersMu.Lock()
		defer cl.handlersMu.Unlock()
		subs := cl.handlers[event]
		for i, s := range subs {
			if s == sub {
				cl.handlers[event] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

func (cl *Client) emit(event string, payload any) {
	cl.handlersMu.Lock()
	subs := append([]*subscription(nil), cl.handlers[event]...)
	cl.handlersMu.Unlock()
	for _, s := range subs {
		s.handler(payload)
	}
}

// Connect starts the reconnect loop in the background and returns
// immediately; connection progress is reported through the "connecting",
// "connected", "authenticated", and "auth_failed" events.
func (cl *Client) Connect() {
	cl.wg.Add(1)
	go cl.runLoop()
}

// Disconnect stops the reconnect loop and closes any live session. It is
// safe to call more than once.
func (cl *Client) Disconnect() {
	cl.stopOnce.Do(func() {
		close(cl.stopCh)
	})
	cl.stateMu.Lock()
	active := cl.active
	cl.stateMu.Unlock()
	if active != nil {
		active.close()
	}
	cl.wg.Wait()
}

func (cl *Client) runLoop() {
	defer cl.wg.Done()

	attempt := 0
	var nextDelayOverride time.Duration

	for {
		select {
		case <-cl.stopCh:
			return
		default:
		}

		cl.emit("connecting", nil)
		sess, err := newSession(cl)
		if err != nil {
			cl.emit("error", fmt.Errorf("connect: %w", err))
		} else {
			cl.stateMu.Lock()
			cl.active = sess
			cl.stateMu.Unlock()

			cl.emit("connected", nil)

			disconnectReason := sess.run()

			cl.stateMu.Lock()
			cl.active = nil
			reconnectAllowed := cl.reconnectAllowed
			cl.stateMu.Unlock()

			cl.emit("disconnected", disconnectReason)

			if !reconnectAllowed {
				return
			}
			if disconnectReason != nil && disconnectReason.retryAfter > 0 {
				nextDelayOverride = time.Duration(disconnectReason.retryAfter) * time.Second
			}
		}

		select {
		case <-cl.stopCh:
			return
		default:
		}

		attempt++
		if attempt > maxReconnectTries {
			cl.emit("reconnect_failed", nil)
			return
		}

		delay := backoffDelay(cl.cfg.ReconnectDelay, attempt, defaultJitter)
		if nextDelayOverride > 0 {
			delay = nextDelayOverride
			nextDelayOverride = 0
		}
		cl.emit("reconnecting", map[string]any{
			"attempt":     attempt,
			"delay":       delay,
			"maxAttempts": maxReconnectTries,
		})

		timer := time.NewTimer(delay)
		select {
		case <-cl.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// disableReconnect permanently stops future reconnect attempts, used when
// the server reports invalid_authentication or authentication_timeout.
func (cl *Client) disableReconnect() {
	cl.stateMu.Lock()
	cl.reconnectAllowed = false
	cl.stateMu.Unlock()
}
