// Package conn owns the single logical connection to the server: a
// finite state machine with handshake liveness deadlines, periodic
// probing and timeout-based failure detection.
package conn

import (
	"context"
	"time"

	"github.com/coder/websocket"
)

// Conn abstracts the transport connection so the manager can be tested
// without a real server.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer establishes a transport connection.
type Dialer func(ctx context.Context, url string) (Conn, error)

// wsAdapter adapts *websocket.Conn to the Conn interface.
type wsAdapter struct {
	c *websocket.Conn
}

func (w *wsAdapter) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w *wsAdapter) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsAdapter) Close(code websocket.StatusCode, reason string) error {
	return w.c.Close(code, reason)
}

// WebsocketDialer dials the server over a websocket.
func WebsocketDialer(ctx context.Context, url string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, url, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return nil, err
	}
	c.SetReadLimit(readLimit)
	return &wsAdapter{c: c}, nil
}

// readLimit caps inbound frame size; sync batches are bounded by the
// server but metadata-heavy batches need headroom.
const readLimit = 4 * 1024 * 1024

// Config holds the connection deadlines and probe intervals. Zero
// values fall back to the defaults below.
type Config struct {
	URL string

	// HandshakeDeadline bounds the wait for the handshake-id signal
	// after dialing. Under a healthy connection the handshake completes
	// in roughly 150ms, so 500ms already carries 3x slack.
	HandshakeDeadline time.Duration

	// InitDeadline bounds the wait for the initialization-complete
	// signal after the handshake-id signal.
	InitDeadline time.Duration

	// FallbackDeadline bounds the wait for initialization-complete when
	// the handshake-id signal never arrives, tolerating protocol
	// variants that skip it.
	FallbackDeadline time.Duration

	// ProbeInterval is the liveness probe period while the app is
	// foreground-visible; ProbeIntervalBackground applies otherwise.
	ProbeInterval           time.Duration
	ProbeIntervalBackground time.Duration

	// ProbeAckDeadline bounds the wait for a probe acknowledgment
	// before the connection is considered degraded.
	ProbeAckDeadline time.Duration
}

func (c Config) withDefaults() Config {
	if c.HandshakeDeadline <= 0 {
		c.HandshakeDeadline = 500 * time.Millisecond
	}
	if c.InitDeadline <= 0 {
		c.InitDeadline = 500 * time.Millisecond
	}
	if c.FallbackDeadline <= 0 {
		c.FallbackDeadline = 15 * time.Second
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 15 * time.Second
	}
	if c.ProbeIntervalBackground <= 0 {
		c.ProbeIntervalBackground = 60 * time.Second
	}
	if c.ProbeAckDeadline <= 0 {
		c.ProbeAckDeadline = 10 * time.Second
	}
	return c
}
