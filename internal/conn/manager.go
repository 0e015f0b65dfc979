package conn

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/pulsesync/pulse/internal/status"
	"github.com/pulsesync/pulse/internal/wire"
	"go.uber.org/zap"
)

// Handlers route decoded frames and failures out of the manager. The
// manager never touches storage or the scheduler directly.
type Handlers struct {
	// OnBatch is called for every sync batch, in arrival order, from
	// the read loop goroutine. It must not drop batches.
	OnBatch func(*wire.SyncBatch)
	// OnResponse is called for command responses.
	OnResponse func(wire.CommandResponse)
	// OnDown is called when the connection fails on its own (deadline
	// expiry, read error, probe timeout). An explicit Close does not
	// trigger it; the closer schedules recovery itself.
	OnDown func(reason string)
}

// Manager owns the single connection. All state transitions run
// through the status machine, so every change is observable on the bus.
type Manager struct {
	cfg      Config
	machine  *status.Machine
	logger   *zap.Logger
	dial     Dialer
	handlers Handlers

	since func() string
	ackCh chan struct{}

	mu           sync.Mutex
	conn         Conn
	connCancel   context.CancelFunc
	generation   int
	attemptStart time.Time
	visible      bool
	lastLiveness time.Time
	lastRTT      time.Duration
}

// NewManager creates a connection manager. Handlers are set separately
// so the runtime can wire the ingestor and registry after construction.
func NewManager(cfg Config, machine *status.Machine, dial Dialer, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:     cfg.withDefaults(),
		machine: machine,
		dial:    dial,
		logger:  logger,
		ackCh:   make(chan struct{}, 1),
		visible: true,
	}
}

// SetHandlers installs the frame and failure handlers. Must be called
// before Open.
func (m *Manager) SetHandlers(h Handlers) {
	m.mu.Lock()
	m.handlers = h
	m.mu.Unlock()
}

// SetSinceProvider installs the source of the stored resume token. When
// set, each established connection opens with a resume frame so the
// server replays from the last durably absorbed batch. Must be called
// before Open.
func (m *Manager) SetSinceProvider(fn func() string) {
	m.since = fn
}

// CurrentState returns the connection state.
func (m *Manager) CurrentState() status.State {
	return m.machine.Current()
}

// LastLiveness returns when a liveness signal was last received and the
// most recent probe round-trip time.
func (m *Manager) LastLiveness() (time.Time, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastLiveness, m.lastRTT
}

// AttemptElapsed returns how long the current connection attempt has
// been in flight, or zero when none is.
func (m *Manager) AttemptElapsed() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connCancel == nil || m.attemptStart.IsZero() {
		return 0
	}
	return time.Since(m.attemptStart)
}

// SetVisible adjusts the liveness probe interval for app visibility.
func (m *Manager) SetVisible(visible bool) {
	m.mu.Lock()
	m.visible = visible
	m.mu.Unlock()
}

// MarkLivenessReceived records that the server showed signs of life.
// rtt is zero when the signal was not a probe acknowledgment.
func (m *Manager) MarkLivenessReceived(rtt time.Duration) {
	m.mu.Lock()
	m.lastLiveness = time.Now()
	if rtt > 0 {
		m.lastRTT = rtt
	}
	m.mu.Unlock()

	select {
	case m.ackCh <- struct{}{}:
	default:
	}
}

// Open starts a connection attempt. A second Open while an attempt is
// in flight is coalesced into a no-op. Dialing and the handshake run in
// the background; failures surface through OnDown.
func (m *Manager) Open(ctx context.Context) error {
	m.mu.Lock()
	if m.connCancel != nil {
		m.mu.Unlock()
		return nil
	}

	switch m.machine.Current() {
	case status.Connected, status.Degraded:
		_ = m.machine.Transition(status.Reconnecting)
	}
	if err := m.machine.Transition(status.Connecting); err != nil {
		m.mu.Unlock()
		return err
	}

	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.connCancel = cancel
	m.generation++
	gen := m.generation
	m.attemptStart = time.Now()
	m.mu.Unlock()

	go m.run(connCtx, gen)
	return nil
}

// Close tears the connection down and transitions toward recovery. The
// caller is responsible for requesting reconnection; OnDown is not
// invoked. Used by the network monitor and the scheduler's stuck-state
// recovery.
func (m *Manager) Close(reason string) {
	m.logger.Info("closing connection", zap.String("reason", reason))
	m.teardown()
	switch m.machine.Current() {
	case status.Connected, status.Degraded, status.Connecting:
		_ = m.machine.Transition(status.Reconnecting)
	}
}

// Shutdown tears the connection down for good, ending in Disconnected.
func (m *Manager) Shutdown() {
	m.teardown()
	switch m.machine.Current() {
	case status.Connected, status.Degraded, status.Connecting:
		_ = m.machine.Transition(status.Reconnecting)
	}
	_ = m.machine.Transition(status.Disconnected)
}

// teardown cancels the attempt goroutines and closes the socket. The
// in-flight guard is reset atomically with cancellation so a stalled
// attempt can never wedge the "already connecting" check.
func (m *Manager) teardown() {
	m.mu.Lock()
	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}
	m.generation++
	c := m.conn
	m.conn = nil
	m.mu.Unlock()

	if c != nil {
		_ = c.Close(websocket.StatusNormalClosure, "closed")
	}
}

// SendFrame writes an encoded frame to the live connection.
func (m *Manager) SendFrame(ctx context.Context, frame any) error {
	m.mu.Lock()
	c := m.conn
	m.mu.Unlock()
	if c == nil {
		return errNotConnected
	}
	data, err := wire.Encode(frame)
	if err != nil {
		return err
	}
	return c.Write(ctx, data)
}

var errNotConnected = errors.New("not connected")

// run dials, performs the handshake and then holds the connection until
// it fails or is torn down.
func (m *Manager) run(ctx context.Context, gen int) {
	c, err := m.dial(ctx, m.cfg.URL)
	if err != nil {
		m.fail(gen, "dial: "+err.Error())
		return
	}

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		_ = c.Close(websocket.StatusNormalClosure, "superseded")
		return
	}
	m.conn = c
	m.mu.Unlock()

	helloCh := make(chan struct{}, 1)
	readyCh := make(chan struct{}, 1)
	go m.readLoop(ctx, gen, c, helloCh, readyCh)

	if !m.awaitHandshake(ctx, helloCh, readyCh) {
		if ctx.Err() == nil {
			m.fail(gen, "handshake deadline expired")
		}
		return
	}

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.attemptStart = time.Time{}
	m.mu.Unlock()

	if err := m.machine.Transition(status.Connected); err != nil {
		m.logger.Warn("connected transition rejected", zap.Error(err))
		return
	}
	m.logger.Info("connection established")

	if m.since != nil {
		if token := m.since(); token != "" {
			if err := m.SendFrame(ctx, &wire.Resume{Op: wire.OpResume, Since: token}); err != nil {
				m.logger.Warn("resume token send failed", zap.Error(err))
			}
		}
	}

	m.probeLoop(ctx, gen)
}

// awaitHandshake waits for the two sequential liveness signals: the
// handshake-id signal within HandshakeDeadline, then initialization-
// complete within InitDeadline. If the handshake-id signal never
// arrives, it falls back to waiting for initialization-complete alone
// until FallbackDeadline from the start of the attempt.
func (m *Manager) awaitHandshake(ctx context.Context, helloCh, readyCh <-chan struct{}) bool {
	start := time.Now()

	helloTimer := time.NewTimer(m.cfg.HandshakeDeadline)
	defer helloTimer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-readyCh:
		// Init-complete without a handshake-id signal is accepted
		// whenever it beats the short deadline.
		return true
	case <-helloCh:
		initTimer := time.NewTimer(m.cfg.InitDeadline)
		defer initTimer.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-readyCh:
			return true
		case <-initTimer.C:
			return false
		}
	case <-helloTimer.C:
		remaining := m.cfg.FallbackDeadline - time.Since(start)
		if remaining <= 0 {
			return false
		}
		m.logger.Warn("handshake-id signal missing, falling back to long deadline",
			zap.Duration("remaining", remaining))
		fallbackTimer := time.NewTimer(remaining)
		defer fallbackTimer.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-readyCh:
			return true
		case <-fallbackTimer.C:
			return false
		}
	}
}

// readLoop reads and decodes frames, feeding the handshake watchdog and
// the installed handlers. Sync batches are delivered synchronously so
// per-conversation arrival order is preserved.
func (m *Manager) readLoop(ctx context.Context, gen int, c Conn, helloCh, readyCh chan<- struct{}) {
	for {
		data, err := c.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				m.fail(gen, "read: "+err.Error())
			}
			return
		}

		frame, err := wire.Decode(data)
		if err != nil {
			m.logger.Warn("dropping undecodable frame", zap.Error(err))
			continue
		}

		m.MarkLivenessReceived(0)

		switch f := frame.(type) {
		case *wire.Hello:
			m.logger.Debug("handshake-id received", zap.String("conn_id", f.ConnID))
			select {
			case helloCh <- struct{}{}:
			default:
			}
		case *wire.Ready:
			select {
			case readyCh <- struct{}{}:
			default:
			}
		case *wire.Pong:
			if f.At > 0 {
				m.MarkLivenessReceived(time.Since(time.UnixMilli(f.At)))
			}
		case *wire.SyncBatch:
			if h := m.batchHandler(); h != nil {
				h(f)
			}
		case *wire.CommandResponse:
			if h := m.responseHandler(); h != nil {
				h(*f)
			}
		}
	}
}

// probeLoop sends liveness probes and degrades the connection when an
// acknowledgment misses its deadline. The interval is re-read every
// cycle so visibility changes take effect on the next probe.
func (m *Manager) probeLoop(ctx context.Context, gen int) {
	for {
		m.mu.Lock()
		interval := m.cfg.ProbeInterval
		if !m.visible {
			interval = m.cfg.ProbeIntervalBackground
		}
		m.mu.Unlock()

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		// Drop any liveness signal that predates this probe so the
		// wait below only wakes for fresh traffic.
		select {
		case <-m.ackCh:
		default:
		}

		sentAt := time.Now()
		if err := m.SendFrame(ctx, &wire.Ping{Op: wire.OpPing, At: sentAt.UnixMilli()}); err != nil {
			if ctx.Err() == nil {
				m.fail(gen, "probe write: "+err.Error())
			}
			return
		}

		if !m.awaitAck(ctx, sentAt) {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("liveness probe unacknowledged")
			_ = m.machine.Transition(status.Degraded)
			m.fail(gen, "liveness probe timeout")
			return
		}
	}
}

// awaitAck waits for a liveness signal newer than sentAt, returning as
// soon as one lands rather than sleeping out the full deadline.
func (m *Manager) awaitAck(ctx context.Context, sentAt time.Time) bool {
	deadline := time.NewTimer(m.cfg.ProbeAckDeadline)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-m.ackCh:
			m.mu.Lock()
			acked := m.lastLiveness.After(sentAt)
			m.mu.Unlock()
			if acked {
				return true
			}
		}
	}
}

// fail tears down a specific connection generation and reports it.
// Stale generations (already superseded or closed) are ignored.
func (m *Manager) fail(gen int, reason string) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}
	m.generation++
	c := m.conn
	m.conn = nil
	onDown := m.handlers.OnDown
	m.mu.Unlock()

	if c != nil {
		_ = c.Close(websocket.StatusInternalError, "connection failed")
	}

	m.logger.Warn("connection down", zap.String("reason", reason))
	switch m.machine.Current() {
	case status.Connecting:
		_ = m.machine.Transition(status.Disconnected)
	case status.Connected, status.Degraded:
		_ = m.machine.Transition(status.Reconnecting)
	}

	if onDown != nil {
		onDown(reason)
	}
}

func (m *Manager) batchHandler() func(*wire.SyncBatch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handlers.OnBatch
}

func (m *Manager) responseHandler() func(wire.CommandResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handlers.OnResponse
}
