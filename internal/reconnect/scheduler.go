// Package reconnect decides when and how a dropped or stuck connection
// is re-established: exponential backoff with a retry ceiling, a
// backend-health pre-check, and periodic stuck-state detection that
// forces recovery.
package reconnect

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pulsesync/pulse/internal/bus"
	"github.com/pulsesync/pulse/internal/status"
	"go.uber.org/zap"
)

// ErrRetriesExhausted is surfaced as a terminal connection failure once
// the retry ceiling is hit.
var ErrRetriesExhausted = errors.New("reconnect retries exhausted")

// Reconnector performs the actual reconnect. The callback registry
// routes this to whichever consumer is currently primary; when none is
// attached the request is queued there and replayed on attach.
type Reconnector interface {
	ReconnectPrimary(ctx context.Context, reason string) (accepted bool, err error)
}

// Connection is the slice of the connection manager the scheduler needs
// for stuck-state detection.
type Connection interface {
	CurrentState() status.State
	AttemptElapsed() time.Duration
	Close(reason string)
}

// NetworkValidator reports whether the platform currently considers the
// network validated.
type NetworkValidator func() bool

// Config holds the scheduler's tunables.
type Config struct {
	// BackendURL is probed with a bounded HEAD request before each
	// attempt; probe failure lengthens the pre-attempt delay.
	BackendURL string

	// NetworkWait bounds how long an attempt waits for the network to
	// report itself validated before proceeding anyway.
	NetworkWait time.Duration

	// BaseDelay and MaxDelay bound the exponential backoff between
	// attempts. UnhealthyDelay replaces BaseDelay when the backend
	// probe failed.
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	UnhealthyDelay time.Duration

	// MaxRetries is the retry ceiling before the failure is terminal.
	MaxRetries int

	// HealthCheckInterval is the period of the stuck-state sweep.
	// StuckConnecting and StuckReconnecting are the thresholds beyond
	// which a stalled state is forcibly recovered.
	HealthCheckInterval time.Duration
	StuckConnecting     time.Duration
	StuckReconnecting   time.Duration

	// HealthyAfter is how long the connection must stay connected
	// before the retry counter resets.
	HealthyAfter time.Duration

	// ProbeTimeout bounds the backend reachability probe.
	ProbeTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.NetworkWait <= 0 {
		c.NetworkWait = 5 * time.Second
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Minute
	}
	if c.UnhealthyDelay <= 0 {
		c.UnhealthyDelay = 10 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 8
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.StuckConnecting <= 0 {
		c.StuckConnecting = 20 * time.Second
	}
	if c.StuckReconnecting <= 0 {
		c.StuckReconnecting = 60 * time.Second
	}
	if c.HealthyAfter <= 0 {
		c.HealthyAfter = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 3 * time.Second
	}
	return c
}

// Scheduler coalesces reconnection requests and drives recovery.
type Scheduler struct {
	cfg        Config
	conn       Connection
	reconnect  Reconnector
	validated  NetworkValidator
	bus        *bus.Bus
	logger     *zap.Logger
	httpClient *http.Client

	mu            sync.Mutex
	inFlight      bool
	attemptCancel context.CancelFunc
	retries       int
	bo            *backoff.ExponentialBackOff
	connectedAt   time.Time

	cancelLoop context.CancelFunc
}

// NewScheduler creates a reconnection scheduler.
func NewScheduler(cfg Config, conn Connection, rc Reconnector, validated NetworkValidator, b *bus.Bus, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.BaseDelay
	bo.MaxInterval = cfg.MaxDelay
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0 // ceiling is enforced by retry count, not elapsed time
	bo.Reset()
	return &Scheduler{
		cfg:        cfg,
		conn:       conn,
		reconnect:  rc,
		validated:  validated,
		bus:        b,
		logger:     logger,
		httpClient: &http.Client{Timeout: cfg.ProbeTimeout},
		bo:         bo,
	}
}

// Start launches the periodic health check and the state watcher that
// resets the retry counter after a sustained healthy connection.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancelLoop = context.WithCancel(ctx)

	go s.healthLoop(ctx)
	if s.bus != nil {
		go s.watchState(ctx)
	}
}

// Stop halts the background loops and cancels any in-flight attempt.
func (s *Scheduler) Stop() {
	if s.cancelLoop != nil {
		s.cancelLoop()
	}
	s.Cancel()
}

// Request asks for a reconnection. Requests while one is already in
// flight are merged, never stacked.
func (s *Scheduler) Request(reason string) {
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		s.logger.Debug("reconnect already in flight, merging request", zap.String("reason", reason))
		return
	}
	s.inFlight = true
	ctx, cancel := context.WithCancel(context.Background())
	s.attemptCancel = cancel
	s.mu.Unlock()

	go s.attempt(ctx, reason)
}

// AttemptFailed reports that a previously launched attempt failed after
// the fact. Launching and failing are decoupled: the connection manager
// accepts a reconnect as soon as the attempt is in flight, and dial,
// handshake or probe failures surface asynchronously. Those failures
// land here so they count toward the retry ceiling instead of looping
// forever at the capped backoff.
func (s *Scheduler) AttemptFailed(reason string) {
	s.logger.Warn("connection attempt failed", zap.String("reason", reason))
	s.retryOrGiveUp(reason)
}

// Cancel aborts the in-flight attempt, if any. The in-flight guard is
// reset atomically with the cancellation so a superseded attempt can
// never leave a permanently stuck "already reconnecting" state.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	if s.attemptCancel != nil {
		s.attemptCancel()
		s.attemptCancel = nil
	}
	s.inFlight = false
	s.mu.Unlock()
}

// attempt runs one full reconnection cycle: network wait, backend
// probe, backoff delay, then the reconnect itself via the primary
// consumer.
func (s *Scheduler) attempt(ctx context.Context, reason string) {
	s.logger.Info("reconnect requested", zap.String("reason", reason), zap.Int("retries", s.retryCount()))

	if !s.waitForNetwork(ctx) {
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("network not validated after bounded wait, proceeding anyway")
	}

	delay := s.nextDelay()
	if !s.probeBackend(ctx) {
		s.logger.Warn("backend probe failed, delaying longer")
		if s.cfg.UnhealthyDelay > delay {
			delay = s.cfg.UnhealthyDelay
		}
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	accepted, err := s.reconnect.ReconnectPrimary(ctx, reason)
	if ctx.Err() != nil {
		return
	}
	if err == nil && accepted {
		s.finish()
		return
	}
	if !accepted {
		// No consumer attached: the registry queued the request and
		// will replay it on attach. Nothing to retry here.
		s.logger.Info("no primary consumer attached, request queued")
		s.finish()
		return
	}

	s.logger.Warn("reconnect attempt failed", zap.Error(err))
	s.finish()
	s.retryOrGiveUp(reason)
}

func (s *Scheduler) finish() {
	s.mu.Lock()
	s.inFlight = false
	s.attemptCancel = nil
	s.mu.Unlock()
}

func (s *Scheduler) retryOrGiveUp(reason string) {
	s.mu.Lock()
	s.retries++
	exhausted := s.retries >= s.cfg.MaxRetries
	s.mu.Unlock()

	if exhausted {
		s.logger.Error("retry ceiling reached, reporting terminal connection failure",
			zap.Int("retries", s.cfg.MaxRetries))
		if s.bus != nil {
			s.bus.Publish(bus.Event{
				Kind:      bus.KindConnFailed,
				Timestamp: time.Now(),
				Payload:   ErrRetriesExhausted,
			})
		}
		return
	}
	s.Request(reason)
}

func (s *Scheduler) retryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries
}

func (s *Scheduler) nextDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bo.NextBackOff()
}

// waitForNetwork polls for network validation, bounded by NetworkWait.
func (s *Scheduler) waitForNetwork(ctx context.Context) bool {
	if s.validated == nil || s.validated() {
		return true
	}
	deadline := time.After(s.cfg.NetworkWait)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline:
			return false
		case <-ticker.C:
			if s.validated() {
				return true
			}
		}
	}
}

// probeBackend performs a lightweight reachability check. A missing
// backend URL counts as reachable; only the probe's transport failure
// lengthens the delay.
func (s *Scheduler) probeBackend(ctx context.Context) bool {
	if s.cfg.BackendURL == "" {
		return true
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.cfg.BackendURL, nil)
	if err != nil {
		return false
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// healthLoop periodically recovers stuck states: Connecting past its
// deadline or Reconnecting past the stuck threshold cancels the stalled
// attempt and issues a fresh request.
func (s *Scheduler) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.HealthCheck()
		}
	}
}

// HealthCheck inspects the connection state and forces recovery of
// stalled attempts. Exported so tests and the runtime can trigger a
// sweep directly.
func (s *Scheduler) HealthCheck() {
	state := s.conn.CurrentState()
	switch state {
	case status.Connecting:
		if elapsed := s.conn.AttemptElapsed(); elapsed > s.cfg.StuckConnecting {
			s.logger.Warn("connecting stuck beyond deadline, forcing recovery",
				zap.Duration("elapsed", elapsed))
			s.Cancel()
			s.conn.Close("stuck connecting")
			s.Request("health check: stuck connecting")
		}
	case status.Reconnecting:
		stuck := false
		s.mu.Lock()
		inFlight := s.inFlight
		s.mu.Unlock()
		if elapsed := s.conn.AttemptElapsed(); elapsed > s.cfg.StuckReconnecting {
			stuck = true
		} else if !inFlight && s.conn.AttemptElapsed() == 0 {
			// Reconnecting with no attempt and no scheduler activity is
			// a wedged guard from a lost cancellation.
			stuck = true
		}
		if stuck {
			s.logger.Warn("reconnecting stuck, forcing recovery")
			s.Cancel()
			s.Request("health check: stuck reconnecting")
		}
	}
}

// watchState resets the retry counter once the connection has stayed
// healthy for HealthyAfter.
func (s *Scheduler) watchState(ctx context.Context) {
	ch, unsub := s.bus.Subscribe("conn.", 16)
	defer unsub()

	var healthyTimer *time.Timer
	defer func() {
		if healthyTimer != nil {
			healthyTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-ch:
			change, ok := evt.Payload.(status.StatusChange)
			if !ok {
				continue
			}
			if change.To == status.Connected {
				s.mu.Lock()
				s.connectedAt = time.Now()
				s.mu.Unlock()
				if healthyTimer != nil {
					healthyTimer.Stop()
				}
				healthyTimer = time.AfterFunc(s.cfg.HealthyAfter, s.resetRetries)
			} else if healthyTimer != nil {
				healthyTimer.Stop()
			}
		}
	}
}

func (s *Scheduler) resetRetries() {
	s.mu.Lock()
	s.retries = 0
	s.bo.Reset()
	s.mu.Unlock()
	s.logger.Info("connection healthy, retry counter reset")
}
