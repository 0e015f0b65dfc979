package reconnect

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pulsesync/pulse/internal/bus"
	"github.com/pulsesync/pulse/internal/status"
)

type fakeReconnector struct {
	mu       sync.Mutex
	calls    int
	accepted bool
	err      error
	block    chan struct{} // non-nil: block until closed
}

func (f *fakeReconnector) ReconnectPrimary(ctx context.Context, _ string) (bool, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	accepted, err := f.accepted, f.err
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	return accepted, err
}

func (f *fakeReconnector) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeConn struct {
	mu      sync.Mutex
	state   status.State
	elapsed time.Duration
	closes  int
}

func (f *fakeConn) CurrentState() status.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeConn) AttemptElapsed() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.elapsed
}

func (f *fakeConn) Close(string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
}

func testConfig() Config {
	return Config{
		NetworkWait:         50 * time.Millisecond,
		BaseDelay:           5 * time.Millisecond,
		MaxDelay:            20 * time.Millisecond,
		UnhealthyDelay:      10 * time.Millisecond,
		MaxRetries:          3,
		HealthCheckInterval: time.Hour,
		StuckConnecting:     50 * time.Millisecond,
		StuckReconnecting:   50 * time.Millisecond,
		HealthyAfter:        20 * time.Millisecond,
		ProbeTimeout:        50 * time.Millisecond,
	}
}

func waitFor(t *testing.T, within time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestRequestInvokesPrimary(t *testing.T) {
	rc := &fakeReconnector{accepted: true}
	s := NewScheduler(testConfig(), &fakeConn{state: status.Reconnecting}, rc, nil, nil, nil)
	defer s.Stop()

	s.Request("connection lost")
	waitFor(t, time.Second, func() bool { return rc.callCount() == 1 })
}

func TestConcurrentRequestsCoalesced(t *testing.T) {
	rc := &fakeReconnector{accepted: true, block: make(chan struct{})}
	s := NewScheduler(testConfig(), &fakeConn{state: status.Reconnecting}, rc, nil, nil, nil)
	defer s.Stop()

	s.Request("first")
	waitFor(t, time.Second, func() bool { return rc.callCount() == 1 })
	s.Request("second")
	s.Request("third")

	close(rc.block)
	time.Sleep(50 * time.Millisecond)

	if got := rc.callCount(); got != 1 {
		t.Errorf("calls = %d, want 1 (duplicates merged, not queued)", got)
	}
}

func TestRetryCeilingPublishesTerminalFailure(t *testing.T) {
	b := bus.New()
	failCh, unsub := b.Subscribe("conn.failed", 4)
	defer unsub()

	rc := &fakeReconnector{accepted: true, err: errors.New("handshake failed")}
	s := NewScheduler(testConfig(), &fakeConn{state: status.Reconnecting}, rc, nil, b, nil)
	defer s.Stop()

	s.Request("connection lost")

	select {
	case evt := <-failCh:
		if !errors.Is(evt.Payload.(error), ErrRetriesExhausted) {
			t.Errorf("payload = %v", evt.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("terminal failure never published")
	}

	if got := rc.callCount(); got != 3 {
		t.Errorf("attempts = %d, want MaxRetries=3", got)
	}
}

func TestAsyncAttemptFailuresHitRetryCeiling(t *testing.T) {
	b := bus.New()
	failCh, unsub := b.Subscribe("conn.failed", 4)
	defer unsub()

	// The connection manager accepts every launch; failures arrive
	// later through AttemptFailed, the way dial and handshake errors do.
	rc := &fakeReconnector{accepted: true}
	cfg := testConfig()
	s := NewScheduler(cfg, &fakeConn{state: status.Reconnecting}, rc, nil, b, nil)
	defer s.Stop()

	s.Request("connection lost")
	for i := 0; i < cfg.MaxRetries; i++ {
		want := i + 1
		waitFor(t, time.Second, func() bool { return rc.callCount() == want })
		s.AttemptFailed("dial: connection refused")
	}

	select {
	case evt := <-failCh:
		if !errors.Is(evt.Payload.(error), ErrRetriesExhausted) {
			t.Errorf("payload = %v", evt.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("terminal failure never published")
	}

	time.Sleep(50 * time.Millisecond)
	if got := rc.callCount(); got != cfg.MaxRetries {
		t.Errorf("attempts = %d, want exactly MaxRetries=%d", got, cfg.MaxRetries)
	}
}

func TestCancelResetsInFlightGuard(t *testing.T) {
	rc := &fakeReconnector{accepted: true, block: make(chan struct{})}
	s := NewScheduler(testConfig(), &fakeConn{state: status.Reconnecting}, rc, nil, nil, nil)
	defer s.Stop()

	s.Request("first")
	waitFor(t, time.Second, func() bool { return rc.callCount() == 1 })

	s.Cancel()

	// After cancellation a fresh request must start a new attempt.
	s.Request("after cancel")
	waitFor(t, time.Second, func() bool { return rc.callCount() == 2 })
}

func TestHealthCheckRecoversStuckConnecting(t *testing.T) {
	rc := &fakeReconnector{accepted: true}
	conn := &fakeConn{state: status.Connecting, elapsed: time.Hour}
	s := NewScheduler(testConfig(), conn, rc, nil, nil, nil)
	defer s.Stop()

	s.HealthCheck()

	conn.mu.Lock()
	closes := conn.closes
	conn.mu.Unlock()
	if closes != 1 {
		t.Errorf("closes = %d, want 1 (stalled attempt abandoned)", closes)
	}
	waitFor(t, time.Second, func() bool { return rc.callCount() == 1 })
}

func TestHealthCheckRecoversWedgedReconnecting(t *testing.T) {
	rc := &fakeReconnector{accepted: true}
	// Reconnecting, no attempt in flight, no scheduler activity: the
	// guard was lost and must be recovered.
	conn := &fakeConn{state: status.Reconnecting, elapsed: 0}
	s := NewScheduler(testConfig(), conn, rc, nil, nil, nil)
	defer s.Stop()

	s.HealthCheck()
	waitFor(t, time.Second, func() bool { return rc.callCount() == 1 })
}

func TestHealthCheckLeavesHealthyStatesAlone(t *testing.T) {
	rc := &fakeReconnector{accepted: true}
	conn := &fakeConn{state: status.Connected}
	s := NewScheduler(testConfig(), conn, rc, nil, nil, nil)
	defer s.Stop()

	s.HealthCheck()
	time.Sleep(50 * time.Millisecond)
	if got := rc.callCount(); got != 0 {
		t.Errorf("calls = %d, want 0", got)
	}
}

func TestUnvalidatedNetworkProceedsAfterBoundedWait(t *testing.T) {
	rc := &fakeReconnector{accepted: true}
	s := NewScheduler(testConfig(), &fakeConn{state: status.Reconnecting}, rc,
		func() bool { return false }, nil, nil)
	defer s.Stop()

	start := time.Now()
	s.Request("network flap")
	waitFor(t, time.Second, func() bool { return rc.callCount() == 1 })

	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("attempt ran after %s, want bounded network wait first", elapsed)
	}
}

func TestQueuedWhenNoPrimary(t *testing.T) {
	rc := &fakeReconnector{accepted: false}
	s := NewScheduler(testConfig(), &fakeConn{state: status.Reconnecting}, rc, nil, nil, nil)
	defer s.Stop()

	s.Request("connection lost")
	waitFor(t, time.Second, func() bool { return rc.callCount() == 1 })
	time.Sleep(50 * time.Millisecond)

	// Not retried: the registry owns the queued request now.
	if got := rc.callCount(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}
