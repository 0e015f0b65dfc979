package conn

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/pulsesync/pulse/internal/bus"
	"github.com/pulsesync/pulse/internal/status"
	"github.com/pulsesync/pulse/internal/wire"
)

// fakeConn feeds scripted frames to the read loop and records writes.
type fakeConn struct {
	inbound chan []byte

	mu     sync.Mutex
	writes [][]byte
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16)}
}

func (f *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case data, ok := <-f.inbound:
		if !ok {
			return nil, context.Canceled
		}
		return data, nil
	}
}

func (f *fakeConn) Write(_ context.Context, data []byte) error {
	f.mu.Lock()
	f.writes = append(f.writes, data)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) Close(_ websocket.StatusCode, _ string) error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) push(t *testing.T, frame any) {
	t.Helper()
	data, err := wire.Encode(frame)
	if err != nil {
		t.Fatal(err)
	}
	f.inbound <- data
}

func testManager(t *testing.T, cfg Config, fc *fakeConn) (*Manager, *status.Machine, chan string) {
	t.Helper()
	machine := status.NewMachine(bus.New())
	downCh := make(chan string, 4)
	m := NewManager(cfg, machine, func(context.Context, string) (Conn, error) {
		return fc, nil
	}, nil)
	m.SetHandlers(Handlers{
		OnDown: func(reason string) { downCh <- reason },
	})
	t.Cleanup(m.Shutdown)
	return m, machine, downCh
}

func waitForState(t *testing.T, machine *status.Machine, want status.State, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if machine.Current() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s within %s", machine.Current(), want, within)
}

func TestHandshakeHappyPath(t *testing.T) {
	fc := newFakeConn()
	cfg := Config{
		HandshakeDeadline: 100 * time.Millisecond,
		InitDeadline:      100 * time.Millisecond,
		FallbackDeadline:  time.Second,
		ProbeInterval:     time.Hour,
	}
	m, machine, downCh := testManager(t, cfg, fc)

	if err := m.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	fc.push(t, &wire.Hello{Op: wire.OpHello, ConnID: "x"})
	fc.push(t, &wire.Ready{Op: wire.OpReady})

	waitForState(t, machine, status.Connected, time.Second)

	select {
	case reason := <-downCh:
		t.Errorf("unexpected down: %s", reason)
	default:
	}
}

func TestHandshakeFallbackWithoutHello(t *testing.T) {
	fc := newFakeConn()
	cfg := Config{
		HandshakeDeadline: 30 * time.Millisecond,
		InitDeadline:      30 * time.Millisecond,
		FallbackDeadline:  500 * time.Millisecond,
		ProbeInterval:     time.Hour,
	}
	m, machine, _ := testManager(t, cfg, fc)

	if err := m.Open(context.Background()); err != nil {
		t.Fatal(err)
	}

	// The handshake-id signal never arrives; ready lands after the
	// short deadline but inside the fallback window.
	go func() {
		time.Sleep(100 * time.Millisecond)
		data, _ := wire.Encode(&wire.Ready{Op: wire.OpReady})
		fc.inbound <- data
	}()

	waitForState(t, machine, status.Connected, time.Second)
}

func TestHandshakeDeadlineExpiry(t *testing.T) {
	fc := newFakeConn()
	cfg := Config{
		HandshakeDeadline: 20 * time.Millisecond,
		InitDeadline:      20 * time.Millisecond,
		FallbackDeadline:  80 * time.Millisecond,
		ProbeInterval:     time.Hour,
	}
	m, machine, downCh := testManager(t, cfg, fc)

	if err := m.Open(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case <-downCh:
	case <-time.After(time.Second):
		t.Fatal("no down notification after handshake deadline")
	}
	waitForState(t, machine, status.Disconnected, time.Second)
}

func TestInitDeadlineAfterHello(t *testing.T) {
	fc := newFakeConn()
	cfg := Config{
		HandshakeDeadline: 200 * time.Millisecond,
		InitDeadline:      30 * time.Millisecond,
		FallbackDeadline:  5 * time.Second,
		ProbeInterval:     time.Hour,
	}
	m, _, downCh := testManager(t, cfg, fc)

	if err := m.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	fc.push(t, &wire.Hello{Op: wire.OpHello, ConnID: "x"})
	// Ready never arrives within InitDeadline.

	select {
	case <-downCh:
	case <-time.After(time.Second):
		t.Fatal("no down notification after init deadline")
	}
}

func TestDuplicateOpenCoalesced(t *testing.T) {
	fc := newFakeConn()
	cfg := Config{FallbackDeadline: time.Hour, HandshakeDeadline: time.Hour, ProbeInterval: time.Hour}
	m, _, _ := testManager(t, cfg, fc)

	if err := m.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Second open while the first attempt is in flight is a no-op.
	if err := m.Open(context.Background()); err != nil {
		t.Errorf("coalesced open returned error: %v", err)
	}
	if m.AttemptElapsed() <= 0 {
		t.Error("attempt should be in flight")
	}
}

func TestProbeTimeoutDegrades(t *testing.T) {
	fc := newFakeConn()
	cfg := Config{
		HandshakeDeadline: 100 * time.Millisecond,
		InitDeadline:      100 * time.Millisecond,
		FallbackDeadline:  time.Second,
		ProbeInterval:     30 * time.Millisecond,
		ProbeAckDeadline:  30 * time.Millisecond,
	}
	m, machine, downCh := testManager(t, cfg, fc)

	if err := m.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	fc.push(t, &wire.Hello{Op: wire.OpHello})
	fc.push(t, &wire.Ready{Op: wire.OpReady})
	waitForState(t, machine, status.Connected, time.Second)

	// Pings are swallowed; the probe ack deadline must trip.
	select {
	case reason := <-downCh:
		if reason != "liveness probe timeout" {
			t.Errorf("reason = %q", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("probe timeout never reported")
	}
	waitForState(t, machine, status.Reconnecting, time.Second)
}

func TestPongAcksProbe(t *testing.T) {
	fc := newFakeConn()
	cfg := Config{
		HandshakeDeadline: 100 * time.Millisecond,
		InitDeadline:      100 * time.Millisecond,
		FallbackDeadline:  time.Second,
		ProbeInterval:     20 * time.Millisecond,
		ProbeAckDeadline:  100 * time.Millisecond,
	}
	m, machine, downCh := testManager(t, cfg, fc)

	if err := m.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	fc.push(t, &wire.Hello{Op: wire.OpHello})
	fc.push(t, &wire.Ready{Op: wire.OpReady})
	waitForState(t, machine, status.Connected, time.Second)

	// Answer every ping with a pong for a few cycles.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			time.Sleep(30 * time.Millisecond)
			fc.mu.Lock()
			n := len(fc.writes)
			fc.mu.Unlock()
			if n > 0 {
				data, _ := wire.Encode(&wire.Pong{Op: wire.OpPong, At: time.Now().UnixMilli()})
				fc.inbound <- data
			}
		}
	}()
	<-done

	select {
	case reason := <-downCh:
		t.Errorf("connection went down despite pongs: %s", reason)
	default:
	}
	if machine.Current() != status.Connected {
		t.Errorf("state = %s, want CONNECTED", machine.Current())
	}

	last, _ := m.LastLiveness()
	if last.IsZero() {
		t.Error("liveness never recorded")
	}
}

func TestProbeCycleResumesOnAck(t *testing.T) {
	fc := newFakeConn()
	cfg := Config{
		HandshakeDeadline: 100 * time.Millisecond,
		InitDeadline:      100 * time.Millisecond,
		FallbackDeadline:  time.Second,
		ProbeInterval:     30 * time.Millisecond,
		// Far longer than the test runs: if the loop slept out the
		// deadline after each ping, a single cycle would not finish.
		ProbeAckDeadline: 10 * time.Second,
	}
	m, machine, downCh := testManager(t, cfg, fc)

	if err := m.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	fc.push(t, &wire.Hello{Op: wire.OpHello})
	fc.push(t, &wire.Ready{Op: wire.OpReady})
	waitForState(t, machine, status.Connected, time.Second)

	// Answer each ping the moment it is written.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		answered := 0
		for {
			select {
			case <-stop:
				return
			case <-time.After(2 * time.Millisecond):
			}
			fc.mu.Lock()
			n := len(fc.writes)
			fc.mu.Unlock()
			for answered < n {
				answered++
				data, _ := wire.Encode(&wire.Pong{Op: wire.OpPong, At: time.Now().UnixMilli()})
				fc.inbound <- data
			}
		}
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		fc.mu.Lock()
		pings := 0
		for _, data := range fc.writes {
			var f wire.Ping
			if json.Unmarshal(data, &f) == nil && f.Op == wire.OpPing {
				pings++
			}
		}
		fc.mu.Unlock()
		if pings >= 3 {
			select {
			case reason := <-downCh:
				t.Fatalf("connection went down despite pongs: %s", reason)
			default:
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("fewer than 3 probes in a second; ack did not wake the probe cycle")
}

func TestResumeTokenSentAfterConnect(t *testing.T) {
	fc := newFakeConn()
	cfg := Config{
		HandshakeDeadline: 100 * time.Millisecond,
		InitDeadline:      100 * time.Millisecond,
		FallbackDeadline:  time.Second,
		ProbeInterval:     time.Hour,
	}
	m, machine, _ := testManager(t, cfg, fc)
	m.SetSinceProvider(func() string { return "tok-9" })

	if err := m.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	fc.push(t, &wire.Hello{Op: wire.OpHello})
	fc.push(t, &wire.Ready{Op: wire.OpReady})
	waitForState(t, machine, status.Connected, time.Second)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		fc.mu.Lock()
		writes := append([][]byte(nil), fc.writes...)
		fc.mu.Unlock()
		for _, data := range writes {
			var f wire.Resume
			if json.Unmarshal(data, &f) == nil && f.Op == wire.OpResume {
				if f.Since != "tok-9" {
					t.Fatalf("resume since = %q, want tok-9", f.Since)
				}
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("resume frame never written after connect")
}

func TestSyncBatchDispatchedInOrder(t *testing.T) {
	fc := newFakeConn()
	cfg := Config{
		HandshakeDeadline: 100 * time.Millisecond,
		InitDeadline:      100 * time.Millisecond,
		FallbackDeadline:  time.Second,
		ProbeInterval:     time.Hour,
	}
	machine := status.NewMachine(bus.New())
	var mu sync.Mutex
	var got []string
	m := NewManager(cfg, machine, func(context.Context, string) (Conn, error) {
		return fc, nil
	}, nil)
	m.SetHandlers(Handlers{
		OnBatch: func(b *wire.SyncBatch) {
			mu.Lock()
			got = append(got, b.NextBatch)
			mu.Unlock()
		},
	})
	t.Cleanup(m.Shutdown)

	if err := m.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	fc.push(t, &wire.Hello{Op: wire.OpHello})
	fc.push(t, &wire.Ready{Op: wire.OpReady})
	waitForState(t, machine, status.Connected, time.Second)

	for _, tok := range []string{"t1", "t2", "t3"} {
		fc.push(t, &wire.SyncBatch{Op: wire.OpSync, NextBatch: tok})
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 || got[0] != "t1" || got[1] != "t2" || got[2] != "t3" {
		t.Errorf("batches = %v, want [t1 t2 t3]", got)
	}
}

func TestUndecodableFrameKeepsConnection(t *testing.T) {
	fc := newFakeConn()
	cfg := Config{
		HandshakeDeadline: 100 * time.Millisecond,
		InitDeadline:      100 * time.Millisecond,
		FallbackDeadline:  time.Second,
		ProbeInterval:     time.Hour,
	}
	m, machine, downCh := testManager(t, cfg, fc)

	if err := m.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	fc.push(t, &wire.Hello{Op: wire.OpHello})
	fc.push(t, &wire.Ready{Op: wire.OpReady})
	waitForState(t, machine, status.Connected, time.Second)

	fc.inbound <- []byte(`{"op":"garbage"}`)
	fc.inbound <- []byte(`not json at all`)

	time.Sleep(50 * time.Millisecond)
	select {
	case reason := <-downCh:
		t.Errorf("connection dropped on bad frame: %s", reason)
	default:
	}
	if machine.Current() != status.Connected {
		t.Errorf("state = %s, want CONNECTED", machine.Current())
	}
}
