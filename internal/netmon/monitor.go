// Package netmon observes device network connectivity and decides
// whether a validated network transition warrants tearing the
// connection down. Rapid flaps are debounced so only the final network
// state is evaluated.
package netmon

import (
	"sync"
	"time"

	"github.com/pulsesync/pulse/internal/bus"
	"github.com/pulsesync/pulse/internal/status"
	"go.uber.org/zap"
)

// Connection is the slice of the connection manager the monitor needs.
type Connection interface {
	CurrentState() status.State
	LastLiveness() (time.Time, time.Duration)
	AttemptElapsed() time.Duration
	Close(reason string)
}

// Scheduler requests reconnection.
type Scheduler interface {
	Request(reason string)
}

// Config holds the monitor's tunables.
type Config struct {
	// Debounce delays reaction to a network change; a newer change
	// supersedes the pending one, so "lose WiFi, brief cellular, new
	// WiFi" collapses to one evaluation of the final state.
	Debounce time.Duration

	// StuckAttempt is how long an in-flight connection attempt may run
	// before a network change abandons it instead of letting it finish.
	StuckAttempt time.Duration

	// HealthyRTT is the liveness round-trip bound under which a
	// re-validated, unchanged network triggers no reconnect.
	HealthyRTT time.Duration

	// LivenessWindow is how recently a liveness signal must have been
	// seen for the connection to count as healthy.
	LivenessWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.Debounce <= 0 {
		c.Debounce = time.Second
	}
	if c.StuckAttempt <= 0 {
		c.StuckAttempt = 20 * time.Second
	}
	if c.HealthyRTT <= 0 {
		c.HealthyRTT = 2 * time.Second
	}
	if c.LivenessWindow <= 0 {
		c.LivenessWindow = 30 * time.Second
	}
	return c
}

// Monitor debounces validated network-type transitions and forces
// connection recovery when the transition looks unhealthy.
type Monitor struct {
	cfg    Config
	conn   Connection
	sched  Scheduler
	bus    *bus.Bus
	logger *zap.Logger

	mu               sync.Mutex
	timer            *time.Timer
	pendingType      string
	pendingValidated bool
	lastType         string
}

// NewMonitor creates a network monitor.
func NewMonitor(cfg Config, conn Connection, sched Scheduler, b *bus.Bus, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		cfg:    cfg.withDefaults(),
		conn:   conn,
		sched:  sched,
		bus:    b,
		logger: logger,
	}
}

// OnNetworkChanged reports a connectivity transition from the platform.
// The evaluation is delayed by the debounce window; another change
// before it fires supersedes the pending one.
func (m *Monitor) OnNetworkChanged(netType string, validated bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pendingType = netType
	m.pendingValidated = validated

	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.cfg.Debounce, m.evaluate)
}

// Stop cancels any pending evaluation.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// evaluate runs once the debounce window closes, against the final
// reported network state.
func (m *Monitor) evaluate() {
	m.mu.Lock()
	netType := m.pendingType
	validated := m.pendingValidated
	typeChanged := netType != m.lastType
	m.lastType = netType
	m.timer = nil
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindNetworkChanged,
			Timestamp: time.Now(),
			Payload:   Change{Type: netType, Validated: validated, TypeChanged: typeChanged},
		})
	}

	if !validated {
		m.logger.Debug("ignoring unvalidated network change", zap.String("type", netType))
		return
	}

	state := m.conn.CurrentState()

	// Same network re-validated and the connection looks healthy:
	// avoid a needless reconnect.
	if !typeChanged && state == status.Connected {
		last, rtt := m.conn.LastLiveness()
		if time.Since(last) < m.cfg.LivenessWindow && rtt >= 0 && rtt < m.cfg.HealthyRTT {
			m.logger.Debug("network re-validated, connection healthy, no action",
				zap.String("type", netType))
			return
		}
	}

	// A network change during an in-flight attempt can silently orphan
	// it. Judge by elapsed time: a young attempt is left to finish, a
	// stuck one is abandoned and restarted.
	if state == status.Connecting || state == status.Reconnecting {
		elapsed := m.conn.AttemptElapsed()
		if elapsed > 0 && elapsed < m.cfg.StuckAttempt {
			m.logger.Info("network changed during young connection attempt, letting it run",
				zap.Duration("elapsed", elapsed))
			return
		}
		m.logger.Warn("abandoning stuck connection attempt on network change",
			zap.Duration("elapsed", elapsed))
	}

	m.logger.Info("network transition forces reconnect",
		zap.String("type", netType),
		zap.Bool("type_changed", typeChanged),
		zap.String("state", string(state)))
	m.conn.Close("network changed: " + netType)
	m.sched.Request("network changed: " + netType)
}

// Change is the payload for network.changed events.
type Change struct {
	Type        string
	Validated   bool
	TypeChanged bool
}
