package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/pulsesync/pulse/internal/bus"
)

// State represents the lifecycle state of the account connection.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Reconnecting State = "RECONNECTING"
	Degraded     State = "DEGRADED"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Disconnected, Reconnecting},
	Connected:    {Degraded, Reconnecting, Disconnected},
	Degraded:     {Connected, Reconnecting, Disconnected},
	Reconnecting: {Connecting, Disconnected},
}

// Machine tracks and enforces connection state transitions. There is
// exactly one machine per account connection; only the connection
// manager mutates it, everything else reads.
type Machine struct {
	mu      sync.RWMutex
	current State
	since   time.Time
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		since:   time.Now(),
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// InStateFor returns the current state and how long the machine has
// been in it. Used by the health check to detect stuck states.
func (m *Machine) InStateFor() (State, time.Duration) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current, time.Since(m.since)
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
// Transitioning to the current state is a no-op.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()

	if to == m.current {
		m.mu.Unlock()
		return nil
	}

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	from := m.current
	m.current = to
	m.since = time.Now()
	b := m.bus
	m.mu.Unlock()

	if b != nil {
		b.Publish(bus.Event{
			Kind:      bus.KindStateChanged,
			Timestamp: time.Now(),
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for conn.state_changed events.
type StatusChange struct {
	From State
	To   State
}
