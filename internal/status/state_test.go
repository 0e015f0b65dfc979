package status

import (
	"testing"

	"github.com/pulsesync/pulse/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Disconnected {
		t.Errorf("initial state = %s, want DISCONNECTED", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Disconnected, Connecting},
		{Connecting, Connected},
		{Connecting, Disconnected},
		{Connecting, Reconnecting},
		{Connected, Degraded},
		{Connected, Reconnecting},
		{Degraded, Reconnecting},
		{Degraded, Connected},
		{Reconnecting, Connecting},
		{Reconnecting, Disconnected},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Connected); err == nil {
		t.Error("Transition(DISCONNECTED -> CONNECTED) should fail")
	}
	if err := m.Transition(Degraded); err == nil {
		t.Error("Transition(DISCONNECTED -> DEGRADED) should fail")
	}
}

func TestSelfTransitionIsNoOp(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("conn.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Disconnected); err != nil {
		t.Errorf("self transition error = %v", err)
	}
	select {
	case evt := <-ch:
		t.Errorf("self transition published %q", evt.Kind)
	default:
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("conn.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.KindStateChanged {
		t.Errorf("event kind = %q, want %q", evt.Kind, bus.KindStateChanged)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != Disconnected || change.To != Connecting {
		t.Errorf("change = %v -> %v, want DISCONNECTED -> CONNECTING", change.From, change.To)
	}
}

// walkTo drives the machine from Disconnected to the target state via
// valid transitions.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	var path []State
	switch target {
	case Disconnected:
		return
	case Connecting:
		path = []State{Connecting}
	case Connected:
		path = []State{Connecting, Connected}
	case Degraded:
		path = []State{Connecting, Connected, Degraded}
	case Reconnecting:
		path = []State{Connecting, Connected, Reconnecting}
	}
	for _, s := range path {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo %s: %v", target, err)
		}
	}
}
