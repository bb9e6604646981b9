package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/commsync/commsync/internal/bus"
)

// State represents an engine runtime state.
type State string

const (
	Booting      State = "BOOTING"
	Connecting   State = "CONNECTING"
	Syncing      State = "SYNCING"
	Ready        State = "READY"
	Reconnecting State = "RECONNECTING"
	Degraded     State = "DEGRADED"
	Stopped      State = "STOPPED"
	Error        State = "ERROR"
)

// validTransitions defines allowed state transitions. Connecting covers
// the push channel handshake; Syncing is the initial catch-up fetch;
// Degraded means polling works but the push channel is down.
var validTransitions = map[State][]State{
	Booting:      {Connecting, Stopped, Error},
	Connecting:   {Syncing, Reconnecting, Stopped, Error},
	Syncing:      {Ready, Reconnecting, Degraded, Stopped, Error},
	Ready:        {Reconnecting, Degraded, Stopped, Error},
	Reconnecting: {Connecting, Degraded, Stopped, Error},
	Degraded:     {Connecting, Reconnecting, Ready, Stopped, Error},
	Stopped:      {Booting},
	Error:        {Booting},
}

// Machine tracks and enforces engine runtime state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if the
// transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindEngineStatusChanged,
			Timestamp: time.Now(),
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
