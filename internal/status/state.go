// Package status holds the explicit state machines of the daemon: the auth
// session and the transport connection.
package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/sealdm/internal/bus"
)

// State is one node of a state machine.
type State string

const (
	Unauthenticated State = "UNAUTHENTICATED"
	Authenticating  State = "AUTHENTICATING"
	Authenticated   State = "AUTHENTICATED"

	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
)

// Table lists the allowed targets for each state.
type Table map[State][]State

// AuthTable governs the account session: unlocking the private key moves it to
// Authenticated, logout or a failed unlock falls back to Unauthenticated.
var AuthTable = Table{
	Unauthenticated: {Authenticating},
	Authenticating:  {Authenticated, Unauthenticated},
	Authenticated:   {Unauthenticated},
}

// ConnectionTable governs the WebSocket channel.
var ConnectionTable = Table{
	Disconnected: {Connecting},
	Connecting:   {Connected, Disconnected},
	Connected:    {Disconnected},
}

// Machine tracks and enforces runtime state transitions.
type Machine struct {
	name  string
	table Table

	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a machine named name starting at initial.
func NewMachine(name string, table Table, initial State, b *bus.Bus) *Machine {
	return &Machine{
		name:    name,
		table:   table,
		current: initial,
		bus:     b,
	}
}

// NewAuth creates the session machine in Unauthenticated.
func NewAuth(b *bus.Bus) *Machine {
	return NewMachine("auth", AuthTable, Unauthenticated, b)
}

// NewConnection creates the connection machine in Disconnected.
func NewConnection(b *bus.Bus) *Machine {
	return NewMachine("connection", ConnectionTable, Disconnected, b)
}

// Name identifies the machine in published events.
func (m *Machine) Name() string { return m.name }

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Is reports whether the machine is in s.
func (m *Machine) Is(s State) bool {
	return m.Current() == s
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(to)
}

// TransitionFrom moves to to only if the machine is currently in from. It
// reports whether the transition happened.
func (m *Machine) TransitionFrom(from, to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != from {
		return false
	}
	return m.transitionLocked(to) == nil
}

func (m *Machine) transitionLocked(to State) error {
	if !slices.Contains(m.table[m.current], to) {
		return fmt.Errorf("%s: invalid transition from %s to %s", m.name, m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.NewEvent(bus.KindStatusChanged, StatusChange{
			Machine: m.name,
			From:    from,
			To:      to,
		}))
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	Machine string `json:"machine"`
	From    State  `json:"from"`
	To      State  `json:"to"`
}
