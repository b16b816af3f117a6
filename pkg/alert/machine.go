package alert

import (
	"log"
	"sync"
)

// Display renders alert states; it is told only about changes
type Display interface {
	Show(state State)
}

// DisplayFunc adapts a function to Display
type DisplayFunc func(state State)

// Show calls f(state)
func (f DisplayFunc) Show(state State) { f(state) }

// Machine tracks the current alert state. TestRecommended is sticky: it is
// left only through Clear, on a negative test for the own identifier.
type Machine struct {
	current State
	mutex   sync.RWMutex
}

// NewMachine creates a machine in the Unset state
func NewMachine() *Machine {
	return &Machine{}
}

// Current returns the current state
func (m *Machine) Current() State {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.current
}

// Observe moves to the derived state unless TestRecommended holds.
// Returns the resulting state and whether it changed.
func (m *Machine) Observe(derived State) (State, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.current == TestRecommended || derived == m.current {
		return m.current, false
	}
	m.current = derived
	return m.current, true
}

// Clear releases a held TestRecommended and moves to next.
// It is a no-op in any other state.
func (m *Machine) Clear(next State) (State, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.current != TestRecommended {
		return m.current, false
	}
	m.current = next
	return m.current, next != TestRecommended
}

// Restore sets the state without transition rules, for loading snapshots
func (m *Machine) Restore(state State) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.current = state
}

// LogDisplay renders the diode as a log line, standing in for the LED driver
type LogDisplay struct {
	NodeID string
}

// Show logs the diode pattern of state
func (d LogDisplay) Show(state State) {
	log.Printf("[DISPLAY] %s diode=%s state=%s", d.NodeID, state.Diode(), state)
}
