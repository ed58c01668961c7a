package sharedloop

import (
	"sync/atomic"
)

// State represents the lifecycle state of a Controller.
//
// State Machine:
//
//	StateStopped  → StateStarting  [Start]
//	StateStarting → StateRunning   [loop ran the readiness task]
//	StateStarting → StateStopped   [startup failure]
//	StateRunning  → StateStopping  [Stop]
//	StateStopping → StateStopped   [loop goroutine exited]
//	StateStopping → StateBroken    [shutdown timeout]
//	StateBroken   → (terminal)
//
// Transitions are only performed while holding the controller's mutex. The
// value is stored atomically, so that State may be read without it.
type State uint32

const (
	// StateStopped indicates the loop goroutine is not running.
	StateStopped State = iota
	// StateStarting indicates Start is waiting for the loop to become live.
	StateStarting
	// StateRunning indicates the loop is live, and accepting work.
	StateRunning
	// StateStopping indicates Stop is waiting for the loop goroutine to exit.
	StateStopping
	// StateBroken indicates the loop goroutine failed to exit in time. The
	// goroutine may still be running, and it will not be started again.
	StateBroken
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "Stopped"
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateBroken:
		return "Broken"
	default:
		return "Unknown"
	}
}

// stateValue is an atomic State.
type stateValue struct {
	v atomic.Uint32
}

func (s *stateValue) Load() State {
	return State(s.v.Load())
}

// Store must only be called while holding the controller's mutex.
func (s *stateValue) Store(state State) {
	s.v.Store(uint32(state))
}
