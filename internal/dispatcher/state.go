package dispatcher

import "sync/atomic"

// State tracks the dispatcher's lifecycle.
type State int32

const (
	StateInitialising State = iota
	StateAuthenticating
	StateReady
	StateRefreshing
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitialising:
		return "initialising"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateRefreshing:
		return "refreshing"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// stateBox is an atomic holder for State, avoiding a mutex for a value
// read far more often than it's written.
type stateBox struct {
	v atomic.Int32
}

func (b *stateBox) set(s State) {
	b.v.Store(int32(s))
}

func (b *stateBox) get() State {
	return State(b.v.Load())
}
