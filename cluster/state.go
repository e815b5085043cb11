package cluster

import (
	"fmt"
	"sync"
)

// State is the launcher's lifecycle state. Transitions are monotonic and
// validated against an allowed-transition table; StateStopped is terminal.
type State int

const (
	StateUnconnected State = iota
	StateReconnectChecking
	StateProvisioning
	StateRunning
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateReconnectChecking:
		return "reconnect-checking"
	case StateProvisioning:
		return "provisioning"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting-down"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Stop may arrive from a signal handler at any point in the lifecycle, so
// every non-terminal state admits StateShuttingDown.
var allowedTransitions = map[State][]State{
	StateUnconnected:       {StateReconnectChecking, StateShuttingDown},
	StateReconnectChecking: {StateProvisioning, StateRunning, StateShuttingDown},
	StateProvisioning:      {StateRunning, StateShuttingDown},
	StateRunning:           {StateShuttingDown},
	StateShuttingDown:      {StateStopped},
	StateStopped:           {},
}

// lifecycle holds the process-wide state value behind a single mutex.
// Only the launcher mutates it; everyone else gets snapshots.
type lifecycle struct {
	mut   sync.Mutex
	state State
}

func (l *lifecycle) current() State {
	l.mut.Lock()
	defer l.mut.Unlock()
	return l.state
}

func (l *lifecycle) transition(to State) error {
	l.mut.Lock()
	defer l.mut.Unlock()
	for _, allowed := range allowedTransitions[l.state] {
		if allowed == to {
			l.state = to
			return nil
		}
	}
	return fmt.Errorf("invalid lifecycle transition from %s to %s", l.state, to)
}
