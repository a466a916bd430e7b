// Package lifecycle manages the run state of the service process: startup
// hooks, graceful shutdown and the readiness check.
//
// The lifecycle flow for a healthy service is:
//
//	Unknown → Starting → Running → Stopping → Stopped
//
// Any non-terminal state may transition to Failed. A stopped or failed
// service may be started again.
//
// State management in [Service] is protected by a [sync.RWMutex] and is
// safe for concurrent use.
package lifecycle

// State is the lifecycle state of a [Service]. The zero value ("") is not
// a valid state; services start in [StateUnknown].
type State string

const (
	// StateUnknown is the state of a service that was never started.
	StateUnknown State = "unknown"

	// StateStarting is set before the start hook runs.
	StateStarting State = "starting"

	// StateRunning is the only state in which [Service.Health] reports
	// healthy.
	StateRunning State = "running"

	// StateStopping is set before the stop hook runs, while in-flight
	// requests drain.
	StateStopping State = "stopping"

	// StateStopped follows a clean shutdown.
	StateStopped State = "stopped"

	// StateFailed follows a failed hook.
	StateFailed State = "failed"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// Valid reports whether s is a recognized state.
func (s State) Valid() bool {
	switch s {
	case StateUnknown, StateStarting, StateRunning,
		StateStopping, StateStopped, StateFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is [StateStopped] or [StateFailed].
func (s State) IsTerminal() bool {
	return s == StateStopped || s == StateFailed
}

// validTransitions is the transition matrix:
//
//	Unknown  → Starting, Failed
//	Starting → Running, Failed, Stopping
//	Running  → Stopping, Failed
//	Stopping → Stopped, Failed
//	Stopped  → Starting
//	Failed   → Starting
var validTransitions = map[State][]State{
	StateUnknown:  {StateStarting, StateFailed},
	StateStarting: {StateRunning, StateFailed, StateStopping},
	StateRunning:  {StateStopping, StateFailed},
	StateStopping: {StateStopped, StateFailed},
	StateStopped:  {StateStarting},
	StateFailed:   {StateStarting},
}

// ValidTransition reports whether from may move to to. Same-state
// transitions are rejected.
func ValidTransition(from, to State) bool {
	if from == to {
		return false
	}
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
