package stats

// State is the monitoring lifecycle state.
type State string

const (
	// StateStopped is the initial state; counters are not refreshed.
	StateStopped State = "stopped"
	// StateRunning indicates queries poll the OS for fresh counters.
	StateRunning State = "running"
)

// IsRunning returns true if the state represents active monitoring.
func (s State) IsRunning() bool {
	return s == StateRunning
}

// validTransitions defines the allowed state transitions.
var validTransitions = map[State][]State{
	StateStopped: {StateRunning},
	StateRunning: {StateStopped},
}

// IsValidTransition checks if transitioning from one state to another is allowed.
func IsValidTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AllStates returns all monitoring states.
func AllStates() []State {
	return []State{StateStopped, StateRunning}
}
