package orchestrator

// State is an agent session's position in its lifecycle.
type State string

const (
	StateCreated   State = "created"
	StatePlanning  State = "planning"
	StateExecuting State = "executing"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal states reject every further transition.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// transitions is the full edge set of the session state machine. Any
// pair not listed here is illegal.
var transitions = map[State][]State{
	StateCreated:   {StatePlanning, StateCancelled},
	StatePlanning:  {StateExecuting, StateFailed, StateCancelled},
	StateExecuting: {StatePaused, StateCompleted, StateFailed, StateCancelled},
	StatePaused:    {StateExecuting, StateCancelled},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
