package session

// State is the lifecycle state of a Session.
type State int

const (
	StateRunning State = iota
	StatePaused
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Transition table: from -> allowed tos
var validTransitions = map[State][]State{
	StateRunning:  {StatePaused, StateDisposed},
	StatePaused:   {StateRunning, StateDisposed},
	StateDisposed: {},
}

// CanTransition checks if moving from one state to another is valid.
func CanTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}

	return false
}

// IsTerminal returns true if no transition leaves the state.
func IsTerminal(s State) bool {
	return s == StateDisposed
}
