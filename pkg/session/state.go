package session

// State is the lifecycle state of one demo session.
type State string

const (
	StateIdle      State = "idle"
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateAnswering State = "answering_question"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal states accept no further transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

func (s State) String() string { return string(s) }

var allowedTransitions = map[State]map[State]struct{}{
	StateIdle: {
		StateStarting:  {},
		StateCompleted: {},
	},
	StateStarting: {
		StateRunning:   {},
		StateCompleted: {},
		StateFailed:    {},
	},
	StateRunning: {
		StatePaused:    {},
		StateAnswering: {},
		StateCompleted: {},
		StateFailed:    {},
	},
	StatePaused: {
		StateRunning:   {},
		StateAnswering: {},
		StateCompleted: {},
		StateFailed:    {},
	},
	StateAnswering: {
		StateRunning:   {},
		StatePaused:    {},
		StateCompleted: {},
		StateFailed:    {},
	},
}

func canTransition(from, to State) bool {
	_, ok := allowedTransitions[from][to]
	return ok
}
