package broker

// State is a connection's position in its lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateAuthenticated
	StateError
	StateClosing
	StateClosed
)

var stateNames = [...]string{
	StateConnecting:    "connecting",
	StateConnected:     "connected",
	StateAuthenticated: "authenticated",
	StateError:         "error",
	StateClosing:       "closing",
	StateClosed:        "closed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// transitions lists the allowed edges. Recovery restores error to
// authenticated when the connection still holds a principal.
var transitions = map[State][]State{
	StateConnecting:    {StateConnected, StateClosing},
	StateConnected:     {StateAuthenticated, StateError, StateClosing},
	StateAuthenticated: {StateError, StateClosing},
	StateError:         {StateConnected, StateAuthenticated, StateClosing},
	StateClosing:       {StateClosed},
}

// CanTransition reports whether to is a legal next state.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the connection is being or has been torn down.
func (s State) Terminal() bool {
	return s == StateClosing || s == StateClosed
}

// Deliverable reports whether the dispatcher may write to a connection in s.
func (s State) Deliverable() bool {
	return s == StateConnected || s == StateAuthenticated || s == StateError
}
