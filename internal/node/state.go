package node

// State is the node lifecycle state.
type State int32

const (
	// Idle is a constructed node that has not bound its listener.
	Idle State = iota
	// Running accepts local commands and inbound messages.
	Running
	// ShuttingDown rejects local commands and waits for in-flight inbound
	// messages to finish.
	ShuttingDown
	// Stopped is terminal.
	Stopped
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Running:
		return "RUNNING"
	case ShuttingDown:
		return "SHUTTING_DOWN"
	case Stopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// StateListener is called on every state transition, in order. Listeners
// must not call Start, Shutdown or Addr.
type StateListener func(State)
