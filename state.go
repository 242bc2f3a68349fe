package pppmodem

// State is the position of a session's supervisor loop.
type State uint32

const (
	// StatePreparing resets the modem and runs its chat script.
	StatePreparing State = iota
	// StateLinkStarting creates and connects the link adapter.
	StateLinkStarting
	// StateLinkMonitoring moves bytes between transport and adapter and
	// publishes the link once it is up.
	StateLinkMonitoring
	// StateLinkTeardown unpublishes, closes and frees the link.
	StateLinkTeardown
	// StateFailed is terminal: the link adapter could not be started.
	StateFailed
	// StateClosed is terminal: the session was stopped.
	StateClosed
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StatePreparing:
		return "Preparing"
	case StateLinkStarting:
		return "LinkStarting"
	case StateLinkMonitoring:
		return "LinkMonitoring"
	case StateLinkTeardown:
		return "LinkTeardown"
	case StateFailed:
		return "Failed"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether the supervisor loop has exited.
func (s State) IsTerminal() bool {
	return s == StateFailed || s == StateClosed
}

// StateTransition is called on every state change, from the session's worker goroutine.
type StateTransition func(s *Session, prev, next State)
