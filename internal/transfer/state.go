// Package transfer implements the sender and receiver state machines of
// the checkpointed file transfer protocol and the registry that routes
// messages from one connection to them.
package transfer

// State is the lifecycle state of a Sender or Receiver.
type State int

const (
	StateIdle State = iota
	StateInitializing
	StateWaitingForAcceptance
	StatePendingAcceptance
	StateTransferring
	StatePaused
	StateCompleted
	StateFailed
	StateCancelled
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateWaitingForAcceptance:
		return "waiting_for_acceptance"
	case StatePendingAcceptance:
		return "pending_acceptance"
	case StateTransferring:
		return "transferring"
	case StatePaused:
		return "paused"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Direction tells observers which side of a transfer an event belongs to.
type Direction int

const (
	DirectionSend Direction = iota
	DirectionReceive
)

func (d Direction) String() string {
	if d == DirectionSend {
		return "send"
	}
	return "receive"
}
