package progress

import "errors"

var (
	// ErrJobTerminal rejects any publish after a completed or failed event.
	// The stored final state of a job is immutable.
	ErrJobTerminal = errors.New("job already reached a terminal state")

	// ErrInvalidTransition rejects events out of lifecycle order, e.g. a
	// second started event or progress before started.
	ErrInvalidTransition = errors.New("invalid progress event transition")

	// ErrMissingJobID and ErrMissingOwner reject events without the fields
	// that key durability and isolation.
	ErrMissingJobID = errors.New("progress event missing job id")
	ErrMissingOwner = errors.New("progress event missing owner id")
)
