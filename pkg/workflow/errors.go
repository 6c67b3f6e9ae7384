package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownState is returned when a state name is not part of the workflow.
	ErrUnknownState = errors.New("unknown workflow state")

	// ErrWorkOrderRequired is returned when a transition into a job-bound state
	// has no work order to bind to.
	ErrWorkOrderRequired = errors.New("work order id required")

	// ErrWorkOrderMismatch is returned when the supplied work order differs from
	// the one the technician is currently on.
	ErrWorkOrderMismatch = errors.New("work order does not match current job")
)

// InvalidTransitionError reports an edge that is not in the transition table.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}

// WorkOrderError reports a transition whose work-order context is inconsistent
// with the target state.
type WorkOrderError struct {
	State State
	Err   error
}

func (e *WorkOrderError) Error() string {
	return fmt.Sprintf("cannot enter %s: %v", e.State, e.Err)
}

func (e *WorkOrderError) Unwrap() error {
	return e.Err
}
