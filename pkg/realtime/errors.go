package realtime

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidMessage is returned by Feed when a message is not a JSON event.
	ErrInvalidMessage = errors.New("invalid control message")

	// ErrCallPending is returned when a function call is opened while another
	// one is still accumulating arguments.
	ErrCallPending = errors.New("another function call is pending")

	// ErrNoOpenCall is returned when arguments arrive for a call that is not open.
	ErrNoOpenCall = errors.New("no open function call")
)

// MalformedArgumentsError reports function-call arguments that are not a JSON
// object.
type MalformedArgumentsError struct {
	CallID string
	Name   string
	Raw    string
	Err    error
}

func (e *MalformedArgumentsError) Error() string {
	return fmt.Sprintf("malformed arguments for %s (call %s): %v", e.Name, e.CallID, e.Err)
}

func (e *MalformedArgumentsError) Unwrap() error {
	return e.Err
}
