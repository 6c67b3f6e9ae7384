package session

import (
	"expvar"
	"fmt"
)

// State is the lifecycle state of a Controller.
type State int32

const (
	// StateIdle means the controller has never connected.
	StateIdle State = iota
	// StateConnecting means Connect is negotiating the transport.
	StateConnecting
	// StateActive means the session is live.
	StateActive
	// StateDisconnected means the connection was lost or failed to open.
	StateDisconnected
	// StateClosed means Disconnect was called.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateActive:
		return "Active"
	case StateDisconnected:
		return "Disconnected"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("Unknown(%d)", int32(s))
	}
}

// Metrics tracks controller activity. Nothing is published to the expvar
// registry; callers that serve /debug/vars publish what they need.
type Metrics struct {
	StateTransitions *expvar.Map
	Sessions         *expvar.Int
	ResultsDropped   *expvar.Int
	ServerErrors     *expvar.Int
}

func newMetrics() *Metrics {
	transitions := &expvar.Map{}
	transitions.Init()
	return &Metrics{
		StateTransitions: transitions,
		Sessions:         &expvar.Int{},
		ResultsDropped:   &expvar.Int{},
		ServerErrors:     &expvar.Int{},
	}
}

// setState records the transition and notifies listeners. It returns the
// previous state.
func (c *Controller) setState(next State) State {
	prev := State(c.state.Swap(int32(next)))
	if prev == next {
		return prev
	}

	c.metrics.StateTransitions.Add(fmt.Sprintf("%s_to_%s", prev, next), 1)

	c.publish(StateChanged{From: prev, To: next})
	return prev
}
