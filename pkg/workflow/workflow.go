// Package workflow implements the technician's daily job-execution lifecycle as
// a strict state machine. The state of record lives in the backend; this
// package validates proposed transitions before they are persisted and keeps
// a local mirror for the active session.
package workflow

import (
	"fmt"
	"strings"
	"sync"
)

// State is a stage in the technician's working day.
type State string

const (
	StateClockedIn           State = "CLOCKED_IN"
	StateTravelingToFirstJob State = "TRAVELING_TO_FIRST_JOB"
	StateAtJobsite           State = "AT_JOBSITE"
	StateWorkingOnJob        State = "WORKING_ON_JOB"
	StateJobCompleted        State = "JOB_COMPLETED"
	StateTravelingToNextJob  State = "TRAVELING_TO_NEXT_JOB"
	StateTravelingToOffice   State = "TRAVELING_TO_OFFICE"
	StateDayCompleted        State = "DAY_COMPLETED"
)

// Initial is the state a technician enters after clocking in.
const Initial = StateClockedIn

// transitions is the canonical edge table. Order within a row is the order
// reported by Allowed.
var transitions = map[State][]State{
	StateClockedIn:           {StateTravelingToFirstJob},
	StateTravelingToFirstJob: {StateAtJobsite},
	StateAtJobsite:           {StateWorkingOnJob},
	StateWorkingOnJob:        {StateJobCompleted},
	StateJobCompleted:        {StateTravelingToNextJob, StateTravelingToOffice},
	StateTravelingToNextJob:  {StateAtJobsite},
	StateTravelingToOffice:   {StateDayCompleted},
	StateDayCompleted:        nil,
}

// States returns every workflow state in lifecycle order.
func States() []State {
	return []State{
		StateClockedIn,
		StateTravelingToFirstJob,
		StateAtJobsite,
		StateWorkingOnJob,
		StateJobCompleted,
		StateTravelingToNextJob,
		StateTravelingToOffice,
		StateDayCompleted,
	}
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

func (s State) String() string {
	return string(s)
}

// ParseState accepts the canonical upper-case names as well as their
// lower-case forms used by some backend payloads.
func ParseState(v string) (State, error) {
	s := State(strings.ToUpper(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownState, v)
	}
	return s, nil
}

// Allowed returns the states reachable from s in one step.
func Allowed(from State) []State {
	next := transitions[from]
	out := make([]State, len(next))
	copy(out, next)
	return out
}

// CanTransition reports whether from → to is an edge of the table.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Edge is one row entry of the transition table.
type Edge struct {
	From State
	To   State
}

// Table returns every allowed edge in lifecycle order.
func Table() []Edge {
	var edges []Edge
	for _, from := range States() {
		for _, to := range transitions[from] {
			edges = append(edges, Edge{From: from, To: to})
		}
	}
	return edges
}

// Snapshot is a workflow state together with the work orders travelling
// alongside it.
type Snapshot struct {
	State              State  `json:"state"`
	CurrentWorkOrderID string `json:"current_work_order_id,omitempty"`
	NextWorkOrderID    string `json:"next_work_order_id,omitempty"`
}

// Context carries the work-order identifiers supplied with a transition.
// Empty fields mean "not supplied".
type Context struct {
	CurrentWorkOrderID string
	NextWorkOrderID    string
}

// Transition validates current.State → target and returns the resulting
// snapshot. It never mutates anything; callers persist the result only after
// it returns without error.
func Transition(current Snapshot, target State, tc Context) (Snapshot, error) {
	if !current.State.Valid() {
		return current, fmt.Errorf("%w: %q", ErrUnknownState, current.State)
	}
	if !CanTransition(current.State, target) {
		return current, &InvalidTransitionError{From: current.State, To: target}
	}

	next := Snapshot{State: target}

	switch target {
	case StateTravelingToFirstJob:
		if tc.CurrentWorkOrderID == "" {
			return current, &WorkOrderError{State: target, Err: ErrWorkOrderRequired}
		}
		next.CurrentWorkOrderID = tc.CurrentWorkOrderID

	case StateTravelingToNextJob:
		id := tc.CurrentWorkOrderID
		if id == "" {
			id = current.NextWorkOrderID
		}
		if current.NextWorkOrderID != "" && id != current.NextWorkOrderID {
			return current, &WorkOrderError{
				State: target,
				Err:   fmt.Errorf("%w: next is %s, got %s", ErrWorkOrderMismatch, current.NextWorkOrderID, id),
			}
		}
		if id == "" {
			return current, &WorkOrderError{State: target, Err: ErrWorkOrderRequired}
		}
		next.CurrentWorkOrderID = id

	case StateAtJobsite:
		id := current.CurrentWorkOrderID
		if tc.CurrentWorkOrderID != "" {
			id = tc.CurrentWorkOrderID
		}
		if id == "" {
			return current, &WorkOrderError{State: target, Err: ErrWorkOrderRequired}
		}
		next.CurrentWorkOrderID = id

	case StateWorkingOnJob, StateJobCompleted:
		if err := sameWorkOrder(current, target, tc.CurrentWorkOrderID); err != nil {
			return current, err
		}
		next.CurrentWorkOrderID = current.CurrentWorkOrderID
		if target == StateJobCompleted {
			next.NextWorkOrderID = tc.NextWorkOrderID
		}

	case StateTravelingToOffice, StateDayCompleted:
		// no work order travels with these states
	}

	return next, nil
}

func sameWorkOrder(current Snapshot, target State, supplied string) error {
	if current.CurrentWorkOrderID == "" {
		return &WorkOrderError{State: target, Err: ErrWorkOrderRequired}
	}
	if supplied != "" && supplied != current.CurrentWorkOrderID {
		return &WorkOrderError{
			State: target,
			Err:   fmt.Errorf("%w: have %s, got %s", ErrWorkOrderMismatch, current.CurrentWorkOrderID, supplied),
		}
	}
	return nil
}

// Machine mirrors the backend's workflow state for one technician. It is safe
// for concurrent use.
type Machine struct {
	mu      sync.RWMutex
	current Snapshot
}

// NewMachine returns a machine positioned at the initial state.
func NewMachine() *Machine {
	return &Machine{current: Snapshot{State: Initial}}
}

// Current returns the mirrored snapshot.
func (m *Machine) Current() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Reset replaces the mirror with the authoritative snapshot fetched from the
// backend. An empty state resets to Initial.
func (m *Machine) Reset(s Snapshot) error {
	if s.State == "" {
		s.State = Initial
	}
	if !s.State.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownState, s.State)
	}
	m.mu.Lock()
	m.current = s
	m.mu.Unlock()
	return nil
}

// Propose validates a transition from the mirrored state without applying it.
func (m *Machine) Propose(target State, tc Context) (Snapshot, error) {
	return Transition(m.Current(), target, tc)
}

// Commit records a snapshot that has been persisted remotely. The snapshot's
// state must be reachable from the mirror, otherwise another writer got in
// first and the commit is refused.
func (m *Machine) Commit(next Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if next.State != m.current.State && !CanTransition(m.current.State, next.State) {
		return &InvalidTransitionError{From: m.current.State, To: next.State}
	}
	m.current = next
	return nil
}
