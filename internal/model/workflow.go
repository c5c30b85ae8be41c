package model

import "fmt"

// WorkflowState is where a Channel sits in its lifecycle.
type WorkflowState string

const (
	StateUnconfirmed WorkflowState = "unconfirmed"
	StateActive      WorkflowState = "active"
	StateRetired     WorkflowState = "retired"
)

// Event names a lifecycle transition request.
type Event string

const (
	EventConfirm    Event = "confirm"
	EventRetire     Event = "retire"
	EventReactivate Event = "reactivate"
)

// UnretiredStates are the states that count toward the per-user limit
// and path uniqueness.
var UnretiredStates = []WorkflowState{StateUnconfirmed, StateActive}

// transitions is the complete lifecycle table. Anything missing is illegal.
//
//	unconfirmed --confirm-->    active
//	unconfirmed --retire-->     retired
//	active      --retire-->     retired
//	retired     --reactivate--> active
var transitions = map[WorkflowState]map[Event]WorkflowState{
	StateUnconfirmed: {
		EventConfirm: StateActive,
		EventRetire:  StateRetired,
	},
	StateActive: {
		EventRetire: StateRetired,
	},
	StateRetired: {
		EventReactivate: StateActive,
	},
}

// TransitionError is returned by Next when an event is illegal from a state.
type TransitionError struct {
	From  WorkflowState
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s a channel that is %s", e.Event, e.From)
}

// Next returns the state reached by applying ev in from.
// It does not mutate anything; callers apply the result together with the
// event's side effects.
func Next(from WorkflowState, ev Event) (WorkflowState, error) {
	to, ok := transitions[from][ev]
	if !ok {
		return from, &TransitionError{From: from, Event: ev}
	}
	return to, nil
}
