package payment

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition is returned when a status change is not permitted by
// the state machine.
var ErrIllegalTransition = errors.New("illegal instruction transition")

// transitions is the full instruction state machine. Anything not listed is
// rejected.
var transitions = map[Status][]Status{
	StatusDraft:     {StatusSubmitted, StatusFailed, StatusCanceled},
	StatusSubmitted: {StatusAccepted, StatusFailed, StatusCanceled},
	StatusAccepted:  {StatusSettled, StatusReturned},
	StatusSettled:   {StatusReturned},
}

// CanTransition reports whether from → to is a single legal step.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionPath returns the steps that take an instruction from one status
// to another, promoting through intermediate states where the machine allows
// it. A settled notification arriving while the instruction is still
// submitted promotes through accepted; that is the only multi-step path.
func TransitionPath(from, to Status) ([]Status, error) {
	if CanTransition(from, to) {
		return []Status{to}, nil
	}
	if from == StatusSubmitted && to == StatusSettled {
		return []Status{StatusAccepted, StatusSettled}, nil
	}
	return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}

// Terminal reports whether no further transitions leave the status.
func Terminal(s Status) bool {
	return len(transitions[s]) == 0
}
