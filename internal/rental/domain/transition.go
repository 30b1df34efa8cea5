package domain

import "fmt"

var allowedTransitions = map[Status]map[Status]bool{
	StatusReserved: {
		StatusActive:    true,
		StatusExpired:   true,
		StatusCancelled: true,
	},
	StatusActive: {
		StatusSuspended: true,
		StatusCancelled: true,
	},
	StatusSuspended: {
		StatusActive:    true,
		StatusCancelled: true,
	},
}

// Transition validates a lifecycle move. Every status change in the service
// layer goes through here; nothing writes a status the table disallows.
func Transition(from, to Status) error {
	if from == to {
		return nil
	}
	if allowedTransitions[from][to] {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
