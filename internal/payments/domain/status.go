// Package domain contains the payment attempt aggregate and its state machine.
package domain

import (
	"strings"

	"posplatform/internal/common/apperror"
)

// Status is the lifecycle state of a payment attempt.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAuthorized Status = "authorized"
	StatusPaid       Status = "paid"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusExpired    Status = "expired"
)

// transitions lists the allowed outgoing edges. Terminal states have none.
var transitions = map[Status][]Status{
	StatusPending:    {StatusAuthorized, StatusPaid, StatusFailed, StatusCancelled, StatusExpired},
	StatusAuthorized: {StatusPaid, StatusFailed, StatusCancelled, StatusExpired},
	StatusPaid:       nil,
	StatusFailed:     nil,
	StatusCancelled:  nil,
	StatusExpired:    nil,
}

// AllStatuses returns every status in lifecycle order.
func AllStatuses() []Status {
	return []Status{StatusPending, StatusAuthorized, StatusPaid, StatusFailed, StatusCancelled, StatusExpired}
}

// ParseStatus normalizes s and checks that it names a known status.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", apperror.Validation("unknown payment status %q", s)
	}
	return st, nil
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal returns true if no further status change is possible.
func (s Status) IsTerminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

// IsOpen returns true while the provider may still move the attempt.
func (s Status) IsOpen() bool {
	return s == StatusPending || s == StatusAuthorized
}

// CanTransitionTo reports whether target is reachable from s in one step.
// Re-applying the current status is handled by Attempt.Transition and is
// not an edge.
func (s Status) CanTransitionTo(target Status) bool {
	for _, t := range transitions[s] {
		if t == target {
			return true
		}
	}
	return false
}
