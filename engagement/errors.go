package engagement

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by ledger implementations when the engagement
	// does not exist.
	ErrNotFound = errors.New("engagement: not found")
	// ErrVersionConflict is returned by ledger implementations when the
	// expected version no longer matches the stored record.
	ErrVersionConflict = errors.New("engagement: ledger version conflict")
)

// InvalidTransitionError rejects a (state, transition) pair absent from the
// transition table.
type InvalidTransitionError struct {
	From       State
	Transition Transition
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("engagement: transition %q not legal from state %q", e.Transition, e.From)
}

// UnauthorizedError rejects an actor whose role does not match the role the
// transition requires.
type UnauthorizedError struct {
	Transition Transition
	Role       Role
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("engagement: role %q may not request transition %q", e.Role, e.Transition)
}

// GateBlockedError rejects a transition whose guard gate failed. Gate and
// Reason carry enough detail to render a specific user message.
type GateBlockedError struct {
	Gate   string
	Reason string
}

func (e *GateBlockedError) Error() string {
	return fmt.Sprintf("engagement: blocked by %s gate: %s", e.Gate, e.Reason)
}

// ConcurrencyConflictError is surfaced when the ledger version check fails
// twice in a row for the same request.
type ConcurrencyConflictError struct {
	EngagementID string
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("engagement: concurrent transition on %s", e.EngagementID)
}

// TransientError wraps an external fault that survived the retry policy.
// Callers should treat it as "try again later".
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("engagement: transient failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }
