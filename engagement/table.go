package engagement

import (
	"fmt"
	"strings"
)

// rule describes one legal edge of the lifecycle state machine.
type rule struct {
	role        Role // empty means either trading party
	next        State
	escrowGated bool
}

// transitionTable is the authoritative map of legal lifecycle edges. Pairs
// absent from the table are rejected, never silently ignored.
var transitionTable = map[State]map[Transition]rule{
	StateInquired: {
		TransitionApply:    {role: RoleCustomer, next: StateApplied},
		TransitionWithdraw: {role: RoleCustomer, next: StateWithdrawn},
		TransitionCancel:   {role: RoleAdmin, next: StateCancelled},
	},
	StateApplied: {
		TransitionAccept:   {role: RoleProvider, next: StateAccepted, escrowGated: true},
		TransitionDecline:  {role: RoleProvider, next: StateDeclined},
		TransitionWithdraw: {role: RoleCustomer, next: StateWithdrawn},
		TransitionCancel:   {role: RoleAdmin, next: StateCancelled},
	},
	StateAccepted: {
		TransitionMarkCompleted: {role: RoleProvider, next: StateCompleted},
		TransitionWithdraw:      {role: RoleCustomer, next: StateWithdrawn},
		TransitionCancel:        {role: RoleAdmin, next: StateCancelled},
	},
	StateCompleted: {
		TransitionReview: {next: StateReviewedByOne},
	},
	StateReviewedByOne: {
		TransitionReview: {next: StateReviewed},
	},
}

// transitionResult gives the deterministic resulting state for every
// transition that maps onto a single ledger name regardless of origin.
var transitionResult = map[Transition]State{
	TransitionApply:         StateApplied,
	TransitionAccept:        StateAccepted,
	TransitionDecline:       StateDeclined,
	TransitionWithdraw:      StateWithdrawn,
	TransitionMarkCompleted: StateCompleted,
	TransitionCancel:        StateCancelled,
}

// Step is a resolved transition ready to be dispatched to the ledger.
type Step struct {
	Next        State
	LedgerName  string
	EscrowGated bool
	// Idempotent marks a repeat of the transition that produced the current
	// state; the ledger must not be invoked again.
	Idempotent bool
}

// RequiredRole returns the actor role a transition demands independent of
// state, or an empty role when either trading party may request it.
func RequiredRole(tr Transition) (Role, bool) {
	switch tr {
	case TransitionApply, TransitionWithdraw:
		return RoleCustomer, true
	case TransitionAccept, TransitionDecline, TransitionMarkCompleted:
		return RoleProvider, true
	case TransitionCancel:
		return RoleAdmin, true
	case TransitionReview:
		return "", true
	default:
		return "", false
	}
}

// LedgerTransitionName returns the opaque identifier the ledger expects for a
// non-review transition.
func LedgerTransitionName(tr Transition) string {
	return "transition/" + string(tr)
}

// ReviewLedgerName returns the ledger identifier for the first or second
// review depending on which party submits it.
func ReviewLedgerName(ordinal int, role Role) string {
	return fmt.Sprintf("transition/review-%d-by-%s", ordinal, role)
}

// Resolve maps a requested transition onto the concrete ledger step,
// detecting idempotent repeats of the transition that produced the current
// state.
func Resolve(eng *Engagement, tr Transition, role Role) (Step, error) {
	return resolve(eng, tr, role, true)
}

func resolve(eng *Engagement, tr Transition, role Role, detectRepeat bool) (Step, error) {
	required, known := RequiredRole(tr)
	if !known {
		return Step{}, &InvalidTransitionError{From: eng.State, Transition: tr}
	}
	if required != "" && role != required {
		return Step{}, &UnauthorizedError{Transition: tr, Role: role}
	}
	if tr == TransitionReview && role != RoleCustomer && role != RoleProvider {
		return Step{}, &UnauthorizedError{Transition: tr, Role: role}
	}

	if detectRepeat && repeatsLastTransition(eng, tr, role) {
		return Step{Next: eng.State, Idempotent: true}, nil
	}

	rules, ok := transitionTable[eng.State]
	if !ok {
		return Step{}, &InvalidTransitionError{From: eng.State, Transition: tr}
	}
	entry, ok := rules[tr]
	if !ok {
		return Step{}, &InvalidTransitionError{From: eng.State, Transition: tr}
	}

	if tr == TransitionReview {
		ordinal := 1
		if eng.State == StateReviewedByOne {
			ordinal = 2
			// Each party reviews at most once.
			if strings.HasSuffix(eng.LastTransition, "-by-"+string(role)) {
				return Step{}, &InvalidTransitionError{From: eng.State, Transition: tr}
			}
		}
		return Step{Next: entry.next, LedgerName: ReviewLedgerName(ordinal, role)}, nil
	}

	return Step{
		Next:        entry.next,
		LedgerName:  LedgerTransitionName(tr),
		EscrowGated: entry.escrowGated,
	}, nil
}

// repeatsLastTransition reports whether the request re-submits the exact
// transition that produced the engagement's current state.
func repeatsLastTransition(eng *Engagement, tr Transition, role Role) bool {
	if eng == nil || eng.LastTransition == "" {
		return false
	}
	if tr == TransitionReview {
		if eng.LastTransition == ReviewLedgerName(1, role) && eng.State == StateReviewedByOne {
			return true
		}
		return eng.LastTransition == ReviewLedgerName(2, role) && eng.State == StateReviewed
	}
	result, ok := transitionResult[tr]
	if !ok {
		return false
	}
	return eng.LastTransition == LedgerTransitionName(tr) && eng.State == result
}
