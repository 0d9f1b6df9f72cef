package engagement

import "time"

// State represents a position in the engagement lifecycle. The canonical set
// below is the only source of truth; label maps elsewhere derive from it.
type State string

const (
	StateInquired      State = "inquired"
	StateApplied       State = "applied"
	StateAccepted      State = "accepted"
	StateDeclined      State = "declined"
	StateCompleted     State = "completed"
	StateReviewedByOne State = "reviewed-by-one"
	StateReviewed      State = "reviewed"
	StateWithdrawn     State = "withdrawn"
	StateCancelled     State = "cancelled"
)

// Valid reports whether the state value is within the supported range.
func (s State) Valid() bool {
	switch s {
	case StateInquired, StateApplied, StateAccepted, StateDeclined,
		StateCompleted, StateReviewedByOne, StateReviewed,
		StateWithdrawn, StateCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether the lifecycle can no longer advance.
func (s State) Terminal() bool {
	switch s {
	case StateDeclined, StateReviewed, StateWithdrawn, StateCancelled:
		return true
	default:
		return false
	}
}

// CompletedOrLater reports whether the engagement has reached completion.
// An assessment may only exist from this point on.
func (s State) CompletedOrLater() bool {
	switch s {
	case StateCompleted, StateReviewedByOne, StateReviewed:
		return true
	default:
		return false
	}
}

// Transition identifies a requested lifecycle change by its stable name.
type Transition string

const (
	TransitionApply         Transition = "apply"
	TransitionAccept        Transition = "accept"
	TransitionDecline       Transition = "decline"
	TransitionWithdraw      Transition = "withdraw"
	TransitionMarkCompleted Transition = "mark-completed"
	TransitionReview        Transition = "review"
	TransitionCancel        Transition = "cancel"
)

// Role identifies the capacity in which an actor requests a transition.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleProvider Role = "provider"
	RoleAdmin    Role = "admin"
)

// Valid reports whether the role value is one of the supported actors.
func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleProvider, RoleAdmin:
		return true
	default:
		return false
	}
}

// Engagement mirrors the ledger transaction record consumed by the engine.
// The ledger owns the record; the engine only reads it and requests
// transitions through the ledger's own primitive.
type Engagement struct {
	ID                 string
	CustomerID         string
	ProviderID         string
	ListingID          string
	State              State
	LastTransition     string
	LastTransitionedAt time.Time
	RequiresDeposit    bool
	RequiresNda        bool
	Version            uint64
}

// Clone returns a copy callers can mutate without affecting the original.
func (e *Engagement) Clone() *Engagement {
	if e == nil {
		return nil
	}
	clone := *e
	return &clone
}

// PartyID returns the engagement participant bound to the given role, or an
// empty string for roles that are not tied to a single party.
func (e *Engagement) PartyID(role Role) string {
	if e == nil {
		return ""
	}
	switch role {
	case RoleCustomer:
		return e.CustomerID
	case RoleProvider:
		return e.ProviderID
	default:
		return ""
	}
}
