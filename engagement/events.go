package engagement

import (
	"strconv"

	"campusbridge/audit"
)

const (
	EventTypeApplied       = "engagement.applied"
	EventTypeAccepted      = "engagement.accepted"
	EventTypeDeclined      = "engagement.declined"
	EventTypeWithdrawn     = "engagement.withdrawn"
	EventTypeCompleted     = "engagement.completed"
	EventTypeReviewedByOne = "engagement.reviewed_by_one"
	EventTypeReviewed      = "engagement.reviewed"
	EventTypeCancelled     = "engagement.cancelled"

	EventTypeEscrowChanged = "engagement.escrow.changed"
	EventTypeNdaChanged    = "engagement.nda.changed"
)

var stateEventTypes = map[State]string{
	StateApplied:       EventTypeApplied,
	StateAccepted:      EventTypeAccepted,
	StateDeclined:      EventTypeDeclined,
	StateWithdrawn:     EventTypeWithdrawn,
	StateCompleted:     EventTypeCompleted,
	StateReviewedByOne: EventTypeReviewedByOne,
	StateReviewed:      EventTypeReviewed,
	StateCancelled:     EventTypeCancelled,
}

// NewTransitionEvent builds the canonical audit payload for a committed
// transition, carrying the before/after states the transition produced.
func NewTransitionEvent(eng *Engagement, ledgerName string, oldState, newState State, actorID string, role Role) audit.Event {
	eventType, ok := stateEventTypes[newState]
	if !ok {
		eventType = "engagement.transitioned"
	}
	evt := audit.NewEvent(eventType, engagementID(eng))
	evt.ActorID = actorID
	evt.ActorRole = string(role)
	evt.Attributes["transition"] = ledgerName
	evt.Attributes["oldState"] = string(oldState)
	evt.Attributes["newState"] = string(newState)
	if eng != nil {
		evt.Attributes["listingId"] = eng.ListingID
		evt.Attributes["requiresDeposit"] = strconv.FormatBool(eng.RequiresDeposit)
		evt.Attributes["requiresNda"] = strconv.FormatBool(eng.RequiresNda)
	}
	return evt
}

// NewGateChangeEvent builds the audit payload emitted when an escrow hold or
// signature request moves, carrying the before/after values of the input.
func NewGateChangeEvent(eventType, engagementID, operation, before, after, actorID string, role Role) audit.Event {
	evt := audit.NewEvent(eventType, engagementID)
	evt.ActorID = actorID
	evt.ActorRole = string(role)
	evt.Attributes["operation"] = operation
	evt.Attributes["before"] = before
	evt.Attributes["after"] = after
	return evt
}

func engagementID(eng *Engagement) string {
	if eng == nil {
		return ""
	}
	return eng.ID
}
