package gates

import "time"

// Gate names used in blocked-transition errors and metrics labels.
const (
	GateEscrow     = "escrow"
	GateNda        = "nda"
	GateAssessment = "assessment"
)

// HoldStatus enumerates the lifecycle of an escrow deposit hold.
type HoldStatus string

const (
	HoldNone      HoldStatus = "none"
	HoldPending   HoldStatus = "pending"
	HoldConfirmed HoldStatus = "confirmed"
	HoldRevoked   HoldStatus = "revoked"
)

// EscrowHold mirrors the deposit record kept by the escrow admin service for
// an engagement that requires a deposit. Status history is append-only on the
// admin side; the engine only ever reads it.
type EscrowHold struct {
	EngagementID string
	Status       HoldStatus
	// Amount is in the smallest currency unit.
	Amount      int64
	ConfirmedBy string
	ConfirmedAt *time.Time
	// HoldActive blocks work start. It stays true until the deposit is
	// confirmed and the hold explicitly cleared, and an admin may reinstate
	// it after confirmation.
	HoldActive bool
}

// SignatureStatus enumerates NDA signature progress. Status only moves
// forward; the NDA service is the sole writer.
type SignatureStatus string

const (
	SignatureNotRequested    SignatureStatus = "not_requested"
	SignatureRequested       SignatureStatus = "requested"
	SignaturePartiallySigned SignatureStatus = "partially_signed"
	SignatureFullySigned     SignatureStatus = "fully_signed"
)

// Signer tracks one required signature on the NDA document.
type Signer struct {
	PartyRole string
	SignedAt  *time.Time
}

// SignatureRequest mirrors the NDA service record for an engagement that
// requires an NDA.
type SignatureRequest struct {
	EngagementID string
	DocumentID   string
	Signers      []Signer
	Status       SignatureStatus
}

// Assessment mirrors the provider-submitted performance assessment. At most
// one exists per engagement, and only once the engagement completed.
type Assessment struct {
	EngagementID string
	SubmittedBy  string
	Scores       map[string]int
	SubmittedAt  time.Time
}
