package gates

import (
	"context"
	"errors"
	"fmt"

	"campusbridge/engagement"
)

var errNilEngagement = errors.New("gates: nil engagement")

// HoldSource reads the escrow deposit record for an engagement. A nil hold
// with a nil error means no record exists yet.
type HoldSource interface {
	GetStatus(ctx context.Context, engagementID string) (*EscrowHold, error)
}

// SignatureSource reads the NDA signature record for an engagement. A nil
// request with a nil error means signatures were never requested.
type SignatureSource interface {
	GetSignatureStatus(ctx context.Context, engagementID string) (*SignatureRequest, error)
}

// AssessmentSource reads the assessment for an engagement. A nil assessment
// with a nil error means none has been submitted.
type AssessmentSource interface {
	GetAssessment(ctx context.Context, engagementID string) (*Assessment, error)
}

// EscrowGate passes when the engagement needs no deposit, or the deposit is
// confirmed and the work hold cleared.
type EscrowGate struct {
	source HoldSource
}

func NewEscrowGate(source HoldSource) *EscrowGate {
	return &EscrowGate{source: source}
}

func (g *EscrowGate) Evaluate(ctx context.Context, eng *engagement.Engagement) (engagement.GateResult, error) {
	if eng == nil {
		return engagement.GateResult{}, errNilEngagement
	}
	if !eng.RequiresDeposit {
		return pass(GateEscrow), nil
	}
	hold, err := g.source.GetStatus(ctx, eng.ID)
	if err != nil {
		return engagement.GateResult{}, err
	}
	if hold == nil || hold.Status == HoldNone {
		return fail(GateEscrow, "deposit not yet received"), nil
	}
	if hold.Status != HoldConfirmed {
		return fail(GateEscrow, fmt.Sprintf("deposit %s", hold.Status)), nil
	}
	if hold.HoldActive {
		return fail(GateEscrow, "work hold active"), nil
	}
	return pass(GateEscrow), nil
}

// NdaGate passes when the engagement needs no NDA, or every required signer
// has signed.
type NdaGate struct {
	source SignatureSource
}

func NewNdaGate(source SignatureSource) *NdaGate {
	return &NdaGate{source: source}
}

func (g *NdaGate) Evaluate(ctx context.Context, eng *engagement.Engagement) (engagement.GateResult, error) {
	if eng == nil {
		return engagement.GateResult{}, errNilEngagement
	}
	if !eng.RequiresNda {
		return pass(GateNda), nil
	}
	req, err := g.source.GetSignatureStatus(ctx, eng.ID)
	if err != nil {
		return engagement.GateResult{}, err
	}
	if req == nil || req.Status == SignatureNotRequested {
		return fail(GateNda, "signatures not yet requested"), nil
	}
	if req.Status != SignatureFullySigned {
		return fail(GateNda, fmt.Sprintf("signatures %s", req.Status)), nil
	}
	return pass(GateNda), nil
}

// AssessmentGate reports whether the provider still owes an assessment. It is
// never used to block transitions, only for pending-work reporting.
type AssessmentGate struct {
	source AssessmentSource
}

func NewAssessmentGate(source AssessmentSource) *AssessmentGate {
	return &AssessmentGate{source: source}
}

func (g *AssessmentGate) Evaluate(ctx context.Context, eng *engagement.Engagement) (engagement.GateResult, error) {
	if eng == nil {
		return engagement.GateResult{}, errNilEngagement
	}
	if !eng.State.CompletedOrLater() {
		return pass(GateAssessment), nil
	}
	assessment, err := g.source.GetAssessment(ctx, eng.ID)
	if err != nil {
		return engagement.GateResult{}, err
	}
	if assessment == nil {
		return fail(GateAssessment, "assessment pending"), nil
	}
	return pass(GateAssessment), nil
}

func pass(gate string) engagement.GateResult {
	return engagement.GateResult{Pass: true, Gate: gate}
}

func fail(gate, reason string) engagement.GateResult {
	return engagement.GateResult{Gate: gate, Reason: reason}
}
