package engagement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"campusbridge/audit"
	"campusbridge/observability"
	"campusbridge/retry"
)

var (
	errNilLedger = errors.New("engagement engine: ledger not configured")
)

// Ledger is the external marketplace transaction API. It owns the engagement
// records; the engine never mutates state except through Transition.
type Ledger interface {
	GetTransaction(ctx context.Context, id string) (*Engagement, error)
	// Transition commits the named transition if the stored version still
	// matches expectedVersion, returning the updated record. Implementations
	// return ErrVersionConflict on a mismatch.
	Transition(ctx context.Context, id, name string, expectedVersion uint64) (*Engagement, error)
}

// GateResult is the outcome of evaluating a single gate.
type GateResult struct {
	Pass   bool
	Gate   string
	Reason string
}

// Gate is a pure read-side precondition over an engagement.
type Gate interface {
	Evaluate(ctx context.Context, eng *Engagement) (GateResult, error)
}

// Invalidator drops cached derived values for an engagement after a write.
type Invalidator interface {
	Invalidate(engagementID string)
}

// Engine validates and dispatches lifecycle transitions. Transitions on the
// same engagement are serialized; different engagements proceed in parallel.
type Engine struct {
	ledger      Ledger
	escrowGate  Gate
	emitter     audit.Emitter
	cache       Invalidator
	policy      retry.Policy
	locks       keyedMutex
	callTimeout time.Duration
}

// NewEngine creates an engine with a no-op emitter and default retry policy.
// Callers wire collaborators through the setters.
func NewEngine() *Engine {
	return &Engine{
		emitter:     audit.NoopEmitter{},
		policy:      retry.DefaultPolicy,
		callTimeout: 15 * time.Second,
	}
}

// SetLedger configures the transaction API backing the engine.
func (e *Engine) SetLedger(ledger Ledger) { e.ledger = ledger }

// SetEscrowGate configures the gate guarding deposit-gated transitions.
func (e *Engine) SetEscrowGate(gate Gate) { e.escrowGate = gate }

// SetEmitter configures the audit emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter audit.Emitter) {
	if emitter == nil {
		e.emitter = audit.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetInvalidator configures the cache notified after committed transitions.
func (e *Engine) SetInvalidator(cache Invalidator) { e.cache = cache }

// SetRetryPolicy overrides the policy applied to ledger calls.
func (e *Engine) SetRetryPolicy(policy retry.Policy) { e.policy = policy }

// SetCallTimeout bounds each individual ledger call so callers are never
// blocked indefinitely. Timeout expiry counts as a retryable fault.
func (e *Engine) SetCallTimeout(d time.Duration) {
	if d > 0 {
		e.callTimeout = d
	}
}

// ApplyTransition validates the requested transition against the table and
// the relevant gates, commits it through the ledger under optimistic
// concurrency, and emits an audit event on success. Re-submitting the
// transition that produced the current state succeeds without touching the
// ledger or emitting again.
func (e *Engine) ApplyTransition(ctx context.Context, engagementID string, tr Transition, role Role, actorID string) (State, error) {
	if e == nil || e.ledger == nil {
		return "", errNilLedger
	}
	id := strings.TrimSpace(engagementID)
	if id == "" {
		return "", fmt.Errorf("engagement engine: id required")
	}
	start := time.Now()

	unlock := e.locks.lock(id)
	defer unlock()

	eng, err := e.fetch(ctx, id)
	if err != nil {
		observability.Engine().ObserveTransition(string(tr), outcomeLabel(err), time.Since(start))
		return "", err
	}

	state, err := e.attempt(ctx, eng, tr, role, actorID, true)
	observability.Engine().ObserveTransition(string(tr), outcomeLabel(err), time.Since(start))
	return state, err
}

// outcomeLabel maps a transition result onto a stable metrics label.
func outcomeLabel(err error) string {
	if err == nil {
		return "success"
	}
	var (
		invalid      *InvalidTransitionError
		unauthorized *UnauthorizedError
		blocked      *GateBlockedError
		conflict     *ConcurrencyConflictError
		transient    *TransientError
	)
	switch {
	case errors.As(err, &invalid):
		return "invalid_transition"
	case errors.As(err, &unauthorized):
		return "unauthorized"
	case errors.As(err, &blocked):
		return "gate_blocked"
	case errors.As(err, &conflict):
		return "conflict"
	case errors.As(err, &transient):
		return "transient"
	default:
		return "error"
	}
}

func (e *Engine) attempt(ctx context.Context, eng *Engagement, tr Transition, role Role, actorID string, firstTry bool) (State, error) {
	if err := authorize(eng, tr, role, actorID); err != nil {
		return "", err
	}

	step, err := resolve(eng, tr, role, firstTry)
	if err != nil {
		return "", err
	}
	if step.Idempotent {
		return eng.State, nil
	}

	if step.EscrowGated && eng.RequiresDeposit && e.escrowGate != nil {
		result, gateErr := e.escrowGate.Evaluate(ctx, eng)
		if gateErr != nil {
			return "", wrapTransient(gateErr)
		}
		if !result.Pass {
			observability.Engine().RecordGateBlocked(result.Gate)
			return "", &GateBlockedError{Gate: result.Gate, Reason: result.Reason}
		}
	}

	updated, err := e.commit(ctx, eng.ID, step.LedgerName, eng.Version)
	if errors.Is(err, ErrVersionConflict) {
		if !firstTry {
			return "", &ConcurrencyConflictError{EngagementID: eng.ID}
		}
		fresh, fetchErr := e.fetch(ctx, eng.ID)
		if fetchErr != nil {
			return "", fetchErr
		}
		return e.attempt(ctx, fresh, tr, role, actorID, false)
	}
	if err != nil {
		return "", wrapTransient(err)
	}

	newState := step.Next
	if updated != nil && updated.State.Valid() {
		newState = updated.State
	}
	e.emit(NewTransitionEvent(eng, step.LedgerName, eng.State, newState, actorID, role))
	if e.cache != nil {
		e.cache.Invalidate(eng.ID)
	}
	return newState, nil
}

// authorize checks that the actor holds the required role on this engagement.
// Admins act on behalf of the platform and are not tied to a party.
func authorize(eng *Engagement, tr Transition, role Role, actorID string) error {
	if !role.Valid() {
		return &UnauthorizedError{Transition: tr, Role: role}
	}
	if role == RoleAdmin {
		return nil
	}
	party := eng.PartyID(role)
	if party == "" || !strings.EqualFold(party, strings.TrimSpace(actorID)) {
		return &UnauthorizedError{Transition: tr, Role: role}
	}
	return nil
}

func (e *Engine) fetch(ctx context.Context, id string) (*Engagement, error) {
	var eng *Engagement
	err := e.policy.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
		defer cancel()
		var opErr error
		eng, opErr = e.ledger.GetTransaction(callCtx, id)
		return opErr
	})
	if err != nil {
		return nil, wrapTransient(err)
	}
	if eng == nil {
		return nil, ErrNotFound
	}
	return eng, nil
}

func (e *Engine) commit(ctx context.Context, id, name string, expectedVersion uint64) (*Engagement, error) {
	var updated *Engagement
	err := e.policy.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
		defer cancel()
		var opErr error
		updated, opErr = e.ledger.Transition(callCtx, id, name, expectedVersion)
		return opErr
	})
	return updated, err
}

func (e *Engine) emit(evt audit.Event) {
	if e == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(evt)
}

// wrapTransient converts exhausted retryable faults into TransientError while
// letting structured rejections pass through untouched.
func wrapTransient(err error) error {
	if err == nil {
		return nil
	}
	if retry.Retryable(err) {
		return &TransientError{Err: err}
	}
	return err
}

// keyedMutex serializes work per engagement id without a global lock.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.entries == nil {
		k.entries = make(map[string]*lockEntry)
	}
	entry, ok := k.entries[key]
	if !ok {
		entry = &lockEntry{}
		k.entries[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs <= 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}
