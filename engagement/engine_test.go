package engagement

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"campusbridge/audit"
	"campusbridge/retry"
)

// fakeLedger applies transitions in-memory with the same optimistic version
// semantics as the hosted transaction API.
type fakeLedger struct {
	mu              sync.Mutex
	records         map[string]*Engagement
	conflictsLeft   int
	onConflict      func(*Engagement)
	transientsLeft  int
	getCalls        int
	transitionCalls int
}

func newFakeLedger(records ...*Engagement) *fakeLedger {
	l := &fakeLedger{records: make(map[string]*Engagement)}
	for _, rec := range records {
		l.records[rec.ID] = rec.Clone()
	}
	return l
}

func (l *fakeLedger) GetTransaction(_ context.Context, id string) (*Engagement, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.getCalls++
	rec, ok := l.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (l *fakeLedger) Transition(_ context.Context, id, name string, expectedVersion uint64) (*Engagement, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transitionCalls++
	rec, ok := l.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	if l.transientsLeft > 0 {
		l.transientsLeft--
		return nil, &retry.HTTPError{Status: 503}
	}
	if l.conflictsLeft > 0 {
		l.conflictsLeft--
		if l.onConflict != nil {
			l.onConflict(rec)
		}
		return nil, ErrVersionConflict
	}
	if expectedVersion != rec.Version {
		return nil, ErrVersionConflict
	}
	next, ok := stateForLedgerName(name)
	if !ok {
		return nil, errors.New("fake ledger: unknown transition name " + name)
	}
	rec.State = next
	rec.LastTransition = name
	rec.LastTransitionedAt = time.Now().UTC()
	rec.Version++
	return rec.Clone(), nil
}

func stateForLedgerName(name string) (State, bool) {
	switch {
	case strings.HasPrefix(name, "transition/review-1-"):
		return StateReviewedByOne, true
	case strings.HasPrefix(name, "transition/review-2-"):
		return StateReviewed, true
	}
	for tr, next := range transitionResult {
		if name == LedgerTransitionName(tr) {
			return next, true
		}
	}
	return "", false
}

type fakeGate struct {
	result GateResult
	err    error
	calls  int
}

func (g *fakeGate) Evaluate(context.Context, *Engagement) (GateResult, error) {
	g.calls++
	return g.result, g.err
}

type captureEmitter struct {
	mu     sync.Mutex
	events []audit.Event
}

func (e *captureEmitter) Emit(evt audit.Event) {
	e.mu.Lock()
	e.events = append(e.events, evt)
	e.mu.Unlock()
}

func (e *captureEmitter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.events)
}

type captureInvalidator struct {
	mu  sync.Mutex
	ids []string
}

func (c *captureInvalidator) Invalidate(id string) {
	c.mu.Lock()
	c.ids = append(c.ids, id)
	c.mu.Unlock()
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func newTestEngine(ledger Ledger) (*Engine, *captureEmitter, *captureInvalidator) {
	emitter := &captureEmitter{}
	cache := &captureInvalidator{}
	engine := NewEngine()
	engine.SetLedger(ledger)
	engine.SetEmitter(emitter)
	engine.SetInvalidator(cache)
	engine.SetRetryPolicy(fastPolicy())
	return engine, emitter, cache
}

func baseRecord(state State) *Engagement {
	return &Engagement{
		ID:         "eng-1",
		CustomerID: "cust-1",
		ProviderID: "prov-1",
		ListingID:  "listing-1",
		State:      state,
		Version:    3,
	}
}

func TestApplyTransitionCommitsAndEmits(t *testing.T) {
	ledger := newFakeLedger(baseRecord(StateInquired))
	engine, emitter, cache := newTestEngine(ledger)

	state, err := engine.ApplyTransition(context.Background(), "eng-1", TransitionApply, RoleCustomer, "cust-1")
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if state != StateApplied {
		t.Fatalf("expected applied, got %q", state)
	}
	if emitter.count() != 1 {
		t.Fatalf("expected one emitted event, got %d", emitter.count())
	}
	if emitter.events[0].Type != EventTypeApplied {
		t.Fatalf("unexpected event type %q", emitter.events[0].Type)
	}
	if len(cache.ids) != 1 || cache.ids[0] != "eng-1" {
		t.Fatalf("expected cache invalidation for eng-1, got %v", cache.ids)
	}
}

func TestApplyTransitionIdempotentRepeatSkipsLedger(t *testing.T) {
	rec := baseRecord(StateApplied)
	rec.LastTransition = LedgerTransitionName(TransitionApply)
	ledger := newFakeLedger(rec)
	engine, emitter, _ := newTestEngine(ledger)

	state, err := engine.ApplyTransition(context.Background(), "eng-1", TransitionApply, RoleCustomer, "cust-1")
	if err != nil {
		t.Fatalf("repeat apply failed: %v", err)
	}
	if state != StateApplied {
		t.Fatalf("expected applied, got %q", state)
	}
	if ledger.transitionCalls != 0 {
		t.Fatalf("idempotent repeat must not reach the ledger, got %d calls", ledger.transitionCalls)
	}
	if emitter.count() != 0 {
		t.Fatalf("idempotent repeat must not emit, got %d events", emitter.count())
	}
}

func TestApplyTransitionEscrowGateBlocksAccept(t *testing.T) {
	rec := baseRecord(StateApplied)
	rec.RequiresDeposit = true
	ledger := newFakeLedger(rec)
	engine, emitter, _ := newTestEngine(ledger)
	gate := &fakeGate{result: GateResult{Gate: "escrow", Reason: "deposit pending"}}
	engine.SetEscrowGate(gate)

	_, err := engine.ApplyTransition(context.Background(), "eng-1", TransitionAccept, RoleProvider, "prov-1")
	var blocked *GateBlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected GateBlockedError, got %v", err)
	}
	if blocked.Reason != "deposit pending" {
		t.Fatalf("expected gate reason to surface, got %q", blocked.Reason)
	}
	if ledger.transitionCalls != 0 {
		t.Fatalf("blocked transition must not reach the ledger")
	}
	if emitter.count() != 0 {
		t.Fatalf("blocked transition must not emit")
	}
}

func TestApplyTransitionSkipsGateWithoutDeposit(t *testing.T) {
	ledger := newFakeLedger(baseRecord(StateApplied))
	engine, _, _ := newTestEngine(ledger)
	gate := &fakeGate{result: GateResult{Gate: "escrow", Reason: "would block"}}
	engine.SetEscrowGate(gate)

	state, err := engine.ApplyTransition(context.Background(), "eng-1", TransitionAccept, RoleProvider, "prov-1")
	if err != nil {
		t.Fatalf("accept without deposit failed: %v", err)
	}
	if state != StateAccepted {
		t.Fatalf("expected accepted, got %q", state)
	}
	if gate.calls != 0 {
		t.Fatalf("gate must not be consulted when no deposit is required")
	}
}

func TestApplyTransitionRejectsWrongParty(t *testing.T) {
	ledger := newFakeLedger(baseRecord(StateInquired))
	engine, _, _ := newTestEngine(ledger)

	_, err := engine.ApplyTransition(context.Background(), "eng-1", TransitionApply, RoleCustomer, "someone-else")
	var unauthorized *UnauthorizedError
	if !errors.As(err, &unauthorized) {
		t.Fatalf("expected UnauthorizedError, got %v", err)
	}
	if ledger.transitionCalls != 0 {
		t.Fatalf("unauthorized request must not reach the ledger")
	}
}

func TestApplyTransitionAdminActsWithoutPartyBinding(t *testing.T) {
	ledger := newFakeLedger(baseRecord(StateApplied))
	engine, _, _ := newTestEngine(ledger)

	state, err := engine.ApplyTransition(context.Background(), "eng-1", TransitionCancel, RoleAdmin, "ops-7")
	if err != nil {
		t.Fatalf("admin cancel failed: %v", err)
	}
	if state != StateCancelled {
		t.Fatalf("expected cancelled, got %q", state)
	}
}

func TestApplyTransitionTerminalStateRejected(t *testing.T) {
	ledger := newFakeLedger(baseRecord(StateWithdrawn))
	engine, _, _ := newTestEngine(ledger)

	_, err := engine.ApplyTransition(context.Background(), "eng-1", TransitionApply, RoleCustomer, "cust-1")
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError from terminal state, got %v", err)
	}
}

func TestApplyTransitionRetriesVersionConflictOnce(t *testing.T) {
	ledger := newFakeLedger(baseRecord(StateInquired))
	ledger.conflictsLeft = 1
	engine, emitter, _ := newTestEngine(ledger)

	state, err := engine.ApplyTransition(context.Background(), "eng-1", TransitionApply, RoleCustomer, "cust-1")
	if err != nil {
		t.Fatalf("expected success after refetch, got %v", err)
	}
	if state != StateApplied {
		t.Fatalf("expected applied, got %q", state)
	}
	if ledger.getCalls != 2 {
		t.Fatalf("expected one refetch after conflict, got %d gets", ledger.getCalls)
	}
	if emitter.count() != 1 {
		t.Fatalf("expected exactly one event, got %d", emitter.count())
	}
}

func TestApplyTransitionConcurrentDuplicateNeverDoubleCommits(t *testing.T) {
	// A concurrent request wins the version race and commits accept. The
	// loser refetches, sees accepted, and must fail rather than treat its own
	// duplicate as an idempotent success.
	rec := baseRecord(StateApplied)
	ledger := newFakeLedger(rec)
	ledger.conflictsLeft = 1
	ledger.onConflict = func(stored *Engagement) {
		stored.State = StateAccepted
		stored.LastTransition = LedgerTransitionName(TransitionAccept)
		stored.Version++
	}
	engine, emitter, _ := newTestEngine(ledger)

	_, err := engine.ApplyTransition(context.Background(), "eng-1", TransitionAccept, RoleProvider, "prov-1")
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected loser to fail with InvalidTransitionError, got %v", err)
	}
	if emitter.count() != 0 {
		t.Fatalf("loser must not emit, got %d events", emitter.count())
	}
}

func TestApplyTransitionSecondConflictSurfaces(t *testing.T) {
	ledger := newFakeLedger(baseRecord(StateInquired))
	ledger.conflictsLeft = 2
	engine, _, _ := newTestEngine(ledger)

	_, err := engine.ApplyTransition(context.Background(), "eng-1", TransitionApply, RoleCustomer, "cust-1")
	var conflict *ConcurrencyConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConcurrencyConflictError after second conflict, got %v", err)
	}
}

func TestApplyTransitionWrapsExhaustedTransientFaults(t *testing.T) {
	ledger := newFakeLedger(baseRecord(StateInquired))
	ledger.transientsLeft = 10
	engine, emitter, _ := newTestEngine(ledger)

	_, err := engine.ApplyTransition(context.Background(), "eng-1", TransitionApply, RoleCustomer, "cust-1")
	var transient *TransientError
	if !errors.As(err, &transient) {
		t.Fatalf("expected TransientError, got %v", err)
	}
	if emitter.count() != 0 {
		t.Fatalf("failed commit must not emit")
	}
}

func TestApplyTransitionTransientFaultThenSuccess(t *testing.T) {
	ledger := newFakeLedger(baseRecord(StateInquired))
	ledger.transientsLeft = 1
	engine, emitter, _ := newTestEngine(ledger)

	state, err := engine.ApplyTransition(context.Background(), "eng-1", TransitionApply, RoleCustomer, "cust-1")
	if err != nil {
		t.Fatalf("expected retry to recover, got %v", err)
	}
	if state != StateApplied {
		t.Fatalf("expected applied, got %q", state)
	}
	if emitter.count() != 1 {
		t.Fatalf("expected one event after recovery, got %d", emitter.count())
	}
}

func TestApplyTransitionNotFound(t *testing.T) {
	ledger := newFakeLedger()
	engine, _, _ := newTestEngine(ledger)

	_, err := engine.ApplyTransition(context.Background(), "missing", TransitionApply, RoleCustomer, "cust-1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReviewSequenceReachesReviewed(t *testing.T) {
	ledger := newFakeLedger(baseRecord(StateCompleted))
	engine, emitter, _ := newTestEngine(ledger)
	ctx := context.Background()

	state, err := engine.ApplyTransition(ctx, "eng-1", TransitionReview, RoleCustomer, "cust-1")
	if err != nil {
		t.Fatalf("first review failed: %v", err)
	}
	if state != StateReviewedByOne {
		t.Fatalf("expected reviewed-by-one, got %q", state)
	}

	// Re-submitting the review that produced the current state is idempotent.
	if _, err := engine.ApplyTransition(ctx, "eng-1", TransitionReview, RoleCustomer, "cust-1"); err != nil {
		t.Fatalf("customer repeat should be idempotent, got %v", err)
	}

	state, err = engine.ApplyTransition(ctx, "eng-1", TransitionReview, RoleProvider, "prov-1")
	if err != nil {
		t.Fatalf("second review failed: %v", err)
	}
	if state != StateReviewed {
		t.Fatalf("expected reviewed, got %q", state)
	}
	if emitter.count() != 2 {
		t.Fatalf("expected two emitted events, got %d", emitter.count())
	}
	if emitter.events[1].Type != EventTypeReviewed {
		t.Fatalf("unexpected terminal event type %q", emitter.events[1].Type)
	}
}

func TestApplyTransitionSerializesPerEngagement(t *testing.T) {
	ledger := newFakeLedger(baseRecord(StateInquired))
	engine, emitter, _ := newTestEngine(ledger)

	var wg sync.WaitGroup
	results := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = engine.ApplyTransition(context.Background(), "eng-1", TransitionApply, RoleCustomer, "cust-1")
		}(i)
	}
	wg.Wait()

	for i, err := range results {
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
	}
	// One request commits; the rest observe the committed state and return
	// idempotently without emitting.
	if emitter.count() != 1 {
		t.Fatalf("expected exactly one emitted event, got %d", emitter.count())
	}
	if ledger.transitionCalls != 1 {
		t.Fatalf("expected one ledger commit, got %d", ledger.transitionCalls)
	}
}
