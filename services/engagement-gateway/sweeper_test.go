package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"campusbridge/audit"
	"campusbridge/gates"
)

type stubStaleStore struct {
	ids []string
	err error

	mu     sync.Mutex
	cutoff time.Time
}

func (s *stubStaleStore) ListStaleCandidates(_ context.Context, before time.Time) ([]string, error) {
	s.mu.Lock()
	s.cutoff = before
	s.mu.Unlock()
	return s.ids, s.err
}

type stubHoldSource struct {
	holds map[string]*gates.EscrowHold
}

func (s *stubHoldSource) GetStatus(_ context.Context, id string) (*gates.EscrowHold, error) {
	hold, ok := s.holds[id]
	if !ok {
		return nil, nil
	}
	return hold, nil
}

type sweepEmitter struct {
	mu     sync.Mutex
	events []audit.Event
}

func (e *sweepEmitter) Emit(evt audit.Event) {
	e.mu.Lock()
	e.events = append(e.events, evt)
	e.mu.Unlock()
}

func TestSweepFlagsOnlyPendingHolds(t *testing.T) {
	store := &stubStaleStore{ids: []string{"eng-pending", "eng-confirmed", "eng-none"}}
	holds := &stubHoldSource{holds: map[string]*gates.EscrowHold{
		"eng-pending":   {EngagementID: "eng-pending", Status: gates.HoldPending},
		"eng-confirmed": {EngagementID: "eng-confirmed", Status: gates.HoldConfirmed},
	}}
	emitter := &sweepEmitter{}
	sweeper := NewSweeper(store, holds, emitter, nil, time.Minute, 72*time.Hour)

	sweeper.sweep(context.Background())

	emitter.mu.Lock()
	defer emitter.mu.Unlock()
	if len(emitter.events) != 1 {
		t.Fatalf("expected one stale event, got %d", len(emitter.events))
	}
	evt := emitter.events[0]
	if evt.Type != eventTypeEscrowStale || evt.EngagementID != "eng-pending" {
		t.Fatalf("unexpected event %+v", evt)
	}
	if evt.Attributes["staleAfter"] != (72 * time.Hour).String() {
		t.Fatalf("expected threshold attribute, got %v", evt.Attributes)
	}
}

func TestSweepUsesConfiguredCutoff(t *testing.T) {
	store := &stubStaleStore{}
	sweeper := NewSweeper(store, &stubHoldSource{}, nil, nil, time.Minute, 48*time.Hour)
	fixed := time.Unix(1700000000, 0).UTC()
	sweeper.nowFn = func() time.Time { return fixed }

	sweeper.sweep(context.Background())

	store.mu.Lock()
	defer store.mu.Unlock()
	if want := fixed.Add(-48 * time.Hour); !store.cutoff.Equal(want) {
		t.Fatalf("expected cutoff %v, got %v", want, store.cutoff)
	}
}

func TestSweepSurvivesStoreFailure(t *testing.T) {
	store := &stubStaleStore{err: errors.New("db locked")}
	sweeper := NewSweeper(store, &stubHoldSource{}, &sweepEmitter{}, nil, time.Minute, time.Hour)

	// Must log and return without panicking.
	sweeper.sweep(context.Background())
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	store := &stubStaleStore{}
	sweeper := NewSweeper(store, &stubHoldSource{}, nil, nil, 10*time.Millisecond, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("sweeper did not stop after cancel")
	}
}
