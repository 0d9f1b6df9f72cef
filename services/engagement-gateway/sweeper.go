package main

import (
	"context"
	"log/slog"
	"time"

	"campusbridge/audit"
	"campusbridge/gates"
)

const eventTypeEscrowStale = "engagement.escrow.stale"

type staleStore interface {
	ListStaleCandidates(ctx context.Context, before time.Time) ([]string, error)
}

// Sweeper periodically flags engagements whose required deposit has been
// sitting unconfirmed past the configured age. It only reports; it never
// revokes holds or touches the lifecycle.
type Sweeper struct {
	store      staleStore
	escrow     gates.HoldSource
	emitter    audit.Emitter
	logger     *slog.Logger
	interval   time.Duration
	staleAfter time.Duration
	nowFn      func() time.Time
}

func NewSweeper(store staleStore, escrow gates.HoldSource, emitter audit.Emitter, logger *slog.Logger, interval, staleAfter time.Duration) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:      store,
		escrow:     escrow,
		emitter:    emitter,
		logger:     logger,
		interval:   interval,
		staleAfter: staleAfter,
		nowFn:      time.Now,
	}
}

// Run executes sweeps on the configured cadence until the context ends.
func (s *Sweeper) Run(ctx context.Context) {
	if s == nil || s.store == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := s.nowFn().Add(-s.staleAfter)
	ids, err := s.store.ListStaleCandidates(ctx, cutoff)
	if err != nil {
		s.logger.Warn("stale hold sweep failed", "err", err)
		return
	}
	for _, id := range ids {
		hold, err := s.escrow.GetStatus(ctx, id)
		if err != nil {
			s.logger.Warn("stale hold lookup failed", "engagement", id, "err", err)
			continue
		}
		if hold == nil || hold.Status != gates.HoldPending {
			continue
		}
		s.logger.Warn("deposit pending past stale threshold",
			"engagement", id, "staleAfter", s.staleAfter)
		if s.emitter != nil {
			evt := audit.NewEvent(eventTypeEscrowStale, id)
			evt.ActorRole = "system"
			evt.Attributes["staleAfter"] = s.staleAfter.String()
			s.emitter.Emit(evt)
		}
	}
}
