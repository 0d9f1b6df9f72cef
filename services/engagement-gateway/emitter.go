package main

import (
	"context"
	"log/slog"
	"time"

	"campusbridge/audit"
)

type eventRecorder interface {
	InsertEvent(ctx context.Context, evt audit.Event) error
}

// recordingEmitter writes every emitted event to the durable audit log before
// handing it to the delivery queue. Log failures are reported but never block
// the emitting code path.
type recordingEmitter struct {
	store  eventRecorder
	queue  *audit.Queue
	logger *slog.Logger
}

func newRecordingEmitter(store eventRecorder, queue *audit.Queue, logger *slog.Logger) *recordingEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &recordingEmitter{store: store, queue: queue, logger: logger}
}

func (e *recordingEmitter) Emit(evt audit.Event) {
	if e.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.store.InsertEvent(ctx, evt); err != nil {
			e.logger.Warn("audit event persist failed", "event", evt.ID, "type", evt.Type, "err", err)
		}
		cancel()
	}
	if e.queue != nil {
		e.queue.Emit(evt)
	}
}
