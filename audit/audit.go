package audit

import (
	"time"

	"github.com/google/uuid"
)

// Event captures one committed lifecycle transition or gate change. Events
// are advisory: losing one never fails the operation that produced it.
type Event struct {
	ID           string
	Type         string
	EngagementID string
	ActorID      string
	ActorRole    string
	Attributes   map[string]string
	OccurredAt   time.Time
}

// NewEvent stamps identity and time onto an event envelope.
func NewEvent(eventType, engagementID string) Event {
	return Event{
		ID:           uuid.NewString(),
		Type:         eventType,
		EngagementID: engagementID,
		Attributes:   make(map[string]string),
		OccurredAt:   time.Now().UTC(),
	}
}

// Emitter receives events after a transition commits or a gate input changes.
// Implementations must not block the caller and must swallow their own
// failures.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter discards every event.
type NoopEmitter struct{}

func (NoopEmitter) Emit(Event) {}
