package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/flowforge/workflows/services/events"
)

// EventPersister adapts a Store into the events.Persister the bus writes
// through, translating the bus's wire envelope into a run_events row.
type EventPersister struct {
	store Store
}

// NewEventPersister builds a Persister backed by store.
func NewEventPersister(store Store) *EventPersister {
	return &EventPersister{store: store}
}

func (p *EventPersister) PersistEvent(ctx context.Context, evt events.Event) error {
	runID, err := uuid.Parse(evt.RunID)
	if err != nil {
		return fmt.Errorf("storage: persist event: invalid run id %q: %w", evt.RunID, err)
	}
	return p.store.CreateRunEvent(ctx, &RunEvent{
		RunID:     runID,
		StepID:    evt.StepID,
		EventType: string(evt.EventType),
		Payload:   evt.Payload,
	})
}
