// Package events implements the in-process publish/subscribe bus that fans
// out run lifecycle events to WebSocket subscribers and persists them as the
// authoritative run_events log.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// subscriberCapacity bounds each per-run subscriber queue. A slow consumer
// drops events rather than blocking the engine (spec §4.5).
const subscriberCapacity = 256

// Event is the envelope delivered to subscribers and persisted to
// run_events.payload, matching spec §6's wire shape exactly.
type Event struct {
	Type      Type           `json:"type"`
	EventType Type           `json:"event_type"`
	RunID     string         `json:"run_id"`
	StepID    *string        `json:"step_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// Persister writes an event to durable storage (run_events). Persistence
// failures are logged and never block fan-out or the caller.
type Persister interface {
	PersistEvent(ctx context.Context, evt Event) error
}

// Listener observes every event emitted on the bus, regardless of run.
// Used for metrics and logging, not for driving business logic.
type Listener func(Event)

// Bus is the process-global event bus. The zero value is not usable; build
// one with New.
type Bus struct {
	persister Persister

	mu          sync.Mutex
	subscribers map[string][]chan Event
	listeners   []Listener
}

// New builds a Bus backed by persister. persister may be nil, in which case
// emit skips persistence entirely (used by tests that only care about
// fan-out).
func New(persister Persister) *Bus {
	return &Bus{
		persister:   persister,
		subscribers: make(map[string][]chan Event),
	}
}

// Subscribe registers a new bounded queue for runID and returns it. Callers
// must Unsubscribe when done, typically via defer, to avoid leaking the
// channel and its slot in the subscriber map.
func (b *Bus) Subscribe(runID string) chan Event {
	ch := make(chan Event, subscriberCapacity)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[runID] = append(b.subscribers[runID], ch)
	return ch
}

// Unsubscribe removes ch from runID's subscriber list and closes it. Prunes
// the map entry entirely once the last subscriber for a run leaves.
func (b *Bus) Unsubscribe(runID string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[runID]
	for i, existing := range subs {
		if existing == ch {
			b.subscribers[runID] = append(subs[:i], subs[i+1:]...)
			close(ch)
			break
		}
	}
	if len(b.subscribers[runID]) == 0 {
		delete(b.subscribers, runID)
	}
}

// AddListener registers a process-global observer invoked for every emitted
// event, after persistence and fan-out.
func (b *Bus) AddListener(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// Emit builds the event envelope, persists it, then fans it out to runID's
// subscribers and the process-global listeners. Persistence happens first
// so a crash between persist and fan-out never loses an event from the
// durable log; fan-out is non-blocking per subscriber, so one stalled
// WebSocket client can't stall the engine or other subscribers.
func (b *Bus) Emit(ctx context.Context, runID string, eventType Type, stepID *string, payload map[string]any) {
	evt := Event{
		Type:      eventType,
		EventType: eventType,
		RunID:     runID,
		StepID:    stepID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}

	if b.persister != nil {
		if err := b.persister.PersistEvent(ctx, evt); err != nil {
			slog.Error("events: failed to persist event", "run_id", runID, "event_type", eventType, "error", err)
		}
	}

	b.mu.Lock()
	subs := append([]chan Event(nil), b.subscribers[runID]...)
	listeners := append([]Listener(nil), b.listeners...)
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
			slog.Warn("events: subscriber queue full, dropping event", "run_id", runID, "event_type", eventType)
		}
	}

	for _, l := range listeners {
		l(evt)
	}
}

// NewEventID generates a fresh id for a run_events row.
func NewEventID() string {
	return uuid.NewString()
}

// StepIDPtr is a small helper for call sites building an Event where StepID
// is conditionally present, avoiding an inline &s idiom at every call site.
func StepIDPtr(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}

// DurationMillis is a formatting helper shared by every event emission site
// that reports an elapsed duration, matching spec §6's duration_ms field.
func DurationMillis(d time.Duration) int64 {
	return d.Milliseconds()
}

// SummarizeOutput truncates a step's output map to the first maxKeys keys
// (insertion order is not guaranteed by Go maps, so summaries are only
// approximately stable across runs, matching the original's dict-ordering
// caveat), marks it with _truncated, and records the original key count as
// _total_keys.
func SummarizeOutput(output map[string]any, maxKeys int) map[string]any {
	if len(output) <= maxKeys {
		return output
	}

	summary := make(map[string]any, maxKeys+2)
	count := 0
	for k, v := range output {
		if count >= maxKeys {
			break
		}
		summary[k] = v
		count++
	}
	summary["_truncated"] = true
	summary["_total_keys"] = len(output)
	return summary
}

// FormatError renders err for inclusion in an event payload or step_run
// error column. nil is rendered as "".
func FormatError(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%v", err)
}
