package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPersister struct {
	mu     sync.Mutex
	events []Event
	fail   bool
}

func (p *recordingPersister) PersistEvent(ctx context.Context, evt Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return assert.AnError
	}
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPersister) recorded() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

func TestEmit_PersistsThenFansOut(t *testing.T) {
	persister := &recordingPersister{}
	bus := New(persister)

	ch := bus.Subscribe("run-1")
	defer bus.Unsubscribe("run-1", ch)

	bus.Emit(context.Background(), "run-1", RunStarted, nil, map[string]any{"status": "running"})

	select {
	case evt := <-ch:
		assert.Equal(t, RunStarted, evt.Type)
		assert.Equal(t, "run-1", evt.RunID)
	case <-time.After(time.Second):
		t.Fatal("expected event on subscriber channel")
	}

	require.Len(t, persister.recorded(), 1)
}

func TestEmit_OnlyTargetsSubscribedRun(t *testing.T) {
	bus := New(nil)
	chA := bus.Subscribe("run-a")
	chB := bus.Subscribe("run-b")
	defer bus.Unsubscribe("run-a", chA)
	defer bus.Unsubscribe("run-b", chB)

	bus.Emit(context.Background(), "run-a", RunStarted, nil, nil)

	select {
	case <-chA:
	case <-time.After(time.Second):
		t.Fatal("expected event on run-a")
	}

	select {
	case <-chB:
		t.Fatal("run-b should not have received run-a's event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmit_DropsOnFullQueueWithoutBlocking(t *testing.T) {
	bus := New(nil)
	ch := bus.Subscribe("run-1")
	defer bus.Unsubscribe("run-1", ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberCapacity+10; i++ {
			bus.Emit(context.Background(), "run-1", StepStarted, nil, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("emit should never block even when the subscriber queue is full")
	}
}

func TestEmit_PersistenceFailureDoesNotBlockFanOut(t *testing.T) {
	persister := &recordingPersister{fail: true}
	bus := New(persister)
	ch := bus.Subscribe("run-1")
	defer bus.Unsubscribe("run-1", ch)

	bus.Emit(context.Background(), "run-1", RunFailed, nil, map[string]any{"error": "boom"})

	select {
	case evt := <-ch:
		assert.Equal(t, RunFailed, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("expected event despite persistence failure")
	}
}

func TestEmit_InvokesListeners(t *testing.T) {
	bus := New(nil)

	var mu sync.Mutex
	var seen []Type
	bus.AddListener(func(evt Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, evt.Type)
	})

	bus.Emit(context.Background(), "run-1", RunStarted, nil, nil)
	bus.Emit(context.Background(), "run-1", RunCompleted, nil, nil)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Type{RunStarted, RunCompleted}, seen)
}

func TestUnsubscribe_PrunesEmptyEntry(t *testing.T) {
	bus := New(nil)
	ch := bus.Subscribe("run-1")
	bus.Unsubscribe("run-1", ch)

	bus.mu.Lock()
	_, exists := bus.subscribers["run-1"]
	bus.mu.Unlock()
	assert.False(t, exists)
}

func TestSummarizeOutput_TruncatesOverMaxKeys(t *testing.T) {
	output := map[string]any{"a": 1, "b": 2, "c": 3, "d": 4, "e": 5, "f": 6}
	summary := SummarizeOutput(output, 5)

	assert.Equal(t, true, summary["_truncated"])
	assert.Equal(t, 6, summary["_total_keys"])
	assert.Len(t, summary, 7)
}

func TestSummarizeOutput_PassesThroughWhenSmall(t *testing.T) {
	output := map[string]any{"a": 1}
	summary := SummarizeOutput(output, 5)
	assert.Equal(t, output, summary)
	_, hasTruncated := summary["_truncated"]
	assert.False(t, hasTruncated)
}
