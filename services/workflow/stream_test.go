package workflow

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/workflows/services/engine"
	"github.com/flowforge/workflows/services/events"
	"github.com/flowforge/workflows/services/steps"
	"github.com/flowforge/workflows/services/storage"
	"github.com/flowforge/workflows/services/storage/storagemock"
)

// TestHandleStreamRun_SnapshotThenLiveEvent exercises the ordering guarantee
// spec §6 requires: the client subscribes to the bus before the snapshot is
// built, so an event emitted immediately after connect is never dropped even
// though it lands while the snapshot is still being assembled.
func TestHandleStreamRun_SnapshotThenLiveEvent(t *testing.T) {
	runID := uuid.New()
	run := &storage.Run{ID: runID, Status: storage.RunStatusRunning, Context: map[string]any{"a": 1}}
	store := &storagemock.StorageMock{
		GetRunMock: func(ctx context.Context, id uuid.UUID) (*storage.Run, error) {
			return run, nil
		},
		ListStepRunsMock: func(ctx context.Context, id uuid.UUID) ([]*storage.StepRun, error) {
			return []*storage.StepRun{{RunID: id, StepID: "a", StepType: "noop", Status: storage.StepRunStatusCompleted, Attempt: 1}}, nil
		},
	}

	bus := events.New(nil)
	registry := steps.NewRegistry()
	eng := engine.New(store, bus, registry)
	svc, err := NewService(store, bus, eng, registry)
	require.NoError(t, err)

	router := newTestRouter(svc)
	srv := httptest.NewServer(router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws/runs/" + runID.String()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the handler goroutine time to subscribe, then fire an event; it
	// must have subscribed before reading the snapshot, so this lands on the
	// subscriber channel rather than being missed.
	time.Sleep(20 * time.Millisecond)
	bus.Emit(context.Background(), runID.String(), events.StepStarted, events.StepIDPtr("b"), nil)

	var snapshot snapshotFrame
	require.NoError(t, conn.ReadJSON(&snapshot))
	assert.Equal(t, "snapshot", snapshot.Type)
	assert.Equal(t, runID.String(), snapshot.RunID)
	require.Len(t, snapshot.Steps, 1)
	assert.Equal(t, "a", snapshot.Steps[0].StepID)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var evt events.Event
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, events.StepStarted, evt.Type)
	assert.Equal(t, "b", *evt.StepID)
}
