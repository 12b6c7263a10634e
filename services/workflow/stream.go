package workflow

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flowforge/workflows/services/storage"
)

// writeWait bounds how long a single WebSocket write may block before the
// connection is considered stalled.
const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The frontend graph editor may be served from a different origin in
	// development; the HTTP layer's CORS policy (main.go) is the real
	// origin gate, not this check.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// snapshotFrame is the first frame every subscriber receives, before any
// live event (spec §6): a point-in-time view of the run so the client can
// render current state without waiting for a full event replay.
type snapshotFrame struct {
	Type      string         `json:"type"`
	RunID     string         `json:"run_id"`
	RunStatus string         `json:"run_status"`
	Context   map[string]any `json:"context"`
	Steps     []snapshotStep `json:"steps"`
}

type snapshotStep struct {
	StepID   string  `json:"step_id"`
	StepType string  `json:"step_type"`
	Status   string  `json:"status"`
	Attempt  int     `json:"attempt"`
	Error    *string `json:"error,omitempty"`
}

// HandleStreamRun upgrades to a WebSocket and streams a run's lifecycle
// events live. Per spec §6, the client is subscribed to the bus *before*
// the snapshot is built, so an event landing mid-snapshot is queued on the
// subscriber's channel rather than lost — it's simply delivered just after
// the snapshot frame instead of being missed entirely.
func (s *Service) HandleStreamRun(w http.ResponseWriter, r *http.Request) {
	rid := reqID(r)
	runUUID, ok := parsePathID(w, r, rid)
	if !ok {
		return
	}
	runID := runUUID.String()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "runId", runID, "requestId", rid, "error", err)
		return
	}
	defer conn.Close()

	ch := s.bus.Subscribe(runID)
	defer s.bus.Unsubscribe(runID, ch)

	ctx := r.Context()
	run, err := s.storage.GetRun(ctx, runUUID)
	if err != nil {
		slog.Warn("stream: run not found", "runId", runID, "requestId", rid, "error", err)
		return
	}
	stepRuns, err := s.storage.ListStepRuns(ctx, runUUID)
	if err != nil {
		slog.Error("stream: failed to list step_runs", "runId", runID, "requestId", rid, "error", err)
		return
	}

	frame := buildSnapshot(run, stepRuns)
	if err := writeJSONFrame(conn, frame); err != nil {
		slog.Warn("stream: failed to write snapshot frame", "runId", runID, "requestId", rid, "error", err)
		return
	}

	for {
		select {
		case evt, open := <-ch:
			if !open {
				return
			}
			if err := writeJSONFrame(conn, evt); err != nil {
				slog.Warn("stream: failed to write event frame", "runId", runID, "requestId", rid, "error", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func buildSnapshot(run *storage.Run, stepRuns []*storage.StepRun) snapshotFrame {
	latest := make(map[string]*storage.StepRun, len(stepRuns))
	for _, sr := range stepRuns {
		cur, ok := latest[sr.StepID]
		if !ok || sr.Attempt >= cur.Attempt {
			latest[sr.StepID] = sr
		}
	}

	steps := make([]snapshotStep, 0, len(latest))
	for _, sr := range latest {
		steps = append(steps, snapshotStep{
			StepID: sr.StepID, StepType: sr.StepType, Status: sr.Status,
			Attempt: sr.Attempt, Error: sr.Error,
		})
	}

	return snapshotFrame{
		Type:      "snapshot",
		RunID:     run.ID.String(),
		RunStatus: run.Status,
		Context:   run.Context,
		Steps:     steps,
	}
}

func writeJSONFrame(conn *websocket.Conn, v any) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}
