package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5"

	"github.com/flowforge/workflows/services/storage"
)

// runView is the HTTP-facing shape of a run plus its step_runs, assembled
// from two store reads so clients don't need a second request to see
// per-step state.
type runView struct {
	*storage.Run
	Steps []*storage.StepRun `json:"steps"`
}

// HandleTriggerRun creates a new run for workflow {id} and starts the
// engine driving it in the background, returning immediately with the run
// id and its initial (pending) status. Triggering is idempotent when the
// caller supplies an idempotency_key that collides with an existing run
// (spec §3, §6): the existing run is returned instead of a duplicate.
func (s *Service) HandleTriggerRun(w http.ResponseWriter, r *http.Request) {
	rid := reqID(r)
	wfUUID, ok := parsePathID(w, r, rid)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	var body struct {
		Input          map[string]any `json:"input"`
		TriggerType    string         `json:"trigger_type"`
		IdempotencyKey *string        `json:"idempotency_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		slog.Warn("failed to decode trigger-run body", "workflowId", wfUUID, "requestId", rid, "error", err)
		writeErrorJSON(w, "INVALID_BODY", "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	if body.IdempotencyKey != nil && *body.IdempotencyKey != "" {
		existing, err := s.storage.GetRunByIdempotencyKey(ctx, *body.IdempotencyKey)
		if err == nil {
			writeJSON(w, http.StatusOK, existing)
			return
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			slog.Error("failed to check idempotency key", "workflowId", wfUUID, "requestId", rid, "error", err)
			writeErrorJSON(w, "INTERNAL_ERROR", "internal server error", http.StatusInternalServerError)
			return
		}
	}

	wf, err := s.storage.GetWorkflow(ctx, wfUUID)
	if err != nil {
		writeStoreError(w, rid, "get workflow for trigger", wfUUID, err)
		return
	}

	triggerType := body.TriggerType
	if triggerType == "" {
		triggerType = storage.TriggerManual
	}

	run := &storage.Run{
		WorkflowID:     wf.ID,
		Status:         storage.RunStatusPending,
		TriggerType:    triggerType,
		Input:          body.Input,
		IdempotencyKey: body.IdempotencyKey,
	}
	if err := s.storage.CreateRun(ctx, run); err != nil {
		slog.Error("failed to create run", "workflowId", wfUUID, "requestId", rid, "error", err)
		writeErrorJSON(w, "INTERNAL_ERROR", "internal server error", http.StatusInternalServerError)
		return
	}

	runID := run.ID.String()
	go func() {
		bgCtx := context.Background()
		if err := s.engine.Run(bgCtx, runID); err != nil {
			slog.Error("run execution returned an error", "runId", runID, "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, run)
}

// HandleGetRun returns a run's current state plus its step_runs.
func (s *Service) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	rid := reqID(r)
	runUUID, ok := parsePathID(w, r, rid)
	if !ok {
		return
	}

	ctx := r.Context()
	run, err := s.storage.GetRun(ctx, runUUID)
	if err != nil {
		writeStoreError(w, rid, "get run", runUUID, err)
		return
	}
	steps, err := s.storage.ListStepRuns(ctx, runUUID)
	if err != nil {
		slog.Error("failed to list step_runs", "runId", runUUID, "requestId", rid, "error", err)
		writeErrorJSON(w, "INTERNAL_ERROR", "internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, runView{Run: run, Steps: steps})
}

// HandleListRuns lists every run triggered for workflow {id}.
func (s *Service) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	rid := reqID(r)
	wfUUID, ok := parsePathID(w, r, rid)
	if !ok {
		return
	}

	runs, err := s.storage.ListRunsByWorkflow(r.Context(), wfUUID)
	if err != nil {
		slog.Error("failed to list runs", "workflowId", wfUUID, "requestId", rid, "error", err)
		writeErrorJSON(w, "INTERNAL_ERROR", "internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// HandleCancelRun flips a run's status to cancelled. The engine's driver
// loop polls this between batches and exits cleanly on its next check
// (spec §5); this handler doesn't itself stop any in-flight step.
func (s *Service) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	rid := reqID(r)
	runUUID, ok := parsePathID(w, r, rid)
	if !ok {
		return
	}

	ctx := r.Context()
	run, err := s.storage.GetRun(ctx, runUUID)
	if err != nil {
		writeStoreError(w, rid, "get run for cancel", runUUID, err)
		return
	}
	if storage.TerminalRunStatuses[run.Status] {
		writeErrorJSON(w, "ALREADY_TERMINAL", "run has already reached a terminal state", http.StatusConflict)
		return
	}

	cancelled := storage.RunStatusCancelled
	if err := s.storage.UpdateRun(ctx, runUUID, storage.RunUpdate{Status: &cancelled}); err != nil {
		slog.Error("failed to cancel run", "runId", runUUID, "requestId", rid, "error", err)
		writeErrorJSON(w, "INTERNAL_ERROR", "internal server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// HandleResumeRun resumes a paused run waiting on step_id with the
// supplied approval_data (spec §4.4.7).
func (s *Service) HandleResumeRun(w http.ResponseWriter, r *http.Request) {
	rid := reqID(r)
	runUUID, ok := parsePathID(w, r, rid)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	var body struct {
		StepID       string         `json:"step_id"`
		ApprovalData map[string]any `json:"approval_data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		slog.Warn("failed to decode resume-run body", "runId", runUUID, "requestId", rid, "error", err)
		writeErrorJSON(w, "INVALID_BODY", "invalid request body", http.StatusBadRequest)
		return
	}
	if body.StepID == "" {
		writeErrorJSON(w, "INVALID_BODY", "step_id is required", http.StatusBadRequest)
		return
	}

	runID := runUUID.String()
	go func() {
		bgCtx := context.Background()
		if err := s.engine.Resume(bgCtx, runID, body.StepID, body.ApprovalData); err != nil {
			slog.Error("resume returned an error", "runId", runID, "stepId", body.StepID, "error", err)
		}
	}()

	w.WriteHeader(http.StatusAccepted)
}

// HandleRetryRun resets a failed run's failed step_runs to pending and
// re-enters the driver loop (spec §4.4.8).
func (s *Service) HandleRetryRun(w http.ResponseWriter, r *http.Request) {
	rid := reqID(r)
	runUUID, ok := parsePathID(w, r, rid)
	if !ok {
		return
	}

	ctx := r.Context()
	run, err := s.storage.GetRun(ctx, runUUID)
	if err != nil {
		writeStoreError(w, rid, "get run for retry", runUUID, err)
		return
	}
	if run.Status != storage.RunStatusFailed {
		writeErrorJSON(w, "NOT_FAILED", "only a failed run can be retried", http.StatusConflict)
		return
	}

	runID := runUUID.String()
	go func() {
		bgCtx := context.Background()
		if err := s.engine.RetryFailed(bgCtx, runID); err != nil {
			slog.Error("retry returned an error", "runId", runID, "error", err)
		}
	}()

	w.WriteHeader(http.StatusAccepted)
}
