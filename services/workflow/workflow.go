package workflow

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5"

	"github.com/flowforge/workflows/services/storage"
	"github.com/flowforge/workflows/services/validator"
	"github.com/flowforge/workflows/services/workflowdef"
)

// maxRequestBody limits the size of request bodies to prevent abuse.
const maxRequestBody = 1 << 20 // 1MB

// HandleListWorkflows returns every non-deleted workflow.
func (s *Service) HandleListWorkflows(w http.ResponseWriter, r *http.Request) {
	rid := reqID(r)
	wfs, err := s.storage.ListWorkflows(r.Context())
	if err != nil {
		slog.Error("failed to list workflows", "requestId", rid, "error", err)
		writeErrorJSON(w, "INTERNAL_ERROR", "internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, wfs)
}

// HandleCreateWorkflow creates a new draft workflow from the request body's
// name and definition (nodes + edges).
func (s *Service) HandleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	rid := reqID(r)
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	var body struct {
		Name        string                 `json:"name"`
		Definition  workflowdef.Definition `json:"definition"`
		InputSchema map[string]any         `json:"input_schema"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		slog.Warn("failed to decode create-workflow body", "requestId", rid, "error", err)
		writeErrorJSON(w, "INVALID_BODY", "invalid request body", http.StatusBadRequest)
		return
	}

	wf := &storage.Workflow{
		Name:        body.Name,
		Status:      storage.WorkflowStatusDraft,
		Definition:  body.Definition,
		InputSchema: body.InputSchema,
	}
	if err := s.storage.CreateWorkflow(r.Context(), wf); err != nil {
		slog.Error("failed to create workflow", "requestId", rid, "error", err)
		writeErrorJSON(w, "INTERNAL_ERROR", "internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, wf)
}

// HandleGetWorkflow loads a workflow definition by id.
func (s *Service) HandleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	rid := reqID(r)
	wfUUID, ok := parsePathID(w, r, rid)
	if !ok {
		return
	}

	wf, err := s.storage.GetWorkflow(r.Context(), wfUUID)
	if err != nil {
		writeStoreError(w, rid, "get workflow", wfUUID, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// HandleUpdateWorkflow replaces a draft workflow's definition and metadata.
// Published workflows are immutable (spec §3); edits to a published
// workflow are rejected rather than silently accepted.
func (s *Service) HandleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	rid := reqID(r)
	wfUUID, ok := parsePathID(w, r, rid)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	var body struct {
		Name        string                 `json:"name"`
		Definition  workflowdef.Definition `json:"definition"`
		InputSchema map[string]any         `json:"input_schema"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		slog.Warn("failed to decode update-workflow body", "id", wfUUID, "requestId", rid, "error", err)
		writeErrorJSON(w, "INVALID_BODY", "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	wf, err := s.storage.GetWorkflow(ctx, wfUUID)
	if err != nil {
		writeStoreError(w, rid, "get workflow", wfUUID, err)
		return
	}
	if wf.Status == storage.WorkflowStatusPublished {
		writeErrorJSON(w, "IMMUTABLE", "published workflows are immutable; duplicate to edit", http.StatusConflict)
		return
	}

	wf.Name = body.Name
	wf.Definition = body.Definition
	wf.InputSchema = body.InputSchema
	if err := s.storage.UpdateWorkflow(ctx, wf); err != nil {
		slog.Error("failed to update workflow", "id", wfUUID, "requestId", rid, "error", err)
		writeErrorJSON(w, "INTERNAL_ERROR", "internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// HandleDeleteWorkflow soft-deletes a workflow by stamping its deleted_at;
// its runs, step_runs, and run_events are left in place, not deleted.
func (s *Service) HandleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	rid := reqID(r)
	wfUUID, ok := parsePathID(w, r, rid)
	if !ok {
		return
	}

	if err := s.storage.DeleteWorkflow(r.Context(), wfUUID); err != nil {
		writeStoreError(w, rid, "delete workflow", wfUUID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleValidateWorkflow runs the validator against a workflow's current
// definition and returns its error list (empty = valid), without mutating
// anything (spec §4.3 — validation is pure).
func (s *Service) HandleValidateWorkflow(w http.ResponseWriter, r *http.Request) {
	rid := reqID(r)
	wfUUID, ok := parsePathID(w, r, rid)
	if !ok {
		return
	}

	wf, err := s.storage.GetWorkflow(r.Context(), wfUUID)
	if err != nil {
		writeStoreError(w, rid, "get workflow for validate", wfUUID, err)
		return
	}

	errs := validator.Validate(wf.Definition, s.registry)
	writeJSON(w, http.StatusOK, map[string]any{"valid": len(errs) == 0, "errors": errs})
}

// HandlePublishWorkflow validates wf's definition and, if valid, freezes it
// by transitioning status to published. A workflow that fails validation
// is never published (spec §4.3: validation errors never escape the
// validator into execution).
func (s *Service) HandlePublishWorkflow(w http.ResponseWriter, r *http.Request) {
	rid := reqID(r)
	wfUUID, ok := parsePathID(w, r, rid)
	if !ok {
		return
	}

	ctx := r.Context()
	wf, err := s.storage.GetWorkflow(ctx, wfUUID)
	if err != nil {
		writeStoreError(w, rid, "get workflow for publish", wfUUID, err)
		return
	}

	if errs := validator.Validate(wf.Definition, s.registry); len(errs) > 0 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"valid": false, "errors": errs})
		return
	}

	wf.Status = storage.WorkflowStatusPublished
	if err := s.storage.UpdateWorkflow(ctx, wf); err != nil {
		slog.Error("failed to publish workflow", "id", wfUUID, "requestId", rid, "error", err)
		writeErrorJSON(w, "INTERNAL_ERROR", "internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func parsePathID(w http.ResponseWriter, r *http.Request, rid string) (uuid.UUID, bool) {
	idStr := mux.Vars(r)["id"]
	id, err := uuid.Parse(idStr)
	if err != nil {
		slog.Warn("invalid id", "id", idStr, "requestId", rid, "error", err)
		writeErrorJSON(w, "INVALID_ID", "invalid id", http.StatusBadRequest)
		return uuid.UUID{}, false
	}
	return id, true
}

func writeStoreError(w http.ResponseWriter, rid, action string, id uuid.UUID, err error) {
	if errors.Is(err, pgx.ErrNoRows) {
		slog.Warn(action+": not found", "id", id, "requestId", rid)
		writeErrorJSON(w, "NOT_FOUND", "not found", http.StatusNotFound)
		return
	}
	slog.Error(action+" failed", "id", id, "requestId", rid, "error", err)
	writeErrorJSON(w, "INTERNAL_ERROR", "internal server error", http.StatusInternalServerError)
}

// writeErrorJSON writes a structured JSON error response with a
// machine-readable code and a human-readable message.
func writeErrorJSON(w http.ResponseWriter, errCode, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"code": errCode, "message": message})
}

// writeJSON writes v as a JSON response body with status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}
