// Package storage defines the persisted shapes (workflows, runs, step_runs,
// run_events) and the Store contract the engine and HTTP layer depend on,
// plus a Postgres-backed implementation.
package storage

import (
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/workflows/services/workflowdef"
)

const (
	WorkflowStatusDraft     = "draft"
	WorkflowStatusPublished = "published"
	WorkflowStatusArchived  = "archived"

	RunStatusPending   = "pending"
	RunStatusRunning   = "running"
	RunStatusPaused    = "paused"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"

	TriggerManual   = "manual"
	TriggerSchedule = "schedule"
	TriggerWebhook  = "webhook"
	TriggerEvent    = "event"

	StepRunStatusPending   = "pending"
	StepRunStatusRunning   = "running"
	StepRunStatusCompleted = "completed"
	StepRunStatusFailed    = "failed"
	StepRunStatusSkipped   = "skipped"
	StepRunStatusWaiting   = "waiting"
	StepRunStatusCancelled = "cancelled"
)

// TerminalRunStatuses are sticky: once reached, a run never transitions
// again except via explicit retry (which resets to pending).
var TerminalRunStatuses = map[string]bool{
	RunStatusCompleted: true,
	RunStatusFailed:    true,
	RunStatusCancelled: true,
}

// DoneStepRunStatuses participate in the graph's ready-set computation as
// "done" — a step with any other status (including failed) does not unblock
// its children.
var DoneStepRunStatuses = map[string]bool{
	StepRunStatusCompleted: true,
	StepRunStatusSkipped:   true,
}

// Workflow is a versioned, publishable workflow definition. Once published
// it is immutable; edits require creating a new draft.
type Workflow struct {
	ID          uuid.UUID
	Name        string
	Version     int
	Status      string
	Definition  workflowdef.Definition
	InputSchema map[string]any
	CreatedAt   time.Time
	ModifiedAt  time.Time
	DeletedAt   *time.Time
}

// Run is one execution of a workflow.
type Run struct {
	ID             uuid.UUID
	WorkflowID     uuid.UUID
	Status         string
	TriggerType    string
	Input          map[string]any
	Context        map[string]any
	Error          *string
	IdempotencyKey *string
	StartedAt      *time.Time
	CompletedAt    *time.Time
	CreatedAt      time.Time
}

// StepRun is one attempt of one step within one run. Unique per
// (run_id, step_id, attempt); only the latest attempt for a given step_id
// participates in ready-set computation.
type StepRun struct {
	ID          uuid.UUID
	RunID       uuid.UUID
	StepID      string
	StepType    string
	Attempt     int
	Status      string
	Input       map[string]any
	Output      map[string]any
	Error       *string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// RunEvent is one append-only entry in a run's event log — the
// authoritative chronological history the event bus persists before
// fan-out.
type RunEvent struct {
	ID        uuid.UUID
	RunID     uuid.UUID
	StepID    *string
	EventType string
	Payload   map[string]any
	CreatedAt time.Time
}

// RunUpdate is a partial update to a run row. Nil fields are left
// unchanged; this is the Go-idiomatic stand-in for the "update(id, fields)"
// dict-based contract, since a literal map[string]any update loses type
// safety a typed store shouldn't give up.
type RunUpdate struct {
	Status      *string
	Context     map[string]any
	Error       *string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// StepRunUpdate is a partial update to the latest step_run matching
// (run_id, step_id), i.e. the one with the highest attempt.
type StepRunUpdate struct {
	Status      *string
	Output      map[string]any
	Error       *string
	StartedAt   *time.Time
	CompletedAt *time.Time
}
