package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB abstracts the database operations the store uses. Satisfied by
// *pgxpool.Pool in production and pgxmock in tests, grounded directly on
// the teacher's storage.DB interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// Store is everything the engine and workflow HTTP layer need from
// persistence, grouped by entity per spec §4.6. Typed methods replace the
// spec's generic filter/update-by-fields-map contract — see RunUpdate and
// StepRunUpdate.
type Store interface {
	GetWorkflow(ctx context.Context, id uuid.UUID) (*Workflow, error)
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	UpdateWorkflow(ctx context.Context, wf *Workflow) error
	DeleteWorkflow(ctx context.Context, id uuid.UUID) error
	ListWorkflows(ctx context.Context) ([]*Workflow, error)

	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id uuid.UUID) (*Run, error)
	GetRunByIdempotencyKey(ctx context.Context, key string) (*Run, error)
	UpdateRun(ctx context.Context, id uuid.UUID, fields RunUpdate) error
	ListRunsByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]*Run, error)

	CreateStepRun(ctx context.Context, sr *StepRun) error
	ListStepRuns(ctx context.Context, runID uuid.UUID) ([]*StepRun, error)
	UpdateLatestStepRun(ctx context.Context, runID uuid.UUID, stepID string, fields StepRunUpdate) error
	ListFailedStepRuns(ctx context.Context, runID uuid.UUID) ([]*StepRun, error)
	ResetFailedStepRuns(ctx context.Context, runID uuid.UUID) error
	GetWaitingStepRun(ctx context.Context, runID uuid.UUID, stepID string) (*StepRun, error)

	CreateRunEvent(ctx context.Context, evt *RunEvent) error
}

// pgStore implements Store using PostgreSQL.
type pgStore struct {
	db DB
}

// New builds a Postgres-backed Store.
func New(db *pgxpool.Pool) (Store, error) {
	if db == nil {
		return nil, fmt.Errorf("storage: db connection cannot be nil")
	}
	return &pgStore{db: db}, nil
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

func unmarshalJSONMap(raw []byte, out *map[string]any) error {
	if len(raw) == 0 {
		*out = map[string]any{}
		return nil
	}
	return json.Unmarshal(raw, out)
}

// --- workflows ---

func (s *pgStore) GetWorkflow(ctx context.Context, id uuid.UUID) (*Workflow, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	wf := &Workflow{ID: id}
	var definitionRaw, inputSchemaRaw []byte

	err := s.db.QueryRow(timeoutCtx, `
		SELECT name, version, status, definition, input_schema, created_at, modified_at, deleted_at
		FROM workflows
		WHERE id = $1 AND deleted_at IS NULL`,
		id).Scan(&wf.Name, &wf.Version, &wf.Status, &definitionRaw, &inputSchemaRaw, &wf.CreatedAt, &wf.ModifiedAt, &wf.DeletedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(definitionRaw, &wf.Definition); err != nil {
		return nil, fmt.Errorf("storage: unmarshal workflow definition: %w", err)
	}
	if len(inputSchemaRaw) > 0 {
		if err := json.Unmarshal(inputSchemaRaw, &wf.InputSchema); err != nil {
			return nil, fmt.Errorf("storage: unmarshal workflow input_schema: %w", err)
		}
	}

	return wf, nil
}

func (s *pgStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if wf.ID == uuid.Nil {
		wf.ID = uuid.New()
	}
	if wf.Status == "" {
		wf.Status = WorkflowStatusDraft
	}
	if wf.Version == 0 {
		wf.Version = 1
	}
	now := time.Now()
	wf.CreatedAt, wf.ModifiedAt = now, now

	definitionRaw, err := marshalJSON(wf.Definition)
	if err != nil {
		return fmt.Errorf("storage: marshal workflow definition: %w", err)
	}
	inputSchemaRaw, err := marshalJSON(wf.InputSchema)
	if err != nil {
		return fmt.Errorf("storage: marshal workflow input_schema: %w", err)
	}

	_, err = s.db.Exec(timeoutCtx, `
		INSERT INTO workflows (id, name, version, status, definition, input_schema, created_at, modified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		wf.ID, wf.Name, wf.Version, wf.Status, definitionRaw, inputSchemaRaw, wf.CreatedAt, wf.ModifiedAt)
	if err != nil {
		return fmt.Errorf("storage: insert workflow: %w", err)
	}
	return nil
}

// UpdateWorkflow replaces a draft workflow's definition and metadata.
// Published workflows are immutable (spec §3); callers must check status
// before calling this — the store itself doesn't enforce it to keep this
// layer a pure persistence boundary.
func (s *pgStore) UpdateWorkflow(ctx context.Context, wf *Workflow) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	wf.ModifiedAt = time.Now()
	definitionRaw, err := marshalJSON(wf.Definition)
	if err != nil {
		return fmt.Errorf("storage: marshal workflow definition: %w", err)
	}

	tag, err := s.db.Exec(timeoutCtx, `
		UPDATE workflows
		SET name = $1, status = $2, definition = $3, modified_at = $4
		WHERE id = $5 AND deleted_at IS NULL`,
		wf.Name, wf.Status, definitionRaw, wf.ModifiedAt, wf.ID)
	if err != nil {
		return fmt.Errorf("storage: update workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (s *pgStore) DeleteWorkflow(ctx context.Context, id uuid.UUID) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tag, err := s.db.Exec(timeoutCtx, `
		UPDATE workflows SET deleted_at = $1, modified_at = $1 WHERE id = $2 AND deleted_at IS NULL`,
		time.Now(), id)
	if err != nil {
		return fmt.Errorf("storage: soft delete workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (s *pgStore) ListWorkflows(ctx context.Context) ([]*Workflow, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := s.db.Query(timeoutCtx, `
		SELECT id, name, version, status, definition, created_at, modified_at
		FROM workflows
		WHERE deleted_at IS NULL
		ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("storage: list workflows: %w", err)
	}
	defer rows.Close()

	var out []*Workflow
	for rows.Next() {
		wf := &Workflow{}
		var definitionRaw []byte
		if err := rows.Scan(&wf.ID, &wf.Name, &wf.Version, &wf.Status, &definitionRaw, &wf.CreatedAt, &wf.ModifiedAt); err != nil {
			return nil, fmt.Errorf("storage: scan workflow row: %w", err)
		}
		if err := json.Unmarshal(definitionRaw, &wf.Definition); err != nil {
			return nil, fmt.Errorf("storage: unmarshal workflow definition: %w", err)
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

// --- runs ---

func (s *pgStore) CreateRun(ctx context.Context, run *Run) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.Status == "" {
		run.Status = RunStatusPending
	}
	if run.Context == nil {
		run.Context = map[string]any{}
	}
	run.CreatedAt = time.Now()

	inputRaw, err := marshalJSON(run.Input)
	if err != nil {
		return fmt.Errorf("storage: marshal run input: %w", err)
	}
	contextRaw, err := marshalJSON(run.Context)
	if err != nil {
		return fmt.Errorf("storage: marshal run context: %w", err)
	}

	_, err = s.db.Exec(timeoutCtx, `
		INSERT INTO runs (id, workflow_id, status, trigger_type, input, context, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.ID, run.WorkflowID, run.Status, run.TriggerType, inputRaw, contextRaw, run.IdempotencyKey, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: insert run: %w", err)
	}
	return nil
}

func (s *pgStore) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	run := &Run{ID: id}
	var inputRaw, contextRaw []byte

	err := s.db.QueryRow(timeoutCtx, `
		SELECT workflow_id, status, trigger_type, input, context, error, idempotency_key,
		       started_at, completed_at, created_at
		FROM runs WHERE id = $1`,
		id).Scan(&run.WorkflowID, &run.Status, &run.TriggerType, &inputRaw, &contextRaw, &run.Error,
		&run.IdempotencyKey, &run.StartedAt, &run.CompletedAt, &run.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := unmarshalJSONMap(inputRaw, &run.Input); err != nil {
		return nil, fmt.Errorf("storage: unmarshal run input: %w", err)
	}
	if err := unmarshalJSONMap(contextRaw, &run.Context); err != nil {
		return nil, fmt.Errorf("storage: unmarshal run context: %w", err)
	}
	return run, nil
}

func (s *pgStore) GetRunByIdempotencyKey(ctx context.Context, key string) (*Run, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var id uuid.UUID
	err := s.db.QueryRow(timeoutCtx, `SELECT id FROM runs WHERE idempotency_key = $1`, key).Scan(&id)
	if err != nil {
		return nil, err
	}
	return s.GetRun(ctx, id)
}

func (s *pgStore) UpdateRun(ctx context.Context, id uuid.UUID, fields RunUpdate) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var contextRaw []byte
	var err error
	if fields.Context != nil {
		contextRaw, err = marshalJSON(fields.Context)
		if err != nil {
			return fmt.Errorf("storage: marshal run context: %w", err)
		}
	}

	tag, err := s.db.Exec(timeoutCtx, `
		UPDATE runs SET
			status       = COALESCE($1, status),
			context      = COALESCE($2, context),
			error        = COALESCE($3, error),
			started_at   = COALESCE($4, started_at),
			completed_at = COALESCE($5, completed_at)
		WHERE id = $6`,
		fields.Status, nullableBytes(contextRaw), fields.Error, fields.StartedAt, fields.CompletedAt, id)
	if err != nil {
		return fmt.Errorf("storage: update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (s *pgStore) ListRunsByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]*Run, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := s.db.Query(timeoutCtx, `
		SELECT id, status, trigger_type, created_at
		FROM runs WHERE workflow_id = $1
		ORDER BY created_at DESC`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		run := &Run{WorkflowID: workflowID}
		if err := rows.Scan(&run.ID, &run.Status, &run.TriggerType, &run.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan run row: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// --- step_runs ---

func (s *pgStore) CreateStepRun(ctx context.Context, sr *StepRun) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if sr.ID == uuid.Nil {
		sr.ID = uuid.New()
	}

	inputRaw, err := marshalJSON(sr.Input)
	if err != nil {
		return fmt.Errorf("storage: marshal step_run input: %w", err)
	}
	outputRaw, err := marshalJSON(sr.Output)
	if err != nil {
		return fmt.Errorf("storage: marshal step_run output: %w", err)
	}

	_, err = s.db.Exec(timeoutCtx, `
		INSERT INTO step_runs (id, run_id, step_id, step_type, attempt, status, input, output, error, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		sr.ID, sr.RunID, sr.StepID, sr.StepType, sr.Attempt, sr.Status, inputRaw, outputRaw, sr.Error, sr.StartedAt, sr.CompletedAt)
	if err != nil {
		return fmt.Errorf("storage: insert step_run: %w", err)
	}
	return nil
}

func (s *pgStore) ListStepRuns(ctx context.Context, runID uuid.UUID) ([]*StepRun, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := s.db.Query(timeoutCtx, `
		SELECT id, step_id, step_type, attempt, status, input, output, error, started_at, completed_at
		FROM step_runs
		WHERE run_id = $1
		ORDER BY step_id, attempt`, runID)
	if err != nil {
		return nil, fmt.Errorf("storage: list step_runs: %w", err)
	}
	defer rows.Close()

	var out []*StepRun
	for rows.Next() {
		sr := &StepRun{RunID: runID}
		var inputRaw, outputRaw []byte
		if err := rows.Scan(&sr.ID, &sr.StepID, &sr.StepType, &sr.Attempt, &sr.Status, &inputRaw, &outputRaw, &sr.Error, &sr.StartedAt, &sr.CompletedAt); err != nil {
			return nil, fmt.Errorf("storage: scan step_run row: %w", err)
		}
		if err := unmarshalJSONMap(inputRaw, &sr.Input); err != nil {
			return nil, fmt.Errorf("storage: unmarshal step_run input: %w", err)
		}
		if err := unmarshalJSONMap(outputRaw, &sr.Output); err != nil {
			return nil, fmt.Errorf("storage: unmarshal step_run output: %w", err)
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

// UpdateLatestStepRun updates the step_run row for the highest attempt
// number matching (run_id, step_id) — the "latest attempt" the spec's
// update(_filter={run_id, step_id, attempt}) contract refers to.
func (s *pgStore) UpdateLatestStepRun(ctx context.Context, runID uuid.UUID, stepID string, fields StepRunUpdate) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var outputRaw []byte
	var err error
	if fields.Output != nil {
		outputRaw, err = marshalJSON(fields.Output)
		if err != nil {
			return fmt.Errorf("storage: marshal step_run output: %w", err)
		}
	}

	tag, err := s.db.Exec(timeoutCtx, `
		UPDATE step_runs SET
			status       = COALESCE($1, status),
			output       = COALESCE($2, output),
			error        = COALESCE($3, error),
			started_at   = COALESCE($4, started_at),
			completed_at = COALESCE($5, completed_at)
		WHERE id = (
			SELECT id FROM step_runs
			WHERE run_id = $6 AND step_id = $7
			ORDER BY attempt DESC
			LIMIT 1
		)`,
		fields.Status, nullableBytes(outputRaw), fields.Error, fields.StartedAt, fields.CompletedAt, runID, stepID)
	if err != nil {
		return fmt.Errorf("storage: update step_run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (s *pgStore) ListFailedStepRuns(ctx context.Context, runID uuid.UUID) ([]*StepRun, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := s.db.Query(timeoutCtx, `
		SELECT id, step_id, step_type, attempt
		FROM step_runs
		WHERE run_id = $1 AND status = $2`, runID, StepRunStatusFailed)
	if err != nil {
		return nil, fmt.Errorf("storage: list failed step_runs: %w", err)
	}
	defer rows.Close()

	var out []*StepRun
	for rows.Next() {
		sr := &StepRun{RunID: runID}
		if err := rows.Scan(&sr.ID, &sr.StepID, &sr.StepType, &sr.Attempt); err != nil {
			return nil, fmt.Errorf("storage: scan failed step_run row: %w", err)
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

func (s *pgStore) ResetFailedStepRuns(ctx context.Context, runID uuid.UUID) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.db.Exec(timeoutCtx, `
		UPDATE step_runs SET status = $1, error = NULL, completed_at = NULL
		WHERE run_id = $2 AND status = $3`,
		StepRunStatusPending, runID, StepRunStatusFailed)
	if err != nil {
		return fmt.Errorf("storage: reset failed step_runs: %w", err)
	}
	return nil
}

func (s *pgStore) GetWaitingStepRun(ctx context.Context, runID uuid.UUID, stepID string) (*StepRun, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	sr := &StepRun{RunID: runID, StepID: stepID}
	err := s.db.QueryRow(timeoutCtx, `
		SELECT id, step_type, attempt
		FROM step_runs
		WHERE run_id = $1 AND step_id = $2 AND status = $3
		ORDER BY attempt DESC
		LIMIT 1`,
		runID, stepID, StepRunStatusWaiting).Scan(&sr.ID, &sr.StepType, &sr.Attempt)
	if err != nil {
		return nil, err
	}
	return sr, nil
}

// --- run_events ---

func (s *pgStore) CreateRunEvent(ctx context.Context, evt *RunEvent) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if evt.ID == uuid.Nil {
		evt.ID = uuid.New()
	}
	evt.CreatedAt = time.Now()

	payloadRaw, err := marshalJSON(evt.Payload)
	if err != nil {
		return fmt.Errorf("storage: marshal run_event payload: %w", err)
	}

	_, err = s.db.Exec(timeoutCtx, `
		INSERT INTO run_events (id, run_id, step_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		evt.ID, evt.RunID, evt.StepID, evt.EventType, payloadRaw, evt.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: insert run_event: %w", err)
	}
	return nil
}

func nullableBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
