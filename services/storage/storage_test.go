package storage

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"

	"github.com/flowforge/workflows/services/workflowdef"
)

var testWorkflowID = uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
var testRunID = uuid.MustParse("660e8400-e29b-41d4-a716-446655440000")

func TestGetWorkflow(t *testing.T) {
	tests := []struct {
		name      string
		setupMock func(mock pgxmock.PgxPoolIface)
		wantErr   error
		checkWf   func(t *testing.T, wf *Workflow)
	}{
		{
			name: "success returns hydrated workflow",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				definition := json.RawMessage(`{"nodes":[{"id":"start","type":"start"}],"edges":[]}`)
				mock.ExpectQuery("SELECT name, version, status, definition").
					WithArgs(testWorkflowID).
					WillReturnRows(
						pgxmock.NewRows([]string{"name", "version", "status", "definition", "input_schema", "created_at", "modified_at", "deleted_at"}).
							AddRow("Order Pipeline", 1, WorkflowStatusDraft, definition, json.RawMessage(`{}`), time.Now(), time.Now(), nil),
					)
			},
			checkWf: func(t *testing.T, wf *Workflow) {
				t.Helper()
				if wf.Name != "Order Pipeline" {
					t.Errorf("expected name %q, got %q", "Order Pipeline", wf.Name)
				}
				if len(wf.Definition.Nodes) != 1 || wf.Definition.Nodes[0].ID != "start" {
					t.Errorf("expected hydrated definition with node 'start', got %+v", wf.Definition)
				}
			},
		},
		{
			name: "query error propagates",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery("SELECT name, version, status, definition").
					WithArgs(testWorkflowID).
					WillReturnError(errors.New("timeout"))
			},
			wantErr: errors.New("timeout"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, err := pgxmock.NewPool()
			if err != nil {
				t.Fatalf("failed to create mock pool: %v", err)
			}
			defer mock.Close()

			tt.setupMock(mock)

			store := &pgStore{db: mock}
			wf, err := store.GetWorkflow(context.Background(), testWorkflowID)

			if tt.wantErr != nil {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if err.Error() != tt.wantErr.Error() {
					t.Errorf("expected error %q, got %q", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.checkWf(t, wf)

			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unmet mock expectations: %v", err)
			}
		})
	}
}

func TestCreateWorkflow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create mock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectExec("INSERT INTO workflows").
		WithArgs(pgxmock.AnyArg(), "Order Pipeline", 1, WorkflowStatusDraft, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	store := &pgStore{db: mock}
	wf := &Workflow{
		Name: "Order Pipeline",
		Definition: workflowdef.Definition{
			Nodes: []workflowdef.Node{{ID: "start", Type: "start"}},
		},
	}
	if err := store.CreateWorkflow(context.Background(), wf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wf.ID == uuid.Nil {
		t.Error("expected CreateWorkflow to assign an ID")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet mock expectations: %v", err)
	}
}

func TestCreateRun_DefaultsStatusToPending(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create mock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectExec("INSERT INTO runs").
		WithArgs(pgxmock.AnyArg(), testWorkflowID, RunStatusPending, TriggerManual, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	store := &pgStore{db: mock}
	run := &Run{WorkflowID: testWorkflowID, TriggerType: TriggerManual, Input: map[string]any{"order_id": "o-1"}}
	if err := store.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.Status != RunStatusPending {
		t.Errorf("expected status %q, got %q", RunStatusPending, run.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet mock expectations: %v", err)
	}
}

func TestGetRun(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create mock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectQuery("SELECT workflow_id, status, trigger_type").
		WithArgs(testRunID).
		WillReturnRows(
			pgxmock.NewRows([]string{
				"workflow_id", "status", "trigger_type", "input", "context", "error",
				"idempotency_key", "started_at", "completed_at", "created_at",
			}).AddRow(testWorkflowID, RunStatusRunning, TriggerManual,
				json.RawMessage(`{"order_id":"o-1"}`), json.RawMessage(`{}`), nil, nil, nil, nil, time.Now()),
		)

	store := &pgStore{db: mock}
	run, err := store.GetRun(context.Background(), testRunID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.Status != RunStatusRunning {
		t.Errorf("expected status %q, got %q", RunStatusRunning, run.Status)
	}
	if run.Input["order_id"] != "o-1" {
		t.Errorf("expected input order_id 'o-1', got %v", run.Input["order_id"])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet mock expectations: %v", err)
	}
}

func TestUpdateRun_NoRowsAffectedReturnsError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create mock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectExec("UPDATE runs SET").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	store := &pgStore{db: mock}
	status := RunStatusCompleted
	err = store.UpdateRun(context.Background(), testRunID, RunUpdate{Status: &status})
	if err == nil {
		t.Fatal("expected error when no rows are affected")
	}
}

func TestCreateStepRun(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create mock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectExec("INSERT INTO step_runs").
		WithArgs(pgxmock.AnyArg(), testRunID, "send_email", "send_email", 1, StepRunStatusRunning,
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	store := &pgStore{db: mock}
	sr := &StepRun{RunID: testRunID, StepID: "send_email", StepType: "send_email", Attempt: 1, Status: StepRunStatusRunning}
	if err := store.CreateStepRun(context.Background(), sr); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet mock expectations: %v", err)
	}
}

func TestUpdateLatestStepRun(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create mock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectExec("UPDATE step_runs SET").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	store := &pgStore{db: mock}
	status := StepRunStatusCompleted
	err = store.UpdateLatestStepRun(context.Background(), testRunID, "send_email", StepRunUpdate{
		Status: &status,
		Output: map[string]any{"sent": true},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet mock expectations: %v", err)
	}
}

func TestCreateRunEvent(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create mock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectExec("INSERT INTO run_events").
		WithArgs(pgxmock.AnyArg(), testRunID, pgxmock.AnyArg(), "run.started", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	store := &pgStore{db: mock}
	evt := &RunEvent{RunID: testRunID, EventType: "run.started", Payload: map[string]any{"trigger": "manual"}}
	if err := store.CreateRunEvent(context.Background(), evt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet mock expectations: %v", err)
	}
}
