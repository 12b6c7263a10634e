// Package storagemock provides a hand-rolled fake of storage.Store for
// tests that exercise the engine and HTTP layer without a database.
package storagemock

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/flowforge/workflows/services/storage"
)

// StorageMock implements storage.Store. Each method has an optional *Mock
// func field; when nil, a reasonable zero-value default is returned so
// tests only need to override what they care about.
type StorageMock struct {
	GetWorkflowMock            func(ctx context.Context, id uuid.UUID) (*storage.Workflow, error)
	CreateWorkflowMock         func(ctx context.Context, wf *storage.Workflow) error
	UpdateWorkflowMock         func(ctx context.Context, wf *storage.Workflow) error
	DeleteWorkflowMock         func(ctx context.Context, id uuid.UUID) error
	ListWorkflowsMock          func(ctx context.Context) ([]*storage.Workflow, error)

	CreateRunMock              func(ctx context.Context, run *storage.Run) error
	GetRunMock                 func(ctx context.Context, id uuid.UUID) (*storage.Run, error)
	GetRunByIdempotencyKeyMock func(ctx context.Context, key string) (*storage.Run, error)
	UpdateRunMock              func(ctx context.Context, id uuid.UUID, fields storage.RunUpdate) error
	ListRunsByWorkflowMock     func(ctx context.Context, workflowID uuid.UUID) ([]*storage.Run, error)

	CreateStepRunMock          func(ctx context.Context, sr *storage.StepRun) error
	ListStepRunsMock           func(ctx context.Context, runID uuid.UUID) ([]*storage.StepRun, error)
	UpdateLatestStepRunMock    func(ctx context.Context, runID uuid.UUID, stepID string, fields storage.StepRunUpdate) error
	ListFailedStepRunsMock     func(ctx context.Context, runID uuid.UUID) ([]*storage.StepRun, error)
	ResetFailedStepRunsMock    func(ctx context.Context, runID uuid.UUID) error
	GetWaitingStepRunMock      func(ctx context.Context, runID uuid.UUID, stepID string) (*storage.StepRun, error)

	CreateRunEventMock         func(ctx context.Context, evt *storage.RunEvent) error
}

func (m *StorageMock) GetWorkflow(ctx context.Context, id uuid.UUID) (*storage.Workflow, error) {
	if m != nil && m.GetWorkflowMock != nil {
		return m.GetWorkflowMock(ctx, id)
	}
	return nil, pgx.ErrNoRows
}

func (m *StorageMock) CreateWorkflow(ctx context.Context, wf *storage.Workflow) error {
	if m != nil && m.CreateWorkflowMock != nil {
		return m.CreateWorkflowMock(ctx, wf)
	}
	return nil
}

func (m *StorageMock) UpdateWorkflow(ctx context.Context, wf *storage.Workflow) error {
	if m != nil && m.UpdateWorkflowMock != nil {
		return m.UpdateWorkflowMock(ctx, wf)
	}
	return nil
}

func (m *StorageMock) DeleteWorkflow(ctx context.Context, id uuid.UUID) error {
	if m != nil && m.DeleteWorkflowMock != nil {
		return m.DeleteWorkflowMock(ctx, id)
	}
	return nil
}

func (m *StorageMock) ListWorkflows(ctx context.Context) ([]*storage.Workflow, error) {
	if m != nil && m.ListWorkflowsMock != nil {
		return m.ListWorkflowsMock(ctx)
	}
	return nil, nil
}

func (m *StorageMock) CreateRun(ctx context.Context, run *storage.Run) error {
	if m != nil && m.CreateRunMock != nil {
		return m.CreateRunMock(ctx, run)
	}
	return nil
}

func (m *StorageMock) GetRun(ctx context.Context, id uuid.UUID) (*storage.Run, error) {
	if m != nil && m.GetRunMock != nil {
		return m.GetRunMock(ctx, id)
	}
	return nil, pgx.ErrNoRows
}

func (m *StorageMock) GetRunByIdempotencyKey(ctx context.Context, key string) (*storage.Run, error) {
	if m != nil && m.GetRunByIdempotencyKeyMock != nil {
		return m.GetRunByIdempotencyKeyMock(ctx, key)
	}
	return nil, pgx.ErrNoRows
}

func (m *StorageMock) UpdateRun(ctx context.Context, id uuid.UUID, fields storage.RunUpdate) error {
	if m != nil && m.UpdateRunMock != nil {
		return m.UpdateRunMock(ctx, id, fields)
	}
	return nil
}

func (m *StorageMock) ListRunsByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]*storage.Run, error) {
	if m != nil && m.ListRunsByWorkflowMock != nil {
		return m.ListRunsByWorkflowMock(ctx, workflowID)
	}
	return nil, nil
}

func (m *StorageMock) CreateStepRun(ctx context.Context, sr *storage.StepRun) error {
	if m != nil && m.CreateStepRunMock != nil {
		return m.CreateStepRunMock(ctx, sr)
	}
	return nil
}

func (m *StorageMock) ListStepRuns(ctx context.Context, runID uuid.UUID) ([]*storage.StepRun, error) {
	if m != nil && m.ListStepRunsMock != nil {
		return m.ListStepRunsMock(ctx, runID)
	}
	return nil, nil
}

func (m *StorageMock) UpdateLatestStepRun(ctx context.Context, runID uuid.UUID, stepID string, fields storage.StepRunUpdate) error {
	if m != nil && m.UpdateLatestStepRunMock != nil {
		return m.UpdateLatestStepRunMock(ctx, runID, stepID, fields)
	}
	return nil
}

func (m *StorageMock) ListFailedStepRuns(ctx context.Context, runID uuid.UUID) ([]*storage.StepRun, error) {
	if m != nil && m.ListFailedStepRunsMock != nil {
		return m.ListFailedStepRunsMock(ctx, runID)
	}
	return nil, nil
}

func (m *StorageMock) ResetFailedStepRuns(ctx context.Context, runID uuid.UUID) error {
	if m != nil && m.ResetFailedStepRunsMock != nil {
		return m.ResetFailedStepRunsMock(ctx, runID)
	}
	return nil
}

func (m *StorageMock) GetWaitingStepRun(ctx context.Context, runID uuid.UUID, stepID string) (*storage.StepRun, error) {
	if m != nil && m.GetWaitingStepRunMock != nil {
		return m.GetWaitingStepRunMock(ctx, runID, stepID)
	}
	return nil, pgx.ErrNoRows
}

func (m *StorageMock) CreateRunEvent(ctx context.Context, evt *storage.RunEvent) error {
	if m != nil && m.CreateRunEventMock != nil {
		return m.CreateRunEventMock(ctx, evt)
	}
	return nil
}

var _ storage.Store = (*StorageMock)(nil)
