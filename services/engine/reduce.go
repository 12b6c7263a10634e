package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/workflows/services/events"
	"github.com/flowforge/workflows/services/storage"
	"github.com/flowforge/workflows/services/workflowdef"
)

// reduceBatch applies spec §4.4.6's on_error policy to each outcome in
// order, persisting context and writing the run's terminal/pause status
// when a result demands it. Returns stop=true when the run loop should
// return immediately (pause, cancel, or fail), along with the error the
// caller should surface.
func (e *Engine) reduceBatch(ctx context.Context, runUUID uuid.UUID, runID string, scope map[string]any, outcomes []nodeOutcome) (bool, error) {
	for _, oc := range outcomes {
		if oc.err == nil {
			scope[oc.node.ID] = oc.output
			if err := e.store.UpdateRun(ctx, runUUID, storage.RunUpdate{Context: scope}); err != nil {
				return true, err
			}
			e.bus.Emit(ctx, runID, events.ContextUpdated, events.StepIDPtr(oc.node.ID), map[string]any{"keys_added": []string{oc.node.ID}})
			continue
		}

		var pauseErr *PauseError
		if errors.As(oc.err, &pauseErr) {
			return true, e.pauseRun(ctx, runUUID, runID, scope, pauseErr)
		}
		var cancelErr *CancelError
		if errors.As(oc.err, &cancelErr) {
			e.bus.Emit(ctx, runID, events.RunCancelled, nil, nil)
			return true, nil
		}

		policy := workflowdef.ResolvePolicy(oc.node.Data)
		switch policy.OnError {
		case workflowdef.OnErrorSkip:
			skipped := storage.StepRunStatusSkipped
			if err := e.store.CreateStepRun(ctx, &storage.StepRun{
				RunID: runUUID, StepID: oc.node.ID, StepType: oc.node.Type,
				Attempt: oc.attempt + 1, Status: skipped,
			}); err != nil {
				return true, err
			}
			e.bus.Emit(ctx, runID, events.StepSkipped, events.StepIDPtr(oc.node.ID),
				map[string]any{"reason": "on_error=skip after: " + oc.err.Error()})
		case workflowdef.OnErrorContinue:
			errOutput := map[string]any{"_error": oc.err.Error()}
			completed := storage.StepRunStatusCompleted
			completedAt := time.Now()
			if err := e.store.CreateStepRun(ctx, &storage.StepRun{
				RunID: runUUID, StepID: oc.node.ID, StepType: oc.node.Type,
				Attempt: oc.attempt + 1, Status: completed, Output: errOutput, CompletedAt: &completedAt,
			}); err != nil {
				return true, err
			}
			scope[oc.node.ID] = errOutput
			if err := e.store.UpdateRun(ctx, runUUID, storage.RunUpdate{Context: scope}); err != nil {
				return true, err
			}
			e.bus.Emit(ctx, runID, events.ContextUpdated, events.StepIDPtr(oc.node.ID), map[string]any{"keys_added": []string{oc.node.ID}})
		default: // fail
			return true, e.failRun(ctx, runUUID, runID, scope, oc.node.ID, oc.err, 0)
		}
	}
	return false, nil
}

func (e *Engine) pauseRun(ctx context.Context, runUUID uuid.UUID, runID string, scope map[string]any, pe *PauseError) error {
	paused := storage.RunStatusPaused
	if err := e.store.UpdateRun(ctx, runUUID, storage.RunUpdate{Status: &paused, Context: scope}); err != nil {
		return err
	}
	e.bus.Emit(ctx, runID, events.RunPaused, events.StepIDPtr(pe.StepID), map[string]any{
		"waiting_step_id": pe.StepID,
		"reason":          pe.Reason,
	})
	return nil
}

// failRun transitions runUUID to failed with err recorded, persisting
// whatever context has accumulated so far.
func (e *Engine) failRun(ctx context.Context, runUUID uuid.UUID, runID string, scope map[string]any, failedStepID string, cause error, _ time.Duration) error {
	failed := storage.RunStatusFailed
	now := time.Now()
	errStr := events.FormatError(cause)
	if err := e.store.UpdateRun(ctx, runUUID, storage.RunUpdate{
		Status: &failed, Context: scope, Error: &errStr, CompletedAt: &now,
	}); err != nil {
		return err
	}
	e.bus.Emit(ctx, runID, events.RunFailed, events.StepIDPtr(failedStepID), map[string]any{
		"failed_step_id": failedStepID,
		"error":          errStr,
	})
	return cause
}
