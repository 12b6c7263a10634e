package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/workflows/services/events"
	"github.com/flowforge/workflows/services/graph"
	"github.com/flowforge/workflows/services/steps"
	"github.com/flowforge/workflows/services/storage"
	"github.com/flowforge/workflows/services/template"
	"github.com/flowforge/workflows/services/workflowdef"
)

// dispatchNode routes node to its step-type-specific handling (spec
// §4.4.2). attempt reports how many step_run rows were written for this
// node, so the batch reducer can number a subsequent skip/continue row.
func (e *Engine) dispatchNode(ctx context.Context, runUUID uuid.UUID, runID string, g *graph.Graph, node workflowdef.Node, scope map[string]any) (map[string]any, int, error) {
	switch node.Type {
	case "condition":
		out, err := e.dispatchCondition(ctx, runUUID, runID, g, node, scope)
		return out, 1, err
	case "wait_for_approval":
		return nil, 0, e.dispatchPause(ctx, runUUID, runID, node, scope, "approval")
	case "wait_for_event":
		return nil, 0, e.dispatchPause(ctx, runUUID, runID, node, scope, "event")
	case "for_each":
		out, err := e.dispatchForEach(ctx, runUUID, runID, node, scope)
		return out, 1, err
	default:
		if !e.registry.Has(node.Type) {
			return nil, 0, &NonRetriableError{StepID: node.ID, Err: fmt.Errorf("unknown step type %q", node.Type)}
		}
		return e.dispatchGeneric(ctx, runUUID, runID, node, scope)
	}
}

func (e *Engine) dispatchCondition(ctx context.Context, runUUID uuid.UUID, runID string, g *graph.Graph, node workflowdef.Node, scope map[string]any) (map[string]any, error) {
	rawExpr, _ := node.Data.Config["expression"].(string)
	resolvedAny, err := template.Resolve(rawExpr, scope)
	if err != nil {
		return nil, fmt.Errorf("condition %q: resolve expression: %w", node.ID, err)
	}
	resolvedExpr := fmt.Sprintf("%v", resolvedAny)

	now := time.Now()
	if err := e.store.CreateStepRun(ctx, &storage.StepRun{
		RunID: runUUID, StepID: node.ID, StepType: node.Type, Attempt: 1,
		Status: storage.StepRunStatusRunning, Input: map[string]any{"expression": resolvedExpr}, StartedAt: &now,
	}); err != nil {
		return nil, err
	}
	e.bus.Emit(ctx, runID, events.StepStarted, events.StepIDPtr(node.ID), nil)

	result, err := template.SafeEvalBool(resolvedExpr, scope)
	if err != nil {
		return nil, fmt.Errorf("condition %q: evaluate: %w", node.ID, err)
	}

	branch := workflowdef.BranchFalse
	if result {
		branch = workflowdef.BranchTrue
	}
	output := map[string]any{"result": result, "branch": branch}

	completedAt := time.Now()
	completed := storage.StepRunStatusCompleted
	if err := e.store.UpdateLatestStepRun(ctx, runUUID, node.ID, storage.StepRunUpdate{
		Status: &completed, Output: output, CompletedAt: &completedAt,
	}); err != nil {
		return nil, err
	}
	e.bus.Emit(ctx, runID, events.StepCompleted, events.StepIDPtr(node.ID), map[string]any{
		"output_summary": events.SummarizeOutput(output, 5),
		"duration_ms":     events.DurationMillis(completedAt.Sub(now)),
	})

	losingLabel := workflowdef.BranchTrue
	if result {
		losingLabel = workflowdef.BranchFalse
	}

	skip := g.ExclusiveBranchNodes(node.ID, losingLabel)
	for skipID := range skip {
		skipped := storage.StepRunStatusSkipped
		if err := e.store.CreateStepRun(ctx, &storage.StepRun{
			RunID: runUUID, StepID: skipID, StepType: "", Attempt: 1, Status: skipped,
		}); err != nil {
			return output, err
		}
		e.bus.Emit(ctx, runID, events.StepSkipped, events.StepIDPtr(skipID), map[string]any{
			"reason": fmt.Sprintf("branch not taken by condition %q", node.ID),
		})
	}

	return output, nil
}

func (e *Engine) dispatchPause(ctx context.Context, runUUID uuid.UUID, runID string, node workflowdef.Node, scope map[string]any, kind string) error {
	resolvedConfig, err := template.Resolve(node.Data.Config, scope)
	if err != nil {
		return fmt.Errorf("step %q: resolve config: %w", node.ID, err)
	}
	configMap, _ := resolvedConfig.(map[string]any)

	now := time.Now()
	waiting := storage.StepRunStatusWaiting
	if err := e.store.CreateStepRun(ctx, &storage.StepRun{
		RunID: runUUID, StepID: node.ID, StepType: node.Type, Attempt: 1,
		Status: waiting, Input: configMap, StartedAt: &now,
	}); err != nil {
		return err
	}

	reason := fmt.Sprintf("waiting for %s", kind)
	if msg, ok := configMap["reason"].(string); ok && msg != "" {
		reason = msg
	}
	e.bus.Emit(ctx, runID, events.StepWaiting, events.StepIDPtr(node.ID), map[string]any{"kind": kind, "reason": reason})

	return &PauseError{StepID: node.ID, Reason: reason, Kind: kind}
}

func (e *Engine) dispatchGeneric(ctx context.Context, runUUID uuid.UUID, runID string, node workflowdef.Node, scope map[string]any) (map[string]any, int, error) {
	policy := workflowdef.ResolvePolicy(node.Data)
	handler, _ := e.registry.Get(node.Type)

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		resolvedConfig, err := template.Resolve(node.Data.Config, scope)
		if err != nil {
			return nil, attempt, fmt.Errorf("step %q: resolve config: %w", node.ID, err)
		}
		configMap, _ := resolvedConfig.(map[string]any)

		start := time.Now()
		if err := e.store.CreateStepRun(ctx, &storage.StepRun{
			RunID: runUUID, StepID: node.ID, StepType: node.Type, Attempt: attempt,
			Status: storage.StepRunStatusRunning, Input: configMap, StartedAt: &start,
		}); err != nil {
			return nil, attempt, err
		}
		e.bus.Emit(ctx, runID, events.StepStarted, events.StepIDPtr(node.ID), map[string]any{"attempt": attempt})

		output, execErr := e.invokeWithTimeout(ctx, handler, configMap, scope, policy.TimeoutSeconds)
		elapsed := time.Since(start)

		if execErr == nil {
			completedAt := time.Now()
			completed := storage.StepRunStatusCompleted
			if err := e.store.UpdateLatestStepRun(ctx, runUUID, node.ID, storage.StepRunUpdate{
				Status: &completed, Output: output, CompletedAt: &completedAt,
			}); err != nil {
				return nil, attempt, err
			}
			e.bus.Emit(ctx, runID, events.StepCompleted, events.StepIDPtr(node.ID), map[string]any{
				"output_summary": events.SummarizeOutput(output, 5),
				"duration_ms":    events.DurationMillis(elapsed),
			})
			return output, attempt, nil
		}

		lastErr = execErr
		completedAt := time.Now()
		failed := storage.StepRunStatusFailed
		errStr := events.FormatError(execErr)
		if err := e.store.UpdateLatestStepRun(ctx, runUUID, node.ID, storage.StepRunUpdate{
			Status: &failed, Error: &errStr, CompletedAt: &completedAt,
		}); err != nil {
			return nil, attempt, err
		}

		var nonRetriable *NonRetriableError
		if attempt < policy.MaxAttempts && !errors.As(execErr, &nonRetriable) {
			delay := computeBackoff(policy.BackoffStrategy, policy.BackoffBase, attempt)
			e.bus.Emit(ctx, runID, events.StepRetrying, events.StepIDPtr(node.ID), map[string]any{
				"attempt": attempt, "backoff_ms": delay.Milliseconds(), "error": errStr,
			})
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, attempt, ctx.Err()
			}
			continue
		}

		e.bus.Emit(ctx, runID, events.StepFailed, events.StepIDPtr(node.ID), map[string]any{"error": errStr})
		return nil, attempt, lastErr
	}

	return nil, policy.MaxAttempts, lastErr
}

// invokeWithTimeout runs handler.Execute under ctx, optionally bounded by
// timeoutSeconds, and passes a successful result through the handler's
// output-size cap (steps.ValidateOutput).
func (e *Engine) invokeWithTimeout(ctx context.Context, handler steps.Handler, config map[string]any, scope map[string]any, timeoutSeconds *float64) (map[string]any, error) {
	stepCtx := ctx
	cancel := func() {}
	if timeoutSeconds != nil && *timeoutSeconds > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, time.Duration(*timeoutSeconds*float64(time.Second)))
	}
	defer cancel()

	out, err := handler.Execute(stepCtx, config, scope)
	if err != nil {
		if stepCtx.Err() == context.DeadlineExceeded {
			return nil, &StepTimeoutError{StepID: ""}
		}
		return nil, err
	}
	return steps.ValidateOutput(handler, out)
}

func (e *Engine) dispatchForEach(ctx context.Context, runUUID uuid.UUID, runID string, node workflowdef.Node, scope map[string]any) (map[string]any, error) {
	// item_config is templated against itemScope (_item/_index) per
	// iteration below, not against scope here — resolving it up front
	// would fail on those refs before a single iteration has set them.
	rawItemConfig, hasItemConfig := node.Data.Config["item_config"].(map[string]any)

	staticConfig := make(map[string]any, len(node.Data.Config))
	for k, v := range node.Data.Config {
		if k == "item_config" {
			continue
		}
		staticConfig[k] = v
	}

	resolvedAny, err := template.Resolve(staticConfig, scope)
	if err != nil {
		return nil, fmt.Errorf("for_each %q: resolve config: %w", node.ID, err)
	}
	config, _ := resolvedAny.(map[string]any)
	if config == nil {
		config = map[string]any{}
	}
	if hasItemConfig {
		config["item_config"] = rawItemConfig
	}

	items, ok := config["items"].([]any)
	if !ok {
		return nil, &NonRetriableError{StepID: node.ID, Err: fmt.Errorf("for_each %q: config.items must be a list", node.ID)}
	}

	now := time.Now()
	if err := e.store.CreateStepRun(ctx, &storage.StepRun{
		RunID: runUUID, StepID: node.ID, StepType: node.Type, Attempt: 1,
		Status: storage.StepRunStatusRunning, Input: config, StartedAt: &now,
	}); err != nil {
		return nil, err
	}
	e.bus.Emit(ctx, runID, events.StepStarted, events.StepIDPtr(node.ID), nil)

	handlerType, _ := config["handler"].(string)
	if handlerType == "" {
		handlerType, _ = config["step_type"].(string)
	}

	maxParallel := 1
	if mp, ok := config["max_parallel"].(float64); ok && mp >= 1 {
		maxParallel = int(mp)
	}

	// in passthrough mode (no handler/item_config) results stays empty,
	// matching the original for_each.py's literal {"results": []}.
	results := []any{}
	if handlerType != "" && hasItemConfig {
		results = make([]any, len(items))
		handler, found := e.registry.Get(handlerType)
		if !found {
			return nil, &NonRetriableError{StepID: node.ID, Err: fmt.Errorf("for_each %q: handler %q not registered", node.ID, handlerType)}
		}

		sem := make(chan struct{}, maxParallel)
		var wg sync.WaitGroup
		for i, item := range items {
			wg.Add(1)
			sem <- struct{}{}
			go func(idx int, it any) {
				defer wg.Done()
				defer func() { <-sem }()

				itemScope := make(map[string]any, len(scope)+2)
				for k, v := range scope {
					itemScope[k] = v
				}
				itemScope["_item"] = it
				itemScope["_index"] = idx

				resolvedItemCfg, err := template.Resolve(rawItemConfig, itemScope)
				if err != nil {
					results[idx] = map[string]any{"_error": err.Error(), "_index": idx}
					return
				}
				cfgMap, _ := resolvedItemCfg.(map[string]any)

				out, err := handler.Execute(ctx, cfgMap, itemScope)
				if err != nil {
					results[idx] = map[string]any{"_error": err.Error(), "_index": idx}
					return
				}
				results[idx] = out
			}(i, item)
		}
		wg.Wait()
	}

	output := map[string]any{"items": items, "count": len(items), "results": results}

	completedAt := time.Now()
	completed := storage.StepRunStatusCompleted
	if err := e.store.UpdateLatestStepRun(ctx, runUUID, node.ID, storage.StepRunUpdate{
		Status: &completed, Output: output, CompletedAt: &completedAt,
	}); err != nil {
		return nil, err
	}
	e.bus.Emit(ctx, runID, events.StepCompleted, events.StepIDPtr(node.ID), map[string]any{
		"output_summary": events.SummarizeOutput(output, 5),
		"duration_ms":    events.DurationMillis(completedAt.Sub(now)),
	})

	return output, nil
}
