// Package engine drives a workflow run from its persisted state to a
// terminal state, dispatching steps, persisting every observable
// transition, and emitting events as it goes (spec §4.4).
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/flowforge/workflows/services/events"
	"github.com/flowforge/workflows/services/graph"
	"github.com/flowforge/workflows/services/steps"
	"github.com/flowforge/workflows/services/storage"
	"github.com/flowforge/workflows/services/workflowdef"
)

// defaultMaxConcurrency bounds how many step tasks run at once across all
// runs on one Engine, matching spec §5's default.
const defaultMaxConcurrency = 10

// Engine executes runs against a Store, dispatching registered step types
// and emitting lifecycle events as it goes. One Engine instance is shared
// across runs; its one semaphore caps step tasks across every run it drives.
type Engine struct {
	store      storage.Store
	bus        *events.Bus
	registry   *steps.Registry
	sem        *semaphore.Weighted
	runTimeout time.Duration // 0 disables the run-timeout check
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithMaxConcurrency overrides the default cap on step tasks running at once
// across all runs on the Engine.
func WithMaxConcurrency(n int64) Option {
	return func(e *Engine) { e.sem = semaphore.NewWeighted(n) }
}

// WithRunTimeout bounds total wall-clock time across a run's execution.
// Zero (the default) disables the check.
func WithRunTimeout(d time.Duration) Option {
	return func(e *Engine) { e.runTimeout = d }
}

// New builds an Engine backed by store, emitting through bus, dispatching
// registered step types from registry.
func New(store storage.Store, bus *events.Bus, registry *steps.Registry, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		bus:      bus,
		registry: registry,
		sem:      semaphore.NewWeighted(defaultMaxConcurrency),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run drives runID to a terminal or pause state. Safe to call again on a
// paused run (resume) or a fresh pending run (fresh start) — see spec
// §4.4.1 for the two entry modes this distinguishes between.
func (e *Engine) Run(ctx context.Context, runID string) error {
	return e.executeRun(ctx, runID)
}

// Resume marks the waiting step_run for (runID, stepID) completed with
// approvalData as output, transitions the run back to running, and
// continues execution (spec §4.4.7).
func (e *Engine) Resume(ctx context.Context, runID string, stepID string, approvalData map[string]any) error {
	id, err := parseUUID(runID)
	if err != nil {
		return err
	}

	if _, err := e.store.GetWaitingStepRun(ctx, id, stepID); err != nil {
		return fmt.Errorf("engine: resume %s/%s: no waiting step_run: %w", runID, stepID, err)
	}

	if approvalData == nil {
		approvalData = map[string]any{}
	}
	now := time.Now()
	status := storage.StepRunStatusCompleted
	if err := e.store.UpdateLatestStepRun(ctx, id, stepID, storage.StepRunUpdate{
		Status:      &status,
		Output:      approvalData,
		CompletedAt: &now,
	}); err != nil {
		return fmt.Errorf("engine: resume %s/%s: mark completed: %w", runID, stepID, err)
	}

	running := storage.RunStatusRunning
	if err := e.store.UpdateRun(ctx, id, storage.RunUpdate{Status: &running}); err != nil {
		return fmt.Errorf("engine: resume %s: transition to running: %w", runID, err)
	}
	e.bus.Emit(ctx, runID, events.RunResumed, events.StepIDPtr(stepID), nil)

	return e.executeRun(ctx, runID)
}

// RetryFailed resets every failed step_run on a failed run to pending,
// transitions the run to pending, and re-enters the driver loop (spec
// §4.4.8). Completed step outputs are left untouched.
func (e *Engine) RetryFailed(ctx context.Context, runID string) error {
	id, err := parseUUID(runID)
	if err != nil {
		return err
	}

	if err := e.store.ResetFailedStepRuns(ctx, id); err != nil {
		return fmt.Errorf("engine: retry %s: reset failed step_runs: %w", runID, err)
	}

	pending := storage.RunStatusPending
	if err := e.store.UpdateRun(ctx, id, storage.RunUpdate{Status: &pending}); err != nil {
		return fmt.Errorf("engine: retry %s: transition to pending: %w", runID, err)
	}

	return e.executeRun(ctx, runID)
}

// nodeOutcome is the tagged result of dispatching one node in a batch.
type nodeOutcome struct {
	node    workflowdef.Node
	output  map[string]any
	err     error
	attempt int // attempts already recorded as step_runs, for skip/continue bookkeeping
}

func (e *Engine) executeRun(ctx context.Context, runID string) error {
	id, err := parseUUID(runID)
	if err != nil {
		return err
	}

	run, err := e.store.GetRun(ctx, id)
	if err != nil {
		return fmt.Errorf("engine: load run %s: %w", runID, err)
	}
	if storage.TerminalRunStatuses[run.Status] {
		return nil
	}
	wf, err := e.store.GetWorkflow(ctx, run.WorkflowID)
	if err != nil {
		return fmt.Errorf("engine: load workflow for run %s: %w", runID, err)
	}

	g, err := graph.New(toGraphNodes(wf.Definition.Nodes), toGraphEdges(wf.Definition.Edges))
	if err != nil {
		return fmt.Errorf("engine: build graph for run %s: %w", runID, err)
	}

	scope := mergeContext(run.Context, run.Input)

	wasFresh := run.Status == storage.RunStatusPending
	now := time.Now()
	running := storage.RunStatusRunning
	update := storage.RunUpdate{Status: &running}
	if wasFresh {
		update.StartedAt = &now
	}
	if err := e.store.UpdateRun(ctx, id, update); err != nil {
		return fmt.Errorf("engine: transition run %s to running: %w", runID, err)
	}
	if wasFresh {
		run.StartedAt = &now
		e.bus.Emit(ctx, runID, events.RunStarted, nil, map[string]any{"workflow_id": run.WorkflowID.String()})
	}

	for {
		run, err = e.store.GetRun(ctx, id)
		if err != nil {
			return fmt.Errorf("engine: reload run %s: %w", runID, err)
		}
		if run.Status == storage.RunStatusCancelled {
			e.bus.Emit(ctx, runID, events.RunCancelled, nil, nil)
			return nil
		}

		if e.runTimeout > 0 && run.StartedAt != nil && time.Since(*run.StartedAt) > e.runTimeout {
			return e.failRun(ctx, id, runID, scope, "", &RunTimeoutError{RunID: runID}, 0)
		}

		stepRuns, err := e.store.ListStepRuns(ctx, id)
		if err != nil {
			return fmt.Errorf("engine: list step_runs for run %s: %w", runID, err)
		}
		done := latestDoneIDs(stepRuns)

		batch := g.ReadySet(done)
		if len(batch) == 0 {
			break
		}
		sort.Slice(batch, func(i, j int) bool { return batch[i].ID < batch[j].ID })

		outcomes := e.executeBatch(ctx, id, runID, wf.Definition, g, scope, batch)

		stop, retErr := e.reduceBatch(ctx, id, runID, scope, outcomes)
		if stop {
			return retErr
		}
	}

	now = time.Now()
	completed := storage.RunStatusCompleted
	durationMs := int64(0)
	if run.StartedAt != nil {
		durationMs = time.Since(*run.StartedAt).Milliseconds()
	}
	if err := e.store.UpdateRun(ctx, id, storage.RunUpdate{Status: &completed, CompletedAt: &now}); err != nil {
		return fmt.Errorf("engine: transition run %s to completed: %w", runID, err)
	}
	e.bus.Emit(ctx, runID, events.RunCompleted, nil, map[string]any{"duration_ms": durationMs})
	return nil
}

// executeBatch runs one task per node in batch, gated by the engine's
// shared semaphore, and waits for all of them to resolve (spec §4.4.1
// step 5). Each goroutine writes only to its own slice index, so no lock
// is needed to guard outcomes itself.
func (e *Engine) executeBatch(ctx context.Context, runUUID uuid.UUID, runID string, def workflowdef.Definition, g *graph.Graph, scope map[string]any, batch []graph.Node) []nodeOutcome {
	outcomes := make([]nodeOutcome, len(batch))
	var wg sync.WaitGroup

	for i, gn := range batch {
		node, ok := def.NodeByID(gn.ID)
		if !ok {
			outcomes[i] = nodeOutcome{
				node: workflowdef.Node{ID: gn.ID, Type: gn.Type},
				err:  &NonRetriableError{StepID: gn.ID, Err: fmt.Errorf("node %q not found in definition", gn.ID)},
			}
			continue
		}

		wg.Add(1)
		go func(idx int, n workflowdef.Node) {
			defer wg.Done()
			if err := e.sem.Acquire(ctx, 1); err != nil {
				outcomes[idx] = nodeOutcome{node: n, err: err}
				return
			}
			out, attempt, err := e.dispatchNode(ctx, runUUID, runID, g, n, scope)
			e.sem.Release(1)
			outcomes[idx] = nodeOutcome{node: n, output: out, err: err, attempt: attempt}
		}(i, node)
	}

	wg.Wait()
	return outcomes
}
