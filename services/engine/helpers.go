package engine

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/flowforge/workflows/services/graph"
	"github.com/flowforge/workflows/services/storage"
	"github.com/flowforge/workflows/services/workflowdef"
)

func parseUUID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("engine: invalid run id %q: %w", s, err)
	}
	return id, nil
}

// mergeContext seeds a run's template/eval scope: a shallow copy of the
// persisted context with "input" set to run.input, per spec §4.4.1.
func mergeContext(persisted map[string]any, input map[string]any) map[string]any {
	scope := make(map[string]any, len(persisted)+1)
	for k, v := range persisted {
		scope[k] = v
	}
	scope["input"] = input
	return scope
}

// latestDoneIDs reduces a run's step_runs to the set of step ids whose
// latest attempt is completed or skipped — the done-set the graph's
// readySet uses (spec §4.4.1 step 3).
func latestDoneIDs(stepRuns []*storage.StepRun) map[string]bool {
	latestAttempt := map[string]int{}
	latestStatus := map[string]string{}
	for _, sr := range stepRuns {
		if sr.Attempt >= latestAttempt[sr.StepID] {
			latestAttempt[sr.StepID] = sr.Attempt
			latestStatus[sr.StepID] = sr.Status
		}
	}
	done := make(map[string]bool, len(latestStatus))
	for stepID, status := range latestStatus {
		done[stepID] = storage.DoneStepRunStatuses[status]
	}
	return done
}

func toGraphNodes(nodes []workflowdef.Node) []graph.Node {
	out := make([]graph.Node, len(nodes))
	for i, n := range nodes {
		out[i] = graph.Node{ID: n.ID, Type: n.Type}
	}
	return out
}

func toGraphEdges(edges []workflowdef.Edge) []graph.Edge {
	out := make([]graph.Edge, len(edges))
	for i, e := range edges {
		out[i] = graph.Edge{Source: e.Source, Target: e.Target, Label: e.Label()}
	}
	return out
}
