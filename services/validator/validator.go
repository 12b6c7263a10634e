// Package validator checks a workflow definition for structural soundness
// before it can be published. Validation is pure: it reads a Definition and
// returns error messages, with no side effects and no engine dependency.
package validator

import (
	"fmt"

	"github.com/flowforge/workflows/services/graph"
	"github.com/flowforge/workflows/services/template"
	"github.com/flowforge/workflows/services/workflowdef"
)

// Registry reports whether a step type is registered, so the validator can
// check node types without importing the concrete steps package;
// *steps.Registry satisfies it.
type Registry interface {
	Has(stepType string) bool
}

// Validate runs the ordered checks from spec §4.3 against def, short
// circuiting after structural failures the way the reference validator
// does: an empty or edge-broken definition can't support cycle detection or
// template-reference checks, so later checks are skipped rather than
// producing confusing cascades of errors.
func Validate(def workflowdef.Definition, registry Registry) []string {
	if len(def.Nodes) == 0 {
		return []string{"workflow must contain at least one node"}
	}

	if errs := checkEdgeEndpoints(def); len(errs) > 0 {
		return errs
	}

	g, err := graph.New(toGraphNodes(def.Nodes), toGraphEdges(def.Edges))
	if err != nil {
		return []string{err.Error()}
	}

	if g.HasCycle() {
		return []string{"workflow contains a cycle"}
	}

	var errs []string
	errs = append(errs, checkStepTypes(def, registry)...)
	errs = append(errs, checkConditionBranches(def)...)
	if len(def.Nodes) > 1 {
		errs = append(errs, checkOrphans(def)...)
	}
	errs = append(errs, checkTemplateRefs(def, g)...)
	errs = append(errs, checkForEachItems(def)...)

	return errs
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

func checkEdgeEndpoints(def workflowdef.Definition) []string {
	var errs []string
	for _, e := range def.Edges {
		if _, ok := def.NodeByID(e.Source); !ok {
			errs = append(errs, fmt.Sprintf("edge %q references unknown source node %q", e.ID, e.Source))
		}
		if _, ok := def.NodeByID(e.Target); !ok {
			errs = append(errs, fmt.Sprintf("edge %q references unknown target node %q", e.ID, e.Target))
		}
	}
	return errs
}

func checkStepTypes(def workflowdef.Definition, registry Registry) []string {
	var errs []string
	for _, n := range def.Nodes {
		if workflowdef.EngineHandledTypes[n.Type] {
			continue
		}
		if registry != nil && registry.Has(n.Type) {
			continue
		}
		errs = append(errs, fmt.Sprintf("node %q has unregistered step type %q", n.ID, n.Type))
	}
	return errs
}

func checkConditionBranches(def workflowdef.Definition) []string {
	var errs []string
	for _, n := range def.Nodes {
		if n.Type != "condition" {
			continue
		}
		labels := make(map[string]bool)
		for _, e := range def.Edges {
			if e.Source == n.ID {
				labels[e.Label()] = true
			}
		}
		if !labels[workflowdef.BranchTrue] || !labels[workflowdef.BranchFalse] {
			errs = append(errs, fmt.Sprintf("condition node %q must have both a %q and a %q outgoing edge", n.ID, workflowdef.BranchTrue, workflowdef.BranchFalse))
		}
	}
	return errs
}

func checkOrphans(def workflowdef.Definition) []string {
	connected := make(map[string]bool, len(def.Nodes))
	for _, e := range def.Edges {
		connected[e.Source] = true
		connected[e.Target] = true
	}

	var errs []string
	for _, n := range def.Nodes {
		if !connected[n.ID] {
			errs = append(errs, fmt.Sprintf("node %q is not connected to any edge", n.ID))
		}
	}
	return errs
}

func checkTemplateRefs(def workflowdef.Definition, g *graph.Graph) []string {
	var errs []string
	for _, n := range def.Nodes {
		upstream := g.UpstreamIDs(n.ID)
		for _, ref := range template.ExtractRefs(n.Data.Config) {
			root := template.RootOf(ref)
			if root == "input" {
				continue
			}
			if upstream[root] {
				continue
			}
			errs = append(errs, fmt.Sprintf("node %q references %q, which is not %q or an upstream step", n.ID, ref, "input"))
		}
	}
	return errs
}

func checkForEachItems(def workflowdef.Definition) []string {
	var errs []string
	for _, n := range def.Nodes {
		if n.Type != "for_each" {
			continue
		}
		if _, ok := n.Data.Config["items"]; ok {
			continue
		}
		if len(template.ExtractRefs(n.Data.Config)) > 0 {
			continue
		}
		errs = append(errs, fmt.Sprintf("for_each node %q must have config.items or a template reference", n.ID))
	}
	return errs
}
