// Package workflowdef holds the wire shape of a workflow definition (nodes
// and edges persisted under workflows.definition) shared by the validator,
// graph, and engine packages, plus the per-step execution policy defaults.
package workflowdef

const (
	BackoffFixed       = "fixed"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"

	OnErrorFail     = "fail"
	OnErrorSkip     = "skip"
	OnErrorContinue = "continue"

	BranchTrue  = "true"
	BranchFalse = "false"
)

// EngineHandledTypes are step types the engine dispatches to directly rather
// than through the step-handler registry.
var EngineHandledTypes = map[string]bool{
	"condition":         true,
	"wait_for_approval": true,
	"wait_for_event":    true,
	"for_each":          true,
}

// NodeData is the data payload of a node: label, handler config, and the
// optional per-step execution policy overrides.
type NodeData struct {
	Label           string         `json:"label"`
	Description     string         `json:"description,omitempty"`
	Config          map[string]any `json:"config"`
	MaxAttempts     int            `json:"max_attempts,omitempty"`
	BackoffStrategy string         `json:"backoff_strategy,omitempty"`
	BackoffBase     float64        `json:"backoff_base,omitempty"`
	TimeoutSeconds  *float64       `json:"timeout_seconds,omitempty"`
	OnError         string         `json:"on_error,omitempty"`
}

// Node is one node in a workflow definition.
type Node struct {
	ID   string   `json:"id"`
	Type string   `json:"type"`
	Data NodeData `json:"data"`
}

// EdgeData carries the branch label for edges leaving a condition node.
type EdgeData struct {
	Condition string `json:"condition,omitempty"`
}

// Edge is one directed edge in a workflow definition.
type Edge struct {
	ID           string    `json:"id"`
	Source       string    `json:"source"`
	Target       string    `json:"target"`
	SourceHandle *string   `json:"sourceHandle,omitempty"`
	Data         *EdgeData `json:"data,omitempty"`
}

// Label returns the branch label for e: data.condition if set, else
// sourceHandle, else "". Matches the wire format's two ways of tagging a
// condition edge (spec §4.1's branchNodes lookup).
func (e Edge) Label() string {
	if e.Data != nil && e.Data.Condition != "" {
		return e.Data.Condition
	}
	if e.SourceHandle != nil {
		return *e.SourceHandle
	}
	return ""
}

// Definition is a full workflow graph: nodes plus edges, as persisted under
// workflows.definition.
type Definition struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// NodeByID returns the node with the given id, or false if absent.
func (d Definition) NodeByID(id string) (Node, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Policy is the resolved (defaults-applied) per-step execution policy.
type Policy struct {
	MaxAttempts     int
	BackoffStrategy string
	BackoffBase     float64
	TimeoutSeconds  *float64
	OnError         string
}

// ResolvePolicy applies the defaults from spec §3: max_attempts=1,
// backoff_strategy=fixed, backoff_base=2.0, on_error=fail.
func ResolvePolicy(data NodeData) Policy {
	p := Policy{
		MaxAttempts:     data.MaxAttempts,
		BackoffStrategy: data.BackoffStrategy,
		BackoffBase:     data.BackoffBase,
		TimeoutSeconds:  data.TimeoutSeconds,
		OnError:         data.OnError,
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BackoffStrategy == "" {
		p.BackoffStrategy = BackoffFixed
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = 2.0
	}
	if p.OnError == "" {
		p.OnError = OnErrorFail
	}
	return p
}
