// Package steps defines the step handler interface, a registry of concrete
// handlers, and the handlers themselves for step types the engine doesn't
// dispatch directly (condition, wait_for_approval, wait_for_event, for_each
// are engine-handled per spec §4.4.2 and never reach this registry).
package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// DefaultMaxOutputSize is the serialized-size cap (bytes) applied to a
// handler's output when the handler doesn't configure its own.
const DefaultMaxOutputSize = 100_000

// Handler executes one step type. Implementations must be re-entrant: the
// engine may call Execute concurrently with distinct config/context pairs
// for different nodes in the same ready batch.
type Handler interface {
	Type() string
	Execute(ctx context.Context, config map[string]any, runContext map[string]any) (map[string]any, error)
	Metadata() Metadata
}

// Metadata describes a handler for the step catalog endpoint (frontend
// discovery) — label, description, and a JSON-schema-shaped config_schema.
type Metadata struct {
	Label        string         `json:"label"`
	Description  string         `json:"description"`
	Icon         string         `json:"icon"`
	Category     string         `json:"category"`
	ConfigSchema map[string]any `json:"config_schema,omitempty"`
}

// CatalogEntry is one row of the step catalog, combining a handler's type
// with its metadata for serialization.
type CatalogEntry struct {
	Type string `json:"type"`
	Metadata
}

// OutputLimiter is implemented by handlers that want output-size capping
// (spec §4.7). Base embeds a default implementation; handlers override it by
// setting MaxSize/Fields at construction.
type OutputLimiter interface {
	MaxOutputSize() int
	ContextFields() []string
}

// Base provides the default output-size cap and truncation behavior
// described in spec §4.7 and grounded on
// original_source/backend/app/steps/base.py's validate_output: oversized
// output is truncated to ContextFields if any are configured, and re-checked;
// otherwise it's a hard error.
type Base struct {
	MaxSize int
	Fields  []string
}

func (b Base) MaxOutputSize() int {
	if b.MaxSize <= 0 {
		return DefaultMaxOutputSize
	}
	return b.MaxSize
}

func (b Base) ContextFields() []string { return b.Fields }

// ValidateOutput enforces a handler's output-size cap. output must already
// be JSON-serializable; a non-serializable value is itself a validation
// error rather than a silent pass-through.
func ValidateOutput(h Handler, output map[string]any) (map[string]any, error) {
	maxSize := DefaultMaxOutputSize
	var fields []string
	if limiter, ok := h.(OutputLimiter); ok {
		maxSize = limiter.MaxOutputSize()
		fields = limiter.ContextFields()
	}

	encoded, err := json.Marshal(output)
	if err != nil {
		return nil, fmt.Errorf("steps: output is not JSON serializable: %w", err)
	}
	if len(encoded) <= maxSize {
		return output, nil
	}

	if len(fields) > 0 {
		truncated := make(map[string]any, len(fields))
		for _, field := range fields {
			if v, ok := output[field]; ok {
				truncated[field] = v
			}
		}
		if encodedTruncated, err := json.Marshal(truncated); err == nil && len(encodedTruncated) <= maxSize {
			return truncated, nil
		}
	}

	return nil, fmt.Errorf("steps: output too large: %d bytes (max %d)", len(encoded), maxSize)
}

// Registry holds every registered step handler, keyed by step type.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds h to the registry, keyed by h.Type(). A later registration
// for the same type replaces the earlier one.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Type()] = h
}

// Has reports whether stepType is registered, satisfying validator.Registry.
func (r *Registry) Has(stepType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[stepType]
	return ok
}

// Get returns the handler for stepType, if registered.
func (r *Registry) Get(stepType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[stepType]
	return h, ok
}

// Catalog returns every registered handler's metadata, for the step catalog
// endpoint. Engine-handled types (condition, wait_for_approval,
// wait_for_event, for_each) are not registered here; the workflow HTTP layer
// appends their catalog entries separately since they have no Handler.
func (r *Registry) Catalog() []CatalogEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]CatalogEntry, 0, len(r.handlers))
	for stepType, h := range r.handlers {
		entries = append(entries, CatalogEntry{Type: stepType, Metadata: h.Metadata()})
	}
	return entries
}

// EngineHandledCatalog lists catalog metadata for step types the engine
// dispatches directly, for discovery parity with the registered handlers.
func EngineHandledCatalog() []CatalogEntry {
	return []CatalogEntry{
		{
			Type: "condition",
			Metadata: Metadata{
				Label:       "Condition",
				Description: "Evaluate a boolean expression to determine branching.",
				Icon:        "git-branch",
				Category:    "logic",
			},
		},
		{
			Type: "wait_for_approval",
			Metadata: Metadata{
				Label:       "Wait for Approval",
				Description: "Pause execution and wait for human approval before continuing.",
				Icon:        "user-check",
				Category:    "flow",
				ConfigSchema: map[string]any{
					"prompt": map[string]any{"type": "string", "default": "Please review and approve to continue."},
				},
			},
		},
		{
			Type: "wait_for_event",
			Metadata: Metadata{
				Label:       "Wait for Event",
				Description: "Wait for an external event before continuing execution.",
				Icon:        "bell",
				Category:    "flow",
				ConfigSchema: map[string]any{
					"event_name": map[string]any{"type": "string", "required": true},
				},
			},
		},
		{
			Type: "for_each",
			Metadata: Metadata{
				Label:       "For Each",
				Description: "Iterate over a list of items, optionally fanning out a sub-step per item.",
				Icon:        "repeat",
				Category:    "logic",
			},
		},
	}
}
