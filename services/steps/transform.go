package steps

import (
	"context"
	"fmt"

	"github.com/flowforge/workflows/services/template"
)

// TransformHandler maps fields from the accumulated context into a new
// shape via template interpolation. It does not itself resolve the step's
// top-level config (the engine already does that before calling Execute);
// it resolves config.mapping a second time against runContext so mapping
// values can reference context that wasn't known when the step's config was
// first resolved — mirroring transform.py's direct resolve_templates call.
type TransformHandler struct {
	Base
}

func NewTransformHandler() *TransformHandler { return &TransformHandler{} }

func (h *TransformHandler) Type() string { return "transform" }

func (h *TransformHandler) Metadata() Metadata {
	return Metadata{
		Label:       "Transform",
		Description: "Transform data using template-based field mapping.",
		Icon:        "shuffle",
		Category:    "data",
		ConfigSchema: map[string]any{
			"mapping": map[string]any{"type": "object", "required": true},
		},
	}
}

func (h *TransformHandler) Execute(ctx context.Context, config map[string]any, runContext map[string]any) (map[string]any, error) {
	mapping, _ := config["mapping"].(map[string]any)
	if mapping == nil {
		mapping = map[string]any{}
	}

	resolved, err := template.Resolve(mapping, runContext)
	if err != nil {
		return nil, fmt.Errorf("transform: %w", err)
	}

	out, ok := resolved.(map[string]any)
	if !ok {
		out = map[string]any{"result": resolved}
	}
	return out, nil
}
