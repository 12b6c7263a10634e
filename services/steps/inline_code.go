package steps

import (
	"context"
)

// InlineCodeHandler is a no-op stand-in for a sandboxed code-execution step.
// A real sandboxed interpreter is out of scope (spec §1's non-goals name
// concrete step-handler implementations generally, and a code sandbox
// specifically carries the heaviest security surface of any step type);
// this stub simply echoes its config under "input" so downstream steps and
// the for_each handler-driven fan-out have something deterministic to
// reference while the repo waits on a real sandbox integration.
type InlineCodeHandler struct {
	Base
}

func NewInlineCodeHandler() *InlineCodeHandler { return &InlineCodeHandler{} }

func (h *InlineCodeHandler) Type() string { return "inline_code" }

func (h *InlineCodeHandler) Metadata() Metadata {
	return Metadata{
		Label:       "Code",
		Description: "Execute a code snippet in a sandboxed environment.",
		Icon:        "code",
		Category:    "logic",
		ConfigSchema: map[string]any{
			"code": map[string]any{"type": "string", "required": true},
		},
	}
}

func (h *InlineCodeHandler) Execute(ctx context.Context, config map[string]any, runContext map[string]any) (map[string]any, error) {
	return map[string]any{"input": config}, nil
}
