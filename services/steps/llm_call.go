package steps

import (
	"context"
	"fmt"
)

// LLMClient calls a large language model with a prompt and returns the
// generated text. Left as an injected collaborator: spec §1 explicitly
// scopes concrete step handler vendor integrations out, so this handler
// needs a real implementation wired in before it's usable for anything but
// the deterministic stub tests exercise.
type LLMClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// StubLLMClient echoes the prompt back, deterministically, so the registry
// and for_each fan-out have a real handler to exercise without depending on
// a live model vendor.
type StubLLMClient struct{}

func (StubLLMClient) Complete(ctx context.Context, prompt string) (string, error) {
	return fmt.Sprintf("stub completion for: %s", prompt), nil
}

// LLMCallHandler calls a large language model and returns the generated
// text under "text".
type LLMCallHandler struct {
	Base
	client LLMClient
}

// NewLLMCallHandler builds the handler with client used for completions.
func NewLLMCallHandler(client LLMClient) *LLMCallHandler {
	return &LLMCallHandler{client: client}
}

func (h *LLMCallHandler) Type() string { return "llm_call" }

func (h *LLMCallHandler) Metadata() Metadata {
	return Metadata{
		Label:       "LLM Call",
		Description: "Call a large language model and return the generated text.",
		Icon:        "brain",
		Category:    "ai",
		ConfigSchema: map[string]any{
			"prompt": map[string]any{"type": "string", "required": true},
		},
	}
}

func (h *LLMCallHandler) Execute(ctx context.Context, config map[string]any, runContext map[string]any) (map[string]any, error) {
	prompt, _ := config["prompt"].(string)
	if prompt == "" {
		return nil, fmt.Errorf("llm_call: config.prompt is required")
	}

	text, err := h.client.Complete(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("llm_call: %w", err)
	}
	return map[string]any{"text": text}, nil
}
