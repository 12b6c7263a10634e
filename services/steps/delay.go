package steps

import (
	"context"
	"fmt"
	"time"
)

// DelayHandler pauses for config.seconds before returning, honoring ctx
// cancellation the way every blocking handler is expected to.
type DelayHandler struct {
	Base
}

func NewDelayHandler() *DelayHandler { return &DelayHandler{} }

func (h *DelayHandler) Type() string { return "delay" }

func (h *DelayHandler) Metadata() Metadata {
	return Metadata{
		Label:       "Delay",
		Description: "Pause execution for a specified number of seconds.",
		Icon:        "clock",
		Category:    "flow",
		ConfigSchema: map[string]any{
			"seconds": map[string]any{"type": "number", "required": true},
		},
	}
}

func (h *DelayHandler) Execute(ctx context.Context, config map[string]any, runContext map[string]any) (map[string]any, error) {
	seconds := toFloat(config["seconds"])

	select {
	case <-time.After(time.Duration(seconds * float64(time.Second))):
		return map[string]any{"delayed_seconds": seconds}, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("delay: %w", ctx.Err())
	}
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}
