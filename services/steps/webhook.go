package steps

import (
	"context"
	"fmt"

	"github.com/flowforge/workflows/pkg/clients/httpx"
)

// WebhookHandler sends a webhook POST request to an external URL, carrying
// the resolved payload as a JSON body. It is a thin specialization of the
// same outbound-call shape http_request uses, kept separate because its
// catalog entry and defaults (always POST, payload under "payload") differ.
type WebhookHandler struct {
	Base
	client httpx.Client
}

// NewWebhookHandler builds the handler with client used for all outbound
// calls.
func NewWebhookHandler(client httpx.Client) *WebhookHandler {
	return &WebhookHandler{client: client}
}

func (h *WebhookHandler) Type() string { return "webhook" }

func (h *WebhookHandler) Metadata() Metadata {
	return Metadata{
		Label:       "Webhook",
		Description: "Send a webhook POST request to an external URL.",
		Icon:        "webhook",
		Category:    "integrations",
		ConfigSchema: map[string]any{
			"url":     map[string]any{"type": "string", "required": true},
			"payload": map[string]any{"type": "object"},
			"headers": map[string]any{"type": "object"},
		},
	}
}

func (h *WebhookHandler) Execute(ctx context.Context, config map[string]any, runContext map[string]any) (map[string]any, error) {
	url, ok := config["url"].(string)
	if !ok || url == "" {
		return nil, fmt.Errorf("webhook: config.url is required")
	}

	headers := map[string]string{"Content-Type": "application/json"}
	if raw, ok := config["headers"].(map[string]any); ok {
		for k, v := range raw {
			if s, ok := v.(string); ok {
				headers[k] = s
			}
		}
	}

	resp, err := h.client.Do(ctx, httpx.Request{
		Method:  "POST",
		URL:     url,
		Headers: headers,
		Body:    config["payload"],
	})
	if err != nil {
		return nil, fmt.Errorf("webhook: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("webhook: upstream returned status %d", resp.StatusCode)
	}

	return map[string]any{
		"status_code": resp.StatusCode,
		"body":        resp.Body,
	}, nil
}
