package steps

import (
	"context"
	"fmt"
	"strings"

	"github.com/flowforge/workflows/pkg/clients/httpx"
)

// HTTPRequestHandler sends an HTTP request to an external URL and returns
// the response. Grounded on original_source's http_request.py and the
// teacher's weather client request/response shape.
type HTTPRequestHandler struct {
	Base
	client httpx.Client
}

// NewHTTPRequestHandler builds the handler with client used for all
// outbound calls.
func NewHTTPRequestHandler(client httpx.Client) *HTTPRequestHandler {
	return &HTTPRequestHandler{client: client}
}

func (h *HTTPRequestHandler) Type() string { return "http_request" }

func (h *HTTPRequestHandler) Metadata() Metadata {
	return Metadata{
		Label:       "HTTP Request",
		Description: "Send an HTTP request to an external URL and return the response.",
		Icon:        "globe",
		Category:    "integrations",
		ConfigSchema: map[string]any{
			"url":     map[string]any{"type": "string", "required": true},
			"method":  map[string]any{"type": "string", "default": "GET"},
			"headers": map[string]any{"type": "object"},
			"body":    map[string]any{"type": "object"},
		},
	}
}

func (h *HTTPRequestHandler) Execute(ctx context.Context, config map[string]any, runContext map[string]any) (map[string]any, error) {
	url, ok := config["url"].(string)
	if !ok || url == "" {
		return nil, fmt.Errorf("http_request: config.url is required")
	}

	method := "GET"
	if m, ok := config["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}

	headers := make(map[string]string)
	if raw, ok := config["headers"].(map[string]any); ok {
		for k, v := range raw {
			if s, ok := v.(string); ok {
				headers[k] = s
			}
		}
	}

	resp, err := h.client.Do(ctx, httpx.Request{
		Method:  method,
		URL:     url,
		Headers: headers,
		Body:    config["body"],
	})
	if err != nil {
		return nil, fmt.Errorf("http_request: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("http_request: upstream returned status %d", resp.StatusCode)
	}

	return map[string]any{
		"status_code": resp.StatusCode,
		"headers":     resp.Headers,
		"body":        resp.Body,
	}, nil
}
