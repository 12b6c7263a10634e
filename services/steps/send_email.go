package steps

import (
	"context"
	"fmt"

	"github.com/flowforge/workflows/pkg/clients/email"
)

// SendEmailHandler sends an email to one or more recipients via the
// injected email client (a stub in development, grounded on the teacher's
// pkg/clients/email.StubClient).
type SendEmailHandler struct {
	Base
	client email.Client
}

// NewSendEmailHandler builds the handler with client used to send.
func NewSendEmailHandler(client email.Client) *SendEmailHandler {
	return &SendEmailHandler{client: client}
}

func (h *SendEmailHandler) Type() string { return "send_email" }

func (h *SendEmailHandler) Metadata() Metadata {
	return Metadata{
		Label:       "Send Email",
		Description: "Send an email to one or more recipients.",
		Icon:        "mail",
		Category:    "integrations",
		ConfigSchema: map[string]any{
			"to":      map[string]any{"type": "string", "required": true},
			"from":    map[string]any{"type": "string"},
			"subject": map[string]any{"type": "string", "required": true},
			"body":    map[string]any{"type": "string", "required": true},
		},
	}
}

func (h *SendEmailHandler) Execute(ctx context.Context, config map[string]any, runContext map[string]any) (map[string]any, error) {
	to := recipients(config["to"])
	if len(to) == 0 {
		return nil, fmt.Errorf("send_email: config.to is required")
	}
	subject, _ := config["subject"].(string)
	body, _ := config["body"].(string)
	from, _ := config["from"].(string)

	result, err := h.client.Send(ctx, email.Message{
		To:      to,
		From:    from,
		Subject: subject,
		Body:    body,
	})
	if err != nil {
		return nil, fmt.Errorf("send_email: %w", err)
	}

	return map[string]any{
		"sent_to":    to,
		"subject":    subject,
		"status":     result.Status,
		"message_id": result.MessageID,
	}, nil
}

// recipients normalizes config.to, which may be a single address or a
// list of addresses, into a slice.
func recipients(raw any) []string {
	switch v := raw.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
