package steps

import (
	"context"
	"fmt"
)

// Querier runs a parameterized query and returns result rows. Kept narrow
// and separate from the storage package's Store interface: a workflow's
// database_query step talks to whatever database the workflow author wired
// up, not necessarily the engine's own Postgres store.
type Querier interface {
	Query(ctx context.Context, sql string, args []any) ([]map[string]any, error)
}

// DatabaseQueryHandler executes a parameterized SQL query and returns the
// result rows. Grounded on original_source's database_query step; a real
// SQL engine binding is out of scope (spec §1's non-goals don't name it
// directly, but no concrete DB-per-workflow config surface exists yet, so
// this stays a thin pass-through over an injected Querier).
type DatabaseQueryHandler struct {
	Base
	querier Querier
}

// NewDatabaseQueryHandler builds the handler. querier may be nil, in which
// case Execute always fails — a workflow author must wire a real querier for
// this step type to be usable, the same way the teacher's flood/sms clients
// were optional collaborators.
func NewDatabaseQueryHandler(querier Querier) *DatabaseQueryHandler {
	return &DatabaseQueryHandler{querier: querier}
}

func (h *DatabaseQueryHandler) Type() string { return "database_query" }

func (h *DatabaseQueryHandler) Metadata() Metadata {
	return Metadata{
		Label:       "Database Query",
		Description: "Execute a parameterized SQL query and return the result rows.",
		Icon:        "database",
		Category:    "data",
		ConfigSchema: map[string]any{
			"query": map[string]any{"type": "string", "required": true},
			"args":  map[string]any{"type": "array"},
		},
	}
}

func (h *DatabaseQueryHandler) Execute(ctx context.Context, config map[string]any, runContext map[string]any) (map[string]any, error) {
	if h.querier == nil {
		return nil, fmt.Errorf("database_query: no querier configured")
	}

	query, _ := config["query"].(string)
	if query == "" {
		return nil, fmt.Errorf("database_query: config.query is required")
	}

	var args []any
	if raw, ok := config["args"].([]any); ok {
		args = raw
	}

	rows, err := h.querier.Query(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("database_query: %w", err)
	}

	return map[string]any{"rows": rows, "row_count": len(rows)}, nil
}
