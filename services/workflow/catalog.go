package workflow

import (
	"net/http"

	"github.com/flowforge/workflows/services/steps"
)

// HandleStepCatalog lists every step type available to the graph editor:
// registered handlers plus the engine-handled types (condition,
// wait_for_approval, wait_for_event, for_each), which have no Handler but
// still need catalog metadata for discovery parity.
func (s *Service) HandleStepCatalog(w http.ResponseWriter, r *http.Request) {
	catalog := append(s.registry.Catalog(), steps.EngineHandledCatalog()...)
	writeJSON(w, http.StatusOK, catalog)
}
