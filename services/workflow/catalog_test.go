package workflow

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/workflows/services/steps"
	"github.com/flowforge/workflows/services/storage/storagemock"
)

func TestHandleStepCatalog_IncludesRegisteredAndEngineHandledTypes(t *testing.T) {
	store := &storagemock.StorageMock{}
	svc := newTestService(t, store)
	svc.registry.Register(noopHandler{})
	router := newTestRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/steps", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var entries []steps.CatalogEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))

	types := make(map[string]bool, len(entries))
	for _, e := range entries {
		types[e.Type] = true
	}
	assert.True(t, types["noop"])
	assert.True(t, types["condition"])
	assert.True(t, types["wait_for_approval"])
	assert.True(t, types["wait_for_event"])
	assert.True(t, types["for_each"])
}
