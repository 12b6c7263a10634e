// Package workflow is the HTTP/WebSocket surface spec §6 describes as an
// external collaborator to the execution engine: workflow CRUD, publish,
// validate, the step catalog, run lifecycle (trigger/get/list/cancel/
// resume/retry), and the snapshot-then-stream WebSocket endpoint. It holds
// no execution logic of its own — every operation delegates to the engine,
// validator, or store.
package workflow

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/flowforge/workflows/services/engine"
	"github.com/flowforge/workflows/services/events"
	"github.com/flowforge/workflows/services/steps"
	"github.com/flowforge/workflows/services/storage"
)

type contextKey string

const requestIDKey contextKey = "requestID"

// Service handles HTTP and WebSocket requests for workflow and run
// operations. Persistence goes through the storage.Store interface; the
// event bus, engine and step registry are held as concrete types.
type Service struct {
	storage  storage.Store
	bus      *events.Bus
	engine   *engine.Engine
	registry *steps.Registry
}

// NewService builds a workflow Service. store, bus, eng, and registry must
// all be non-nil.
func NewService(store storage.Store, bus *events.Bus, eng *engine.Engine, registry *steps.Registry) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("workflow: store cannot be nil")
	}
	if bus == nil {
		return nil, fmt.Errorf("workflow: bus cannot be nil")
	}
	if eng == nil {
		return nil, fmt.Errorf("workflow: engine cannot be nil")
	}
	if registry == nil {
		return nil, fmt.Errorf("workflow: registry cannot be nil")
	}
	return &Service{storage: store, bus: bus, engine: eng, registry: registry}, nil
}

// requestIDMiddleware assigns a unique ID to each request for log
// correlation. If the client sends X-Request-ID, it's reused; otherwise a
// new UUID is generated.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// jsonMiddleware sets the Content-Type header to application/json.
func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// LoadRoutes registers every route this service handles under
// parentRouter. The WebSocket route is registered outside jsonMiddleware,
// since it never writes a JSON response body.
func (s *Service) LoadRoutes(parentRouter *mux.Router) {
	router := parentRouter.PathPrefix("").Subrouter()
	router.Use(requestIDMiddleware)

	router.HandleFunc("/steps", s.HandleStepCatalog).Methods("GET")

	wf := router.PathPrefix("/workflows").Subrouter()
	wf.Use(jsonMiddleware)
	wf.HandleFunc("", s.HandleListWorkflows).Methods("GET")
	wf.HandleFunc("", s.HandleCreateWorkflow).Methods("POST")
	wf.HandleFunc("/{id}", s.HandleGetWorkflow).Methods("GET")
	wf.HandleFunc("/{id}", s.HandleUpdateWorkflow).Methods("PUT")
	wf.HandleFunc("/{id}", s.HandleDeleteWorkflow).Methods("DELETE")
	wf.HandleFunc("/{id}/validate", s.HandleValidateWorkflow).Methods("GET")
	wf.HandleFunc("/{id}/publish", s.HandlePublishWorkflow).Methods("POST")
	wf.HandleFunc("/{id}/runs", s.HandleTriggerRun).Methods("POST")
	wf.HandleFunc("/{id}/runs", s.HandleListRuns).Methods("GET")

	runs := router.PathPrefix("/runs").Subrouter()
	runs.Use(jsonMiddleware)
	runs.HandleFunc("/{id}", s.HandleGetRun).Methods("GET")
	runs.HandleFunc("/{id}/cancel", s.HandleCancelRun).Methods("POST")
	runs.HandleFunc("/{id}/resume", s.HandleResumeRun).Methods("POST")
	runs.HandleFunc("/{id}/retry", s.HandleRetryRun).Methods("POST")

	router.HandleFunc("/ws/runs/{id}", s.HandleStreamRun).Methods("GET")
}

// reqID extracts the request ID from context (set by requestIDMiddleware).
func reqID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey).(string)
	return id
}
