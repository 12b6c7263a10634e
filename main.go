package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/flowforge/workflows/pkg/clients/email"
	"github.com/flowforge/workflows/pkg/clients/httpx"
	"github.com/flowforge/workflows/pkg/db"
	"github.com/flowforge/workflows/services/engine"
	"github.com/flowforge/workflows/services/events"
	"github.com/flowforge/workflows/services/steps"
	"github.com/flowforge/workflows/services/storage"
	"github.com/flowforge/workflows/services/workflow"
)

func main() {
	ctx := context.Background()
	logHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	slog.SetDefault(slog.New(logHandler))

	dbURL, ok := os.LookupEnv("DATABASE_URL")
	if !ok {
		slog.Error("DATABASE_URL is not set")
		return
	}

	dbCfg := db.DefaultConfig(dbURL)
	pool, err := db.Connect(ctx, dbCfg)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		return
	}
	defer pool.Close()

	pgStore, err := storage.New(pool)
	if err != nil {
		slog.Error("Failed to create store instance", "error", err)
		return
	}

	persister := storage.NewEventPersister(pgStore)
	bus := events.New(persister)
	bus.AddListener(func(evt events.Event) {
		slog.Info("event emitted", "run_id", evt.RunID, "event_type", evt.EventType, "step_id", evt.StepID)
	})

	registry := steps.NewRegistry()
	httpClient := httpx.NewStdClient(nil)
	emailClient := email.NewStubClient("workflows@example.com")
	registry.Register(steps.NewHTTPRequestHandler(httpClient))
	registry.Register(steps.NewWebhookHandler(httpClient))
	registry.Register(steps.NewTransformHandler())
	registry.Register(steps.NewDelayHandler())
	registry.Register(steps.NewSendEmailHandler(emailClient))
	registry.Register(steps.NewDatabaseQueryHandler(nil))
	registry.Register(steps.NewLLMCallHandler(steps.StubLLMClient{}))
	registry.Register(steps.NewInlineCodeHandler())

	eng := engine.New(pgStore, bus, registry, engine.WithMaxConcurrency(10))

	workflowService, err := workflow.NewService(pgStore, bus, eng, registry)
	if err != nil {
		slog.Error("Failed to create workflow service", "error", err)
		return
	}

	mainRouter := mux.NewRouter()
	apiRouter := mainRouter.PathPrefix("/api/v1").Subrouter()
	workflowService.LoadRoutes(apiRouter)

	corsHandler := handlers.CORS(
		handlers.AllowedOrigins([]string{"http://localhost:3003"}),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		handlers.AllowCredentials(),
	)(mainRouter)

	srv := &http.Server{
		Addr:    ":8080",
		Handler: corsHandler,
	}

	serverErrors := make(chan error, 1)

	go func() {
		slog.Info("Starting server on :8080")
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		slog.Error("Server error", "error", err)

	case sig := <-shutdown:
		slog.Info("Shutdown signal received", "signal", sig)

		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Could not stop server gracefully", "error", err)
			srv.Close()
		}
	}
}
