// Command controlplane serves the client-facing REST surface over the
// shared event store: starting agent turns, reading workflow status, and
// inspecting/requeuing the dead-letter queue. It does not run any activity
// handlers itself — that is cmd/worker's job — so the two tiers scale and
// deploy independently, with all coordination flowing through the store.
//
// Environment variables: see goa.design/durable/config.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"goa.design/clue/log"

	"goa.design/durable/agentturn"
	"goa.design/durable/config"
	"goa.design/durable/controlplane/httpapi"
	"goa.design/durable/enginestore/mongostore"
	"goa.design/durable/executor"
	"goa.design/durable/registry"
	"goa.design/durable/telemetry"
)

func main() {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if err := run(ctx); err != nil {
		log.Fatalf(ctx, err, "control plane exited")
	}
}

func run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	store, client, err := mongostore.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
	if err != nil {
		return err
	}
	defer func() { _ = client.Disconnect(ctx) }()

	reg := registry.New()
	if err := reg.Register("agent_turn_workflow", agentturn.NewTurnWorkflow); err != nil {
		return err
	}
	if err := reg.Register("agent_session_workflow", agentturn.NewSessionWorkflow); err != nil {
		return err
	}

	exec := executor.New(store, reg, telemetry.NewClueLogger(), telemetry.NewClueMetrics(), telemetry.NewClueTracer())

	srv := &httpapi.Server{
		Store:     store,
		Executor:  exec,
		StartTurn: startTurn(exec),
	}

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: srv.Router()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Print(ctx, log.KV{K: "msg", V: "control plane listening"}, log.KV{K: "addr", V: cfg.HTTPAddr})
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// startTurn builds the StartTurn callback wired into
// controlplane/httpapi.Server: it starts an agent_turn_workflow for one
// user message and returns immediately with the new workflow id, without
// waiting for the turn to complete.
func startTurn(exec *executor.Executor) func(r *http.Request, agentID, sessionID, message string) (string, error) {
	return func(r *http.Request, agentID, sessionID, message string) (string, error) {
		input, err := json.Marshal(agentturn.Input{AgentID: agentID, SessionID: sessionID, Message: message})
		if err != nil {
			return "", fmt.Errorf("marshal turn input: %w", err)
		}
		workflowID, _, err := exec.StartWorkflow(r.Context(), "agent_turn_workflow", input)
		if err != nil {
			return "", err
		}
		return workflowID, nil
	}
}
