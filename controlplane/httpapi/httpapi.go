// Package httpapi mounts the client-facing REST surface on a chi router.
// Only the handlers backed by this module's core engine (starting a turn,
// reading workflow status, inspecting and requeuing the dead-letter queue)
// are real; agent and session CRUD, auth, the session virtual filesystem,
// and LLM provider management name resources this module does not own and
// are mounted as fixed 501 stubs so the route table stays complete.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"goa.design/durable/enginestore"
	"goa.design/durable/executor"
)

// Server holds the dependencies the live handlers need. StartTurn starts a
// turn workflow for a session and must return quickly with the created
// workflow id rather than block on the turn completing.
type Server struct {
	Store     enginestore.Store
	Executor  *executor.Executor
	StartTurn func(r *http.Request, agentID, sessionID, message string) (string, error)
}

// Router builds the chi router mounting the full route table.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/agents/{agentID}/sessions/{sessionID}/messages", func(r chi.Router) {
			r.Post("/", s.createMessage)
			r.Get("/", notImplemented)
		})
		r.Get("/workflows/{workflowID}", s.getWorkflow)
		r.Route("/dlq", func(r chi.Router) {
			r.Get("/", s.listDLQ)
			r.Post("/{taskID}/requeue", s.requeueDLQ)
		})

		stubs := []string{
			"/agents", "/agents/{id}",
			"/agents/{id}/sessions", "/agents/{id}/sessions/{sid}",
			"/agents/{id}/sessions/{sid}/events",
			"/agents/{id}/sessions/{sid}/fs", "/agents/{id}/sessions/{sid}/fs/*",
			"/llm-providers", "/llm-providers/{id}", "/llm-providers/{id}/models", "/llm-models",
			"/auth/config", "/auth/login", "/auth/register", "/auth/refresh", "/auth/logout",
			"/auth/me", "/auth/api-keys", "/auth/oauth/{provider}", "/auth/callback/{provider}",
		}
		for _, path := range stubs {
			r.Handle(path, http.HandlerFunc(notImplemented))
		}
	})
	return r
}

func notImplemented(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotImplemented, "resource managed outside this module")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

type createMessageRequest struct {
	Content string `json:"content"`
}

type createMessageResponse struct {
	WorkflowID string `json:"workflow_id"`
}

// createMessage implements "POST /v1/agents/{id}/sessions/{sid}/messages":
// it triggers the per-session workflow and returns promptly.
func (s *Server) createMessage(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	sessionID := chi.URLParam(r, "sessionID")

	var req createMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	workflowID, err := s.StartTurn(r, agentID, sessionID, req.Content)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(createMessageResponse{WorkflowID: workflowID})
}

// getWorkflow implements "GET /v1/workflows/{id}": a status read directly
// against the Event Store, used by clients polling for turn completion.
func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workflowID")
	instance, err := s.Store.GetWorkflow(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(instance)
}

// listDLQ implements an operator-facing DLQ listing, wrapping results in
// the "{data: [...]}" list convention.
func (s *Server) listDLQ(w http.ResponseWriter, r *http.Request) {
	entries, err := s.Store.ListDLQ(r.Context(), r.URL.Query().Get("workflow_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"data": entries})
}

// requeueDLQ implements an operator-facing DLQ requeue, delegating to the
// same taskqueue.Requeue semantics a worker-pool operator CLI would use.
func (s *Server) requeueDLQ(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	task, err := s.Store.RequeueFromDLQ(r.Context(), taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(task)
}
