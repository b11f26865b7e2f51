// Package httpapi exposes the orchestrator's run/template CRUD, cancel,
// retry, and SSE event stream over plain net/http. Go 1.22 ServeMux
// method+path patterns cover the routing; no framework is needed for a
// surface this small.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"taskflow-orchestrator/internal/broker"
	"taskflow-orchestrator/internal/orchestrator"
	"taskflow-orchestrator/internal/store"
	"taskflow-orchestrator/pkg/log"
)

// Defaults are the config-level run-constraint fallbacks, merged under any
// constraints the caller supplies.
type Defaults struct {
	BudgetUSD               float64
	TimeoutS                int
	MaxSteps                int
	ReflectionIntervalSteps int
}

// Server wires the HTTP/SSE surface to a Repository, Broker, and Orchestrator.
type Server struct {
	Repo         store.Repository
	Broker       *broker.Broker
	Orchestrator *orchestrator.Orchestrator
	Defaults     Defaults
	Logger       *log.Logger
}

// Mux builds the http.Handler for every route this server exposes.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /runs", s.listRuns)
	mux.HandleFunc("POST /runs", s.createRun)
	mux.HandleFunc("GET /runs/{id}", s.getRun)
	mux.HandleFunc("POST /runs/{id}/cancel", s.cancelRun)
	mux.HandleFunc("POST /runs/{id}/retry", s.retryRun)
	mux.HandleFunc("GET /runs/{id}/events", s.streamEvents)
	mux.HandleFunc("GET /templates", s.listTemplates)
	mux.HandleFunc("POST /templates", s.upsertTemplate)
	mux.HandleFunc("GET /healthz", s.healthz)
	return mux
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// runSummary is the list/detail response shape: constraints merged with
// defaults for any field the run itself leaves unset.
type runSummary struct {
	ID          string            `json:"id"`
	Task        string            `json:"task"`
	TemplateID  string            `json:"template_id,omitempty"`
	Status      store.RunStatus   `json:"status"`
	Constraints store.Constraints `json:"constraints"`
	CreatedAt   string            `json:"created_at"`
	StartedAt   string            `json:"started_at,omitempty"`
	EndedAt     string            `json:"ended_at,omitempty"`
	Totals      store.Totals      `json:"totals"`
}

func (s *Server) toSummary(r *store.Run) runSummary {
	constraints := r.Constraints
	if constraints.BudgetUSD == 0 {
		constraints.BudgetUSD = s.Defaults.BudgetUSD
	}
	if constraints.TimeoutS == 0 {
		constraints.TimeoutS = s.Defaults.TimeoutS
	}
	if constraints.MaxSteps == 0 {
		constraints.MaxSteps = s.Defaults.MaxSteps
	}
	if constraints.ReflectionIntervalSteps == 0 {
		constraints.ReflectionIntervalSteps = s.Defaults.ReflectionIntervalSteps
	}
	return runSummary{
		ID:          r.ID,
		Task:        r.Task,
		TemplateID:  r.TemplateID,
		Status:      r.Status,
		Constraints: constraints,
		CreatedAt:   r.CreatedAt,
		StartedAt:   r.StartedAt,
		EndedAt:     r.EndedAt,
		Totals:      r.Totals,
	}
}

type runDetail struct {
	runSummary
	DAG         store.DAG          `json:"dag"`
	Diagnostics []store.Diagnostic `json:"diagnostics"`
	Steps       []*store.Step      `json:"steps"`
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.Repo.ListRuns(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]runSummary, len(runs))
	for i, run := range runs {
		out[i] = s.toSummary(run)
	}
	writeJSON(w, http.StatusOK, out)
}

type createRunRequest struct {
	Task        string             `json:"task"`
	TemplateID  string             `json:"template_id,omitempty"`
	Constraints *store.Constraints `json:"constraints,omitempty"`
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Task == "" {
		writeError(w, http.StatusBadRequest, "task is required")
		return
	}
	if req.TemplateID != "" {
		if _, err := s.Repo.GetTemplate(r.Context(), req.TemplateID); err != nil {
			writeError(w, http.StatusNotFound, "workflow template not found")
			return
		}
	}

	requestID := r.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = uuid.New().String()
	}

	constraints := store.Constraints{
		BudgetUSD: s.Defaults.BudgetUSD, TimeoutS: s.Defaults.TimeoutS,
		MaxSteps: s.Defaults.MaxSteps, ReflectionIntervalSteps: s.Defaults.ReflectionIntervalSteps,
	}
	if req.Constraints != nil {
		if req.Constraints.BudgetUSD != 0 {
			constraints.BudgetUSD = req.Constraints.BudgetUSD
		}
		if req.Constraints.TimeoutS != 0 {
			constraints.TimeoutS = req.Constraints.TimeoutS
		}
		if req.Constraints.MaxSteps != 0 {
			constraints.MaxSteps = req.Constraints.MaxSteps
		}
		if req.Constraints.ReflectionIntervalSteps != 0 {
			constraints.ReflectionIntervalSteps = req.Constraints.ReflectionIntervalSteps
		}
	}

	run := &store.Run{
		Task:        req.Task,
		TemplateID:  req.TemplateID,
		Constraints: constraints,
		Metadata:    map[string]any{"request_id": requestID},
	}
	if err := s.Repo.CreateRun(r.Context(), run); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	event := &store.Event{
		RunID: run.ID, EventType: "run_created",
		Payload: map[string]any{"task": req.Task, "template_id": req.TemplateID, "request_id": requestID},
	}
	if err := s.Repo.AppendEvent(r.Context(), event); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.Broker.Publish(event)

	s.Orchestrator.StartRun(run.ID)

	created, err := s.Repo.GetRun(r.Context(), run.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "run creation failed")
		return
	}
	writeJSON(w, http.StatusOK, s.toSummary(created))
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	run, err := s.Repo.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	steps, err := s.Repo.ListSteps(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, runDetail{
		runSummary:  s.toSummary(run),
		DAG:         run.DAG,
		Diagnostics: run.Diagnostics,
		Steps:       steps,
	})
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if _, err := s.Repo.GetRun(r.Context(), runID); err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	requestID := r.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = uuid.New().String()
	}
	if err := s.Orchestrator.RequestCancel(r.Context(), runID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	event := &store.Event{RunID: runID, EventType: "cancel_requested", Payload: map[string]any{"request_id": requestID}}
	if err := s.Repo.AppendEvent(r.Context(), event); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.Broker.Publish(event)

	refreshed, err := s.Repo.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "run disappeared after cancel request")
		return
	}
	writeJSON(w, http.StatusOK, s.toSummary(refreshed))
}

type retryRunRequest struct {
	StepID string `json:"step_id,omitempty"`
}

func (s *Server) retryRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if _, err := s.Repo.GetRun(r.Context(), runID); err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	var req retryRunRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	ok, err := s.Orchestrator.RetryRun(r.Context(), runID, req.StepID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "step not found for retry")
		return
	}

	refreshed, err := s.Repo.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "run disappeared after retry")
		return
	}
	writeJSON(w, http.StatusOK, s.toSummary(refreshed))
}

// streamEvents replays every stored event for the run, then tails the
// broker, sending a 15-second SSE keepalive comment when nothing new has
// arrived.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if _, err := s.Repo.GetRun(r.Context(), runID); err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	history, err := s.Repo.ListEvents(r.Context(), runID, "")
	if err != nil {
		return
	}
	for _, e := range history {
		if !writeSSEEvent(w, e) {
			return
		}
	}
	flusher.Flush()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Broker.Subscribe(ctx, runID)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case e, open := <-sub:
			if !open {
				return
			}
			if !writeSSEEvent(w, e) {
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, e *store.Event) bool {
	payload, err := json.Marshal(e)
	if err != nil {
		return false
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.EventType, payload)
	return err == nil
}

func (s *Server) listTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.Repo.ListTemplates(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, templates)
}

func (s *Server) upsertTemplate(w http.ResponseWriter, r *http.Request) {
	var t store.Template
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if t.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	if err := s.Repo.CreateTemplate(r.Context(), &t); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	saved, err := s.Repo.GetTemplate(r.Context(), t.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to persist workflow template")
		return
	}
	writeJSON(w, http.StatusOK, saved)
}
