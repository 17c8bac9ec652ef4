// Package api serves the operator control surface: health, metrics, chain
// and task inspection, and the manual task operations.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lucid-vigil/vigil/pkg/correlation"
	vigilerrors "github.com/lucid-vigil/vigil/pkg/errors"
	"github.com/lucid-vigil/vigil/pkg/experience"
	"github.com/lucid-vigil/vigil/pkg/graph"
	"github.com/lucid-vigil/vigil/pkg/metrics"
	"github.com/lucid-vigil/vigil/pkg/orchestrator"
)

// ChainReader exposes behavior chains.
type ChainReader interface {
	Chain(id string) (correlation.Chain, bool)
	OpenChains() []correlation.Chain
	FailedChains() []correlation.Chain
	DismissFailed(id, actor string) (correlation.Chain, error)
}

// TaskController exposes response tasks and their manual operations.
type TaskController interface {
	Task(id string) (orchestrator.Task, bool)
	Tasks(f orchestrator.Filter) []orchestrator.Task
	Pending() []orchestrator.Task
	Approve(id, actor string) (orchestrator.Task, error)
	Reject(id, actor string, falsePositive bool) (orchestrator.Task, error)
	Cancel(id, actor string) (orchestrator.Task, error)
	Execute(id, actor string) (orchestrator.Task, error)
	Stats() orchestrator.Stats
}

// ExperienceReader exposes recorded outcomes.
type ExperienceReader interface {
	Recent(ctx context.Context, limit int) ([]experience.Record, error)
	Stats() experience.Stats
}

// GraphReader exposes graph statistics.
type GraphReader interface {
	Stats() graph.Stats
}

// Deps are the components the API reads from and drives.
type Deps struct {
	Chains     ChainReader
	Tasks      TaskController
	Experience ExperienceReader
	Graph      GraphReader
	// Status returns the engine-wide stats document. Optional.
	Status func() any
}

// TaskAction is the body accepted by the task operations.
type TaskAction struct {
	Actor         string `json:"actor"`
	FalsePositive bool   `json:"false_positive"`
}

const maxBodyBytes = 64 << 10

// Server is the control API.
type Server struct {
	router  *mux.Router
	deps    Deps
	metrics *metrics.Registry
	logger  zerolog.Logger
	srv     *http.Server
}

// NewServer creates the API. reg may be nil, in which case /metrics is not
// served.
func NewServer(port string, deps Deps, reg *metrics.Registry, logger zerolog.Logger) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		deps:    deps,
		metrics: reg,
		logger:  logger.With().Str("component", "api").Logger(),
	}
	s.setupRoutes()
	s.srv = &http.Server{
		Addr:              ":" + port,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.recoveryMiddleware)
	s.router.Use(s.metricsMiddleware)

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.GetPrometheusRegistry(), promhttp.HandlerOpts{})).
			Methods(http.MethodGet)
	}

	v1 := s.router.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	v1.HandleFunc("/chains", s.handleListChains).Methods(http.MethodGet)
	v1.HandleFunc("/chains/failed", s.handleFailedChains).Methods(http.MethodGet)
	v1.HandleFunc("/chains/{id}", s.handleGetChain).Methods(http.MethodGet)
	v1.HandleFunc("/chains/{id}/dismiss", s.handleDismissChain).Methods(http.MethodPost)

	v1.HandleFunc("/tasks", s.handleListTasks).Methods(http.MethodGet)
	v1.HandleFunc("/tasks/pending", s.handlePendingTasks).Methods(http.MethodGet)
	v1.HandleFunc("/tasks/{id}", s.handleGetTask).Methods(http.MethodGet)
	v1.HandleFunc("/tasks/{id}/{op:approve|reject|cancel|execute}", s.handleTaskOperation).Methods(http.MethodPost)

	v1.HandleFunc("/experience", s.handleRecentExperience).Methods(http.MethodGet)
	v1.HandleFunc("/experience/stats", s.handleExperienceStats).Methods(http.MethodGet)
	v1.HandleFunc("/graph/stats", s.handleGraphStats).Methods(http.MethodGet)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.srv.Addr).Msg("API server starting")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Status == nil {
		s.writeError(w, http.StatusNotFound, "stats not available")
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Status())
}

func (s *Server) handleListChains(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Chains.OpenChains())
}

func (s *Server) handleFailedChains(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Chains.FailedChains())
}

func (s *Server) handleGetChain(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	c, ok := s.deps.Chains.Chain(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "chain not found")
		return
	}
	s.writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDismissChain(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body TaskAction
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if body.Actor == "" {
		s.writeError(w, http.StatusBadRequest, "missing required field: actor")
		return
	}

	c, err := s.deps.Chains.DismissFailed(id, body.Actor)
	switch {
	case errors.Is(err, correlation.ErrChainNotFailed):
		if _, ok := s.deps.Chains.Chain(id); !ok {
			s.writeError(w, http.StatusNotFound, "chain not found")
			return
		}
		s.writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.logger.Error().Err(err).Str("chain_id", id).Msg("Chain dismissal failed")
		s.writeError(w, http.StatusInternalServerError, "chain dismissal failed")
	default:
		s.writeJSON(w, http.StatusOK, c)
	}
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f orchestrator.Filter
	if raw := q.Get("state"); raw != "" {
		st, ok := orchestrator.ParseTaskState(raw)
		if !ok {
			s.writeError(w, http.StatusBadRequest, "unknown task state "+strconv.Quote(raw))
			return
		}
		f.State = st
	}
	f.Target = graph.NodeID(q.Get("target"))
	f.Chain = q.Get("chain")
	s.writeJSON(w, http.StatusOK, s.deps.Tasks.Tasks(f))
}

func (s *Server) handlePendingTasks(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Tasks.Pending())
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, ok := s.deps.Tasks.Task(mux.Vars(r)["id"])
	if !ok {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleTaskOperation(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, op := vars["id"], vars["op"]

	var body TaskAction
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if body.Actor == "" {
		s.writeError(w, http.StatusBadRequest, "missing required field: actor")
		return
	}

	var (
		task orchestrator.Task
		err  error
	)
	switch op {
	case "approve":
		task, err = s.deps.Tasks.Approve(id, body.Actor)
	case "reject":
		task, err = s.deps.Tasks.Reject(id, body.Actor, body.FalsePositive)
	case "cancel":
		task, err = s.deps.Tasks.Cancel(id, body.Actor)
	case "execute":
		task, err = s.deps.Tasks.Execute(id, body.Actor)
	}

	switch {
	case errors.Is(err, orchestrator.ErrTaskNotFound):
		s.writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, vigilerrors.ErrInvalidStateTransition):
		s.writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.logger.Error().Err(err).Str("task_id", id).Str("op", op).Msg("Task operation failed")
		s.writeError(w, http.StatusInternalServerError, "task operation failed")
	default:
		s.logger.Info().Str("task_id", id).Str("op", op).Str("actor", body.Actor).
			Str("state", string(task.State)).Msg("Task operation applied")
		s.writeJSON(w, http.StatusOK, task)
	}
}

func (s *Server) handleRecentExperience(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	records, err := s.deps.Experience.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read experience log")
		s.writeError(w, http.StatusInternalServerError, "failed to read experience log")
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleExperienceStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Experience.Stats())
}

func (s *Server) handleGraphStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Graph.Stats())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
