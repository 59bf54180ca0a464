// Package gateway exposes the daemon's external surface: a REST API for
// briefs, reports, corrections and control, and a WebSocket feed per project.
package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/basket/go-conductor/internal/broadcaster"
	"github.com/basket/go-conductor/internal/bus"
	"github.com/basket/go-conductor/internal/correction"
	"github.com/basket/go-conductor/internal/estimator"
	"github.com/basket/go-conductor/internal/graph"
	"github.com/basket/go-conductor/internal/persistence"
	"github.com/basket/go-conductor/internal/scheduler"
	"github.com/basket/go-conductor/internal/shared"
	"github.com/basket/go-conductor/internal/trigger"
)

type Config struct {
	Store       *persistence.Store
	Bus         *bus.Bus
	Scheduler   *scheduler.Scheduler
	Builder     *graph.Builder
	Estimator   estimator.Estimator
	Corrections *correction.Manager
	Triggers    *trigger.Engine
	Broadcaster *broadcaster.Broadcaster
	Logger      *slog.Logger

	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of active config exposed in /v1/status.
	ConfigFingerprint string
}

type Server struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger.With("component", "gateway")}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ws", s.handleWS)

	mux.HandleFunc("/v1/status", s.handleStatus)
	mux.HandleFunc("/v1/projects", s.handleProjects)
	mux.HandleFunc("/v1/projects/", s.handleProjectSubpath)
	mux.HandleFunc("/v1/tasks/", s.handleTaskSubpath)
	mux.HandleFunc("/v1/corrections/", s.handleCorrectionSubpath)
	mux.HandleFunc("/v1/triggers/", s.handleTriggerSubpath)
	mux.HandleFunc("/v1/workers", s.handleWorkers)
	return mux
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return false
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && token == s.cfg.AuthToken
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// errorStatus maps the error taxonomy onto HTTP statuses.
func errorStatus(err error) int {
	var verr *shared.ValidationError
	var gerr *shared.GraphError
	switch {
	case errors.As(err, &verr), errors.As(err, &gerr):
		return http.StatusBadRequest
	case errors.Is(err, persistence.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, persistence.ErrIllegalTransition),
		errors.Is(err, persistence.ErrIllegalCorrectionTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if _, err := s.cfg.Store.ListActiveProjects(r.Context()); err != nil {
		dbOK = false
	}
	payload := map[string]any{
		"healthy":        dbOK,
		"db_ok":          dbOK,
		"dropped_events": s.cfg.Bus.Dropped(),
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	ctx := r.Context()
	projects, err := s.cfg.Store.ListActiveProjects(ctx)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	workers, err := s.cfg.Store.ListWorkers(ctx)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	idle := 0
	for _, worker := range workers {
		if worker.Availability == persistence.WorkerIdle {
			idle++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"healthy":         true,
		"active_projects": len(projects),
		"worker_count":    len(workers),
		"idle_workers":    idle,
		"config_hash":     s.cfg.ConfigFingerprint,
		"dropped_events":  s.cfg.Bus.Dropped(),
	})
}

// handleProjects accepts a brief and returns the planned project.
func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var p struct {
		Brief       string   `json:"brief"`
		Features    []string `json:"features"`
		Complexity  int      `json:"complexity"`
		ExpectedLOC int      `json:"expected_loc"`
	}
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(p.Brief) == "" {
		writeError(w, http.StatusBadRequest, "brief must be non-empty")
		return
	}
	ctx := r.Context()

	projectID, err := s.cfg.Store.CreateProject(ctx, p.Brief, persistence.ProjectPlanning)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	tasks, err := s.cfg.Builder.Build(projectID, graph.Brief{
		Text:       p.Brief,
		Features:   p.Features,
		Complexity: p.Complexity,
	})
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	if err := s.cfg.Store.InsertGraph(ctx, projectID, tasks); err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	if err := s.cfg.Store.SetProjectStatus(ctx, projectID, persistence.ProjectExecution); err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	result := map[string]any{
		"project_id": projectID,
		"task_count": len(tasks),
	}
	// Advisory only; estimation failures never block intake.
	if s.cfg.Estimator != nil {
		loc := p.ExpectedLOC
		if loc <= 0 {
			loc = 100 * len(tasks)
		}
		if est, err := s.cfg.Estimator.Estimate(estimator.Input{
			ExpectedLOC: loc,
			Complexity:  p.Complexity,
			Delivery:    estimator.DeliveryFeature,
		}); err == nil {
			result["estimate"] = est
		}
	}

	s.cfg.Scheduler.StartProject(ctx, projectID)
	s.cfg.Scheduler.Kick(projectID)
	s.logger.Info("brief accepted", "project_id", projectID, "tasks", len(tasks))
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleProjectSubpath(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/projects/")
	parts := strings.SplitN(rest, "/", 2)
	projectID := parts[0]
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project id required")
		return
	}
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}
	ctx := r.Context()

	switch {
	case action == "" && r.Method == http.MethodGet:
		project, err := s.cfg.Store.GetProject(ctx, projectID)
		if err != nil {
			writeError(w, errorStatus(err), err.Error())
			return
		}
		tasks, err := s.cfg.Store.ListProjectTasks(ctx, projectID)
		if err != nil {
			writeError(w, errorStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"project": project, "tasks": tasks})

	case action == "pause" && r.Method == http.MethodPost:
		if err := s.cfg.Scheduler.PauseProject(ctx, projectID); err != nil {
			writeError(w, errorStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"project_id": projectID, "paused": true})

	case action == "resume" && r.Method == http.MethodPost:
		if err := s.cfg.Scheduler.ResumeProject(ctx, projectID); err != nil {
			writeError(w, errorStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"project_id": projectID, "resumed": true})

	case action == "corrections" && r.Method == http.MethodPost:
		var p struct {
			Text string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		id, interpretation, err := s.cfg.Corrections.Submit(ctx, projectID, p.Text)
		if err != nil {
			writeError(w, errorStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"correction_id":  id,
			"interpretation": interpretation,
			"state":          persistence.CorrectionProposed,
		})

	case action == "corrections" && r.Method == http.MethodGet:
		items, err := s.cfg.Corrections.List(ctx, projectID)
		if err != nil {
			writeError(w, errorStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"corrections": items})

	case action == "triggers" && r.Method == http.MethodGet:
		events, err := s.cfg.Store.ListTriggerEvents(ctx, projectID)
		if err != nil {
			writeError(w, errorStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"triggers": events})

	case action == "activity" && r.Method == http.MethodGet:
		fromSeq, _ := strconv.ParseInt(r.URL.Query().Get("from_seq"), 10, 64)
		entries, err := s.cfg.Store.ListActivityFrom(ctx, projectID, fromSeq, 1000)
		if err != nil {
			writeError(w, errorStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"activity": entries})

	default:
		writeError(w, http.StatusNotFound, "unknown route")
	}
}

func (s *Server) handleTaskSubpath(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/tasks/")
	parts := strings.SplitN(rest, "/", 2)
	taskID := parts[0]
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task id required")
		return
	}

	switch {
	case len(parts) == 2 && parts[1] == "report" && r.Method == http.MethodPost:
		s.handleTaskReport(w, r, taskID)
	case len(parts) == 1 && r.Method == http.MethodGet:
		task, err := s.cfg.Store.GetTask(r.Context(), taskID)
		if err != nil {
			writeError(w, errorStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, task)
	default:
		writeError(w, http.StatusNotFound, "unknown route")
	}
}

func (s *Server) handleCorrectionSubpath(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/corrections/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "correction id and action required")
		return
	}
	correctionID := parts[0]
	ctx := r.Context()

	switch parts[1] {
	case "confirm":
		req, err := s.cfg.Corrections.Confirm(ctx, correctionID)
		if err != nil {
			writeError(w, errorStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"correction_id":  req.ID,
			"state":          req.State,
			"linked_task_id": req.LinkedTaskID,
		})
	case "reject":
		if err := s.cfg.Corrections.Reject(ctx, correctionID); err != nil {
			writeError(w, errorStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"correction_id": correctionID,
			"state":         persistence.CorrectionRejected,
		})
	default:
		writeError(w, http.StatusNotFound, "unknown route")
	}
}

func (s *Server) handleTriggerSubpath(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/triggers/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[1] != "ack" || parts[0] == "" {
		writeError(w, http.StatusNotFound, "unknown route")
		return
	}
	if err := s.cfg.Triggers.Acknowledge(r.Context(), parts[0]); err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trigger_id": parts[0], "resolved": true})
}

// handleWorkers registers or refreshes a worker.
func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	switch r.Method {
	case http.MethodPost:
		var p struct {
			WorkerID     string   `json:"worker_id"`
			Capabilities []string `json:"capabilities"`
		}
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.WorkerID == "" || len(p.Capabilities) == 0 {
			writeError(w, http.StatusBadRequest, "worker_id and capabilities required")
			return
		}
		if err := s.cfg.Store.UpsertWorker(r.Context(), p.WorkerID, p.Capabilities); err != nil {
			writeError(w, errorStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"worker_id": p.WorkerID, "registered": true})
	case http.MethodGet:
		workers, err := s.cfg.Store.ListWorkers(r.Context())
		if err != nil {
			writeError(w, errorStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"workers": workers})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}
