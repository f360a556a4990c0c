package tunerd

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/GoSim-25-26J-441/optics-tuner/internal/device"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/manager"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/objective"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/optimizer"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/params"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/solver"
	"github.com/GoSim-25-26J-441/optics-tuner/pkg/logger"
	"github.com/GoSim-25-26J-441/optics-tuner/pkg/utils"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/protobuf/encoding/protojson"
)

type HTTPServer struct {
	router   *mux.Router
	store    *RunStore
	executor *Executor
	manager  *manager.Manager
	layer    device.ControlLayer
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

type ServerOption func(*HTTPServer)

// WithControlLayer enables POST /v1/upload
func WithControlLayer(layer device.ControlLayer) ServerOption {
	return func(s *HTTPServer) { s.layer = layer }
}

// WithGatherer selects the registry served on /metrics
func WithGatherer(g prometheus.Gatherer) ServerOption {
	return func(s *HTTPServer) { s.gatherer = g }
}

func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *HTTPServer) { s.logger = l }
}

func NewHTTPServer(store *RunStore, executor *Executor, m *manager.Manager, opts ...ServerOption) *HTTPServer {
	s := &HTTPServer{
		router:   mux.NewRouter(),
		store:    store,
		executor: executor,
		manager:  m,
		gatherer: prometheus.DefaultGatherer,
		logger:   logger.Component("http"),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := s.router
	r.Use(s.logRequests)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/parameters", s.handleListParameters).Methods(http.MethodGet)
	v1.HandleFunc("/parameters/{name}", s.handlePatchParameter).Methods(http.MethodPatch)
	v1.HandleFunc("/objectives", s.handleListObjectives).Methods(http.MethodGet)
	v1.HandleFunc("/objectives/{name}", s.handlePatchObjective).Methods(http.MethodPatch)
	v1.HandleFunc("/runs", s.handleListRuns).Methods(http.MethodGet)
	v1.HandleFunc("/runs", s.handleCreateRun).Methods(http.MethodPost)
	v1.HandleFunc("/runs/{id}", s.handleGetRun).Methods(http.MethodGet)
	v1.HandleFunc("/runs/{id}/stop", s.handleStopRun).Methods(http.MethodPost)
	v1.HandleFunc("/evaluate", s.handleEvaluate).Methods(http.MethodPost)
	v1.HandleFunc("/solution", s.handleGetSolution).Methods(http.MethodGet)
	v1.HandleFunc("/solution/import", s.handleImportSolution).Methods(http.MethodPost)
	v1.HandleFunc("/solution/report", s.handleSolutionReport).Methods(http.MethodGet)
	v1.HandleFunc("/upload", s.handleUpload).Methods(http.MethodPost)
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

func (s *HTTPServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start))
	})
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	beamline := ""
	if b := s.manager.Beamline(); b != nil {
		beamline = b.ID
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"beamline":   beamline,
		"active_run": s.executor.Active(),
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}

// number maps NaN and infinities to JSON null
func number(v float64) any {
	if !utils.IsFinite(v) {
		return nil
	}
	return v
}

func parameterJSON(p *params.LiveParameter) map[string]any {
	control := any(nil)
	if p.IsControlConnected() {
		control = number(p.ControlValue())
	}
	return map[string]any{
		"name":     p.Core().Name(),
		"id":       p.Name(),
		"node":     p.Node().ID(),
		"position": p.Position(),
		"source":   p.ActiveSource().String(),
		"variable": p.IsVariable(),
		"design":   number(p.DesignValue()),
		"initial":  number(p.InitialValue()),
		"custom":   number(p.CustomValue()),
		"lower":    number(p.LowerLimit()),
		"upper":    number(p.UpperLimit()),
		"control":  control,
	}
}

// handleListParameters handles GET /v1/parameters
func (s *HTTPServer) handleListParameters(w http.ResponseWriter, _ *http.Request) {
	live := s.manager.Store().LiveParameters()
	out := make([]map[string]any, 0, len(live))
	for _, p := range live {
		out = append(out, parameterJSON(p))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"parameters": out})
}

type parameterPatch struct {
	Source      *string  `json:"source"`
	Variable    *bool    `json:"variable"`
	CustomValue *float64 `json:"custom_value"`
	LowerLimit  *float64 `json:"lower_limit"`
	UpperLimit  *float64 `json:"upper_limit"`
}

func (req parameterPatch) apply(p *params.LiveParameter) error {
	if req.Source != nil {
		src, err := params.ParseSource(*req.Source)
		if err != nil {
			return err
		}
		if err := p.SetActiveSource(src); err != nil {
			return err
		}
	}
	if req.CustomValue != nil {
		if err := p.SetCustomValue(*req.CustomValue); err != nil {
			return err
		}
	}
	if req.LowerLimit != nil {
		if err := p.SetLowerLimit(*req.LowerLimit); err != nil {
			return err
		}
	}
	if req.UpperLimit != nil {
		if err := p.SetUpperLimit(*req.UpperLimit); err != nil {
			return err
		}
	}
	if req.Variable != nil {
		return p.SetIsVariable(*req.Variable)
	}
	return nil
}

// handlePatchParameter handles PATCH /v1/parameters/{name}. Values are
// physical, interpreted through the core's first live parameter.
func (s *HTTPServer) handlePatchParameter(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	core, ok := s.manager.Store().CoreParameter(name)
	if !ok {
		s.writeError(w, http.StatusNotFound, "parameter not found: "+name)
		return
	}
	var req parameterPatch
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	live := core.LiveParameters()
	if err := req.apply(live[0]); err != nil {
		switch {
		case errors.Is(err, params.ErrFrozen):
			s.writeError(w, http.StatusConflict, err.Error())
		default:
			s.writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	out := make([]map[string]any, 0, len(live))
	for _, p := range live {
		out = append(out, parameterJSON(p))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"parameters": out})
}

func objectiveJSON(o *objective.Objective) map[string]any {
	return map[string]any{
		"name":      o.Name(),
		"label":     o.Label(),
		"enabled":   o.Enabled(),
		"target":    number(o.Target()),
		"tolerance": number(o.Tolerance()),
	}
}

// currentOptimizer writes the error response itself when no optimizer is available
func (s *HTTPServer) currentOptimizer(w http.ResponseWriter) (*optimizer.Optimizer, bool) {
	opt, err := s.manager.Optimizer()
	if err != nil {
		if errors.Is(err, manager.ErrNoBeamline) {
			s.writeError(w, http.StatusPreconditionFailed, err.Error())
		} else {
			s.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return nil, false
	}
	return opt, true
}

// handleListObjectives handles GET /v1/objectives
func (s *HTTPServer) handleListObjectives(w http.ResponseWriter, _ *http.Request) {
	opt, ok := s.currentOptimizer(w)
	if !ok {
		return
	}
	objs := opt.Session().Objectives()
	out := make([]map[string]any, 0, len(objs))
	for _, o := range objs {
		out = append(out, objectiveJSON(o))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"objectives": out})
}

// handlePatchObjective handles PATCH /v1/objectives/{name}
func (s *HTTPServer) handlePatchObjective(w http.ResponseWriter, r *http.Request) {
	opt, ok := s.currentOptimizer(w)
	if !ok {
		return
	}
	name := mux.Vars(r)["name"]
	obj, ok := opt.Session().Objective(name)
	if !ok {
		s.writeError(w, http.StatusNotFound, "objective not found: "+name)
		return
	}
	var req struct {
		Enabled   *bool    `json:"enabled"`
		Target    *float64 `json:"target"`
		Tolerance *float64 `json:"tolerance"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Tolerance != nil && *req.Tolerance <= 0 {
		s.writeError(w, http.StatusBadRequest, "tolerance must be positive")
		return
	}

	if req.Enabled != nil {
		obj.SetEnabled(*req.Enabled)
	}
	if req.Target != nil {
		obj.SetTarget(*req.Target)
	}
	if req.Tolerance != nil {
		obj.SetTolerance(*req.Tolerance)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"objective": objectiveJSON(obj)})
}

func runJSON(run Run) map[string]any {
	return map[string]any{
		"id":                 run.ID,
		"status":             run.Status,
		"created_at_unix_ms": run.CreatedAtUnixMs,
		"started_at_unix_ms": run.StartedAtUnixMs,
		"ended_at_unix_ms":   run.EndedAtUnixMs,
		"duration_seconds":   run.Input.DurationSeconds,
		"evaluations":        run.Evaluations,
		"best_satisfaction":  number(run.BestSatisfaction),
		"error":              run.Error,
	}
}

// handleListRuns handles GET /v1/runs with pagination and a status filter
func (s *HTTPServer) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if parsed, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && parsed > 0 {
		limit = min(parsed, 1000)
	}
	offset := 0
	if parsed, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && parsed >= 0 {
		offset = parsed
	}
	var status RunStatus
	if name := r.URL.Query().Get("status"); name != "" {
		parsed, ok := ParseRunStatus(name)
		if !ok {
			s.writeError(w, http.StatusBadRequest, "unknown status: "+name)
			return
		}
		status = parsed
	}

	runs := s.store.List(limit, offset, status)
	out := make([]map[string]any, 0, len(runs))
	for _, run := range runs {
		out = append(out, runJSON(run))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"runs": out,
		"pagination": map[string]any{
			"limit":  limit,
			"offset": offset,
			"count":  len(runs),
		},
	})
}

// handleCreateRun handles POST /v1/runs; the run starts immediately
func (s *HTTPServer) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RunID string `json:"run_id,omitempty"`
		RunInput
		CallbackSecret string `json:"callback_secret,omitempty"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	if req.DurationSeconds < 0 {
		s.writeError(w, http.StatusBadRequest, "duration_seconds must not be negative")
		return
	}
	if active := s.executor.Active(); active != "" {
		s.writeError(w, http.StatusConflict, ErrRunActive.Error()+": "+active)
		return
	}
	if _, ok := s.currentOptimizer(w); !ok {
		return
	}

	req.RunInput.CallbackSecret = req.CallbackSecret
	run, err := s.store.Create(req.RunID, req.RunInput)
	if err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	started, err := s.executor.Start(run.ID)
	if err != nil {
		if _, setErr := s.store.SetStatus(run.ID, StatusFailed, err.Error()); setErr != nil {
			s.logger.Error("failed to set failed status", "run_id", run.ID, "error", setErr)
		}
		if errors.Is(err, ErrRunActive) {
			s.writeError(w, http.StatusConflict, err.Error())
		} else {
			s.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	s.logger.Info("run created", "run_id", run.ID)
	s.writeJSON(w, http.StatusCreated, map[string]any{"run": runJSON(started)})
}

// handleGetRun handles GET /v1/runs/{id}
func (s *HTTPServer) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.store.Get(mux.Vars(r)["id"])
	if !ok {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"run": runJSON(run)})
}

// handleStopRun handles POST /v1/runs/{id}/stop
func (s *HTTPServer) handleStopRun(w http.ResponseWriter, r *http.Request) {
	updated, err := s.executor.Stop(mux.Vars(r)["id"])
	if err != nil {
		switch {
		case errors.Is(err, ErrRunNotFound):
			s.writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, ErrRunTerminal):
			s.writeError(w, http.StatusConflict, err.Error())
		default:
			s.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"run": runJSON(updated)})
}

func solutionJSON(trial *solver.Trial) map[string]any {
	scores := make(map[string]any)
	for name, score := range trial.Scores() {
		scores[name] = map[string]any{
			"value":        number(score.Value),
			"satisfaction": score.Satisfaction,
		}
	}
	return map[string]any{
		"satisfaction": number(trial.Satisfaction()),
		"variables":    trial.Point(),
		"scores":       scores,
	}
}

// handleEvaluate handles POST /v1/evaluate: scores the current initial values
func (s *HTTPServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	opt, ok := s.currentOptimizer(w)
	if !ok {
		return
	}
	if err := opt.EvaluateInitialPoint(r.Context()); err != nil {
		if errors.Is(err, optimizer.ErrRunInProgress) {
			s.writeError(w, http.StatusConflict, err.Error())
		} else {
			s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		}
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"solution": solutionJSON(opt.BestSolution())})
}

// handleGetSolution handles GET /v1/solution
func (s *HTTPServer) handleGetSolution(w http.ResponseWriter, _ *http.Request) {
	opt, ok := s.currentOptimizer(w)
	if !ok {
		return
	}
	best := opt.BestSolution()
	if best == nil {
		s.writeError(w, http.StatusNotFound, optimizer.ErrNoSolution.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"solution": solutionJSON(best)})
}

// handleImportSolution handles POST /v1/solution/import: copies the best
// solution into the custom values
func (s *HTTPServer) handleImportSolution(w http.ResponseWriter, _ *http.Request) {
	if !s.manager.CanExportOptimalResults() {
		s.writeError(w, http.StatusNotFound, optimizer.ErrNoSolution.Error())
		return
	}
	if err := s.manager.ImportOptimalValues(); err != nil {
		if errors.Is(err, params.ErrFrozen) {
			s.writeError(w, http.StatusConflict, err.Error())
		} else {
			s.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	s.handleListParameters(w, nil)
}

// handleSolutionReport handles GET /v1/solution/report. format=text gives the
// tab separated export, anything else the JSON report.
func (s *HTTPServer) handleSolutionReport(w http.ResponseWriter, r *http.Request) {
	if !s.manager.CanExportOptimalResults() {
		s.writeError(w, http.StatusNotFound, optimizer.ErrNoSolution.Error())
		return
	}
	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if err := s.manager.ExportOptimalResults(w); err != nil {
			s.logger.Error("failed to export optimal results", "error", err)
		}
		return
	}

	opt, ok := s.currentOptimizer(w)
	if !ok {
		return
	}
	report, err := opt.ObjectiveReport()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	body, err := protojson.Marshal(report)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// handleUpload handles POST /v1/upload. Without a parameter list every
// uploadable parameter is written.
func (s *HTTPServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.layer == nil {
		s.writeError(w, http.StatusServiceUnavailable, "no control layer configured")
		return
	}
	var req struct {
		Parameters []string `json:"parameters"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	store := s.manager.Store()
	var selected []*params.LiveParameter
	if len(req.Parameters) == 0 {
		selected = store.Filter(func(p *params.LiveParameter) bool { return p.Adaptor().Uploadable() })
	}
	for _, name := range req.Parameters {
		core, ok := store.CoreParameter(name)
		if !ok {
			s.writeError(w, http.StatusNotFound, "parameter not found: "+name)
			return
		}
		selected = append(selected, core.LiveParameters()...)
	}

	result := s.manager.UploadInitialValues(r.Context(), s.layer, selected)
	s.writeJSON(w, http.StatusOK, map[string]any{"upload": result})
}

func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *HTTPServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]any{"error": message})
}
