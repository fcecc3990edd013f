package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/sells-group/bid-intel/internal/model"
	"github.com/sells-group/bid-intel/internal/pipeline"
	"github.com/sells-group/bid-intel/internal/store"
)

// runService is the part of the orchestrator the API exposes.
type runService interface {
	Start(ctx context.Context, req pipeline.RunRequest) (*model.AnalysisResult, error)
	GetResult(ctx context.Context, id string) (*model.AnalysisResult, error)
	GetLogs(ctx context.Context, id string, limit int) ([]model.AgentMessage, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.AnalysisResult, error)
	Cancel(ctx context.Context, id string) error
	DecisionPattern(ctx context.Context, opportunityID string) (*pipeline.PatternLookup, error)
}

// downloadService is the part of the download manager the API exposes.
type downloadService interface {
	StartDownload(ctx context.Context, opportunityID string) (*model.DownloadJob, error)
	GetJobStatus(ctx context.Context, jobID string) (*model.DownloadJob, error)
}

type downloadRequest struct {
	OpportunityID string `json:"opportunity_id" validate:"required"`
}

type api struct {
	runs      runService
	downloads downloadService
	validate  *validator.Validate
}

// newRouter wires the HTTP API.
func newRouter(runs runService, downloads downloadService, corsOrigins []string) http.Handler {
	a := &api{runs: runs, downloads: downloads, validate: validator.New()}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/downloads", a.startDownload)
	r.Get("/downloads/{jobID}", a.getDownload)

	r.Route("/pipeline", func(r chi.Router) {
		r.Post("/run", a.startRun)
		r.Get("/results", a.listRuns)
		r.Route("/results/{id}", func(r chi.Router) {
			r.Get("/", a.getResult)
			r.Get("/logs", a.getLogs)
			r.Post("/cancel", a.cancelRun)
		})
	})

	r.Get("/decision-pattern", a.decisionPattern)
	return r
}

func (a *api) startDownload(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if !a.decode(w, r, &req) {
		return
	}
	job, err := a.downloads.StartDownload(r.Context(), req.OpportunityID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": job.JobID, "status": job.Status})
}

func (a *api) getDownload(w http.ResponseWriter, r *http.Request) {
	job, err := a.downloads.GetJobStatus(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *api) startRun(w http.ResponseWriter, r *http.Request) {
	var req pipeline.RunRequest
	if !a.decode(w, r, &req) {
		return
	}
	run, err := a.runs.Start(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"analysis_result_id": run.ID})
}

func (a *api) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{
		OpportunityID: q.Get("opportunity_id"),
		Status:        model.RunStatus(q.Get("status")),
	}
	switch filter.Status {
	case "", model.RunStatusPending, model.RunStatusRunning, model.RunStatusCompleted, model.RunStatusFailed:
	default:
		writeErrorMessage(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", filter.Status))
		return
	}
	if t := q.Get("analysis_type"); t != "" {
		typ, err := model.ParseAnalysisType(t)
		if err != nil {
			writeError(w, r, err)
			return
		}
		filter.AnalysisType = typ
	}
	var ok bool
	if filter.Limit, ok = queryInt(w, r, "limit"); !ok {
		return
	}
	if filter.Offset, ok = queryInt(w, r, "offset"); !ok {
		return
	}

	runs, err := a.runs.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if runs == nil {
		runs = []model.AnalysisResult{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (a *api) getResult(w http.ResponseWriter, r *http.Request) {
	run, err := a.runs.GetResult(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (a *api) getLogs(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	logs, err := a.runs.GetLogs(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if logs == nil {
		logs = []model.AgentMessage{}
	}
	writeJSON(w, http.StatusOK, logs)
}

func (a *api) cancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.runs.Cancel(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"analysis_result_id": id, "status": "cancelling"})
}

func (a *api) decisionPattern(w http.ResponseWriter, r *http.Request) {
	oppID := r.URL.Query().Get("opportunity_id")
	if oppID == "" {
		writeErrorMessage(w, http.StatusBadRequest, "opportunity_id is required")
		return
	}
	lookup, err := a.runs.DecisionPattern(r.Context(), oppID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lookup)
}

// decode reads a JSON body into v and validates it. On failure it writes a
// 400 and returns false.
func (a *api) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := a.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			writeErrorMessage(w, http.StatusBadRequest, fmt.Sprintf("%s failed on '%s' validation", fe.Field(), fe.Tag()))
			return false
		}
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// queryInt parses an optional integer query parameter. Absent means 0.
func queryInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeErrorMessage(w, http.StatusBadRequest, fmt.Sprintf("%s must be a non-negative integer", name))
		return 0, false
	}
	return n, true
}

// writeError maps domain errors onto status codes. Unexpected errors are
// logged and reported generically.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, model.ErrValidation):
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, model.ErrNotFound):
		writeErrorMessage(w, http.StatusNotFound, err.Error())
	case errors.Is(err, model.ErrConflict):
		writeErrorMessage(w, http.StatusConflict, err.Error())
	default:
		zap.L().Error("api: request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		writeErrorMessage(w, http.StatusInternalServerError, "internal error")
	}
}

func writeErrorMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// requestLogger logs each request through zap.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
