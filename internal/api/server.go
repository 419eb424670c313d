// Package api exposes the thin HTTP surface over the engine. Handlers
// translate requests into manager calls and typed failures into status
// codes; all orchestration logic stays in the engine.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/taskforge/orchestrator/internal/config"
	"github.com/taskforge/orchestrator/internal/engine"
	"github.com/taskforge/orchestrator/internal/models"
	"github.com/taskforge/orchestrator/internal/queue"
	"github.com/taskforge/orchestrator/internal/ratelimit"
	"github.com/taskforge/orchestrator/internal/statemachine"
	"github.com/taskforge/orchestrator/internal/store"
	"github.com/taskforge/orchestrator/internal/telemetry"
)

// Server wires HTTP handlers for the orchestration API.
type Server struct {
	cfg     config.Config
	manager *engine.Manager
	queue   *queue.ScorePublisher
	limiter *ratelimit.SubmitLimiter
	log     zerolog.Logger
}

// New constructs the API server. queue and limiter may be nil.
func New(cfg config.Config, m *engine.Manager, q *queue.ScorePublisher, limiter *ratelimit.SubmitLimiter, log zerolog.Logger) *Server {
	return &Server{cfg: cfg, manager: m, queue: q, limiter: limiter, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleSubmit)
	r.Post("/jobs/bulk", s.handleSubmitBulk)
	r.Get("/jobs", s.handleList)
	r.Get("/jobs/by-label", s.handleByLabel)
	r.Post("/jobs/cancel", s.handleCancelBulk)
	r.Get("/jobs/{id}", s.handleGet)
	r.Get("/jobs/{id}/history", s.handleHistory)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	r.Post("/jobs/{id}/pause", s.handlePause)
	r.Post("/jobs/{id}/resume", s.handleResume)
	r.Post("/jobs/{id}/progress", s.handleProgress)
	r.Post("/jobs/{id}/running", s.handleMarkRunning)
	r.Post("/jobs/{id}/complete", s.handleMarkCompleted)
	r.Post("/jobs/{id}/fail", s.handleMarkFailed)
	r.Get("/queue", s.handlePeekQueue)
	return r
}

type submitRequest struct {
	TaskName       string            `json:"task_name"`
	TaskArgs       map[string]any    `json:"task_args"`
	Priority       string            `json:"priority"`
	DependsOn      []string          `json:"depends_on"`
	Labels         map[string]string `json:"labels"`
	TimeoutSeconds *int              `json:"timeout_seconds"`
	WebhookURL     string            `json:"webhook_url"`
	ScheduledAt    *time.Time        `json:"scheduled_at"`
	MaxRetries     *int              `json:"max_retries"`
	ParentJobID    *string           `json:"parent_job_id"`
}

func (r submitRequest) params(tenant string, actorID *string) engine.SubmitParams {
	return engine.SubmitParams{
		TenantID:       tenant,
		TaskName:       r.TaskName,
		TaskArgs:       r.TaskArgs,
		Priority:       models.ParsePriority(r.Priority),
		DependsOn:      r.DependsOn,
		Labels:         r.Labels,
		TimeoutSeconds: r.TimeoutSeconds,
		WebhookURL:     r.WebhookURL,
		ScheduledAt:    r.ScheduledAt,
		MaxRetries:     r.MaxRetries,
		ParentJobID:    r.ParentJobID,
		ActorID:        actorID,
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.TaskName == "" {
		http.Error(w, "task_name is required", http.StatusBadRequest)
		return
	}
	tenant := tenantFromRequest(r)
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), tenant)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}
	job, err := s.manager.Submit(r.Context(), req.params(tenant, actorFromRequest(r)))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleSubmitBulk(w http.ResponseWriter, r *http.Request) {
	var reqs []submitRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	tenant := tenantFromRequest(r)
	actor := actorFromRequest(r)
	params := make([]engine.SubmitParams, 0, len(reqs))
	for _, req := range reqs {
		params = append(params, req.params(tenant, actor))
	}
	jobs, err := s.manager.SubmitBulk(r.Context(), params)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"jobs": jobs})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	f := store.JobFilter{
		TenantID: tenantFromRequest(r),
		TaskName: r.URL.Query().Get("task_name"),
		Limit:    queryInt(r, "limit"),
		Offset:   queryInt(r, "offset"),
	}
	if st := r.URL.Query().Get("status"); st != "" {
		f.Status = models.JobStatus(st)
	}
	jobs, err := s.manager.List(r.Context(), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleByLabel(w http.ResponseWriter, r *http.Request) {
	labels := map[string]string{}
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			labels[key] = values[0]
		}
	}
	jobs, err := s.manager.GetByLabels(r.Context(), tenantFromRequest(r), labels)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if r.URL.Query().Get("include") == "relations" {
		detail, err := s.manager.GetDetail(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, detail)
		return
	}
	job, err := s.manager.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	logs, err := s.manager.Audit().History(r.Context(), chi.URLParam(r, "id"), 50, 0)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": logs})
}

type cancelRequest struct {
	Reason string   `json:"reason"`
	JobIDs []string `json:"job_ids"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	ok, err := s.manager.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason, actorFromRequest(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": ok})
}

func (s *Server) handleCancelBulk(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	results := s.manager.CancelBulk(r.Context(), req.JobIDs, req.Reason, actorFromRequest(r))
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ResumeAt *time.Time `json:"resume_at"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	ok, err := s.manager.Pause(r.Context(), chi.URLParam(r, "id"), req.ResumeAt, actorFromRequest(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": ok})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	ok, err := s.manager.Resume(r.Context(), chi.URLParam(r, "id"), actorFromRequest(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"resumed": ok})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Percentage          *float64   `json:"percentage"`
		Stage               *string    `json:"stage"`
		CurrentItem         *int       `json:"current_item"`
		TotalItems          *int       `json:"total_items"`
		Message             *string    `json:"message"`
		EstimatedCompletion *time.Time `json:"estimated_completion"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	progress, err := s.manager.UpdateProgress(r.Context(), chi.URLParam(r, "id"), engine.ProgressParams{
		Percentage:          req.Percentage,
		Stage:               req.Stage,
		CurrentItem:         req.CurrentItem,
		TotalItems:          req.TotalItems,
		Message:             req.Message,
		EstimatedCompletion: req.EstimatedCompletion,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"progress": progress})
}

func (s *Server) handleMarkRunning(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkerID *string `json:"worker_id"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	job, err := s.manager.MarkRunning(r.Context(), chi.URLParam(r, "id"), req.WorkerID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleMarkCompleted(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ResultData map[string]any `json:"result_data"`
		CostUSD    *string        `json:"cost_usd"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	var cost *decimal.Decimal
	if req.CostUSD != nil {
		c, err := decimal.NewFromString(*req.CostUSD)
		if err != nil {
			http.Error(w, "invalid cost_usd", http.StatusBadRequest)
			return
		}
		cost = &c
	}
	job, err := s.manager.MarkCompleted(r.Context(), chi.URLParam(r, "id"), req.ResultData, cost)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleMarkFailed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Error       string `json:"error"`
		ShouldRetry *bool  `json:"should_retry"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	shouldRetry := true
	if req.ShouldRetry != nil {
		shouldRetry = *req.ShouldRetry
	}
	job, err := s.manager.MarkFailed(r.Context(), chi.URLParam(r, "id"), req.Error, shouldRetry)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handlePeekQueue(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []any{}})
		return
	}
	items, err := s.queue.PeekReady(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read queue", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var te *statemachine.TransitionError
	switch {
	case errors.Is(err, store.ErrJobNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &te):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, engine.ErrBatchTooLarge):
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
	default:
		s.log.Error().Err(err).Msg("request failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// queryInt parses a non-negative integer query parameter, 0 when absent or
// malformed.
func queryInt(r *http.Request, name string) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v < 0 {
		return 0
	}
	return v
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func actorFromRequest(r *http.Request) *string {
	if v := r.Header.Get("X-Actor-ID"); v != "" {
		return &v
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
