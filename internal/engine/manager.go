// Package engine implements the job orchestration manager: submission,
// lifecycle transitions, progress bookkeeping, dependency ordering, and the
// cascade that unblocks or cancels dependents when a job reaches a terminal
// state. The manager is the only component with write authority over jobs.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/taskforge/orchestrator/internal/audit"
	"github.com/taskforge/orchestrator/internal/config"
	"github.com/taskforge/orchestrator/internal/models"
	"github.com/taskforge/orchestrator/internal/store"
	"github.com/taskforge/orchestrator/internal/telemetry"
	"github.com/taskforge/orchestrator/internal/webhook"
)

// ErrBatchTooLarge rejects bulk submissions beyond the configured maximum.
// The whole call fails with no partial effect.
var ErrBatchTooLarge = errors.New("bulk submit exceeds maximum batch size")

// Publisher is the external priority queue contract: the engine pushes
// (score, job_id) pairs whenever a job enters QUEUED and removes entries on
// cancellation. Ordering and dequeue semantics live outside the engine.
type Publisher interface {
	Publish(ctx context.Context, jobID string, score int64) error
	Remove(ctx context.Context, jobID string) error
}

// Options configures a Manager. Store is required; Publisher and Webhooks
// may be nil, disabling queue publication and webhook intents respectively.
type Options struct {
	Config    config.Config
	Store     store.Store
	Publisher Publisher
	Webhooks  *webhook.Dispatcher
	Logger    zerolog.Logger
	Now       func() time.Time
}

// Manager orchestrates the job lifecycle over the store.
type Manager struct {
	cfg       config.Config
	store     store.Store
	auditor   *audit.Logger
	publisher Publisher
	webhooks  *webhook.Dispatcher
	log       zerolog.Logger
	now       func() time.Time

	progressMu   sync.Mutex
	progressSeen map[string]time.Time
}

// New constructs a Manager.
func New(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{
		cfg:          opts.Config,
		store:        opts.Store,
		auditor:      audit.New(opts.Store, opts.Logger, now),
		publisher:    opts.Publisher,
		webhooks:     opts.Webhooks,
		log:          opts.Logger.With().Str("component", "engine").Logger(),
		now:          now,
		progressSeen: make(map[string]time.Time),
	}, nil
}

// Audit exposes the audit read surface (history, last transition, counts).
func (m *Manager) Audit() *audit.Logger {
	return m.auditor
}

// SubmitParams describes one job submission.
type SubmitParams struct {
	TenantID       string
	TaskName       string
	TaskArgs       map[string]any
	Priority       models.JobPriority
	DependsOn      []string
	Labels         map[string]string
	TimeoutSeconds *int
	WebhookURL     string
	WebhookSecret  *string
	ScheduledAt    *time.Time
	MaxRetries     *int
	ParentJobID    *string
	ActorID        *string
}

// Submit creates a job with its labels, dependency edges, webhook
// subscription, initial progress row, and creation audit record in one
// transaction, then queues it immediately when it has no dependencies.
func (m *Manager) Submit(ctx context.Context, p SubmitParams) (*models.Job, error) {
	sub, cancelReason, err := m.buildSubmission(ctx, p)
	if err != nil {
		return nil, err
	}
	if err := m.store.CreateJob(ctx, *sub); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	telemetry.SubmitCounter.Inc()
	m.log.Info().
		Str("job_id", sub.Job.ID).
		Str("tenant", sub.Job.TenantID).
		Str("task", sub.Job.TaskName).
		Int("deps", len(sub.Dependencies)).
		Msg("job submitted")

	return m.settleSubmission(ctx, sub, cancelReason)
}

// settleSubmission queues or cancels a freshly created job based on the
// state its dependencies were in at submit time.
func (m *Manager) settleSubmission(ctx context.Context, sub *store.Submission, cancelReason string) (*models.Job, error) {
	if cancelReason != "" {
		if _, err := m.cancelOnce(ctx, sub.Job, cancelReason, nil, models.TriggeredByDependency); err != nil {
			return nil, err
		}
		return m.store.GetJob(ctx, sub.Job.ID)
	}
	if !blocked(sub) {
		return m.queueJob(ctx, sub.Job, models.TriggeredBySystem)
	}
	return sub.Job, nil
}

// SubmitBulk submits a list atomically. Lists beyond the configured maximum
// are rejected outright, creating nothing.
func (m *Manager) SubmitBulk(ctx context.Context, jobs []SubmitParams) ([]*models.Job, error) {
	if max := m.cfg.MaxBulkSubmit; max > 0 && len(jobs) > max {
		return nil, fmt.Errorf("%d jobs with limit %d: %w", len(jobs), max, ErrBatchTooLarge)
	}
	subs := make([]store.Submission, 0, len(jobs))
	reasons := make([]string, 0, len(jobs))
	for i, p := range jobs {
		sub, cancelReason, err := m.buildSubmission(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("job %d: %w", i, err)
		}
		subs = append(subs, *sub)
		reasons = append(reasons, cancelReason)
	}
	if err := m.store.CreateJobs(ctx, subs); err != nil {
		return nil, fmt.Errorf("create jobs: %w", err)
	}
	out := make([]*models.Job, 0, len(subs))
	for i := range subs {
		telemetry.SubmitCounter.Inc()
		job, err := m.settleSubmission(ctx, &subs[i], reasons[i])
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

func (m *Manager) buildSubmission(ctx context.Context, p SubmitParams) (*store.Submission, string, error) {
	if p.TenantID == "" {
		return nil, "", fmt.Errorf("tenant id is required")
	}
	if p.TaskName == "" {
		return nil, "", fmt.Errorf("task name is required")
	}
	depJobs := make(map[string]*models.Job, len(p.DependsOn))
	for _, depID := range p.DependsOn {
		dep, err := m.store.GetJob(ctx, depID)
		if err != nil {
			return nil, "", fmt.Errorf("dependency: %w", err)
		}
		depJobs[depID] = dep
	}
	now := m.now()
	priority := p.Priority
	if priority == 0 {
		priority = models.PriorityNormal
	}
	timeout := p.TimeoutSeconds
	if timeout == nil && m.cfg.DefaultTimeoutSeconds > 0 {
		v := m.cfg.DefaultTimeoutSeconds
		timeout = &v
	}
	maxRetries := m.cfg.DefaultMaxRetries
	if p.MaxRetries != nil {
		maxRetries = *p.MaxRetries
	}
	args := p.TaskArgs
	if args == nil {
		args = map[string]any{}
	}

	job := &models.Job{
		ID:             uuid.New().String(),
		TenantID:       p.TenantID,
		ParentJobID:    p.ParentJobID,
		TaskName:       p.TaskName,
		TaskArgs:       args,
		Status:         models.StatusPending,
		Priority:       priority,
		TimeoutSeconds: timeout,
		ScheduledAt:    p.ScheduledAt,
		MaxRetries:     maxRetries,
		CreatedAt:      now,
		CostUSD:        decimal.Zero,
	}

	// A dependency that already finished never transitions again, so the
	// cascade cannot resolve its edge later. Edges on COMPLETED dependencies
	// are created satisfied; a dependency already in terminal FAILED or
	// CANCELLED dooms the submission, reported via cancelReason.
	var cancelReason string
	deps := make([]*models.JobDependency, 0, len(p.DependsOn))
	seen := map[string]bool{}
	for _, depID := range p.DependsOn {
		if seen[depID] {
			continue
		}
		seen[depID] = true
		edge := &models.JobDependency{
			ID:          uuid.New().String(),
			JobID:       job.ID,
			DependsOnID: depID,
			Required:    true,
		}
		// A resting FAILED row is always terminal: the RETRYING edge is only
		// walked synchronously inside MarkFailed, and a no-retry failure
		// leaves retry_count below max_retries.
		dep := depJobs[depID]
		switch dep.Status {
		case models.StatusCompleted:
			at := now
			edge.Satisfied = true
			edge.SatisfiedAt = &at
		case models.StatusFailed, models.StatusCancelled:
			if cancelReason == "" {
				cancelReason = fmt.Sprintf("Required dependency %s %s", dep.ID, dep.Status)
			}
		}
		deps = append(deps, edge)
	}

	var wh *models.JobWebhook
	if p.WebhookURL != "" {
		wh = &models.JobWebhook{
			ID:          uuid.New().String(),
			JobID:       job.ID,
			URL:         p.WebhookURL,
			Secret:      p.WebhookSecret,
			OnCompleted: true,
			OnFailed:    true,
			CreatedAt:   now,
		}
	}

	return &store.Submission{
		Job: job,
		Progress: &models.JobProgress{
			JobID:       job.ID,
			Percentage:  0,
			TotalStages: 1,
			UpdatedAt:   now,
		},
		Labels:       p.Labels,
		Dependencies: deps,
		Webhook:      wh,
		Creation:     m.auditor.Creation(job, p.ActorID, nil),
	}, cancelReason, nil
}

// blocked reports whether any required edge is still unsatisfied.
func blocked(sub *store.Submission) bool {
	for _, dep := range sub.Dependencies {
		if dep.Required && !dep.Satisfied {
			return true
		}
	}
	return false
}

// queueJob transitions a job into QUEUED, stamps queued_at, and publishes
// its ordering score.
func (m *Manager) queueJob(ctx context.Context, job *models.Job, triggeredBy string) (*models.Job, error) {
	rec, err := m.auditor.Transition(job, models.StatusQueued, triggeredBy, nil, nil, nil, true)
	if err != nil {
		return nil, err
	}
	now := m.now()
	updated, err := m.store.ApplyTransition(ctx, store.Transition{
		JobID: job.ID,
		From:  job.Status,
		To:    models.StatusQueued,
		Audit: rec,
		Set:   store.JobUpdate{QueuedAt: &now, ClearPausedAt: job.Status == models.StatusPaused},
	})
	if err != nil {
		return nil, err
	}
	telemetry.TransitionVec.WithLabelValues(string(models.StatusQueued)).Inc()
	if m.publisher != nil {
		score := models.QueueScore(updated.Priority, updated.CreatedAt)
		if err := m.publisher.Publish(ctx, updated.ID, score); err != nil {
			m.log.Error().Err(err).Str("job_id", updated.ID).Msg("publish queue score")
		}
	}
	return updated, nil
}

// Get fetches a single job.
func (m *Manager) Get(ctx context.Context, jobID string) (*models.Job, error) {
	return m.store.GetJob(ctx, jobID)
}

// GetDetail eagerly loads the job with its audit trail, progress, labels,
// dependencies, and webhooks for detail views.
func (m *Manager) GetDetail(ctx context.Context, jobID string) (*models.JobRelations, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	logs, err := m.store.AuditHistory(ctx, jobID, 50, 0)
	if err != nil {
		return nil, err
	}
	progress, err := m.store.GetProgress(ctx, jobID)
	if err != nil {
		return nil, err
	}
	labels, err := m.store.GetLabels(ctx, jobID)
	if err != nil {
		return nil, err
	}
	deps, err := m.store.GetDependencies(ctx, jobID)
	if err != nil {
		return nil, err
	}
	hooks, err := m.store.GetWebhooks(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &models.JobRelations{
		Job:          job,
		AuditLogs:    logs,
		Progress:     progress,
		Labels:       labels,
		Dependencies: deps,
		Webhooks:     hooks,
	}, nil
}

// List returns jobs matching the filter.
func (m *Manager) List(ctx context.Context, f store.JobFilter) ([]*models.Job, error) {
	return m.store.ListJobs(ctx, f)
}

// GetByLabels returns a tenant's jobs matching every label pair.
func (m *Manager) GetByLabels(ctx context.Context, tenantID string, labels map[string]string) ([]*models.Job, error) {
	return m.store.GetJobsByLabels(ctx, tenantID, labels)
}

// GetChildren returns jobs whose parent is parentID.
func (m *Manager) GetChildren(ctx context.Context, parentID string) ([]*models.Job, error) {
	return m.store.GetChildren(ctx, parentID)
}

// GetDependents returns the dependency edges blocked on jobID.
func (m *Manager) GetDependents(ctx context.Context, jobID string) ([]*models.JobDependency, error) {
	return m.store.GetDependents(ctx, jobID)
}

// ProgressParams carries a partial progress update; nil fields stay as-is.
type ProgressParams struct {
	Percentage          *float64
	Stage               *string
	CurrentItem         *int
	TotalItems          *int
	Message             *string
	EstimatedCompletion *time.Time
}

// UpdateProgress clamps the percentage to [0,100] and applies the partial
// update. A job without a progress row yields (nil, nil): stale workers get
// an idempotent no-op, never an error.
func (m *Manager) UpdateProgress(ctx context.Context, jobID string, p ProgressParams) (*models.JobProgress, error) {
	if p.Percentage != nil {
		v := *p.Percentage
		if v < 0 {
			v = 0
		}
		if v > 100 {
			v = 100
		}
		p.Percentage = &v
	}
	progress, err := m.store.UpdateProgress(ctx, jobID, store.ProgressUpdate{
		Percentage:          p.Percentage,
		Stage:               p.Stage,
		CurrentItem:         p.CurrentItem,
		TotalItems:          p.TotalItems,
		Message:             p.Message,
		EstimatedCompletion: p.EstimatedCompletion,
	})
	if err != nil || progress == nil {
		return progress, err
	}
	if m.webhooks != nil && m.progressDue(jobID) {
		if job, gerr := m.store.GetJob(ctx, jobID); gerr == nil {
			m.webhooks.Fire(ctx, job, webhook.EventProgress, progress)
		}
	}
	return progress, nil
}

// forgetProgress drops a job's debounce entry once it can no longer report
// progress, keeping the map bounded by the number of live jobs.
func (m *Manager) forgetProgress(jobID string) {
	m.progressMu.Lock()
	delete(m.progressSeen, jobID)
	m.progressMu.Unlock()
}

// progressDue debounces progress webhook intents per job.
func (m *Manager) progressDue(jobID string) bool {
	if m.cfg.ProgressDebounce <= 0 {
		return true
	}
	now := m.now()
	m.progressMu.Lock()
	defer m.progressMu.Unlock()
	if last, ok := m.progressSeen[jobID]; ok && now.Sub(last) < m.cfg.ProgressDebounce {
		return false
	}
	m.progressSeen[jobID] = now
	return true
}
