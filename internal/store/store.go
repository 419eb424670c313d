// Package store persists jobs and their dependent rows. Two implementations
// share the Store interface: Postgres for production and Memory for tests
// and local development.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/taskforge/orchestrator/internal/models"
)

// ErrJobNotFound marks operations addressing a nonexistent job id. Callers
// wrap it with the id; the API layer maps it to 404.
var ErrJobNotFound = errors.New("job not found")

// Submission bundles every row written atomically when a job is created.
type Submission struct {
	Job          *models.Job
	Progress     *models.JobProgress
	Labels       map[string]string
	Dependencies []*models.JobDependency
	Webhook      *models.JobWebhook
	Creation     *models.JobAuditLog
}

// JobUpdate lists the mutable fields a transition may set. Nil fields are
// left unchanged.
type JobUpdate struct {
	QueuedAt      *time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	PausedAt      *time.Time
	ClearPausedAt bool
	DurationMS    *int64
	CostUSD       *decimal.Decimal
	ResultData    map[string]any
	ErrorMessage  *string
	CancelReason  *string
	RetryCount    *int
	// ForceProgress overwrites the progress percentage in the same
	// transaction (completion forces it to 100).
	ForceProgress *float64
}

// Transition is one atomic status change: the job row update, the status
// compare-and-swap precondition, and the audit record, committed together.
type Transition struct {
	JobID string
	// From is the expected current status. The update statement asserts it
	// so two racing transitions cannot both apply.
	From  models.JobStatus
	To    models.JobStatus
	Audit *models.JobAuditLog
	Set   JobUpdate
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	TenantID string
	Status   models.JobStatus
	TaskName string
	Limit    int
	Offset   int
}

// AuditFilter narrows CountAudits.
type AuditFilter struct {
	JobID string
	From  *models.JobStatus
	To    *models.JobStatus
	Since *time.Time
}

// ProgressUpdate carries partial progress fields; nil means unchanged.
type ProgressUpdate struct {
	Percentage          *float64
	Stage               *string
	CurrentItem         *int
	TotalItems          *int
	Message             *string
	EstimatedCompletion *time.Time
}

// Store is the persistence surface the engine writes through. Every method
// that mutates more than one row does so in a single transaction.
type Store interface {
	CreateJob(ctx context.Context, sub Submission) error
	CreateJobs(ctx context.Context, subs []Submission) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]*models.Job, error)
	GetJobsByLabels(ctx context.Context, tenantID string, labels map[string]string) ([]*models.Job, error)
	GetChildren(ctx context.Context, parentID string) ([]*models.Job, error)
	ListTimedOut(ctx context.Context, now time.Time, limit int) ([]*models.Job, error)

	// ApplyTransition performs the CAS status update, applies Set, inserts
	// the audit row, and returns the updated job. It fails with
	// *statemachine.TransitionError when the precondition no longer holds
	// and ErrJobNotFound when the job does not exist.
	ApplyTransition(ctx context.Context, t Transition) (*models.Job, error)

	AuditHistory(ctx context.Context, jobID string, limit, offset int) ([]*models.JobAuditLog, error)
	LastAudit(ctx context.Context, jobID string) (*models.JobAuditLog, error)
	CountAudits(ctx context.Context, f AuditFilter) (int64, error)

	GetProgress(ctx context.Context, jobID string) (*models.JobProgress, error)
	// UpdateProgress returns (nil, nil) when the job has no progress row;
	// stale workers get a no-op, not an error.
	UpdateProgress(ctx context.Context, jobID string, u ProgressUpdate) (*models.JobProgress, error)

	GetLabels(ctx context.Context, jobID string) (map[string]string, error)
	GetDependencies(ctx context.Context, jobID string) ([]*models.JobDependency, error)
	// GetDependents returns edges where jobID is the depends_on target.
	GetDependents(ctx context.Context, jobID string) ([]*models.JobDependency, error)
	// SatisfyDependents marks every unsatisfied edge pointing at dependsOnID
	// as satisfied and returns the affected dependent job ids.
	SatisfyDependents(ctx context.Context, dependsOnID string, at time.Time) ([]string, error)
	// ListReadyPending returns up to limit PENDING jobs that have dependency
	// edges, all of whose required edges are satisfied.
	ListReadyPending(ctx context.Context, limit int) ([]*models.Job, error)

	GetWebhooks(ctx context.Context, jobID string) ([]*models.JobWebhook, error)
	RecordWebhookAttempt(ctx context.Context, webhookID string, success bool, at time.Time) error
}
