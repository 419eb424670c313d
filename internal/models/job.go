package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// JobStatus enumerates the lifecycle states persisted in Postgres.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
	StatusRetrying  JobStatus = "retrying"
	StatusPaused    JobStatus = "paused"
)

// JobPriority is a 4-level total order; higher means more urgent.
type JobPriority int

const (
	PriorityLow    JobPriority = 1
	PriorityNormal JobPriority = 2
	PriorityHigh   JobPriority = 3
	PriorityUrgent JobPriority = 4
)

// String renders the priority for logs and API responses.
func (p JobPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// ParsePriority maps a priority name to its level, defaulting to normal.
func ParsePriority(s string) JobPriority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "urgent":
		return PriorityUrgent
	default:
		return PriorityNormal
	}
}

// QueueScore computes the ordering key published to the external priority
// queue: (10 - priority) * 1e12 + submission time in unix milliseconds.
// Lower scores dequeue first, so higher priority wins and equal-priority
// jobs are FIFO by submission time. External queue consumers rely on this
// formula verbatim.
func QueueScore(priority JobPriority, submittedAt time.Time) int64 {
	return (10-int64(priority))*1_000_000_000_000 + submittedAt.UnixMilli()
}

// Job is the central persisted entity: one background unit of work.
type Job struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	ParentJobID *string        `json:"parent_job_id,omitempty"`
	TaskName    string         `json:"task_name"`
	TaskArgs    map[string]any `json:"task_args"`

	Status         JobStatus   `json:"status"`
	Priority       JobPriority `json:"priority"`
	TimeoutSeconds *int        `json:"timeout_seconds,omitempty"`
	ScheduledAt    *time.Time  `json:"scheduled_at,omitempty"`
	RetryCount     int         `json:"retry_count"`
	MaxRetries     int         `json:"max_retries"`

	CreatedAt   time.Time  `json:"created_at"`
	QueuedAt    *time.Time `json:"queued_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	PausedAt    *time.Time `json:"paused_at,omitempty"`

	DurationMS   *int64          `json:"duration_ms,omitempty"`
	CostUSD      decimal.Decimal `json:"cost_usd"`
	ResultData   map[string]any  `json:"result_data,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	CancelReason *string         `json:"cancel_reason,omitempty"`
}

// Terminal reports whether the job sits in a state with no outgoing edges
// for its current retry budget.
func (j *Job) Terminal() bool {
	switch j.Status {
	case StatusCompleted, StatusCancelled:
		return true
	case StatusFailed:
		return j.RetryCount >= j.MaxRetries
	default:
		return false
	}
}

// JobRelations carries the eager-loaded detail rows for a job.
type JobRelations struct {
	Job          *Job              `json:"job"`
	AuditLogs    []*JobAuditLog    `json:"audit_logs"`
	Progress     *JobProgress      `json:"progress,omitempty"`
	Labels       map[string]string `json:"labels"`
	Dependencies []*JobDependency  `json:"dependencies"`
	Webhooks     []*JobWebhook     `json:"webhooks"`
}

// Actor classes recorded on audit rows.
const (
	TriggeredByUser       = "user"
	TriggeredBySystem     = "system"
	TriggeredByTimeout    = "timeout"
	TriggeredByDependency = "dependency"
)

// JobAuditLog is one immutable row per status transition. FromStatus is nil
// only on the creation record.
type JobAuditLog struct {
	ID          string         `json:"id"`
	JobID       string         `json:"job_id"`
	FromStatus  *JobStatus     `json:"from_status,omitempty"`
	ToStatus    JobStatus      `json:"to_status"`
	TriggeredBy string         `json:"triggered_by"`
	ActorID     *string        `json:"actor_id,omitempty"`
	Reason      *string        `json:"reason,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// JobProgress tracks execution progress, at most one row per job.
type JobProgress struct {
	JobID               string     `json:"job_id"`
	Percentage          float64    `json:"percentage"`
	CurrentStage        string     `json:"current_stage"`
	TotalStages         int        `json:"total_stages"`
	CompletedStages     int        `json:"completed_stages"`
	CurrentItem         int        `json:"current_item"`
	TotalItems          int        `json:"total_items"`
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
	Message             *string    `json:"message,omitempty"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// JobDependency is a directed edge: JobID depends on DependsOnID.
type JobDependency struct {
	ID          string     `json:"id"`
	JobID       string     `json:"job_id"`
	DependsOnID string     `json:"depends_on_id"`
	Required    bool       `json:"required"`
	Satisfied   bool       `json:"satisfied"`
	SatisfiedAt *time.Time `json:"satisfied_at,omitempty"`
}

// JobWebhook is a delivery subscription for one job's lifecycle events.
type JobWebhook struct {
	ID           string     `json:"id"`
	JobID        string     `json:"job_id"`
	URL          string     `json:"url"`
	Secret       *string    `json:"-"`
	OnCompleted  bool       `json:"on_completed"`
	OnFailed     bool       `json:"on_failed"`
	OnCancelled  bool       `json:"on_cancelled"`
	OnProgress   bool       `json:"on_progress"`
	LastAttempt  *time.Time `json:"last_attempt,omitempty"`
	LastSuccess  *time.Time `json:"last_success,omitempty"`
	FailureCount int        `json:"failure_count"`
	CreatedAt    time.Time  `json:"created_at"`
}
