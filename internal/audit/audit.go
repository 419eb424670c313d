// Package audit builds and reads the immutable transition trail. Records are
// constructed here and persisted by the store inside the same transaction
// that applies the status change, so the trail can never disagree with the
// job row.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/taskforge/orchestrator/internal/models"
	"github.com/taskforge/orchestrator/internal/statemachine"
	"github.com/taskforge/orchestrator/internal/store"
)

// Logger validates and constructs audit records and serves audit reads.
type Logger struct {
	store store.Store
	log   zerolog.Logger
	now   func() time.Time
}

// New constructs an audit logger over the given store. A nil clock falls
// back to wall time.
func New(st store.Store, log zerolog.Logger, now func() time.Time) *Logger {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Logger{store: st, log: log.With().Str("component", "audit").Logger(), now: now}
}

// Creation builds the one-per-job creation record: from_status is nil and
// to_status is the job's initial status.
func (l *Logger) Creation(job *models.Job, actorID *string, extra map[string]any) *models.JobAuditLog {
	return &models.JobAuditLog{
		ID:          uuid.New().String(),
		JobID:       job.ID,
		FromStatus:  nil,
		ToStatus:    job.Status,
		TriggeredBy: models.TriggeredByUser,
		ActorID:     actorID,
		Extra:       extra,
		CreatedAt:   l.now(),
	}
}

// Transition validates the status change against the transition table and
// returns the record to persist alongside it. With validate false the check
// is skipped (used only by trusted internal callers that already hold a
// validated edge). The caller must not apply the status change when this
// fails.
func (l *Logger) Transition(job *models.Job, to models.JobStatus, triggeredBy string, actorID, reason *string, extra map[string]any, validate bool) (*models.JobAuditLog, error) {
	if validate && !statemachine.ValidTransition(job.Status, to) {
		err := &statemachine.TransitionError{JobID: job.ID, From: job.Status, To: to}
		l.log.Warn().
			Str("job_id", job.ID).
			Str("from", string(job.Status)).
			Str("to", string(to)).
			Msg("invalid transition rejected")
		return nil, err
	}
	from := job.Status
	return &models.JobAuditLog{
		ID:          uuid.New().String(),
		JobID:       job.ID,
		FromStatus:  &from,
		ToStatus:    to,
		TriggeredBy: triggeredBy,
		ActorID:     actorID,
		Reason:      reason,
		Extra:       extra,
		CreatedAt:   l.now(),
	}, nil
}

// History returns a job's transitions newest-first.
func (l *Logger) History(ctx context.Context, jobID string, limit, offset int) ([]*models.JobAuditLog, error) {
	return l.store.AuditHistory(ctx, jobID, limit, offset)
}

// Last returns the most recent transition, or nil when the job has none.
func (l *Logger) Last(ctx context.Context, jobID string) (*models.JobAuditLog, error) {
	return l.store.LastAudit(ctx, jobID)
}

// Count counts transitions matching the filter, for SLA and analytics reads.
func (l *Logger) Count(ctx context.Context, f store.AuditFilter) (int64, error) {
	return l.store.CountAudits(ctx, f)
}
