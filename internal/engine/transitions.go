package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/taskforge/orchestrator/internal/models"
	"github.com/taskforge/orchestrator/internal/statemachine"
	"github.com/taskforge/orchestrator/internal/store"
	"github.com/taskforge/orchestrator/internal/telemetry"
	"github.com/taskforge/orchestrator/internal/webhook"
)

// MarkRunning records a worker picking up the job: QUEUED -> RUNNING with
// started_at stamped.
func (m *Manager) MarkRunning(ctx context.Context, jobID string, workerID *string) (*models.Job, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	rec, err := m.auditor.Transition(job, models.StatusRunning, models.TriggeredBySystem, workerID, nil, nil, true)
	if err != nil {
		return nil, err
	}
	now := m.now()
	updated, err := m.store.ApplyTransition(ctx, store.Transition{
		JobID: job.ID,
		From:  job.Status,
		To:    models.StatusRunning,
		Audit: rec,
		Set:   store.JobUpdate{StartedAt: &now},
	})
	if err != nil {
		return nil, err
	}
	telemetry.TransitionVec.WithLabelValues(string(models.StatusRunning)).Inc()
	return updated, nil
}

// MarkCompleted finishes the job successfully: duration computed from
// started_at, progress forced to 100, dependents unblocked.
func (m *Manager) MarkCompleted(ctx context.Context, jobID string, resultData map[string]any, costUSD *decimal.Decimal) (*models.Job, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	rec, err := m.auditor.Transition(job, models.StatusCompleted, models.TriggeredBySystem, nil, nil, nil, true)
	if err != nil {
		return nil, err
	}
	now := m.now()
	set := store.JobUpdate{CompletedAt: &now, ResultData: resultData}
	if job.StartedAt != nil {
		d := now.Sub(*job.StartedAt).Milliseconds()
		set.DurationMS = &d
	}
	if costUSD != nil {
		set.CostUSD = costUSD
	}
	full := 100.0
	set.ForceProgress = &full

	updated, err := m.store.ApplyTransition(ctx, store.Transition{
		JobID: job.ID,
		From:  job.Status,
		To:    models.StatusCompleted,
		Audit: rec,
		Set:   set,
	})
	if err != nil {
		return nil, err
	}
	telemetry.TransitionVec.WithLabelValues(string(models.StatusCompleted)).Inc()
	m.forgetProgress(updated.ID)
	m.log.Info().Str("job_id", updated.ID).Msg("job completed")

	if m.webhooks != nil {
		progress, _ := m.store.GetProgress(ctx, updated.ID)
		m.webhooks.Fire(ctx, updated, webhook.EventCompleted, progress)
	}
	m.cascade(ctx, updated)
	return updated, nil
}

// MarkFailed records a worker failure. With retry budget left and
// shouldRetry set, the job walks RUNNING -> FAILED -> RETRYING and the
// retry count increments; otherwise it lands in terminal FAILED and failure
// cascades to dependents.
func (m *Manager) MarkFailed(ctx context.Context, jobID, errorMessage string, shouldRetry bool) (*models.Job, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	failRec, err := m.auditor.Transition(job, models.StatusFailed, models.TriggeredBySystem, nil, &errorMessage, nil, true)
	if err != nil {
		return nil, err
	}
	now := m.now()

	if shouldRetry && job.RetryCount < job.MaxRetries {
		failed, err := m.store.ApplyTransition(ctx, store.Transition{
			JobID: job.ID,
			From:  job.Status,
			To:    models.StatusFailed,
			Audit: failRec,
			Set:   store.JobUpdate{ErrorMessage: &errorMessage},
		})
		if err != nil {
			return nil, err
		}
		telemetry.TransitionVec.WithLabelValues(string(models.StatusFailed)).Inc()

		retries := failed.RetryCount + 1
		reason := fmt.Sprintf("Retry %d/%d: %s", retries, failed.MaxRetries, errorMessage)
		delay := m.NextRetryDelay(retries)
		retryRec, err := m.auditor.Transition(failed, models.StatusRetrying, models.TriggeredBySystem, nil, &reason,
			map[string]any{"retry_delay_ms": delay.Milliseconds()}, true)
		if err != nil {
			return nil, err
		}
		updated, err := m.store.ApplyTransition(ctx, store.Transition{
			JobID: failed.ID,
			From:  models.StatusFailed,
			To:    models.StatusRetrying,
			Audit: retryRec,
			Set:   store.JobUpdate{RetryCount: &retries},
		})
		if err != nil {
			return nil, err
		}
		telemetry.TransitionVec.WithLabelValues(string(models.StatusRetrying)).Inc()
		m.log.Info().
			Str("job_id", updated.ID).
			Int("retry", retries).
			Int("max_retries", updated.MaxRetries).
			Dur("delay", delay).
			Msg("job scheduled for retry")
		return updated, nil
	}

	set := store.JobUpdate{CompletedAt: &now, ErrorMessage: &errorMessage}
	if job.StartedAt != nil {
		d := now.Sub(*job.StartedAt).Milliseconds()
		set.DurationMS = &d
	}
	updated, err := m.store.ApplyTransition(ctx, store.Transition{
		JobID: job.ID,
		From:  job.Status,
		To:    models.StatusFailed,
		Audit: failRec,
		Set:   set,
	})
	if err != nil {
		return nil, err
	}
	telemetry.TransitionVec.WithLabelValues(string(models.StatusFailed)).Inc()
	m.forgetProgress(updated.ID)
	m.log.Warn().Str("job_id", updated.ID).Str("error", errorMessage).Msg("job failed terminally")

	if m.webhooks != nil {
		m.webhooks.Fire(ctx, updated, webhook.EventFailed, nil)
	}
	m.cascade(ctx, updated)
	return updated, nil
}

// Cancel moves the job to CANCELLED when its current state allows it,
// returning false (without error) for jobs already terminal or otherwise
// uncancellable. Cancellation cascades to required dependents.
func (m *Manager) Cancel(ctx context.Context, jobID, reason string, actorID *string) (bool, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	ok, err := m.cancelOnce(ctx, job, reason, actorID, models.TriggeredByUser)
	if err != nil || !ok {
		return ok, err
	}
	cancelled, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return true, nil
	}
	m.cascade(ctx, cancelled)
	return true, nil
}

// CancelBulk cancels each id best-effort; unknown ids map to false rather
// than aborting the batch.
func (m *Manager) CancelBulk(ctx context.Context, jobIDs []string, reason string, actorID *string) map[string]bool {
	out := make(map[string]bool, len(jobIDs))
	for _, id := range jobIDs {
		ok, err := m.Cancel(ctx, id, reason, actorID)
		if err != nil {
			if !errors.Is(err, store.ErrJobNotFound) {
				m.log.Warn().Err(err).Str("job_id", id).Msg("bulk cancel item failed")
			}
			out[id] = false
			continue
		}
		out[id] = ok
	}
	return out
}

// cancelOnce applies a single cancellation without cascading. Lost CAS races
// report false rather than an error: the other transition won.
func (m *Manager) cancelOnce(ctx context.Context, job *models.Job, reason string, actorID *string, triggeredBy string) (bool, error) {
	if !statemachine.Cancellable(job.Status) {
		return false, nil
	}
	rec, err := m.auditor.Transition(job, models.StatusCancelled, triggeredBy, actorID, &reason, nil, true)
	if err != nil {
		return false, err
	}
	now := m.now()
	_, err = m.store.ApplyTransition(ctx, store.Transition{
		JobID: job.ID,
		From:  job.Status,
		To:    models.StatusCancelled,
		Audit: rec,
		Set:   store.JobUpdate{CompletedAt: &now, CancelReason: &reason},
	})
	if err != nil {
		var te *statemachine.TransitionError
		if errors.As(err, &te) {
			return false, nil
		}
		return false, err
	}
	telemetry.TransitionVec.WithLabelValues(string(models.StatusCancelled)).Inc()
	m.forgetProgress(job.ID)
	m.log.Info().Str("job_id", job.ID).Str("reason", reason).Str("triggered_by", triggeredBy).Msg("job cancelled")

	if m.publisher != nil {
		if err := m.publisher.Remove(ctx, job.ID); err != nil {
			m.log.Warn().Err(err).Str("job_id", job.ID).Msg("remove from queue")
		}
	}
	if m.webhooks != nil {
		if cancelled, gerr := m.store.GetJob(ctx, job.ID); gerr == nil {
			m.webhooks.Fire(ctx, cancelled, webhook.EventCancelled, nil)
		}
	}
	return true, nil
}

// Pause suspends a RUNNING job, returning false for any other state.
func (m *Manager) Pause(ctx context.Context, jobID string, resumeAt *time.Time, actorID *string) (bool, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.Status != models.StatusRunning {
		return false, nil
	}
	var extra map[string]any
	if resumeAt != nil {
		extra = map[string]any{"resume_at": resumeAt.Format(time.RFC3339)}
	}
	rec, err := m.auditor.Transition(job, models.StatusPaused, models.TriggeredByUser, actorID, nil, extra, true)
	if err != nil {
		return false, err
	}
	now := m.now()
	_, err = m.store.ApplyTransition(ctx, store.Transition{
		JobID: job.ID,
		From:  models.StatusRunning,
		To:    models.StatusPaused,
		Audit: rec,
		Set:   store.JobUpdate{PausedAt: &now},
	})
	if err != nil {
		var te *statemachine.TransitionError
		if errors.As(err, &te) {
			return false, nil
		}
		return false, err
	}
	telemetry.TransitionVec.WithLabelValues(string(models.StatusPaused)).Inc()
	return true, nil
}

// Resume moves a PAUSED job back into QUEUED, clearing paused_at and
// republishing its score.
func (m *Manager) Resume(ctx context.Context, jobID string, actorID *string) (bool, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.Status != models.StatusPaused {
		return false, nil
	}
	if _, err := m.queueJob(ctx, job, models.TriggeredByUser); err != nil {
		var te *statemachine.TransitionError
		if errors.As(err, &te) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// NextRetryDelay computes the backoff before a retry re-queues:
// base * mult^(n-1), capped at the configured maximum.
func (m *Manager) NextRetryDelay(retryCount int) time.Duration {
	base := m.cfg.RetryBackoffBase
	if base <= 0 {
		base = 2 * time.Second
	}
	mult := m.cfg.RetryBackoffMult
	if mult < 1 {
		mult = 2
	}
	max := m.cfg.RetryBackoffMax
	if max <= 0 {
		max = 5 * time.Minute
	}
	d := float64(base)
	for i := 1; i < retryCount; i++ {
		d *= mult
		if time.Duration(d) >= max {
			return max
		}
	}
	if time.Duration(d) > max {
		return max
	}
	return time.Duration(d)
}

// SweepRetries re-queues RETRYING jobs whose backoff has elapsed. Intended
// to be driven periodically by the worker loop or a cron.
func (m *Manager) SweepRetries(ctx context.Context) (int, error) {
	jobs, err := m.store.ListJobs(ctx, store.JobFilter{Status: models.StatusRetrying, Limit: m.cfg.CleanupBatchSize})
	if err != nil {
		return 0, err
	}
	now := m.now()
	requeued := 0
	for _, job := range jobs {
		last, err := m.store.LastAudit(ctx, job.ID)
		if err != nil {
			m.log.Warn().Err(err).Str("job_id", job.ID).Msg("read last transition")
			continue
		}
		due := job.CreatedAt
		if last != nil {
			due = last.CreatedAt
		}
		if now.Before(due.Add(m.NextRetryDelay(job.RetryCount))) {
			continue
		}
		if _, err := m.queueJob(ctx, job, models.TriggeredBySystem); err != nil {
			m.log.Warn().Err(err).Str("job_id", job.ID).Msg("requeue retry")
			continue
		}
		requeued++
	}
	return requeued, nil
}

// SweepTimeouts cancels RUNNING jobs whose timeout elapsed. Driven by a
// periodic external scan, not an in-process timer.
func (m *Manager) SweepTimeouts(ctx context.Context) (int, error) {
	jobs, err := m.store.ListTimedOut(ctx, m.now(), m.cfg.CleanupBatchSize)
	if err != nil {
		return 0, err
	}
	cancelled := 0
	for _, job := range jobs {
		timeout := 0
		if job.TimeoutSeconds != nil {
			timeout = *job.TimeoutSeconds
		}
		reason := fmt.Sprintf("Timed out after %d seconds", timeout)
		ok, err := m.cancelOnce(ctx, job, reason, nil, models.TriggeredByTimeout)
		if err != nil {
			m.log.Warn().Err(err).Str("job_id", job.ID).Msg("timeout cancel")
			continue
		}
		if ok {
			cancelled++
			if c, gerr := m.store.GetJob(ctx, job.ID); gerr == nil {
				m.cascade(ctx, c)
			}
		}
	}
	return cancelled, nil
}
