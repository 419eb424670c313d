package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/taskforge/orchestrator/internal/models"
	"github.com/taskforge/orchestrator/internal/statemachine"
)

// Postgres wraps pgxpool for durable persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, tenant_id, parent_job_id, task_name, task_args, status, priority,
	timeout_seconds, scheduled_at, retry_count, max_retries, created_at, queued_at,
	started_at, completed_at, paused_at, duration_ms, cost_usd::text, result_data,
	error_message, cancel_reason`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job        models.Job
		parent     pgtype.Text
		argsJSON   []byte
		status     string
		timeout    pgtype.Int4
		scheduled  pgtype.Timestamptz
		queuedAt   pgtype.Timestamptz
		startedAt  pgtype.Timestamptz
		completed  pgtype.Timestamptz
		pausedAt   pgtype.Timestamptz
		durationMS pgtype.Int8
		costText   string
		resultJSON []byte
		errMsg     pgtype.Text
		cancelWhy  pgtype.Text
	)
	if err := row.Scan(
		&job.ID, &job.TenantID, &parent, &job.TaskName, &argsJSON, &status, &job.Priority,
		&timeout, &scheduled, &job.RetryCount, &job.MaxRetries, &job.CreatedAt, &queuedAt,
		&startedAt, &completed, &pausedAt, &durationMS, &costText, &resultJSON,
		&errMsg, &cancelWhy,
	); err != nil {
		return nil, err
	}
	job.Status = models.JobStatus(status)
	job.ParentJobID = textPtr(parent)
	if len(argsJSON) > 0 {
		if err := json.Unmarshal(argsJSON, &job.TaskArgs); err != nil {
			return nil, fmt.Errorf("unmarshal task args: %w", err)
		}
	}
	if timeout.Valid {
		v := int(timeout.Int32)
		job.TimeoutSeconds = &v
	}
	job.ScheduledAt = timePtr(scheduled)
	job.QueuedAt = timePtr(queuedAt)
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completed)
	job.PausedAt = timePtr(pausedAt)
	if durationMS.Valid {
		v := durationMS.Int64
		job.DurationMS = &v
	}
	cost, err := decimal.NewFromString(costText)
	if err != nil {
		return nil, fmt.Errorf("parse cost: %w", err)
	}
	job.CostUSD = cost
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &job.ResultData); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	job.ErrorMessage = textPtr(errMsg)
	job.CancelReason = textPtr(cancelWhy)
	return &job, nil
}

// CreateJob inserts the job and every dependent row in one transaction.
func (s *Postgres) CreateJob(ctx context.Context, sub Submission) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if err := createJobTx(ctx, tx, sub); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// CreateJobs inserts a batch of submissions in a single transaction, so a
// failure leaves no partial batch behind.
func (s *Postgres) CreateJobs(ctx context.Context, subs []Submission) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, sub := range subs {
		if err := createJobTx(ctx, tx, sub); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func createJobTx(ctx context.Context, tx pgx.Tx, sub Submission) error {
	job := sub.Job
	argsJSON, err := json.Marshal(job.TaskArgs)
	if err != nil {
		return fmt.Errorf("marshal task args: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, tenant_id, parent_job_id, task_name, task_args, status, priority,
			timeout_seconds, scheduled_at, retry_count, max_retries, created_at, cost_usd)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13::numeric)
	`, job.ID, job.TenantID, job.ParentJobID, job.TaskName, argsJSON, string(job.Status),
		int(job.Priority), job.TimeoutSeconds, job.ScheduledAt, job.RetryCount,
		job.MaxRetries, job.CreatedAt, job.CostUSD.String())
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	if p := sub.Progress; p != nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO job_progress (job_id, percentage, current_stage, total_stages,
				completed_stages, current_item, total_items, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, p.JobID, p.Percentage, p.CurrentStage, p.TotalStages, p.CompletedStages,
			p.CurrentItem, p.TotalItems, p.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert progress: %w", err)
		}
	}

	for key, value := range sub.Labels {
		_, err = tx.Exec(ctx, `
			INSERT INTO job_labels (id, job_id, key, value) VALUES ($1, $2, $3, $4)
		`, newID(), job.ID, key, value)
		if err != nil {
			return fmt.Errorf("insert label %q: %w", key, err)
		}
	}

	for _, dep := range sub.Dependencies {
		_, err = tx.Exec(ctx, `
			INSERT INTO job_dependencies (id, job_id, depends_on_id, required, satisfied)
			VALUES ($1, $2, $3, $4, FALSE)
		`, dep.ID, dep.JobID, dep.DependsOnID, dep.Required)
		if err != nil {
			return fmt.Errorf("insert dependency on %s: %w", dep.DependsOnID, err)
		}
	}

	if wh := sub.Webhook; wh != nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO job_webhooks (id, job_id, url, secret, on_completed, on_failed,
				on_cancelled, on_progress, failure_count, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9)
		`, wh.ID, wh.JobID, wh.URL, wh.Secret, wh.OnCompleted, wh.OnFailed,
			wh.OnCancelled, wh.OnProgress, wh.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert webhook: %w", err)
		}
	}

	if sub.Creation != nil {
		if err := insertAuditTx(ctx, tx, sub.Creation); err != nil {
			return err
		}
	}
	return nil
}

func insertAuditTx(ctx context.Context, tx pgx.Tx, rec *models.JobAuditLog) error {
	var extraJSON []byte
	if rec.Extra != nil {
		b, err := json.Marshal(rec.Extra)
		if err != nil {
			return fmt.Errorf("marshal audit extra: %w", err)
		}
		extraJSON = b
	}
	var from *string
	if rec.FromStatus != nil {
		v := string(*rec.FromStatus)
		from = &v
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO job_audit_logs (id, job_id, from_status, to_status, triggered_by,
			actor_id, reason, extra, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rec.ID, rec.JobID, from, string(rec.ToStatus), rec.TriggeredBy,
		rec.ActorID, rec.Reason, extraJSON, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// ApplyTransition atomically swaps status (asserting the expected prior
// status in the WHERE clause), applies field updates, and appends the audit
// record.
func (s *Postgres) ApplyTransition(ctx context.Context, t Transition) (*models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	sets := []string{"status = $3"}
	args := []any{t.JobID, string(t.From), string(t.To)}
	add := func(expr string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf(expr, len(args)))
	}
	u := t.Set
	if u.QueuedAt != nil {
		add("queued_at = $%d", *u.QueuedAt)
	}
	if u.StartedAt != nil {
		add("started_at = $%d", *u.StartedAt)
	}
	if u.CompletedAt != nil {
		add("completed_at = $%d", *u.CompletedAt)
	}
	if u.PausedAt != nil {
		add("paused_at = $%d", *u.PausedAt)
	}
	if u.ClearPausedAt {
		sets = append(sets, "paused_at = NULL")
	}
	if u.DurationMS != nil {
		add("duration_ms = $%d", *u.DurationMS)
	}
	if u.CostUSD != nil {
		add("cost_usd = $%d::numeric", u.CostUSD.String())
	}
	if u.ResultData != nil {
		b, err := json.Marshal(u.ResultData)
		if err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}
		add("result_data = $%d", b)
	}
	if u.ErrorMessage != nil {
		add("error_message = $%d", *u.ErrorMessage)
	}
	if u.CancelReason != nil {
		add("cancel_reason = $%d", *u.CancelReason)
	}
	if u.RetryCount != nil {
		add("retry_count = $%d", *u.RetryCount)
	}

	row := tx.QueryRow(ctx, `
		UPDATE jobs SET `+strings.Join(sets, ", ")+`
		WHERE id = $1 AND status = $2
		RETURNING `+jobColumns, args...)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Precondition failed: distinguish missing job from a lost race.
		var current string
		err := tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, t.JobID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", t.JobID, ErrJobNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("read status: %w", err)
		}
		return nil, &statemachine.TransitionError{JobID: t.JobID, From: models.JobStatus(current), To: t.To}
	}
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}

	if t.Audit != nil {
		if err := insertAuditTx(ctx, tx, t.Audit); err != nil {
			return nil, err
		}
	}
	if u.ForceProgress != nil {
		_, err := tx.Exec(ctx, `
			UPDATE job_progress
			SET percentage = $2, completed_stages = total_stages, updated_at = NOW()
			WHERE job_id = $1
		`, t.JobID, *u.ForceProgress)
		if err != nil {
			return nil, fmt.Errorf("force progress: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

// ListJobs applies the filter with tenant/status/task predicates.
func (s *Postgres) ListJobs(ctx context.Context, f JobFilter) ([]*models.Job, error) {
	where := []string{"TRUE"}
	args := []any{}
	if f.TenantID != "" {
		args = append(args, f.TenantID)
		where = append(where, fmt.Sprintf("tenant_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.TaskName != "" {
		args = append(args, f.TaskName)
		where = append(where, fmt.Sprintf("task_name = $%d", len(args)))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, f.Offset)
	query := fmt.Sprintf(`SELECT %s FROM jobs WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		jobColumns, strings.Join(where, " AND "), len(args)-1, len(args))
	return s.queryJobs(ctx, query, args...)
}

// GetJobsByLabels returns jobs matching every provided label pair.
func (s *Postgres) GetJobsByLabels(ctx context.Context, tenantID string, labels map[string]string) ([]*models.Job, error) {
	where := []string{"j.tenant_id = $1"}
	args := []any{tenantID}
	for key, value := range labels {
		args = append(args, key, value)
		where = append(where, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM job_labels l WHERE l.job_id = j.id AND l.key = $%d AND l.value = $%d)",
			len(args)-1, len(args)))
	}
	query := fmt.Sprintf(`SELECT %s FROM jobs j WHERE %s ORDER BY created_at DESC`,
		jobColumns, strings.Join(where, " AND "))
	return s.queryJobs(ctx, query, args...)
}

// GetChildren returns jobs whose parent_job_id is parentID.
func (s *Postgres) GetChildren(ctx context.Context, parentID string) ([]*models.Job, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE parent_job_id = $1 ORDER BY created_at`, parentID)
}

// ListTimedOut returns RUNNING jobs whose timeout elapsed before now.
func (s *Postgres) ListTimedOut(ctx context.Context, now time.Time, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1 AND timeout_seconds IS NOT NULL AND started_at IS NOT NULL
		  AND started_at + make_interval(secs => timeout_seconds) <= $2
		ORDER BY started_at LIMIT $3
	`, string(models.StatusRunning), now, limit)
}

func (s *Postgres) queryJobs(ctx context.Context, query string, args ...any) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()
	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// AuditHistory returns transitions newest-first.
func (s *Postgres) AuditHistory(ctx context.Context, jobID string, limit, offset int) ([]*models.JobAuditLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, from_status, to_status, triggered_by, actor_id, reason, extra, created_at
		FROM job_audit_logs WHERE job_id = $1
		ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3
	`, jobID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()
	var logs []*models.JobAuditLog
	for rows.Next() {
		rec, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, rec)
	}
	return logs, rows.Err()
}

// LastAudit returns the most recent transition, or nil when none exist.
func (s *Postgres) LastAudit(ctx context.Context, jobID string) (*models.JobAuditLog, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, job_id, from_status, to_status, triggered_by, actor_id, reason, extra, created_at
		FROM job_audit_logs WHERE job_id = $1
		ORDER BY created_at DESC, id DESC LIMIT 1
	`, jobID)
	rec, err := scanAudit(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// CountAudits counts transitions matching the filter.
func (s *Postgres) CountAudits(ctx context.Context, f AuditFilter) (int64, error) {
	where := []string{"job_id = $1"}
	args := []any{f.JobID}
	if f.From != nil {
		args = append(args, string(*f.From))
		where = append(where, fmt.Sprintf("from_status = $%d", len(args)))
	}
	if f.To != nil {
		args = append(args, string(*f.To))
		where = append(where, fmt.Sprintf("to_status = $%d", len(args)))
	}
	if f.Since != nil {
		args = append(args, *f.Since)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM job_audit_logs WHERE `+strings.Join(where, " AND "), args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count audit: %w", err)
	}
	return n, nil
}

func scanAudit(row rowScanner) (*models.JobAuditLog, error) {
	var (
		rec       models.JobAuditLog
		from      pgtype.Text
		actor     pgtype.Text
		reason    pgtype.Text
		extraJSON []byte
	)
	if err := row.Scan(&rec.ID, &rec.JobID, &from, &rec.ToStatus, &rec.TriggeredBy,
		&actor, &reason, &extraJSON, &rec.CreatedAt); err != nil {
		return nil, err
	}
	if from.Valid {
		st := models.JobStatus(from.String)
		rec.FromStatus = &st
	}
	rec.ActorID = textPtr(actor)
	rec.Reason = textPtr(reason)
	if len(extraJSON) > 0 {
		if err := json.Unmarshal(extraJSON, &rec.Extra); err != nil {
			return nil, fmt.Errorf("unmarshal audit extra: %w", err)
		}
	}
	return &rec, nil
}

// GetProgress returns the progress row, or nil when none exists.
func (s *Postgres) GetProgress(ctx context.Context, jobID string) (*models.JobProgress, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT job_id, percentage, current_stage, total_stages, completed_stages,
			current_item, total_items, estimated_completion, message, updated_at
		FROM job_progress WHERE job_id = $1
	`, jobID)
	p, err := scanProgress(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// UpdateProgress applies the partial update, returning nil when the job has
// no progress row.
func (s *Postgres) UpdateProgress(ctx context.Context, jobID string, u ProgressUpdate) (*models.JobProgress, error) {
	sets := []string{"updated_at = NOW()"}
	args := []any{jobID}
	add := func(expr string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf(expr, len(args)))
	}
	if u.Percentage != nil {
		add("percentage = $%d", *u.Percentage)
	}
	if u.Stage != nil {
		add("current_stage = $%d", *u.Stage)
	}
	if u.CurrentItem != nil {
		add("current_item = $%d", *u.CurrentItem)
	}
	if u.TotalItems != nil {
		add("total_items = $%d", *u.TotalItems)
	}
	if u.Message != nil {
		add("message = $%d", *u.Message)
	}
	if u.EstimatedCompletion != nil {
		add("estimated_completion = $%d", *u.EstimatedCompletion)
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE job_progress SET `+strings.Join(sets, ", ")+`
		WHERE job_id = $1
		RETURNING job_id, percentage, current_stage, total_stages, completed_stages,
			current_item, total_items, estimated_completion, message, updated_at
	`, args...)
	p, err := scanProgress(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func scanProgress(row rowScanner) (*models.JobProgress, error) {
	var (
		p       models.JobProgress
		eta     pgtype.Timestamptz
		message pgtype.Text
	)
	if err := row.Scan(&p.JobID, &p.Percentage, &p.CurrentStage, &p.TotalStages,
		&p.CompletedStages, &p.CurrentItem, &p.TotalItems, &eta, &message, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.EstimatedCompletion = timePtr(eta)
	p.Message = textPtr(message)
	return &p, nil
}

// GetLabels returns the job's label pairs.
func (s *Postgres) GetLabels(ctx context.Context, jobID string) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value FROM job_labels WHERE job_id = $1`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query labels: %w", err)
	}
	defer rows.Close()
	labels := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		labels[k] = v
	}
	return labels, rows.Err()
}

// GetDependencies returns edges where jobID is the dependent.
func (s *Postgres) GetDependencies(ctx context.Context, jobID string) ([]*models.JobDependency, error) {
	return s.queryDeps(ctx, `
		SELECT id, job_id, depends_on_id, required, satisfied, satisfied_at
		FROM job_dependencies WHERE job_id = $1
	`, jobID)
}

// GetDependents returns edges where jobID is the depends_on target.
func (s *Postgres) GetDependents(ctx context.Context, jobID string) ([]*models.JobDependency, error) {
	return s.queryDeps(ctx, `
		SELECT id, job_id, depends_on_id, required, satisfied, satisfied_at
		FROM job_dependencies WHERE depends_on_id = $1
	`, jobID)
}

func (s *Postgres) queryDeps(ctx context.Context, query string, args ...any) ([]*models.JobDependency, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query dependencies: %w", err)
	}
	defer rows.Close()
	var deps []*models.JobDependency
	for rows.Next() {
		var (
			dep models.JobDependency
			at  pgtype.Timestamptz
		)
		if err := rows.Scan(&dep.ID, &dep.JobID, &dep.DependsOnID, &dep.Required,
			&dep.Satisfied, &at); err != nil {
			return nil, err
		}
		dep.SatisfiedAt = timePtr(at)
		deps = append(deps, &dep)
	}
	return deps, rows.Err()
}

// SatisfyDependents marks unsatisfied edges pointing at dependsOnID as
// satisfied and returns the dependent job ids.
func (s *Postgres) SatisfyDependents(ctx context.Context, dependsOnID string, at time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE job_dependencies SET satisfied = TRUE, satisfied_at = $2
		WHERE depends_on_id = $1 AND NOT satisfied
		RETURNING job_id
	`, dependsOnID, at)
	if err != nil {
		return nil, fmt.Errorf("satisfy dependents: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListReadyPending returns PENDING jobs whose required dependency edges are
// all satisfied, bounded by limit.
func (s *Postgres) ListReadyPending(ctx context.Context, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1
		  AND EXISTS (SELECT 1 FROM job_dependencies d WHERE d.job_id = jobs.id)
		  AND NOT EXISTS (
			SELECT 1 FROM job_dependencies d
			WHERE d.job_id = jobs.id AND d.required AND NOT d.satisfied
		  )
		ORDER BY created_at LIMIT $2
	`, string(models.StatusPending), limit)
}

// GetWebhooks returns the job's webhook subscriptions.
func (s *Postgres) GetWebhooks(ctx context.Context, jobID string) ([]*models.JobWebhook, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, url, secret, on_completed, on_failed, on_cancelled, on_progress,
			last_attempt, last_success, failure_count, created_at
		FROM job_webhooks WHERE job_id = $1
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query webhooks: %w", err)
	}
	defer rows.Close()
	var hooks []*models.JobWebhook
	for rows.Next() {
		var (
			wh      models.JobWebhook
			secret  pgtype.Text
			attempt pgtype.Timestamptz
			success pgtype.Timestamptz
		)
		if err := rows.Scan(&wh.ID, &wh.JobID, &wh.URL, &secret, &wh.OnCompleted,
			&wh.OnFailed, &wh.OnCancelled, &wh.OnProgress, &attempt, &success,
			&wh.FailureCount, &wh.CreatedAt); err != nil {
			return nil, err
		}
		wh.Secret = textPtr(secret)
		wh.LastAttempt = timePtr(attempt)
		wh.LastSuccess = timePtr(success)
		hooks = append(hooks, &wh)
	}
	return hooks, rows.Err()
}

// RecordWebhookAttempt updates delivery bookkeeping for one subscription.
func (s *Postgres) RecordWebhookAttempt(ctx context.Context, webhookID string, success bool, at time.Time) error {
	var err error
	if success {
		_, err = s.pool.Exec(ctx, `
			UPDATE job_webhooks SET last_attempt = $2, last_success = $2, failure_count = 0
			WHERE id = $1
		`, webhookID, at)
	} else {
		_, err = s.pool.Exec(ctx, `
			UPDATE job_webhooks SET last_attempt = $2, failure_count = failure_count + 1
			WHERE id = $1
		`, webhookID, at)
	}
	return err
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
