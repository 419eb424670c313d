package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskforge/orchestrator/internal/models"
	"github.com/taskforge/orchestrator/internal/statemachine"
)

func newID() string {
	return uuid.New().String()
}

// Memory is a mutex-guarded in-memory Store used by tests and local runs.
// It applies the same compare-and-swap transition semantics as Postgres.
type Memory struct {
	mu       sync.RWMutex
	jobs     map[string]*models.Job
	audits   map[string][]*models.JobAuditLog
	progress map[string]*models.JobProgress
	labels   map[string]map[string]string
	deps     []*models.JobDependency
	webhooks map[string][]*models.JobWebhook
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:     make(map[string]*models.Job),
		audits:   make(map[string][]*models.JobAuditLog),
		progress: make(map[string]*models.JobProgress),
		labels:   make(map[string]map[string]string),
		webhooks: make(map[string][]*models.JobWebhook),
	}
}

func copyJob(j *models.Job) *models.Job {
	c := *j
	return &c
}

func (s *Memory) CreateJob(ctx context.Context, sub Submission) error {
	return s.CreateJobs(ctx, []Submission{sub})
}

func (s *Memory) CreateJobs(_ context.Context, subs []Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range subs {
		if _, exists := s.jobs[sub.Job.ID]; exists {
			return fmt.Errorf("duplicate job id %s", sub.Job.ID)
		}
	}
	for _, sub := range subs {
		s.jobs[sub.Job.ID] = copyJob(sub.Job)
		if sub.Progress != nil {
			p := *sub.Progress
			s.progress[sub.Job.ID] = &p
		}
		if len(sub.Labels) > 0 {
			m := make(map[string]string, len(sub.Labels))
			for k, v := range sub.Labels {
				m[k] = v
			}
			s.labels[sub.Job.ID] = m
		}
		for _, dep := range sub.Dependencies {
			d := *dep
			s.deps = append(s.deps, &d)
		}
		if sub.Webhook != nil {
			wh := *sub.Webhook
			s.webhooks[sub.Job.ID] = append(s.webhooks[sub.Job.ID], &wh)
		}
		if sub.Creation != nil {
			rec := *sub.Creation
			s.audits[sub.Job.ID] = append(s.audits[sub.Job.ID], &rec)
		}
	}
	return nil
}

func (s *Memory) GetJob(_ context.Context, id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}
	return copyJob(job), nil
}

func (s *Memory) ApplyTransition(_ context.Context, t Transition) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[t.JobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", t.JobID, ErrJobNotFound)
	}
	if job.Status != t.From {
		return nil, &statemachine.TransitionError{JobID: t.JobID, From: job.Status, To: t.To}
	}
	job.Status = t.To
	u := t.Set
	if u.QueuedAt != nil {
		v := *u.QueuedAt
		job.QueuedAt = &v
	}
	if u.StartedAt != nil {
		v := *u.StartedAt
		job.StartedAt = &v
	}
	if u.CompletedAt != nil {
		v := *u.CompletedAt
		job.CompletedAt = &v
	}
	if u.PausedAt != nil {
		v := *u.PausedAt
		job.PausedAt = &v
	}
	if u.ClearPausedAt {
		job.PausedAt = nil
	}
	if u.DurationMS != nil {
		v := *u.DurationMS
		job.DurationMS = &v
	}
	if u.CostUSD != nil {
		job.CostUSD = *u.CostUSD
	}
	if u.ResultData != nil {
		job.ResultData = u.ResultData
	}
	if u.ErrorMessage != nil {
		v := *u.ErrorMessage
		job.ErrorMessage = &v
	}
	if u.CancelReason != nil {
		v := *u.CancelReason
		job.CancelReason = &v
	}
	if u.RetryCount != nil {
		job.RetryCount = *u.RetryCount
	}
	if t.Audit != nil {
		rec := *t.Audit
		s.audits[t.JobID] = append(s.audits[t.JobID], &rec)
	}
	if u.ForceProgress != nil {
		if p, ok := s.progress[t.JobID]; ok {
			p.Percentage = *u.ForceProgress
			p.CompletedStages = p.TotalStages
			p.UpdatedAt = time.Now().UTC()
		}
	}
	return copyJob(job), nil
}

func (s *Memory) ListJobs(_ context.Context, f JobFilter) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var jobs []*models.Job
	for _, job := range s.jobs {
		if f.TenantID != "" && job.TenantID != f.TenantID {
			continue
		}
		if f.Status != "" && job.Status != f.Status {
			continue
		}
		if f.TaskName != "" && job.TaskName != f.TaskName {
			continue
		}
		jobs = append(jobs, copyJob(job))
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return strings.Compare(jobs[i].ID, jobs[j].ID) > 0
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if f.Offset >= len(jobs) {
		return nil, nil
	}
	jobs = jobs[f.Offset:]
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *Memory) GetJobsByLabels(_ context.Context, tenantID string, labels map[string]string) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var jobs []*models.Job
	for id, job := range s.jobs {
		if job.TenantID != tenantID {
			continue
		}
		have := s.labels[id]
		match := true
		for k, v := range labels {
			if have[k] != v {
				match = false
				break
			}
		}
		if match {
			jobs = append(jobs, copyJob(job))
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	return jobs, nil
}

func (s *Memory) GetChildren(_ context.Context, parentID string) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var jobs []*models.Job
	for _, job := range s.jobs {
		if job.ParentJobID != nil && *job.ParentJobID == parentID {
			jobs = append(jobs, copyJob(job))
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, nil
}

func (s *Memory) ListTimedOut(_ context.Context, now time.Time, limit int) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	var jobs []*models.Job
	for _, job := range s.jobs {
		if job.Status != models.StatusRunning || job.TimeoutSeconds == nil || job.StartedAt == nil {
			continue
		}
		deadline := job.StartedAt.Add(time.Duration(*job.TimeoutSeconds) * time.Second)
		if !deadline.After(now) {
			jobs = append(jobs, copyJob(job))
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].StartedAt.Before(*jobs[j].StartedAt) })
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *Memory) AuditHistory(_ context.Context, jobID string, limit, offset int) ([]*models.JobAuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 50
	}
	recs := s.audits[jobID]
	out := make([]*models.JobAuditLog, 0, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		rec := *recs[i]
		out = append(out, &rec)
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Memory) LastAudit(_ context.Context, jobID string) (*models.JobAuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.audits[jobID]
	if len(recs) == 0 {
		return nil, nil
	}
	rec := *recs[len(recs)-1]
	return &rec, nil
}

func (s *Memory) CountAudits(_ context.Context, f AuditFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, rec := range s.audits[f.JobID] {
		if f.From != nil && (rec.FromStatus == nil || *rec.FromStatus != *f.From) {
			continue
		}
		if f.To != nil && rec.ToStatus != *f.To {
			continue
		}
		if f.Since != nil && rec.CreatedAt.Before(*f.Since) {
			continue
		}
		n++
	}
	return n, nil
}

func (s *Memory) GetProgress(_ context.Context, jobID string) (*models.JobProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.progress[jobID]
	if !ok {
		return nil, nil
	}
	c := *p
	return &c, nil
}

func (s *Memory) UpdateProgress(_ context.Context, jobID string, u ProgressUpdate) (*models.JobProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.progress[jobID]
	if !ok {
		return nil, nil
	}
	if u.Percentage != nil {
		p.Percentage = *u.Percentage
	}
	if u.Stage != nil {
		p.CurrentStage = *u.Stage
	}
	if u.CurrentItem != nil {
		p.CurrentItem = *u.CurrentItem
	}
	if u.TotalItems != nil {
		p.TotalItems = *u.TotalItems
	}
	if u.Message != nil {
		v := *u.Message
		p.Message = &v
	}
	if u.EstimatedCompletion != nil {
		v := *u.EstimatedCompletion
		p.EstimatedCompletion = &v
	}
	p.UpdatedAt = time.Now().UTC()
	c := *p
	return &c, nil
}

func (s *Memory) GetLabels(_ context.Context, jobID string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[string]string{}
	for k, v := range s.labels[jobID] {
		out[k] = v
	}
	return out, nil
}

func (s *Memory) GetDependencies(_ context.Context, jobID string) ([]*models.JobDependency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.JobDependency
	for _, dep := range s.deps {
		if dep.JobID == jobID {
			d := *dep
			out = append(out, &d)
		}
	}
	return out, nil
}

func (s *Memory) GetDependents(_ context.Context, jobID string) ([]*models.JobDependency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.JobDependency
	for _, dep := range s.deps {
		if dep.DependsOnID == jobID {
			d := *dep
			out = append(out, &d)
		}
	}
	return out, nil
}

func (s *Memory) SatisfyDependents(_ context.Context, dependsOnID string, at time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, dep := range s.deps {
		if dep.DependsOnID == dependsOnID && !dep.Satisfied {
			dep.Satisfied = true
			t := at
			dep.SatisfiedAt = &t
			ids = append(ids, dep.JobID)
		}
	}
	return ids, nil
}

func (s *Memory) ListReadyPending(_ context.Context, limit int) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	hasDeps := map[string]bool{}
	blocked := map[string]bool{}
	for _, dep := range s.deps {
		hasDeps[dep.JobID] = true
		if dep.Required && !dep.Satisfied {
			blocked[dep.JobID] = true
		}
	}
	var jobs []*models.Job
	for id, job := range s.jobs {
		if job.Status == models.StatusPending && hasDeps[id] && !blocked[id] {
			jobs = append(jobs, copyJob(job))
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *Memory) GetWebhooks(_ context.Context, jobID string) ([]*models.JobWebhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.JobWebhook
	for _, wh := range s.webhooks[jobID] {
		c := *wh
		out = append(out, &c)
	}
	return out, nil
}

func (s *Memory) RecordWebhookAttempt(_ context.Context, webhookID string, success bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, hooks := range s.webhooks {
		for _, wh := range hooks {
			if wh.ID != webhookID {
				continue
			}
			t := at
			wh.LastAttempt = &t
			if success {
				wh.LastSuccess = &t
				wh.FailureCount = 0
			} else {
				wh.FailureCount++
			}
			return nil
		}
	}
	return fmt.Errorf("webhook %s not found", webhookID)
}
