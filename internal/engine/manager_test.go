package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/taskforge/orchestrator/internal/config"
	"github.com/taskforge/orchestrator/internal/models"
	"github.com/taskforge/orchestrator/internal/statemachine"
	"github.com/taskforge/orchestrator/internal/store"
	"github.com/taskforge/orchestrator/internal/webhook"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakePublisher struct {
	mu        sync.Mutex
	published map[string]int64
	removed   []string
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{published: map[string]int64{}}
}

func (p *fakePublisher) Publish(_ context.Context, jobID string, score int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published[jobID] = score
	return nil
}

func (p *fakePublisher) Remove(_ context.Context, jobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removed = append(p.removed, jobID)
	return nil
}

func (p *fakePublisher) score(jobID string) (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.published[jobID]
	return s, ok
}

type testEnv struct {
	manager   *Manager
	store     *store.Memory
	publisher *fakePublisher
	sink      *webhook.ChannelSink
	clock     *fakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := store.NewMemory()
	pub := newFakePublisher()
	sink := webhook.NewChannelSink(64)
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	cfg := config.Config{
		DefaultTimeoutSeconds: 3600,
		DefaultMaxRetries:     3,
		RetryBackoffBase:      2 * time.Second,
		RetryBackoffMult:      2,
		RetryBackoffMax:       5 * time.Minute,
		CleanupBatchSize:      500,
		ProgressDebounce:      time.Minute,
		DependencyBatch:       100,
		MaxBulkSubmit:         100,
	}
	m, err := New(Options{
		Config:    cfg,
		Store:     st,
		Publisher: pub,
		Webhooks:  webhook.NewDispatcher(st, sink, zerolog.Nop()),
		Logger:    zerolog.Nop(),
		Now:       clock.Now,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return &testEnv{manager: m, store: st, publisher: pub, sink: sink, clock: clock}
}

func (e *testEnv) submit(t *testing.T, p SubmitParams) *models.Job {
	t.Helper()
	if p.TenantID == "" {
		p.TenantID = "acme"
	}
	if p.TaskName == "" {
		p.TaskName = "render"
	}
	job, err := e.manager.Submit(context.Background(), p)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return job
}

func (e *testEnv) mustStatus(t *testing.T, jobID string, want models.JobStatus) *models.Job {
	t.Helper()
	job, err := e.manager.Get(context.Background(), jobID)
	if err != nil {
		t.Fatalf("get %s: %v", jobID, err)
	}
	if job.Status != want {
		t.Fatalf("job %s status %s, want %s", jobID, job.Status, want)
	}
	return job
}

// drives a QUEUED job into RUNNING
func (e *testEnv) run(t *testing.T, jobID string) *models.Job {
	t.Helper()
	job, err := e.manager.MarkRunning(context.Background(), jobID, nil)
	if err != nil {
		t.Fatalf("mark running %s: %v", jobID, err)
	}
	return job
}

func TestSubmitWithoutDependenciesQueuesImmediately(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	job := e.submit(t, SubmitParams{})
	if job.Status != models.StatusQueued {
		t.Fatalf("status %s, want queued", job.Status)
	}
	if job.QueuedAt == nil {
		t.Fatalf("queued_at not set")
	}
	if job.MaxRetries != 3 {
		t.Fatalf("max_retries %d, want default 3", job.MaxRetries)
	}
	if job.TimeoutSeconds == nil || *job.TimeoutSeconds != 3600 {
		t.Fatalf("timeout not defaulted from config")
	}

	// exactly one creation record and one pending->queued record
	history, err := e.manager.Audit().History(ctx, job.ID, 10, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("audit records %d, want 2", len(history))
	}
	// newest-first
	if history[0].ToStatus != models.StatusQueued || history[0].FromStatus == nil || *history[0].FromStatus != models.StatusPending {
		t.Fatalf("unexpected transition record: %+v", history[0])
	}
	if history[0].TriggeredBy != models.TriggeredBySystem {
		t.Fatalf("queue transition triggered_by %s, want system", history[0].TriggeredBy)
	}
	if history[1].FromStatus != nil || history[1].ToStatus != models.StatusPending {
		t.Fatalf("unexpected creation record: %+v", history[1])
	}

	score, ok := e.publisher.score(job.ID)
	if !ok {
		t.Fatalf("score not published")
	}
	want := models.QueueScore(models.PriorityNormal, job.CreatedAt)
	if score != want {
		t.Fatalf("score %d, want %d", score, want)
	}
}

func TestSubmitWithDependencyStaysPending(t *testing.T) {
	e := newTestEnv(t)

	a := e.submit(t, SubmitParams{})
	b := e.submit(t, SubmitParams{DependsOn: []string{a.ID}})
	if b.Status != models.StatusPending {
		t.Fatalf("dependent status %s, want pending", b.Status)
	}
	if _, ok := e.publisher.score(b.ID); ok {
		t.Fatalf("dependent job must not be published before dependencies resolve")
	}
}

func TestSubmitAfterDependencyCompleted(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	a := e.submit(t, SubmitParams{})
	e.run(t, a.ID)
	if _, err := e.manager.MarkCompleted(ctx, a.ID, nil, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// the dependency finished before the edge existed: created satisfied,
	// job queued immediately
	b := e.submit(t, SubmitParams{DependsOn: []string{a.ID}})
	if b.Status != models.StatusQueued {
		t.Fatalf("status %s, want queued", b.Status)
	}
	deps, err := e.store.GetDependencies(ctx, b.ID)
	if err != nil || len(deps) != 1 {
		t.Fatalf("dependencies: %v err %v", deps, err)
	}
	if !deps[0].Satisfied || deps[0].SatisfiedAt == nil {
		t.Fatalf("edge on completed dependency must be satisfied: %+v", deps[0])
	}
	if _, ok := e.publisher.score(b.ID); !ok {
		t.Fatalf("score not published")
	}
}

func TestSubmitAfterDependencyFailed(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	a := e.submit(t, SubmitParams{})
	e.run(t, a.ID)
	if _, err := e.manager.MarkFailed(ctx, a.ID, "boom", false); err != nil {
		t.Fatalf("fail: %v", err)
	}

	// the failure can never cascade to an edge created afterwards, so the
	// submission lands directly in CANCELLED
	b := e.submit(t, SubmitParams{DependsOn: []string{a.ID}})
	if b.Status != models.StatusCancelled {
		t.Fatalf("status %s, want cancelled", b.Status)
	}
	if b.CancelReason == nil || !strings.Contains(*b.CancelReason, a.ID) || !strings.Contains(*b.CancelReason, "failed") {
		t.Fatalf("cancel reason %v must reference dependency id and status", b.CancelReason)
	}
	last, _ := e.manager.Audit().Last(ctx, b.ID)
	if last.TriggeredBy != models.TriggeredByDependency {
		t.Fatalf("triggered_by %s, want dependency", last.TriggeredBy)
	}
}

func TestSubmitAfterDependencyCancelled(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	a := e.submit(t, SubmitParams{})
	if _, err := e.manager.Cancel(ctx, a.ID, "abort", nil); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	b := e.submit(t, SubmitParams{DependsOn: []string{a.ID}})
	if b.Status != models.StatusCancelled {
		t.Fatalf("status %s, want cancelled", b.Status)
	}
}

func TestSubmitMixedDependenciesStaysPending(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	done := e.submit(t, SubmitParams{})
	e.run(t, done.ID)
	if _, err := e.manager.MarkCompleted(ctx, done.ID, nil, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	open := e.submit(t, SubmitParams{})

	// one edge pre-satisfied, one live: the live edge still gates
	b := e.submit(t, SubmitParams{DependsOn: []string{done.ID, open.ID}})
	if b.Status != models.StatusPending {
		t.Fatalf("status %s, want pending", b.Status)
	}

	e.run(t, open.ID)
	if _, err := e.manager.MarkCompleted(ctx, open.ID, nil, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	e.mustStatus(t, b.ID, models.StatusQueued)
}

func TestSubmitUnknownDependencyFails(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.manager.Submit(context.Background(), SubmitParams{
		TenantID: "acme", TaskName: "render", DependsOn: []string{"no-such-job"},
	})
	if !errors.Is(err, store.ErrJobNotFound) {
		t.Fatalf("err %v, want ErrJobNotFound", err)
	}
}

func TestCompletionSatisfiesDependencyAndQueuesDependent(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	a := e.submit(t, SubmitParams{})
	b := e.submit(t, SubmitParams{DependsOn: []string{a.ID}})

	e.run(t, a.ID)
	if _, err := e.manager.MarkCompleted(ctx, a.ID, map[string]any{"ok": true}, nil); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	e.mustStatus(t, a.ID, models.StatusCompleted)
	queued := e.mustStatus(t, b.ID, models.StatusQueued)
	if queued.QueuedAt == nil {
		t.Fatalf("dependent queued_at not set")
	}

	deps, err := e.manager.GetDependents(ctx, a.ID)
	if err != nil {
		t.Fatalf("dependents: %v", err)
	}
	if len(deps) != 1 || !deps[0].Satisfied || deps[0].SatisfiedAt == nil {
		t.Fatalf("edge not satisfied: %+v", deps[0])
	}

	last, err := e.manager.Audit().Last(ctx, b.ID)
	if err != nil {
		t.Fatalf("last audit: %v", err)
	}
	if last.TriggeredBy != models.TriggeredByDependency {
		t.Fatalf("dependent queue triggered_by %s, want dependency", last.TriggeredBy)
	}
}

func TestDependentNeverQueuedWhileDependencyUnsatisfied(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	a := e.submit(t, SubmitParams{})
	b := e.submit(t, SubmitParams{DependsOn: []string{a.ID}})
	c := e.submit(t, SubmitParams{})

	e.run(t, c.ID)
	if _, err := e.manager.MarkCompleted(ctx, c.ID, nil, nil); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	// Completing an unrelated job re-evaluates readiness; B stays pending.
	e.mustStatus(t, b.ID, models.StatusPending)
}

func TestMarkCompletedRecordsOutcome(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	job := e.submit(t, SubmitParams{})
	e.run(t, job.ID)
	e.clock.Advance(1500 * time.Millisecond)

	cost := decimal.RequireFromString("0.25")
	done, err := e.manager.MarkCompleted(ctx, job.ID, map[string]any{"frames": 42}, &cost)
	if err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	if done.CompletedAt == nil {
		t.Fatalf("completed_at not set")
	}
	if done.DurationMS == nil || *done.DurationMS != 1500 {
		t.Fatalf("duration %v, want 1500", done.DurationMS)
	}
	if !done.CostUSD.Equal(cost) {
		t.Fatalf("cost %s, want %s", done.CostUSD, cost)
	}
	progress, err := e.store.GetProgress(ctx, job.ID)
	if err != nil || progress == nil {
		t.Fatalf("progress: %v", err)
	}
	if progress.Percentage != 100 {
		t.Fatalf("progress %v, want forced 100", progress.Percentage)
	}
}

func TestMarkFailedRetriesUntilBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	job := e.submit(t, SubmitParams{})
	for attempt := 1; attempt <= 3; attempt++ {
		e.run(t, job.ID)
		failed, err := e.manager.MarkFailed(ctx, job.ID, "boom", true)
		if err != nil {
			t.Fatalf("mark failed attempt %d: %v", attempt, err)
		}
		if failed.Status != models.StatusRetrying {
			t.Fatalf("attempt %d status %s, want retrying", attempt, failed.Status)
		}
		if failed.RetryCount != attempt {
			t.Fatalf("attempt %d retry_count %d", attempt, failed.RetryCount)
		}
		last, _ := e.manager.Audit().Last(ctx, job.ID)
		wantReason := fmt.Sprintf("Retry %d/3: boom", attempt)
		if last.Reason == nil || *last.Reason != wantReason {
			t.Fatalf("attempt %d reason %v, want %q", attempt, last.Reason, wantReason)
		}

		// let the backoff elapse, then requeue
		e.clock.Advance(10 * time.Minute)
		n, err := e.manager.SweepRetries(ctx)
		if err != nil || n != 1 {
			t.Fatalf("sweep retries: n=%d err=%v", n, err)
		}
		e.mustStatus(t, job.ID, models.StatusQueued)
	}

	// retry budget exhausted: the 4th failure is terminal
	e.run(t, job.ID)
	failed, err := e.manager.MarkFailed(ctx, job.ID, "boom", true)
	if err != nil {
		t.Fatalf("final mark failed: %v", err)
	}
	if failed.Status != models.StatusFailed {
		t.Fatalf("final status %s, want failed", failed.Status)
	}
	if failed.CompletedAt == nil {
		t.Fatalf("terminal failure must set completed_at")
	}
	if failed.RetryCount != 3 {
		t.Fatalf("retry_count %d exceeds max_retries", failed.RetryCount)
	}
}

func TestMarkFailedWithoutRetryIsTerminal(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	job := e.submit(t, SubmitParams{})
	e.run(t, job.ID)
	failed, err := e.manager.MarkFailed(ctx, job.ID, "fatal", false)
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if failed.Status != models.StatusFailed {
		t.Fatalf("status %s, want failed", failed.Status)
	}
	if failed.RetryCount != 0 {
		t.Fatalf("retry_count %d, want unchanged 0", failed.RetryCount)
	}
	if failed.CompletedAt == nil {
		t.Fatalf("completed_at not set")
	}
	if failed.ErrorMessage == nil || *failed.ErrorMessage != "fatal" {
		t.Fatalf("error message %v", failed.ErrorMessage)
	}
}

func TestFailureCascadesToPendingDependent(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	a := e.submit(t, SubmitParams{})
	b := e.submit(t, SubmitParams{DependsOn: []string{a.ID}})

	e.run(t, a.ID)
	if _, err := e.manager.MarkFailed(ctx, a.ID, "boom", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	cancelled := e.mustStatus(t, b.ID, models.StatusCancelled)
	if cancelled.CancelReason == nil {
		t.Fatalf("cancel reason not set")
	}
	if !strings.Contains(*cancelled.CancelReason, a.ID) || !strings.Contains(*cancelled.CancelReason, "failed") {
		t.Fatalf("cancel reason %q must reference dependency id and status", *cancelled.CancelReason)
	}
	last, _ := e.manager.Audit().Last(ctx, b.ID)
	if last.TriggeredBy != models.TriggeredByDependency {
		t.Fatalf("cascade cancel triggered_by %s", last.TriggeredBy)
	}
}

func TestCancelCascadesTransitively(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	a := e.submit(t, SubmitParams{})
	b := e.submit(t, SubmitParams{DependsOn: []string{a.ID}})
	c := e.submit(t, SubmitParams{DependsOn: []string{b.ID}})

	ok, err := e.manager.Cancel(ctx, a.ID, "operator abort", nil)
	if err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}
	e.mustStatus(t, a.ID, models.StatusCancelled)
	e.mustStatus(t, b.ID, models.StatusCancelled)
	got := e.mustStatus(t, c.ID, models.StatusCancelled)
	if got.CancelReason == nil || !strings.Contains(*got.CancelReason, b.ID) {
		t.Fatalf("transitive cancel reason %v must reference the direct dependency", got.CancelReason)
	}
}

func TestDiamondCascadeCancelsOnce(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	a := e.submit(t, SubmitParams{})
	b := e.submit(t, SubmitParams{DependsOn: []string{a.ID}})
	c := e.submit(t, SubmitParams{DependsOn: []string{a.ID}})
	d := e.submit(t, SubmitParams{DependsOn: []string{b.ID, c.ID}})

	if _, err := e.manager.Cancel(ctx, a.ID, "abort", nil); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	e.mustStatus(t, d.ID, models.StatusCancelled)

	// exactly one cancellation record despite two cancelled parents
	cancelledStatus := models.StatusCancelled
	n, err := e.manager.Audit().Count(ctx, store.AuditFilter{JobID: d.ID, To: &cancelledStatus})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("cancelled audit records %d, want 1", n)
	}
}

func TestCancelSemantics(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	// terminal job: no-op, false
	done := e.submit(t, SubmitParams{})
	e.run(t, done.ID)
	if _, err := e.manager.MarkCompleted(ctx, done.ID, nil, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	ok, err := e.manager.Cancel(ctx, done.ID, "late", nil)
	if err != nil {
		t.Fatalf("cancel terminal: %v", err)
	}
	if ok {
		t.Fatalf("cancel of terminal job must return false")
	}

	// unknown job: typed not-found error
	if _, err := e.manager.Cancel(ctx, "missing", "x", nil); !errors.Is(err, store.ErrJobNotFound) {
		t.Fatalf("err %v, want ErrJobNotFound", err)
	}

	// queued job: cancelled and withdrawn from the queue
	q := e.submit(t, SubmitParams{})
	ok, err = e.manager.Cancel(ctx, q.ID, "abort", nil)
	if err != nil || !ok {
		t.Fatalf("cancel queued: ok=%v err=%v", ok, err)
	}
	got := e.mustStatus(t, q.ID, models.StatusCancelled)
	if got.CompletedAt == nil || got.CancelReason == nil || *got.CancelReason != "abort" {
		t.Fatalf("cancel bookkeeping missing: %+v", got)
	}
	found := false
	for _, id := range e.publisher.removed {
		if id == q.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("cancelled job not removed from queue")
	}
}

func TestCancelBulkBestEffort(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	a := e.submit(t, SubmitParams{})
	results := e.manager.CancelBulk(ctx, []string{a.ID, "missing"}, "cleanup", nil)
	if !results[a.ID] {
		t.Fatalf("expected %s cancelled", a.ID)
	}
	if results["missing"] {
		t.Fatalf("unknown id must map to false")
	}
}

func TestSubmitBulkRejectsOversizedBatch(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	batch := make([]SubmitParams, 101)
	for i := range batch {
		batch[i] = SubmitParams{TenantID: "acme", TaskName: "render"}
	}
	_, err := e.manager.SubmitBulk(ctx, batch)
	if !errors.Is(err, ErrBatchTooLarge) {
		t.Fatalf("err %v, want ErrBatchTooLarge", err)
	}
	jobs, err := e.manager.List(ctx, store.JobFilter{TenantID: "acme", Limit: 500})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("oversized batch created %d jobs, want 0", len(jobs))
	}
}

func TestSubmitBulkCreatesAll(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	batch := []SubmitParams{
		{TenantID: "acme", TaskName: "render"},
		{TenantID: "acme", TaskName: "encode"},
	}
	jobs, err := e.manager.SubmitBulk(ctx, batch)
	if err != nil {
		t.Fatalf("bulk: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("jobs %d, want 2", len(jobs))
	}
	for _, job := range jobs {
		if job.Status != models.StatusQueued {
			t.Fatalf("bulk job %s status %s, want queued", job.ID, job.Status)
		}
	}
}

func TestPauseResume(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	job := e.submit(t, SubmitParams{})

	// pause is only valid from RUNNING
	ok, err := e.manager.Pause(ctx, job.ID, nil, nil)
	if err != nil {
		t.Fatalf("pause queued: %v", err)
	}
	if ok {
		t.Fatalf("pause of queued job must return false")
	}

	e.run(t, job.ID)
	ok, err = e.manager.Pause(ctx, job.ID, nil, nil)
	if err != nil || !ok {
		t.Fatalf("pause running: ok=%v err=%v", ok, err)
	}
	paused := e.mustStatus(t, job.ID, models.StatusPaused)
	if paused.PausedAt == nil {
		t.Fatalf("paused_at not set")
	}

	// resume only from PAUSED, back to QUEUED with paused_at cleared
	ok, err = e.manager.Resume(ctx, job.ID, nil)
	if err != nil || !ok {
		t.Fatalf("resume: ok=%v err=%v", ok, err)
	}
	resumed := e.mustStatus(t, job.ID, models.StatusQueued)
	if resumed.PausedAt != nil {
		t.Fatalf("paused_at not cleared on resume")
	}
	if resumed.QueuedAt == nil {
		t.Fatalf("queued_at not set on resume")
	}

	ok, err = e.manager.Resume(ctx, job.ID, nil)
	if err != nil {
		t.Fatalf("double resume: %v", err)
	}
	if ok {
		t.Fatalf("resume of non-paused job must return false")
	}
}

func TestUpdateProgressClampsAndNoRowNoOp(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	job := e.submit(t, SubmitParams{})

	over := 150.0
	progress, err := e.manager.UpdateProgress(ctx, job.ID, ProgressParams{Percentage: &over})
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if progress.Percentage != 100 {
		t.Fatalf("percentage %v, want clamped 100", progress.Percentage)
	}

	under := -5.0
	progress, err = e.manager.UpdateProgress(ctx, job.ID, ProgressParams{Percentage: &under})
	if err != nil || progress.Percentage != 0 {
		t.Fatalf("percentage %v err %v, want clamped 0", progress.Percentage, err)
	}

	// a job with no progress row is a silent no-op for stale workers
	progress, err = e.manager.UpdateProgress(ctx, "no-such-job", ProgressParams{Percentage: &over})
	if err != nil {
		t.Fatalf("no-row update must not error: %v", err)
	}
	if progress != nil {
		t.Fatalf("no-row update must return nil")
	}
}

func TestProgressDebounceEntryDroppedOnTerminal(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	job := e.submit(t, SubmitParams{WebhookURL: "https://example.com/hook"})
	e.run(t, job.ID)
	half := 50.0
	if _, err := e.manager.UpdateProgress(ctx, job.ID, ProgressParams{Percentage: &half}); err != nil {
		t.Fatalf("progress: %v", err)
	}
	e.manager.progressMu.Lock()
	_, tracked := e.manager.progressSeen[job.ID]
	e.manager.progressMu.Unlock()
	if !tracked {
		t.Fatalf("debounce entry not recorded")
	}

	if _, err := e.manager.MarkCompleted(ctx, job.ID, nil, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	e.manager.progressMu.Lock()
	_, tracked = e.manager.progressSeen[job.ID]
	e.manager.progressMu.Unlock()
	if tracked {
		t.Fatalf("debounce entry must be dropped once the job is terminal")
	}
}

func TestSweepTimeoutsCancelsOverdueRunningJobs(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	timeout := 60
	job := e.submit(t, SubmitParams{TimeoutSeconds: &timeout})
	e.run(t, job.ID)

	// not yet overdue
	n, err := e.manager.SweepTimeouts(ctx)
	if err != nil || n != 0 {
		t.Fatalf("early sweep: n=%d err=%v", n, err)
	}

	e.clock.Advance(2 * time.Minute)
	n, err = e.manager.SweepTimeouts(ctx)
	if err != nil || n != 1 {
		t.Fatalf("sweep: n=%d err=%v", n, err)
	}
	got := e.mustStatus(t, job.ID, models.StatusCancelled)
	if got.CancelReason == nil || !strings.Contains(*got.CancelReason, "Timed out") {
		t.Fatalf("cancel reason %v", got.CancelReason)
	}
	last, _ := e.manager.Audit().Last(ctx, job.ID)
	if last.TriggeredBy != models.TriggeredByTimeout {
		t.Fatalf("timeout cancel triggered_by %s", last.TriggeredBy)
	}
}

func TestNextRetryDelay(t *testing.T) {
	e := newTestEnv(t)
	cases := []struct {
		retry int
		want  time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{20, 5 * time.Minute},
	}
	for _, tc := range cases {
		if got := e.manager.NextRetryDelay(tc.retry); got != tc.want {
			t.Errorf("delay(%d) = %s, want %s", tc.retry, got, tc.want)
		}
	}
}

func TestGetDetailLoadsRelations(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	a := e.submit(t, SubmitParams{})
	job := e.submit(t, SubmitParams{
		DependsOn:  []string{a.ID},
		Labels:     map[string]string{"team": "render", "env": "prod"},
		WebhookURL: "https://example.com/hook",
	})

	detail, err := e.manager.GetDetail(ctx, job.ID)
	if err != nil {
		t.Fatalf("detail: %v", err)
	}
	if detail.Labels["team"] != "render" || detail.Labels["env"] != "prod" {
		t.Fatalf("labels %v", detail.Labels)
	}
	if len(detail.Dependencies) != 1 || detail.Dependencies[0].DependsOnID != a.ID {
		t.Fatalf("dependencies %+v", detail.Dependencies)
	}
	if len(detail.Webhooks) != 1 || !detail.Webhooks[0].OnCompleted || !detail.Webhooks[0].OnFailed {
		t.Fatalf("webhook defaults wrong: %+v", detail.Webhooks)
	}
	if detail.Progress == nil || detail.Progress.Percentage != 0 {
		t.Fatalf("initial progress %+v", detail.Progress)
	}
	if len(detail.AuditLogs) != 1 {
		t.Fatalf("audit logs %d, want 1 creation record", len(detail.AuditLogs))
	}
}

func TestGetByLabels(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	a := e.submit(t, SubmitParams{Labels: map[string]string{"team": "render"}})
	e.submit(t, SubmitParams{Labels: map[string]string{"team": "audio"}})

	jobs, err := e.manager.GetByLabels(ctx, "acme", map[string]string{"team": "render"})
	if err != nil {
		t.Fatalf("by labels: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != a.ID {
		t.Fatalf("got %d jobs", len(jobs))
	}
}

// Every status change must leave an audit trail that is a valid walk of the
// transition table, with the creation record first.
func TestAuditTrailIsValidWalk(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	a := e.submit(t, SubmitParams{})
	b := e.submit(t, SubmitParams{DependsOn: []string{a.ID}})

	e.run(t, a.ID)
	if _, err := e.manager.MarkFailed(ctx, a.ID, "transient", true); err != nil {
		t.Fatalf("retry: %v", err)
	}
	e.clock.Advance(time.Hour)
	if _, err := e.manager.SweepRetries(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	e.run(t, a.ID)
	if _, err := e.manager.MarkCompleted(ctx, a.ID, nil, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	e.run(t, b.ID)
	if _, err := e.manager.MarkFailed(ctx, b.ID, "fatal", false); err != nil {
		t.Fatalf("fail: %v", err)
	}

	for _, jobID := range []string{a.ID, b.ID} {
		history, err := e.manager.Audit().History(ctx, jobID, 100, 0)
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		// oldest-first for walking
		for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
			history[i], history[j] = history[j], history[i]
		}
		if history[0].FromStatus != nil {
			t.Fatalf("first record must be the creation record")
		}
		prev := history[0].ToStatus
		for _, rec := range history[1:] {
			if rec.FromStatus == nil {
				t.Fatalf("job %s has a second creation record", jobID)
			}
			if *rec.FromStatus != prev {
				t.Fatalf("job %s audit gap: %s recorded but previous state was %s", jobID, *rec.FromStatus, prev)
			}
			if !statemachine.ValidTransition(*rec.FromStatus, rec.ToStatus) {
				t.Fatalf("job %s audit shows illegal transition %s -> %s", jobID, *rec.FromStatus, rec.ToStatus)
			}
			prev = rec.ToStatus
		}
	}
}

func TestMarkRunningUnknownJob(t *testing.T) {
	e := newTestEnv(t)
	if _, err := e.manager.MarkRunning(context.Background(), "missing", nil); !errors.Is(err, store.ErrJobNotFound) {
		t.Fatalf("err %v, want ErrJobNotFound", err)
	}
}

func TestMarkRunningFromPendingRejected(t *testing.T) {
	e := newTestEnv(t)
	a := e.submit(t, SubmitParams{})
	b := e.submit(t, SubmitParams{DependsOn: []string{a.ID}})

	_, err := e.manager.MarkRunning(context.Background(), b.ID, nil)
	var te *statemachine.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("err %v, want TransitionError", err)
	}
	if te.From != models.StatusPending || te.To != models.StatusRunning {
		t.Fatalf("unexpected error detail: %+v", te)
	}
}
