package engine

import (
	"context"
	"fmt"

	"github.com/taskforge/orchestrator/internal/models"
	"github.com/taskforge/orchestrator/internal/telemetry"
)

type terminalEvent struct {
	jobID  string
	status models.JobStatus
}

// cascade propagates a terminal outcome to dependents. It runs as an
// iterative breadth-first worklist rather than recursion, so deep chains
// cannot blow the stack, and a visited set keeps diamond-shaped graphs from
// processing a job twice. Individual failures are logged and skipped; one
// bad dependent never aborts the cascade for its siblings.
func (m *Manager) cascade(ctx context.Context, seed *models.Job) {
	worklist := []terminalEvent{{jobID: seed.ID, status: seed.Status}}
	visited := map[string]bool{}

	for len(worklist) > 0 {
		ev := worklist[0]
		worklist = worklist[1:]
		if visited[ev.jobID] {
			continue
		}
		visited[ev.jobID] = true

		if ev.status == models.StatusCompleted {
			if _, err := m.store.SatisfyDependents(ctx, ev.jobID, m.now()); err != nil {
				m.log.Error().Err(err).Str("job_id", ev.jobID).Msg("satisfy dependents")
			}
			continue
		}

		// FAILED or CANCELLED: hard dependents still waiting can never run.
		edges, err := m.store.GetDependents(ctx, ev.jobID)
		if err != nil {
			m.log.Error().Err(err).Str("job_id", ev.jobID).Msg("load dependents")
			continue
		}
		for _, edge := range edges {
			if !edge.Required || edge.Satisfied {
				continue
			}
			dep, err := m.store.GetJob(ctx, edge.JobID)
			if err != nil {
				m.log.Warn().Err(err).Str("job_id", edge.JobID).Msg("load dependent")
				continue
			}
			if dep.Status != models.StatusPending {
				continue
			}
			reason := fmt.Sprintf("Required dependency %s %s", ev.jobID, ev.status)
			ok, err := m.cancelOnce(ctx, dep, reason, nil, models.TriggeredByDependency)
			if err != nil {
				m.log.Warn().Err(err).Str("job_id", dep.ID).Msg("cascade cancel")
				continue
			}
			if ok {
				telemetry.CascadeCancels.Inc()
				worklist = append(worklist, terminalEvent{jobID: dep.ID, status: models.StatusCancelled})
			}
		}
	}

	// Re-evaluate readiness over a bounded batch of PENDING jobs instead of
	// solving the full DAG on every event.
	ready, err := m.store.ListReadyPending(ctx, m.cfg.DependencyBatch)
	if err != nil {
		m.log.Error().Err(err).Msg("list ready pending")
		return
	}
	for _, job := range ready {
		if _, err := m.queueJob(ctx, job, models.TriggeredByDependency); err != nil {
			m.log.Warn().Err(err).Str("job_id", job.ID).Msg("queue unblocked job")
		}
	}
}
