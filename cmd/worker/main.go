// The worker binary is a demonstration consumer of the queue contract: it
// leases the lowest-score job id from the ready set and drives it through
// the manager's callback surface. Real task execution lives outside the
// engine; this loop simulates it from task args.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/taskforge/orchestrator/internal/config"
	"github.com/taskforge/orchestrator/internal/engine"
	"github.com/taskforge/orchestrator/internal/logging"
	"github.com/taskforge/orchestrator/internal/models"
	"github.com/taskforge/orchestrator/internal/queue"
	"github.com/taskforge/orchestrator/internal/statemachine"
	"github.com/taskforge/orchestrator/internal/store"
	"github.com/taskforge/orchestrator/internal/webhook"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logging.New(cfg.Env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch
		cancel()
	}()

	st, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	publisher := queue.New(cfg)
	sink := webhook.NewChannelSink(1024)
	manager, err := engine.New(engine.Options{
		Config:    cfg,
		Store:     st,
		Publisher: publisher,
		Webhooks:  webhook.NewDispatcher(st, sink, log),
		Logger:    log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("build manager")
	}
	go func() {
		for intent := range sink.Intents() {
			log.Debug().
				Str("job_id", intent.Payload.JobID).
				Str("event", string(intent.Payload.Event)).
				Msg("webhook delivery intent")
		}
	}()

	workerID := fmt.Sprintf("worker-%s", uuid.New().String()[:8])
	log.Info().Str("worker_id", workerID).Msg("worker started")

	sweep := time.NewTicker(cfg.TimeoutCheckInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			if n, err := manager.SweepTimeouts(ctx); err == nil && n > 0 {
				log.Info().Int("cancelled", n).Msg("timeout sweep")
			}
			if n, err := manager.SweepRetries(ctx); err == nil && n > 0 {
				log.Info().Int("requeued", n).Msg("retry sweep")
			}
		default:
		}

		jobID, err := publisher.Lease(ctx)
		if err != nil || jobID == "" {
			time.Sleep(time.Second)
			continue
		}
		runOne(ctx, manager, log, jobID, workerID)
	}
}

func runOne(ctx context.Context, manager *engine.Manager, log zerolog.Logger, jobID, workerID string) {
	job, err := manager.MarkRunning(ctx, jobID, &workerID)
	if err != nil {
		// A job cancelled between publish and lease loses its QUEUED edge;
		// that race is expected.
		var te *statemachine.TransitionError
		if !errors.As(err, &te) && !errors.Is(err, store.ErrJobNotFound) {
			log.Error().Err(err).Str("job_id", jobID).Msg("mark running")
		}
		return
	}

	if err := simulate(ctx, manager, job); err != nil {
		if _, ferr := manager.MarkFailed(ctx, job.ID, err.Error(), true); ferr != nil {
			log.Error().Err(ferr).Str("job_id", job.ID).Msg("mark failed")
		}
		return
	}
	result := map[string]any{"worker_id": workerID}
	if _, cerr := manager.MarkCompleted(ctx, job.ID, result, nil); cerr != nil {
		log.Error().Err(cerr).Str("job_id", job.ID).Msg("mark completed")
	}
}

// simulate stands in for real task execution, driven by task args: a
// should_fail flag forces failure and duration_ms stretches the run while
// reporting progress.
func simulate(ctx context.Context, manager *engine.Manager, job *models.Job) error {
	if fail, ok := job.TaskArgs["should_fail"].(bool); ok && fail {
		return errors.New("simulated failure requested by task args")
	}
	ms := 0
	switch v := job.TaskArgs["duration_ms"].(type) {
	case float64:
		ms = int(v)
	case int:
		ms = v
	}
	if ms <= 0 {
		return nil
	}
	steps := 4
	for i := 1; i <= steps; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(ms/steps) * time.Millisecond):
		}
		pct := float64(i) / float64(steps) * 100
		if _, err := manager.UpdateProgress(ctx, job.ID, engine.ProgressParams{Percentage: &pct}); err != nil {
			return err
		}
	}
	return nil
}
