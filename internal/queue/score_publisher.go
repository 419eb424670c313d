// Package queue publishes (score, job_id) pairs to the external priority
// queue, a Redis sorted set. The engine computes scores; ordering and
// dequeue-by-worker semantics belong to the queue itself.
package queue

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/taskforge/orchestrator/internal/config"
)

// ScoredJob pairs a queued job id with its ordering score.
type ScoredJob struct {
	JobID string
	Score int64
}

// ScorePublisher writes queue membership to a Redis sorted set. Lower
// scores dequeue first.
type ScorePublisher struct {
	client *redis.Client
	key    string
}

// New builds a publisher from config.
func New(cfg config.Config) *ScorePublisher {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewWithClient(client, cfg.QueueKey)
}

// NewWithClient wraps an existing client, used by tests.
func NewWithClient(client *redis.Client, key string) *ScorePublisher {
	if key == "" {
		key = "jobs:ready"
	}
	return &ScorePublisher{client: client, key: key}
}

// Publish adds or reorders a job in the ready set.
func (p *ScorePublisher) Publish(ctx context.Context, jobID string, score int64) error {
	return p.client.ZAdd(ctx, p.key, redis.Z{Score: float64(score), Member: jobID}).Err()
}

// Remove drops a job from the ready set; removing an absent member is a
// no-op.
func (p *ScorePublisher) Remove(ctx context.Context, jobID string) error {
	return p.client.ZRem(ctx, p.key, jobID).Err()
}

// Lease pops the lowest-score job id, or "" when the set is empty.
func (p *ScorePublisher) Lease(ctx context.Context) (string, error) {
	res, err := p.client.ZPopMin(ctx, p.key, 1).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if len(res) == 0 {
		return "", nil
	}
	member, ok := res[0].Member.(string)
	if !ok {
		return "", nil
	}
	return member, nil
}

// PeekReady returns up to count jobs in dequeue order without removing them.
func (p *ScorePublisher) PeekReady(ctx context.Context, count int64) ([]ScoredJob, error) {
	res, err := p.client.ZRangeWithScores(ctx, p.key, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]ScoredJob, 0, len(res))
	for _, z := range res {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		jobs = append(jobs, ScoredJob{JobID: member, Score: int64(z.Score)})
	}
	return jobs, nil
}

// Depth returns the ready-set cardinality.
func (p *ScorePublisher) Depth(ctx context.Context) (int64, error) {
	return p.client.ZCard(ctx, p.key).Result()
}
