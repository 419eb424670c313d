// Package webhook decides which subscriptions fire for a job event and
// emits delivery intents. The HTTP delivery itself, with its own retry and
// backoff, is an external collaborator behind the Sink interface.
package webhook

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskforge/orchestrator/internal/models"
	"github.com/taskforge/orchestrator/internal/store"
	"github.com/taskforge/orchestrator/internal/telemetry"
)

// Event names a lifecycle trigger.
type Event string

const (
	EventCompleted Event = "job.completed"
	EventFailed    Event = "job.failed"
	EventCancelled Event = "job.cancelled"
	EventProgress  Event = "job.progress"
)

// Payload is the wire shape handed to the delivery collaborator.
type Payload struct {
	JobID     string               `json:"job_id"`
	Event     Event                `json:"event"`
	Status    models.JobStatus     `json:"status"`
	Progress  *models.JobProgress  `json:"progress,omitempty"`
	Result    map[string]any       `json:"result,omitempty"`
	Error     *string              `json:"error,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

// DeliveryIntent is one pending delivery: where to send and what.
type DeliveryIntent struct {
	WebhookID string
	URL       string
	Secret    *string
	Payload   Payload
}

// Sink receives delivery intents. Implementations perform (or enqueue) the
// actual HTTP delivery.
type Sink interface {
	Deliver(ctx context.Context, intent DeliveryIntent) error
}

// ChannelSink buffers intents on a channel for an external consumer. Full
// buffers drop the intent rather than block a transition.
type ChannelSink struct {
	ch chan DeliveryIntent
}

// NewChannelSink allocates a sink with the given buffer.
func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{ch: make(chan DeliveryIntent, buffer)}
}

// Intents exposes the consumer side of the sink.
func (s *ChannelSink) Intents() <-chan DeliveryIntent {
	return s.ch
}

func (s *ChannelSink) Deliver(_ context.Context, intent DeliveryIntent) error {
	select {
	case s.ch <- intent:
		return nil
	default:
		return context.DeadlineExceeded
	}
}

// Dispatcher matches job events to subscriptions and emits intents.
type Dispatcher struct {
	store store.Store
	sink  Sink
	log   zerolog.Logger
}

// NewDispatcher builds a dispatcher; sink may be nil to disable emission.
func NewDispatcher(st store.Store, sink Sink, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{store: st, sink: sink, log: log.With().Str("component", "webhook").Logger()}
}

func matches(wh *models.JobWebhook, event Event) bool {
	switch event {
	case EventCompleted:
		return wh.OnCompleted
	case EventFailed:
		return wh.OnFailed
	case EventCancelled:
		return wh.OnCancelled
	case EventProgress:
		return wh.OnProgress
	default:
		return false
	}
}

// Fire emits one intent per matching subscription. Emission is best-effort:
// a failed sink never aborts the transition that triggered it.
func (d *Dispatcher) Fire(ctx context.Context, job *models.Job, event Event, progress *models.JobProgress) {
	if d == nil || d.sink == nil {
		return
	}
	hooks, err := d.store.GetWebhooks(ctx, job.ID)
	if err != nil {
		d.log.Error().Err(err).Str("job_id", job.ID).Msg("load webhooks")
		return
	}
	now := time.Now().UTC()
	for _, wh := range hooks {
		if !matches(wh, event) {
			continue
		}
		intent := DeliveryIntent{
			WebhookID: wh.ID,
			URL:       wh.URL,
			Secret:    wh.Secret,
			Payload: Payload{
				JobID:     job.ID,
				Event:     event,
				Status:    job.Status,
				Progress:  progress,
				Result:    job.ResultData,
				Error:     job.ErrorMessage,
				Timestamp: now,
			},
		}
		err := d.sink.Deliver(ctx, intent)
		if err != nil {
			d.log.Warn().Err(err).Str("job_id", job.ID).Str("url", wh.URL).Msg("webhook intent dropped")
		} else {
			telemetry.WebhookIntents.Inc()
		}
		if rerr := d.store.RecordWebhookAttempt(ctx, wh.ID, err == nil, now); rerr != nil {
			d.log.Warn().Err(rerr).Str("webhook_id", wh.ID).Msg("record webhook attempt")
		}
	}
}
