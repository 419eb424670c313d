package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SubmitCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_submitted_total", Help: "Total submitted jobs"})
	TransitionVec    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_transitions_total", Help: "Status transitions by target state"}, []string{"to"})
	CascadeCancels   = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_cascade_cancels_total", Help: "Jobs cancelled because a required dependency failed"})
	WebhookIntents   = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_webhook_intents_total", Help: "Webhook delivery intents emitted"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_rate_limit_rejects_total", Help: "Submissions rejected by rate limiter"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_queue_depth", Help: "Jobs currently published to the ready set"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SubmitCounter,
			TransitionVec,
			CascadeCancels,
			WebhookIntents,
			RateLimitRejects,
			QueueDepthGauge,
		)
	})
	return promhttp.Handler()
}
