package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/taskforge/orchestrator/internal/api"
	"github.com/taskforge/orchestrator/internal/config"
	"github.com/taskforge/orchestrator/internal/engine"
	"github.com/taskforge/orchestrator/internal/logging"
	"github.com/taskforge/orchestrator/internal/queue"
	"github.com/taskforge/orchestrator/internal/ratelimit"
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

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	publisher := queue.New(cfg)
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewSubmitLimiter(redisClient, cfg.SubmitRateCapacity, cfg.SubmitRateRefill, time.Hour)

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

	// Drain delivery intents; actual HTTP delivery belongs to an external
	// collaborator, so here they are only logged.
	go func() {
		for intent := range sink.Intents() {
			log.Info().
				Str("job_id", intent.Payload.JobID).
				Str("event", string(intent.Payload.Event)).
				Str("url", intent.URL).
				Msg("webhook delivery intent")
		}
	}()

	server := api.New(cfg, manager, publisher, limiter, log)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Info().Str("port", cfg.HTTPPort).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
