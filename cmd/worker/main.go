package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/suPer8Hu/worklog/internal/app"
	"github.com/suPer8Hu/worklog/internal/config"
	"github.com/suPer8Hu/worklog/internal/logging"
	"github.com/suPer8Hu/worklog/internal/scheduler"
	"github.com/suPer8Hu/worklog/internal/store/rabbitmq"
	"github.com/suPer8Hu/worklog/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogPretty).With().Str("component", "worker").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init")
	}
	defer a.Close()

	collector, err := a.Collector(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("collector")
	}

	conn, ch, err := rabbitmq.Dial(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		logger.Fatal().Err(err).Msg("rabbit dial")
	}
	defer conn.Close()
	defer ch.Close()

	consumer := rabbitmq.NewConsumer(ch, cfg.RabbitQueue, rabbitmq.ConsumerOptions{
		Concurrency: cfg.WorkerConcurrency,
		MaxRetries:  cfg.JobMaxRetries,
		RetryDelay:  cfg.JobRetryDelay,
	}, worker.CollectHandler(collector, logger)).
		WithRecorder(a.Metrics).
		WithLogger(logger)

	sched, err := scheduler.New(cfg.CollectCron, collector, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler")
	}
	if cfg.SyncUsersCron != "" {
		syncer := a.UserSyncer()
		tasks := map[string]func(context.Context) error{
			"sync_jira_users": func(ctx context.Context) error {
				_, err := syncer.SyncJiraUsers(ctx)
				return err
			},
			"sync_slack_users": func(ctx context.Context) error {
				_, err := syncer.SyncSlackUsers(ctx)
				return err
			},
		}
		for name, fn := range tasks {
			if err := sched.AddTask(name, cfg.SyncUsersCron, fn); err != nil {
				logger.Fatal().Err(err).Msg("scheduler")
			}
		}
	}
	sched.Start()

	var metricsSrv *http.Server
	if cfg.WorkerMetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.Metrics.Handler())
		metricsSrv = &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server")
			}
		}()
	}

	if err := consumer.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("consumer stopped")
	}

	// in-flight runs see a cancelled ctx; wait briefly for them to unwind
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("scheduler stop")
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	logger.Info().Msg("worker stopped")
}
