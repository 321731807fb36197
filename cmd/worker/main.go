package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/paygate/internal/app"
	"github.com/noah-isme/paygate/internal/config"
	"github.com/noah-isme/paygate/internal/ledger"
	"github.com/noah-isme/paygate/internal/obs"
	"github.com/noah-isme/paygate/internal/reconcile"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("component", "worker").Logger()
	obs.MustRegisterDomainMetrics(envOrDefault("OBS_METRICS_NAMESPACE", "paygate"), nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	deps, err := app.Open(startCtx, cfg, app.Options{ApplicationName: "paygate-worker"}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise dependencies")
	}
	defer deps.Close()

	manager, err := app.BuildManager(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise gateways")
	}
	store := ledger.NewPostgres(deps.DB)

	taskClient := asynq.NewClient(deps.TaskRedis)
	defer func() {
		if err := taskClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close task client")
		}
	}()

	handler := reconcile.Handler{Processor: manager, Ledger: store, Logger: logger}
	sweeper := reconcile.Sweeper{
		Ledger:   store,
		Enqueuer: reconcile.Enqueuer{Client: taskClient},
		Age:      cfg.ReconcileStaleAfter,
		Logger:   logger,
	}

	srv := asynq.NewServer(deps.TaskRedis, asynq.Config{
		Concurrency: cfg.ReconcileConcurrency,
		Logger:      asynqLogger{logger: logger},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Warn().Err(err).Str("task_type", task.Type()).Msg("task failed")
		}),
		ShutdownTimeout: cfg.ShutdownTimeout,
	})
	scheduler := asynq.NewScheduler(deps.TaskRedis, &asynq.SchedulerOpts{Logger: asynqLogger{logger: logger}})
	schedule := fmt.Sprintf("@every %s", cfg.ReconcileSweepInterval)
	if _, err := scheduler.Register(schedule, asynq.NewTask(reconcile.TypeSweep, nil), asynq.Unique(cfg.ReconcileSweepInterval)); err != nil {
		logger.Fatal().Err(err).Msg("register reconcile sweep")
	}

	if err := srv.Start(reconcile.NewServeMux(handler, sweeper)); err != nil {
		logger.Fatal().Err(err).Msg("start task server")
	}
	if err := scheduler.Start(); err != nil {
		logger.Fatal().Err(err).Msg("start scheduler")
	}

	logger.Info().Int("concurrency", cfg.ReconcileConcurrency).Str("sweep", schedule).Msg("worker starting")
	<-ctx.Done()
	scheduler.Shutdown()
	srv.Shutdown()
	logger.Info().Msg("worker shutdown complete")
}

// asynqLogger routes asynq's own logging through zerolog.
type asynqLogger struct {
	logger zerolog.Logger
}

func (l asynqLogger) Debug(args ...any) { l.logger.Debug().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...any)  { l.logger.Info().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...any)  { l.logger.Warn().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...any) { l.logger.Error().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...any) { l.logger.Fatal().Msg(fmt.Sprint(args...)) }

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}
