package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/smukkama/airquality-pipeline/internal/app"
	"github.com/smukkama/airquality-pipeline/internal/logctx"
	"github.com/smukkama/airquality-pipeline/internal/metrics"
	"github.com/smukkama/airquality-pipeline/internal/timer"
	"github.com/smukkama/airquality-pipeline/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger := logctx.DefaultLogger()
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := app.Logger(cfg, "aggregator")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logctx.WithLogger(ctx, logger)

	logger.Info().Msg("starting aggregation service")

	db, err := app.OpenDatabase(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	pipeline, err := app.NewPipeline(ctx, cfg, db)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build sync pipeline")
	}
	defer pipeline.Close()

	if cfg.Metrics.Addr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr); err != nil {
				logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	scheduler := timer.NewScheduler()
	scheduler.Start(ctx)

	if err := app.ScheduleSync(scheduler, pipeline.Orchestrator, cfg.Sync); err != nil {
		logger.Fatal().Err(err).Msg("failed to schedule sync passes")
	}
	if err := app.ScheduleCleanup(scheduler, db, cfg.Sync); err != nil {
		logger.Fatal().Err(err).Msg("failed to schedule change feed cleanup")
	}

	logger.Info().
		Dur("sync_interval", cfg.Sync.Interval).
		Dur("pass_timeout", cfg.Sync.PassTimeout).
		Dur("change_retention", cfg.Sync.ChangeRetention).
		Msg("aggregation service is running")

	<-ctx.Done()

	logger.Info().Msg("shutting down gracefully")
	scheduler.Stop()
	logger.Info().Msg("aggregation service stopped")
}
