package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/smukkama/airquality-pipeline/internal/app"
	"github.com/smukkama/airquality-pipeline/internal/generator"
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

	logger := app.Logger(cfg, "generator")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logctx.WithLogger(ctx, logger)

	logger.Info().Msg("starting reading generator")

	db, err := app.OpenDatabase(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if cfg.Metrics.Addr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr); err != nil {
				logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	gen := generator.NewGenerator(db, cfg.Generator.BatchSize, cfg.Generator.StationCount)

	scheduler := timer.NewScheduler()
	scheduler.Start(ctx)

	if err := app.ScheduleGenerator(scheduler, gen, cfg.Generator.Interval); err != nil {
		logger.Fatal().Err(err).Msg("failed to schedule generator")
	}

	logger.Info().
		Dur("interval", cfg.Generator.Interval).
		Int("batch_size", cfg.Generator.BatchSize).
		Int("stations", cfg.Generator.StationCount).
		Msg("reading generator is running")

	<-ctx.Done()

	logger.Info().Msg("shutting down gracefully")
	scheduler.Stop()
	logger.Info().Msg("reading generator stopped")
}
