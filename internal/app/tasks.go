package app

import (
	"context"
	"time"

	"github.com/smukkama/airquality-pipeline/internal/logctx"
	"github.com/smukkama/airquality-pipeline/internal/metrics"
	"github.com/smukkama/airquality-pipeline/internal/syncer"
	"github.com/smukkama/airquality-pipeline/internal/timer"
	"github.com/smukkama/airquality-pipeline/pkg/config"
)

// Task ids registered on the scheduler
const (
	TaskSyncPass        = "sync-pass"
	TaskChangeCleanup   = "change-feed-cleanup"
	TaskGenerateReading = "generate-readings"
)

// PassRunner runs one sync pass
type PassRunner interface {
	RunPass(ctx context.Context) (*syncer.PassReport, error)
}

// ChangePurger trims the change feed
type ChangePurger interface {
	PurgeChanges(ctx context.Context, olderThan time.Time) (int64, int64, error)
}

// BatchRunner writes one generator batch
type BatchRunner interface {
	Run(ctx context.Context) error
}

// ScheduleSync runs a pass every cfg.Interval, each bounded by cfg.PassTimeout
func ScheduleSync(s *timer.Scheduler, runner PassRunner, cfg config.SyncConfig) error {
	return s.Every(TaskSyncPass, cfg.Interval, func(ctx context.Context) {
		passCtx, cancel := context.WithTimeout(ctx, cfg.PassTimeout)
		defer cancel()

		// Failures are logged and counted by the orchestrator; the next tick
		// retries from the durable checkpoint.
		_, _ = runner.RunPass(passCtx)
	})
}

// ScheduleCleanup purges change log rows older than cfg.ChangeRetention every
// cfg.CleanupInterval
func ScheduleCleanup(s *timer.Scheduler, purger ChangePurger, cfg config.SyncConfig) error {
	return s.Every(TaskChangeCleanup, cfg.CleanupInterval, func(ctx context.Context) {
		logger := logctx.FromContext(ctx)

		cleanupCtx, cancel := context.WithTimeout(ctx, cfg.PassTimeout)
		defer cancel()

		purged, minValid, err := purger.PurgeChanges(cleanupCtx, time.Now().Add(-cfg.ChangeRetention))
		if err != nil {
			logger.Error().Err(err).Msg("change feed cleanup failed")
			return
		}
		metrics.ChangesPurged.Add(float64(purged))
		logger.Info().
			Int64("purged", purged).
			Int64("min_valid_version", minValid).
			Msg("change feed cleanup completed")
	})
}

// ScheduleGenerator writes one batch every interval
func ScheduleGenerator(s *timer.Scheduler, gen BatchRunner, interval time.Duration) error {
	return s.Every(TaskGenerateReading, interval, func(ctx context.Context) {
		if err := gen.Run(ctx); err != nil {
			logger := logctx.FromContext(ctx)
			logger.Error().Err(err).Msg("generator batch failed")
		}
	})
}
