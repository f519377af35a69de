package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/smukkama/airquality-pipeline/internal/logctx"
)

const (
	namespace = "airquality"

	LabelOutcome = "outcome"
	LabelStep    = "step"
)

// Pass outcomes
const (
	OutcomeSummarized = "summarized"
	OutcomeEmpty      = "empty"
	OutcomeFailed     = "failed"
)

var (
	// PassCount is the number of sync passes by outcome
	PassCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "passes_total",
		Help:      "Total number of sync passes, labeled by outcome",
	}, []string{LabelOutcome})

	// PassFailures counts failed passes by the step that failed
	PassFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "pass_failures_total",
		Help:      "Total number of failed sync passes, labeled by failing step",
	}, []string{LabelStep})

	PassDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "pass_duration_seconds",
		Help:      "Duration of sync passes",
		Buckets:   prometheus.DefBuckets,
	})

	EventsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "events_processed_total",
		Help:      "Total number of change events aggregated into summaries",
	})

	CheckpointVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "checkpoint_version",
		Help:      "Change version the checkpoint was last advanced to",
	})

	// BaselineClamps counts passes whose checkpoint fell below the feed's
	// retention floor; SkippedVersions is the version span lost to them.
	BaselineClamps = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "extract",
		Name:      "baseline_clamps_total",
		Help:      "Total number of passes whose baseline was clamped to the retention floor",
	})

	SkippedVersions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "extract",
		Name:      "skipped_versions_total",
		Help:      "Total change-version span skipped by baseline clamps",
	})

	ReadingsGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "generator",
		Name:      "readings_total",
		Help:      "Total number of synthetic readings inserted",
	})

	GeneratorFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "generator",
		Name:      "failures_total",
		Help:      "Total number of failed generator batches",
	})

	ChangesPurged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "changefeed",
		Name:      "purged_total",
		Help:      "Total number of change log rows removed by retention cleanup",
	})
)

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger := logctx.FromContext(ctx)
	logger.Info().Str("addr", addr).Msg("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
