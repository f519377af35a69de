// Package syncer sequences one sync pass: read checkpoint, extract changes,
// summarize, persist the summary, then advance the checkpoint.
//
// The summary write and the checkpoint write are separate commits. A failure
// between them leaves the summary in place and the checkpoint behind, so the
// next pass reprocesses the same range and writes a duplicate summary.
// Summaries are therefore delivered at least once.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smukkama/airquality-pipeline/internal/aggregation"
	"github.com/smukkama/airquality-pipeline/internal/database"
	"github.com/smukkama/airquality-pipeline/internal/extract"
	"github.com/smukkama/airquality-pipeline/internal/logctx"
	"github.com/smukkama/airquality-pipeline/internal/metrics"
)

// ErrPassInProgress is returned when RunPass is called while another pass
// on the same orchestrator is still running.
var ErrPassInProgress = errors.New("sync pass already in progress")

// State is a step of the pass state machine
type State string

const (
	StateIdle        State = "IDLE"
	StateExtracting  State = "EXTRACTING"
	StateAggregating State = "AGGREGATING"
	StateCommitting  State = "COMMITTING"
	StateFailed      State = "FAILED"
)

// CheckpointStore persists the last processed change version
type CheckpointStore interface {
	ReadCheckpoint(ctx context.Context) (int64, error)
	WriteCheckpoint(ctx context.Context, version int64) error
}

// Collector returns the change set above a version
type Collector interface {
	Collect(ctx context.Context, lastVersion int64) (extract.Batch, error)
}

// SummaryWriter appends summaries to the summary table
type SummaryWriter interface {
	InsertSummary(ctx context.Context, rec *database.SummaryRecord) error
}

// SummaryPublisher forwards committed summaries downstream
type SummaryPublisher interface {
	PublishSummary(ctx context.Context, rec *database.SummaryRecord) error
}

// Reporter receives the report of every finished pass
type Reporter interface {
	RecordPass(ctx context.Context, report *PassReport) error
}

// PassReport describes one pass
type PassReport struct {
	ID             uuid.UUID
	StartedAt      time.Time
	FinishedAt     time.Time
	State          State
	FailedStep     State
	Err            error
	LastVersion    int64
	Floor          int64
	CurrentVersion int64
	Clamped        bool
	EventCount     int
	Summary        *database.SummaryRecord
}

// Duration returns how long the pass ran
func (r *PassReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Orchestrator runs sync passes
type Orchestrator struct {
	checkpoints CheckpointStore
	collector   Collector
	summaries   SummaryWriter
	publisher   SummaryPublisher
	reporter    Reporter
	now         func() time.Time

	running sync.Mutex

	mu    sync.Mutex
	state State
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithPublisher publishes each summary after it is written
func WithPublisher(p SummaryPublisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithReporter hands every pass report to r
func WithReporter(r Reporter) Option {
	return func(o *Orchestrator) { o.reporter = r }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator creates a new orchestrator
func NewOrchestrator(checkpoints CheckpointStore, collector Collector, summaries SummaryWriter, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		checkpoints: checkpoints,
		collector:   collector,
		summaries:   summaries,
		now:         time.Now,
		state:       StateIdle,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// State returns the state of the current (or last) pass
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// RunPass runs one pass. On error the checkpoint is left unchanged and the
// returned report carries the failed step; retry is the next pass.
func (o *Orchestrator) RunPass(ctx context.Context) (*PassReport, error) {
	if !o.running.TryLock() {
		return nil, ErrPassInProgress
	}
	defer o.running.Unlock()

	report := &PassReport{
		ID:        uuid.New(),
		StartedAt: o.now(),
	}
	ctx = logctx.WithStr(ctx, "pass_id", report.ID.String())

	err := o.runPass(ctx, report)
	report.FinishedAt = o.now()
	if err != nil {
		report.FailedStep = report.State
		report.State = StateFailed
		report.Err = err
	}
	o.setState(report.State)

	o.observe(ctx, report)
	return report, err
}

func (o *Orchestrator) runPass(ctx context.Context, report *PassReport) error {
	o.enter(report, StateExtracting)
	lastVersion, err := o.checkpoints.ReadCheckpoint(ctx)
	if err != nil {
		return fmt.Errorf("read checkpoint: %w", err)
	}
	report.LastVersion = lastVersion

	batch, err := o.collector.Collect(ctx, lastVersion)
	if err != nil {
		return fmt.Errorf("collect changes since %d: %w", lastVersion, err)
	}
	report.Floor = batch.Floor
	report.CurrentVersion = batch.CurrentVersion
	report.Clamped = batch.Clamped
	report.EventCount = len(batch.Events)

	o.enter(report, StateAggregating)
	rec, ok := aggregation.Summarize(batch.Events)

	o.enter(report, StateCommitting)
	if ok {
		if err := o.summaries.InsertSummary(ctx, &rec); err != nil {
			return fmt.Errorf("write summary: %w", err)
		}
		report.Summary = &rec

		if o.publisher != nil {
			if err := o.publisher.PublishSummary(ctx, &rec); err != nil {
				return fmt.Errorf("publish summary %s: %w", rec.ID, err)
			}
		}
	}

	// An empty pass still advances so the inspected range is not rescanned.
	if err := o.checkpoints.WriteCheckpoint(ctx, batch.CurrentVersion); err != nil {
		return fmt.Errorf("write checkpoint %d: %w", batch.CurrentVersion, err)
	}

	o.enter(report, StateIdle)
	return nil
}

func (o *Orchestrator) enter(report *PassReport, s State) {
	report.State = s
	o.setState(s)
}

func (o *Orchestrator) observe(ctx context.Context, report *PassReport) {
	logger := logctx.FromContext(ctx)
	metrics.PassDuration.Observe(report.Duration().Seconds())

	switch {
	case report.Err != nil:
		metrics.PassCount.WithLabelValues(metrics.OutcomeFailed).Inc()
		metrics.PassFailures.WithLabelValues(string(report.FailedStep)).Inc()
		logger.Error().
			Err(report.Err).
			Str("failed_step", string(report.FailedStep)).
			Int64("last_version", report.LastVersion).
			Msg("sync pass failed; checkpoint unchanged")
	case report.Summary != nil:
		metrics.PassCount.WithLabelValues(metrics.OutcomeSummarized).Inc()
	default:
		metrics.PassCount.WithLabelValues(metrics.OutcomeEmpty).Inc()
	}

	if report.Err == nil {
		metrics.EventsProcessed.Add(float64(report.EventCount))
		metrics.CheckpointVersion.Set(float64(report.CurrentVersion))
		logger.Info().
			Int("records", report.EventCount).
			Dur("duration", report.Duration()).
			Int64("from_version", report.LastVersion).
			Int64("to_version", report.CurrentVersion).
			Bool("clamped", report.Clamped).
			Msgf("processed %d records (versions %d -> %d)", report.EventCount, report.LastVersion, report.CurrentVersion)
	}

	if o.reporter != nil {
		if err := o.reporter.RecordPass(ctx, report); err != nil {
			logger.Warn().Err(err).Msg("failed to record pass status")
		}
	}
}
