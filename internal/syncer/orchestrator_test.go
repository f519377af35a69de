package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smukkama/airquality-pipeline/internal/database"
	"github.com/smukkama/airquality-pipeline/internal/extract"
)

// memFeed is an in-memory change feed
type memFeed struct {
	mu       sync.Mutex
	events   []database.ChangeEvent
	minValid int64
}

func (f *memFeed) append(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	next := int64(len(f.events)) + 1
	for i := 0; i < n; i++ {
		v := next + int64(i)
		f.events = append(f.events, database.ChangeEvent{
			Version:   v,
			Operation: database.OperationInsert,
			Reading: database.Reading{
				StationID:  "station-1",
				RecordedAt: time.Date(2025, 1, 1, 0, 0, int(v), 0, time.UTC),
				PM25:       float64(v),
				O3:         float64(100 - v),
				AQI:        int(v),
			},
		})
	}
}

func (f *memFeed) CurrentVersion(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		return f.minValid, nil
	}
	return max(f.events[len(f.events)-1].Version, f.minValid), nil
}

func (f *memFeed) MinValidVersion(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.minValid, nil
}

func (f *memFeed) ChangesBetween(ctx context.Context, since, through int64) ([]database.ChangeEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []database.ChangeEvent
	for _, ev := range f.events {
		if ev.Version > since && ev.Version <= through {
			out = append(out, ev)
		}
	}
	return out, nil
}

// memCheckpoint mirrors the GREATEST upsert of the Postgres store
type memCheckpoint struct {
	version  int64
	writes   []int64
	readErr  error
	writeErr error
}

func (c *memCheckpoint) ReadCheckpoint(ctx context.Context) (int64, error) {
	return c.version, c.readErr
}

func (c *memCheckpoint) WriteCheckpoint(ctx context.Context, version int64) error {
	if c.writeErr != nil {
		return c.writeErr
	}
	c.writes = append(c.writes, version)
	c.version = max(c.version, version)
	return nil
}

type memSummaries struct {
	records []database.SummaryRecord
	err     error
}

func (s *memSummaries) InsertSummary(ctx context.Context, rec *database.SummaryRecord) error {
	if s.err != nil {
		return s.err
	}
	rec.ID = uuid.New()
	s.records = append(s.records, *rec)
	return nil
}

type memPublisher struct {
	published []uuid.UUID
	err       error
}

func (p *memPublisher) PublishSummary(ctx context.Context, rec *database.SummaryRecord) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, rec.ID)
	return nil
}

type memReporter struct {
	reports []*PassReport
	err     error
}

func (r *memReporter) RecordPass(ctx context.Context, report *PassReport) error {
	r.reports = append(r.reports, report)
	return r.err
}

type fixture struct {
	feed        *memFeed
	checkpoints *memCheckpoint
	summaries   *memSummaries
	orch        *Orchestrator
}

func newFixture(opts ...Option) *fixture {
	f := &fixture{
		feed:        &memFeed{},
		checkpoints: &memCheckpoint{},
		summaries:   &memSummaries{},
	}
	f.orch = NewOrchestrator(f.checkpoints, extract.NewExtractor(f.feed), f.summaries, opts...)
	return f
}

func TestRunPass_EmptyFeed(t *testing.T) {
	f := newFixture()

	report, err := f.orch.RunPass(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateIdle, report.State)
	assert.Equal(t, int64(0), report.CurrentVersion)
	assert.Zero(t, report.EventCount)
	assert.Nil(t, report.Summary)
	assert.Empty(t, f.summaries.records)
	assert.Equal(t, []int64{0}, f.checkpoints.writes, "empty pass still rewrites the checkpoint")
	assert.Equal(t, int64(0), f.checkpoints.version)
	assert.Equal(t, StateIdle, f.orch.State())
}

func TestRunPass_TenInserts(t *testing.T) {
	f := newFixture()
	f.feed.append(10)

	report, err := f.orch.RunPass(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(10), report.CurrentVersion)
	assert.Equal(t, 10, report.EventCount)
	require.Len(t, f.summaries.records, 1)
	assert.Equal(t, 10, f.summaries.records[0].RecordCount)
	assert.Equal(t, 5.5, f.summaries.records[0].AvgAQI)
	assert.Equal(t, int64(10), f.checkpoints.version)
	require.NotNil(t, report.Summary)
	assert.Equal(t, f.summaries.records[0].ID, report.Summary.ID)
}

func TestRunPass_IncrementalPasses(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.feed.append(4)
	_, err := f.orch.RunPass(ctx)
	require.NoError(t, err)

	_, err = f.orch.RunPass(ctx)
	require.NoError(t, err)

	f.feed.append(3)
	report, err := f.orch.RunPass(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(4), report.LastVersion)
	assert.Equal(t, 3, report.EventCount)
	require.Len(t, f.summaries.records, 2)
	assert.Equal(t, 4, f.summaries.records[0].RecordCount)
	assert.Equal(t, 3, f.summaries.records[1].RecordCount)
	assert.Equal(t, []int64{4, 4, 7}, f.checkpoints.writes)
}

func TestRunPass_ClampedBaseline(t *testing.T) {
	f := newFixture()
	f.feed.append(200)
	f.feed.minValid = 150
	f.checkpoints.version = 100

	report, err := f.orch.RunPass(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Clamped)
	assert.Equal(t, int64(150), report.Floor)
	assert.Equal(t, 50, report.EventCount)
	assert.Equal(t, int64(200), f.checkpoints.version)
}

func TestRunPass_CrashBeforeCheckpointDuplicatesSummary(t *testing.T) {
	f := newFixture()
	f.feed.append(10)
	ctx := context.Background()

	f.checkpoints.writeErr = errors.New("connection reset")
	report, err := f.orch.RunPass(ctx)
	require.Error(t, err)
	assert.Equal(t, StateFailed, report.State)
	assert.Equal(t, StateCommitting, report.FailedStep)
	assert.Equal(t, int64(0), f.checkpoints.version)
	require.Len(t, f.summaries.records, 1)

	f.checkpoints.writeErr = nil
	report, err = f.orch.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), report.LastVersion)
	assert.Equal(t, int64(10), f.checkpoints.version)

	// at-least-once: the same range is summarized twice
	require.Len(t, f.summaries.records, 2)
	first, second := f.summaries.records[0], f.summaries.records[1]
	assert.Equal(t, first.RecordCount, second.RecordCount)
	assert.Equal(t, first.AvgAQI, second.AvgAQI)
	assert.True(t, first.WindowStart.Equal(second.WindowStart))
	assert.NotEqual(t, first.ID, second.ID)
}

func TestRunPass_FailuresLeaveCheckpointUnchanged(t *testing.T) {
	boom := errors.New("i/o failure")

	tests := []struct {
		name   string
		setup  func(f *fixture)
		failed State
	}{
		{"checkpoint read", func(f *fixture) { f.checkpoints.readErr = boom }, StateExtracting},
		{"summary write", func(f *fixture) { f.summaries.err = boom }, StateCommitting},
		{"checkpoint write", func(f *fixture) { f.checkpoints.writeErr = boom }, StateCommitting},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.feed.append(5)
			f.checkpoints.version = 2
			tt.setup(f)

			report, err := f.orch.RunPass(context.Background())
			assert.ErrorIs(t, err, boom)
			assert.Equal(t, StateFailed, report.State)
			assert.Equal(t, tt.failed, report.FailedStep)
			assert.Equal(t, int64(2), f.checkpoints.version)
			assert.Empty(t, f.checkpoints.writes)
			assert.Equal(t, StateFailed, f.orch.State())
		})
	}
}

type failingCollector struct{ err error }

func (c failingCollector) Collect(ctx context.Context, lastVersion int64) (extract.Batch, error) {
	return extract.Batch{}, c.err
}

func TestRunPass_CollectFailure(t *testing.T) {
	boom := errors.New("feed unreachable")
	checkpoints := &memCheckpoint{version: 3}
	summaries := &memSummaries{}
	orch := NewOrchestrator(checkpoints, failingCollector{boom}, summaries)

	report, err := orch.RunPass(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateExtracting, report.FailedStep)
	assert.Empty(t, summaries.records)
	assert.Empty(t, checkpoints.writes)
}

func TestRunPass_PublishesSummary(t *testing.T) {
	pub := &memPublisher{}
	f := newFixture(WithPublisher(pub))
	f.feed.append(3)

	report, err := f.orch.RunPass(context.Background())
	require.NoError(t, err)
	require.Len(t, pub.published, 1)
	assert.Equal(t, report.Summary.ID, pub.published[0])
}

func TestRunPass_PublishFailureFailsPass(t *testing.T) {
	pub := &memPublisher{err: errors.New("broker down")}
	f := newFixture(WithPublisher(pub))
	f.feed.append(3)

	report, err := f.orch.RunPass(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateCommitting, report.FailedStep)
	assert.Len(t, f.summaries.records, 1)
	assert.Equal(t, int64(0), f.checkpoints.version)
}

func TestRunPass_PublisherSkippedOnEmptyPass(t *testing.T) {
	pub := &memPublisher{}
	f := newFixture(WithPublisher(pub))

	_, err := f.orch.RunPass(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pub.published)
}

func TestRunPass_Reporter(t *testing.T) {
	rep := &memReporter{err: errors.New("redis down")}
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	calls := 0
	clock := func() time.Time {
		calls++
		return start.Add(time.Duration(calls) * time.Second)
	}

	f := newFixture(WithReporter(rep), WithClock(clock))
	f.feed.append(2)

	_, err := f.orch.RunPass(context.Background())
	require.NoError(t, err, "reporter errors never fail the pass")
	require.Len(t, rep.reports, 1)
	assert.Equal(t, time.Second, rep.reports[0].Duration())
	assert.Equal(t, int64(2), rep.reports[0].CurrentVersion)

	f.checkpoints.readErr = errors.New("db down")
	_, err = f.orch.RunPass(context.Background())
	require.Error(t, err)
	require.Len(t, rep.reports, 2)
	assert.Equal(t, StateFailed, rep.reports[1].State)
	assert.Error(t, rep.reports[1].Err)
}

type blockingCollector struct {
	entered chan struct{}
	release chan struct{}
}

func (c *blockingCollector) Collect(ctx context.Context, lastVersion int64) (extract.Batch, error) {
	close(c.entered)
	<-c.release
	return extract.Batch{CurrentVersion: lastVersion}, nil
}

func TestRunPass_NoOverlap(t *testing.T) {
	col := &blockingCollector{entered: make(chan struct{}), release: make(chan struct{})}
	orch := NewOrchestrator(&memCheckpoint{}, col, &memSummaries{})

	done := make(chan error, 1)
	go func() {
		_, err := orch.RunPass(context.Background())
		done <- err
	}()

	<-col.entered
	assert.Equal(t, StateExtracting, orch.State())

	report, err := orch.RunPass(context.Background())
	assert.ErrorIs(t, err, ErrPassInProgress)
	assert.Nil(t, report)

	close(col.release)
	require.NoError(t, <-done)
	assert.Equal(t, StateIdle, orch.State())
}

func TestRunPass_CheckpointIsMonotonic(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	var last int64
	for i := 0; i < 10; i++ {
		f.feed.append(i % 3)
		_, err := f.orch.RunPass(ctx)
		require.NoError(t, err)

		v, err := f.checkpoints.ReadCheckpoint(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, v, last)
		last = v
	}

	current, err := f.feed.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, current, last)
}
