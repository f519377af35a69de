package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smukkama/airquality-pipeline/internal/metrics"
	"github.com/smukkama/airquality-pipeline/internal/syncer"
	"github.com/smukkama/airquality-pipeline/internal/timer"
	"github.com/smukkama/airquality-pipeline/pkg/config"
)

func startScheduler(t *testing.T) *timer.Scheduler {
	t.Helper()
	s := timer.NewScheduler()
	s.Start(context.Background())
	t.Cleanup(s.Stop)
	return s
}

type fakeRunner struct {
	mu        sync.Mutex
	calls     int
	deadlines []time.Duration
}

func (r *fakeRunner) RunPass(ctx context.Context) (*syncer.PassReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if d, ok := ctx.Deadline(); ok {
		r.deadlines = append(r.deadlines, time.Until(d))
	}
	return nil, errors.New("transient")
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fakePurger struct {
	mu        sync.Mutex
	olderThan []time.Time
	purged    int64
	err       error
}

func (p *fakePurger) PurgeChanges(ctx context.Context, olderThan time.Time) (int64, int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.olderThan = append(p.olderThan, olderThan)
	if p.err != nil {
		return 0, 0, p.err
	}
	return p.purged, 42, nil
}

func (p *fakePurger) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.olderThan)
}

type fakeBatch struct {
	calls atomic.Int32
	err   error
}

func (b *fakeBatch) Run(ctx context.Context) error {
	b.calls.Add(1)
	return b.err
}

func syncConfig() config.SyncConfig {
	return config.SyncConfig{
		Interval:        20 * time.Millisecond,
		PassTimeout:     time.Second,
		ChangeRetention: 48 * time.Hour,
		CleanupInterval: 20 * time.Millisecond,
	}
}

func TestScheduleSync_RunsBoundedPassesRepeatedly(t *testing.T) {
	s := startScheduler(t)
	runner := &fakeRunner{}

	require.NoError(t, ScheduleSync(s, runner, syncConfig()))

	assert.Eventually(t, func() bool { return runner.count() >= 3 }, 2*time.Second, 10*time.Millisecond,
		"a failing pass must not stop later ticks")

	runner.mu.Lock()
	defer runner.mu.Unlock()
	require.NotEmpty(t, runner.deadlines)
	for _, d := range runner.deadlines {
		assert.LessOrEqual(t, d, time.Second)
	}
}

func TestScheduleCleanup_PurgesOlderThanRetention(t *testing.T) {
	s := startScheduler(t)
	purger := &fakePurger{purged: 3}
	before := testutil.ToFloat64(metrics.ChangesPurged)

	start := time.Now()
	require.NoError(t, ScheduleCleanup(s, purger, syncConfig()))
	require.Eventually(t, func() bool { return purger.count() >= 1 }, 2*time.Second, 10*time.Millisecond)
	s.Stop()

	purger.mu.Lock()
	cutoff := purger.olderThan[0]
	purger.mu.Unlock()
	assert.WithinDuration(t, start.Add(-48*time.Hour), cutoff, time.Second)
	assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.ChangesPurged), before+3)
}

func TestScheduleCleanup_FailureKeepsSchedule(t *testing.T) {
	s := startScheduler(t)
	purger := &fakePurger{err: errors.New("db down")}

	require.NoError(t, ScheduleCleanup(s, purger, syncConfig()))
	assert.Eventually(t, func() bool { return purger.count() >= 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestScheduleGenerator_LogsFailuresAndContinues(t *testing.T) {
	s := startScheduler(t)
	gen := &fakeBatch{err: errors.New("insert failed")}

	require.NoError(t, ScheduleGenerator(s, gen, 20*time.Millisecond))
	assert.Eventually(t, func() bool { return gen.calls.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestSchedule_RejectsStoppedScheduler(t *testing.T) {
	s := timer.NewScheduler()
	s.Start(context.Background())
	s.Stop()

	assert.ErrorIs(t, ScheduleSync(s, &fakeRunner{}, syncConfig()), timer.ErrSchedulerStopped)
	assert.ErrorIs(t, ScheduleCleanup(s, &fakePurger{}, syncConfig()), timer.ErrSchedulerStopped)
	assert.ErrorIs(t, ScheduleGenerator(s, &fakeBatch{}, time.Second), timer.ErrSchedulerStopped)
}
