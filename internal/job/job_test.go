package job

import (
	"context"
	"errors"
	"testing"
	"time"

	kerrors "codeberg.org/mutker/kpid/internal/errors"
	"codeberg.org/mutker/kpid/internal/logger"
	"codeberg.org/mutker/kpid/internal/metrics"
	"codeberg.org/mutker/kpid/internal/scheduler"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type task struct {
	once      bool
	exclusive bool
	action    string
	delay     time.Duration
	interval  time.Duration
	body      scheduler.Action
	cancelled bool
}

func (t *task) Cancel() bool {
	t.cancelled = true
	return true
}

func (t *task) IsCancelled() bool {
	return t.cancelled
}

type recordingScheduler struct {
	tasks []*task
}

func (s *recordingScheduler) ScheduleOnce(exclusive bool, actionUUID string, delay time.Duration, action scheduler.Action) scheduler.Cancellable {
	t := &task{once: true, exclusive: exclusive, action: actionUUID, delay: delay, body: action}
	s.tasks = append(s.tasks, t)
	return t
}

func (s *recordingScheduler) ScheduleRecurring(
	exclusive bool, actionUUID string, initialDelay, interval time.Duration,
	action scheduler.Action, _ ...scheduler.RecurringOption,
) scheduler.Cancellable {
	t := &task{exclusive: exclusive, action: actionUUID, delay: initialDelay, interval: interval, body: action}
	s.tasks = append(s.tasks, t)
	return t
}

type testJob struct {
	id        string
	frequency Frequency
	hour      int
	minute    int
	err       error
	triggered int
}

func (j *testJob) ID() string           { return j.id }
func (j *testJob) Name() string         { return "job " + j.id }
func (j *testJob) Description() string  { return "" }
func (j *testJob) Frequency() Frequency { return j.frequency }
func (j *testJob) StartHour() int       { return j.hour }
func (j *testJob) StartMinute() int     { return j.minute }

func (j *testJob) Trigger(context.Context) error {
	j.triggered++
	return j.err
}

func newTestRegistry(now time.Time) (*Registry, *recordingScheduler, *metrics.Collectors) {
	s := &recordingScheduler{}
	m := metrics.Nop()
	r := NewRegistry(s, logger.Nop(), m)
	r.now = func() time.Time { return now }
	return r, s, m
}

func TestStartComputesFirstDelay(t *testing.T) {
	now := time.Date(2024, 3, 10, 5, 20, 30, 0, time.UTC)
	r, s, m := newTestRegistry(now)

	r.Start([]Descriptor{
		&testJob{id: "hourly", frequency: Hourly, hour: 2, minute: 30},
		&testJob{id: "daily-passed", frequency: Daily, hour: 2, minute: 0},
		&testJob{id: "daily-later", frequency: Daily, hour: 6, minute: 0},
		&testJob{id: "once", frequency: OneTime, hour: 4, minute: 0},
	})
	require.Len(t, s.tasks, 4)

	hourly := s.tasks[0]
	assert.Equal(t, "jobs:hourly", hourly.action)
	assert.True(t, hourly.exclusive)
	assert.False(t, hourly.once)
	assert.Equal(t, 9*time.Minute, hourly.delay)
	assert.Equal(t, time.Hour, hourly.interval)

	passed := s.tasks[1]
	assert.Equal(t, 20*time.Hour+39*time.Minute, passed.delay)
	assert.Equal(t, 24*time.Hour, passed.interval)

	assert.Equal(t, 39*time.Minute, s.tasks[2].delay)

	once := s.tasks[3]
	assert.True(t, once.once)
	assert.Equal(t, 22*time.Hour+39*time.Minute, once.delay)

	assert.Equal(t, 4.0, testutil.ToFloat64(m.RegisteredJobs))
}

func TestScheduledBodyTriggersJob(t *testing.T) {
	r, s, _ := newTestRegistry(time.Now())
	job := &testJob{id: "a", frequency: Daily}
	r.Start([]Descriptor{job})

	require.NoError(t, s.tasks[0].body(context.Background()))
	assert.Equal(t, 1, job.triggered)
}

func TestTrigger(t *testing.T) {
	r, _, _ := newTestRegistry(time.Now())
	ok := &testJob{id: "ok", frequency: Daily}
	failing := &testJob{id: "failing", frequency: Hourly, err: errors.New("boom")}
	r.Start([]Descriptor{ok, failing})

	require.NoError(t, r.Trigger(context.Background(), "ok"))
	assert.Equal(t, 1, ok.triggered)

	err := r.Trigger(context.Background(), "failing")
	require.Error(t, err)
	assert.True(t, kerrors.HasCode(err, ErrJobFailed))

	err = r.Trigger(context.Background(), "missing")
	assert.True(t, kerrors.HasCode(err, ErrJobNotFound))
}

func TestJobsAndCancel(t *testing.T) {
	r, s, _ := newTestRegistry(time.Now())
	r.Start([]Descriptor{
		&testJob{id: "b", frequency: Daily},
		&testJob{id: "a", frequency: OneTime},
	})

	jobs := r.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "a", jobs[0].ID())
	assert.Equal(t, "b", jobs[1].ID())

	r.Cancel()
	for _, task := range s.tasks {
		assert.True(t, task.cancelled)
	}
}

type fakeFlusher struct {
	deleted int64
	err     error
}

func (f *fakeFlusher) FlushOldStates(context.Context) (int64, error) {
	return f.deleted, f.err
}

type fakeReloader struct {
	reloads int
}

func (f *fakeReloader) Reload(context.Context) error {
	f.reloads++
	return nil
}

func TestBuiltinJobs(t *testing.T) {
	flush := NewStateFlush(&fakeFlusher{deleted: 3}, logger.Nop())
	assert.Equal(t, StateFlushID, flush.ID())
	assert.Equal(t, Hourly, flush.Frequency())
	require.NoError(t, flush.Trigger(context.Background()))

	failing := NewStateFlush(&fakeFlusher{err: errors.New("locked")}, logger.Nop())
	assert.Error(t, failing.Trigger(context.Background()))

	reloader := &fakeReloader{}
	reload := NewKpiReload(reloader)
	assert.Equal(t, KpiReloadID, reload.ID())
	assert.Equal(t, Daily, reload.Frequency())
	require.NoError(t, reload.Trigger(context.Background()))
	assert.Equal(t, 1, reloader.reloads)
}
