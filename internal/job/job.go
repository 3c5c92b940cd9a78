// Package job schedules generic named jobs at a time of day.
package job

import (
	"context"
	"sort"
	"sync"
	"time"

	"codeberg.org/mutker/kpid/internal/errors"
	"codeberg.org/mutker/kpid/internal/logger"
	"codeberg.org/mutker/kpid/internal/metrics"
	"codeberg.org/mutker/kpid/internal/scheduler"
)

const (
	ErrJobNotFound = errors.ErrResourceNotFound
	ErrJobFailed   = errors.ErrorCode("job_failed")
)

// Frequency of a job
type Frequency string

const (
	OneTime Frequency = "ONE_TIME"
	Hourly  Frequency = "HOURLY"
	Daily   Frequency = "DAILY"
)

// Descriptor describes a job
type Descriptor interface {
	ID() string
	Name() string
	Description() string
	Frequency() Frequency
	StartHour() int
	StartMinute() int
	Trigger(ctx context.Context) error
}

// Scheduler registers the job tasks
type Scheduler interface {
	ScheduleOnce(exclusive bool, actionUUID string, delay time.Duration, action scheduler.Action) scheduler.Cancellable
	ScheduleRecurring(
		exclusive bool, actionUUID string, initialDelay, interval time.Duration,
		action scheduler.Action, opts ...scheduler.RecurringOption,
	) scheduler.Cancellable
}

// Registry schedules jobs and triggers them on demand
type Registry struct {
	scheduler Scheduler
	log       logger.Logger
	metrics   *metrics.Collectors
	now       func() time.Time

	mu      sync.RWMutex
	jobs    map[string]Descriptor
	handles []scheduler.Cancellable
}

func NewRegistry(s Scheduler, log logger.Logger, m *metrics.Collectors) *Registry {
	return &Registry{
		scheduler: s,
		log:       log,
		metrics:   m,
		now:       time.Now,
		jobs:      make(map[string]Descriptor),
	}
}

// Start registers and schedules jobs. The first execution happens at the
// start time of the job, today if it has not passed yet. Hourly jobs then
// run every hour, the others every day, except one time jobs.
func (r *Registry) Start(jobs []Descriptor) {
	r.log.Info().Int("jobs", len(jobs)).Msg("START jobs")

	for _, job := range jobs {
		delay := r.firstDelay(job)
		action := actionUUID(job.ID())
		body := func(ctx context.Context) error {
			return job.Trigger(ctx)
		}

		var handle scheduler.Cancellable
		switch job.Frequency() {
		case OneTime:
			handle = r.scheduler.ScheduleOnce(true, action, delay, body)
		case Hourly:
			handle = r.scheduler.ScheduleRecurring(true, action, delay, time.Hour, body)
		default:
			handle = r.scheduler.ScheduleRecurring(true, action, delay, 24*time.Hour, body)
		}

		r.mu.Lock()
		r.jobs[job.ID()] = job
		r.handles = append(r.handles, handle)
		r.mu.Unlock()

		r.log.Info().
			Str("job", job.ID()).
			Str("frequency", string(job.Frequency())).
			Int("minutes", int(delay/time.Minute)).
			Msg("Job scheduled")
	}

	r.mu.RLock()
	r.metrics.RegisteredJobs.Set(float64(len(r.jobs)))
	r.mu.RUnlock()

	r.log.Info().Msg("END jobs")
}

func (r *Registry) firstDelay(job Descriptor) time.Duration {
	now := r.now()

	var next time.Time
	if job.Frequency() == Hourly {
		next = scheduler.NextHourly(now, job.StartHour(), job.StartMinute())
	} else {
		next = scheduler.NextDaily(now, job.StartHour(), job.StartMinute())
	}

	return scheduler.MinutesUntil(now, next)
}

func actionUUID(id string) string {
	return "jobs:" + id
}

// Trigger runs a job now, outside of its schedule
func (r *Registry) Trigger(ctx context.Context, id string) error {
	r.mu.RLock()
	job, ok := r.jobs[id]
	r.mu.RUnlock()

	if !ok {
		r.log.Error().Str("job", id).Msg("Attempt to start a non existing job")
		return errors.New().WithData(ErrJobNotFound, id)
	}

	r.log.Info().Str("job", id).Msg("START job execution")
	err := job.Trigger(ctx)
	r.log.Info().Str("job", id).Bool("failed", err != nil).Msg("END job execution")

	if err != nil {
		return errors.New().Wrap(ErrJobFailed, err)
	}
	return nil
}

// Jobs returns the registered jobs ordered by id
func (r *Registry) Jobs() []Descriptor {
	r.mu.RLock()
	jobs := make([]Descriptor, 0, len(r.jobs))
	for _, job := range r.jobs {
		jobs = append(jobs, job)
	}
	r.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID() < jobs[j].ID() })
	return jobs
}

// Cancel cancels the schedules of every job
func (r *Registry) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, h := range r.handles {
		h.Cancel()
	}
	r.handles = nil

	r.log.Info().Msg("Jobs cancelled")
}
