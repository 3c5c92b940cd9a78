package scheduler

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"codeberg.org/mutker/kpid/internal/errors"
	"codeberg.org/mutker/kpid/internal/logger"
	"codeberg.org/mutker/kpid/internal/metrics"
	"codeberg.org/mutker/kpid/internal/store"
	"github.com/google/uuid"
)

// Action is the body of a scheduled task
type Action func(ctx context.Context) error

// Config tunes the scheduled action bookkeeping
type Config struct {
	// StaleAfter is the age after which a running state is reported as stuck
	StaleAfter time.Duration
	// Retention is the age after which states are deleted by FlushOldStates
	Retention time.Duration
}

// Service wraps a Timer with transaction ids, start/stop logging and the
// persisted action states of exclusive actions. The states are an audit
// trail: an exclusive action whose previous execution is still marked as
// running is reported, not prevented.
type Service struct {
	timer   *Timer
	states  store.StateRepository
	log     logger.Logger
	metrics *metrics.Collectors
	cfg     Config

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	handles []Cancellable
}

func NewService(cfg Config, states store.StateRepository, log logger.Logger, m *metrics.Collectors) *Service {
	ctx, cancel := context.WithCancel(context.Background())

	return &Service{
		timer:   NewTimer(),
		states:  states,
		log:     log,
		metrics: m,
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// RecurringOption tunes a recurring schedule
type RecurringOption func(*recurringOptions)

type recurringOptions struct {
	quiet bool
}

// Quiet logs the start and stop lines of each execution at debug level
func Quiet() RecurringOption {
	return func(o *recurringOptions) {
		o.quiet = true
	}
}

// ScheduleOnce runs action once after delay
func (s *Service) ScheduleOnce(exclusive bool, actionUUID string, delay time.Duration, action Action) Cancellable {
	handle := s.timer.Once(delay, func() {
		s.execute(exclusive, actionUUID, "ASYNC ACTION", false, action)
	})
	s.track(handle)
	return handle
}

// ScheduleRecurring runs action after initialDelay, then interval after the
// end of each execution.
func (s *Service) ScheduleRecurring(
	exclusive bool, actionUUID string, initialDelay, interval time.Duration, action Action, opts ...RecurringOption,
) Cancellable {
	o := recurringOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	handle := s.timer.Recurring(initialDelay, interval, func() {
		s.execute(exclusive, actionUUID, "SCHEDULER", o.quiet, action)
	})
	s.track(handle)
	return handle
}

const systemStatusAction = "SYSTEM_STATUS"

// StartSystemStatus dumps the process status every interval
func (s *Service) StartSystemStatus(interval time.Duration) Cancellable {
	return s.ScheduleRecurring(false, systemStatusAction, interval, interval, func(context.Context) error {
		s.DumpSystemStatus("AUTOMATIC SYSTEM STATUS")
		return nil
	}, Quiet())
}

// DumpSystemStatus logs the goroutine count and the memory statistics
func (s *Service) DumpSystemStatus(title string) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	s.log.Info().
		Int("goroutines", runtime.NumGoroutine()).
		Uint64("heap_alloc", m.HeapAlloc).
		Uint64("heap_sys", m.HeapSys).
		Uint64("sys", m.Sys).
		Uint32("gc_cycles", m.NumGC).
		Msg(title)
}

// FlushAllStates deletes every persisted action state
func (s *Service) FlushAllStates(ctx context.Context) {
	if err := s.states.FlushAll(ctx); err != nil {
		s.log.Error().Err(err).Msg("Failed to flush the scheduler states")
	}
}

// FlushOldStates deletes the action states older than the retention window
func (s *Service) FlushOldStates(ctx context.Context) (int64, error) {
	n, err := s.states.FlushOlderThan(ctx, s.cfg.Retention)
	if err != nil {
		return 0, errors.New().Wrap(ErrStateBookkeeping, err)
	}
	return n, nil
}

// Close cancels every schedule created through the service and waits for
// running executions.
func (s *Service) Close() {
	s.mu.Lock()
	for _, h := range s.handles {
		h.Cancel()
	}
	s.handles = nil
	s.mu.Unlock()

	s.cancel()
	s.timer.Stop()
}

func (s *Service) track(handle Cancellable) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// drop handles of finished or cancelled tasks
	live := s.handles[:0]
	for _, h := range s.handles {
		if !h.IsCancelled() {
			live = append(live, h)
		}
	}
	s.handles = append(live, handle)
}

func (s *Service) execute(exclusive bool, actionUUID, kind string, quiet bool, action Action) {
	transactionID := uuid.NewString()
	start := time.Now()

	event := s.log.Info
	if quiet {
		event = s.log.Debug
	}

	event().
		Str("action", actionUUID).
		Str("transaction_id", transactionID).
		Msg(kind + " START")

	if exclusive {
		s.markRunning(actionUUID, transactionID)
	}

	err := s.run(actionUUID, transactionID, action)

	if exclusive {
		s.markCompleted(actionUUID, transactionID)
	}

	result := metrics.ResultOK
	if err != nil {
		result = metrics.ResultError
	}
	s.metrics.ScheduledRuns.WithLabelValues(actionUUID, result).Inc()
	s.metrics.ScheduledRunDuration.WithLabelValues(actionUUID).Observe(time.Since(start).Seconds())

	event().
		Str("action", actionUUID).
		Str("transaction_id", transactionID).
		Dur("duration", time.Since(start)).
		Bool("failed", err != nil).
		Msg(kind + " STOP")
}

// run executes the action, converting errors and panics into a logged error
func (s *Service) run(actionUUID, transactionID string, action Action) (err error) {
	errFactory := errors.New()

	defer func() {
		if r := recover(); r != nil {
			err = errFactory.WithData(ErrActionPanicked, fmt.Sprint(r))
		}
		if err != nil {
			s.log.Error().
				Err(err).
				Str("action", actionUUID).
				Str("transaction_id", transactionID).
				Msg("Scheduled action failed")
		}
	}()

	if actionErr := action(s.ctx); actionErr != nil {
		return errFactory.Wrap(ErrActionFailed, actionErr)
	}

	return nil
}

func (s *Service) markRunning(actionUUID, transactionID string) {
	ctx := s.ctx

	running, err := s.states.Running(ctx, actionUUID)
	if err != nil {
		s.log.Warn().Err(err).Str("action", actionUUID).Msg("Failed to read the scheduler state")
	} else if running != nil {
		s.log.Info().
			Str("action", actionUUID).
			Str("transaction_id", transactionID).
			Str("running_transaction_id", running.TransactionID).
			Msg("Conflict notification: another execution of the action is marked as running")

		if time.Since(running.LastUpdate) > s.cfg.StaleAfter {
			s.log.Error().
				Str("action", actionUUID).
				Str("running_transaction_id", running.TransactionID).
				Dur("running_for", time.Since(running.LastUpdate)).
				Msg("Scheduled action is still marked as running after the stale threshold")
		}
	}

	if err := s.states.MarkRunning(ctx, actionUUID, transactionID); err != nil {
		s.log.Warn().Err(err).Str("action", actionUUID).Msg("Failed to update the scheduler state")
	}
}

func (s *Service) markCompleted(actionUUID, transactionID string) {
	// completion is recorded even when the service is closing
	ctx := context.WithoutCancel(s.ctx)

	done, err := s.states.MarkCompleted(ctx, actionUUID, transactionID)
	if err != nil {
		s.log.Warn().Err(err).Str("action", actionUUID).Msg("Failed to mark the scheduler state as completed")
		return
	}
	if !done {
		s.log.Error().
			Str("action", actionUUID).
			Str("transaction_id", transactionID).
			Msg("No running state found while marking the scheduled action as completed")
		return
	}

	s.log.Debug().
		Str("action", actionUUID).
		Str("transaction_id", transactionID).
		Msg("Scheduled action completed, scheduler state flushed")
}
