package scheduler

import "codeberg.org/mutker/kpid/internal/errors"

const (
	ErrInvalidStartTime = errors.ErrorCode("scheduler_invalid_start_time")
	ErrActionFailed     = errors.ErrorCode("scheduler_action_failed")
	ErrActionPanicked   = errors.ErrorCode("scheduler_action_panicked")
	ErrStateBookkeeping = errors.ErrorCode("scheduler_state_bookkeeping_failed")
)
