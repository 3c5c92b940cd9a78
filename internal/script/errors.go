package script

import "codeberg.org/mutker/kpid/internal/errors"

const (
	ErrEmptyScript = errors.ErrorCode("script_empty")
	ErrEvaluation  = errors.ErrorCode("script_evaluation_failed")
)
