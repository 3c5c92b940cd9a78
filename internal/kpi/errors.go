package kpi

import "codeberg.org/mutker/kpid/internal/errors"

const (
	// Initialization errors
	ErrMissingGlyphicon  = errors.ErrorCode("kpi_missing_glyphicon")
	ErrMissingScript     = errors.ErrorCode("kpi_missing_script")
	ErrInvalidParameters = errors.ErrorCode("kpi_invalid_parameters")
	ErrUnknownRunner     = errors.ErrorCode("kpi_unknown_runner")
	ErrInvalidScheduler  = errors.ErrorCode("kpi_invalid_scheduler")
	ErrObjectsContainer  = errors.ErrorCode("kpi_objects_container_unavailable")

	// Computation errors
	ErrNotANumber      = errors.ErrorCode("kpi_value_not_a_number")
	ErrComputation     = errors.ErrorCode("kpi_computation_failed")
	ErrMissingArgument = errors.ErrorCode("kpi_missing_parameter")
	ErrStoreValues     = errors.ErrorCode("kpi_store_values_failed")

	// Registry errors
	ErrKpiNotFound = errors.ErrResourceNotFound
	ErrInvalidData = errors.ErrorCode("kpi_invalid_data")
)
