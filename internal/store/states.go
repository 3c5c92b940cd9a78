package store

import (
	"context"
	"database/sql"
	"time"

	"codeberg.org/mutker/kpid/internal/errors"
)

// Running returns the running state of an action, nil when none is running
func (r *Repository) Running(ctx context.Context, actionUUID string) (*ActionState, error) {
	var (
		state      ActionState
		running    int
		lastUpdate int64
	)

	err := r.db.QueryRowContext(ctx, selectRunningStateSQL, actionUUID).
		Scan(&state.ID, &state.ActionUUID, &state.TransactionID, &running, &lastUpdate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.New().Wrap(ErrStorageAccess, err)
	}

	state.IsRunning = running == 1
	state.LastUpdate = time.UnixMilli(lastUpdate)

	return &state, nil
}

func (r *Repository) MarkRunning(ctx context.Context, actionUUID, transactionID string) error {
	_, err := r.db.ExecContext(ctx, insertStateSQL,
		actionUUID, transactionID, boolToInt(true), time.Now().UnixMilli())
	if err != nil {
		return errors.New().Wrap(ErrStorageAccess, err)
	}
	return nil
}

// MarkCompleted clears the running flag of one execution. It reports false
// when no running state matched.
func (r *Repository) MarkCompleted(ctx context.Context, actionUUID, transactionID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, completeStateSQL, time.Now().UnixMilli(), actionUUID, transactionID)
	if err != nil {
		return false, errors.New().Wrap(ErrStorageAccess, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.New().Wrap(ErrStorageAccess, err)
	}

	return n > 0, nil
}

// FlushOlderThan deletes the states not updated within age
func (r *Repository) FlushOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age).UnixMilli()

	res, err := r.db.ExecContext(ctx, flushOldStatesSQL, cutoff)
	if err != nil {
		return 0, errors.New().Wrap(ErrStorageAccess, err)
	}

	n, _ := res.RowsAffected()
	r.logger.Debug().
		Int64("deleted", n).
		Dur("retention", age).
		Msg("Flushed old scheduler states")

	return n, nil
}

func (r *Repository) FlushAll(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, flushAllStatesSQL); err != nil {
		return errors.New().Wrap(ErrStorageAccess, err)
	}
	return nil
}
