package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"codeberg.org/mutker/kpid/internal/errors"
	"codeberg.org/mutker/kpid/internal/logger"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// Repository is the SQLite backed KPI data and scheduler state store
type Repository struct {
	db     *sql.DB
	logger logger.Logger
	cfg    Config
}

var (
	_ TimeSeriesRepository = (*Repository)(nil)
	_ StateRepository      = (*Repository)(nil)
)

func NewRepository(cfg Config, log logger.Logger) (*Repository, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_directory",
			Path:  cfg.DBPath,
			Error: err.Error(),
		})
	}

	dsn := cfg.DBPath + "?_journal=WAL&_auto_vacuum=2&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "open_database",
			Error: err.Error(),
		})
	}
	// scheduled ticks write concurrently, a single connection serializes them
	db.SetMaxOpenConns(1)

	if err := ValidateAndUpdateSchema(db, cfg, log); err != nil {
		db.Close()
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "schema_version",
			Error: err.Error(),
		})
	}

	log.Info().
		Str("path", cfg.DBPath).
		Int("schema_version", SchemaVersion).
		Msg("KPI repository initialized")

	return &Repository{
		db:     db,
		logger: log,
		cfg:    cfg,
	}, nil
}

func (r *Repository) Save(ctx context.Context, point *DataPoint) error {
	errFactory := errors.New()

	if point == nil || point.ValueDefinitionID == "" {
		return errFactory.New(ErrInvalidDataPoint)
	}
	if point.Timestamp.IsZero() {
		point.Timestamp = time.Now()
	}

	res, err := r.db.ExecContext(ctx, insertDataPointSQL,
		point.ObjectID,
		point.ValueDefinitionID,
		point.Timestamp.UnixMilli(),
		nullDecimal(point.Value),
		nullString(point.ColorRuleID),
	)
	if err != nil {
		return errFactory.Wrap(ErrStorageAccess, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return errFactory.Wrap(ErrStorageAccess, err)
	}
	point.ID = id

	return nil
}

func (r *Repository) Last(ctx context.Context, valueDefinitionID string, objectID int64) (*DataPoint, error) {
	row := r.db.QueryRowContext(ctx, selectLastDataPointSQL, valueDefinitionID, objectID)

	point, err := scanDataPoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.New().Wrap(ErrStorageAccess, err)
	}

	return point, nil
}

func (r *Repository) Range(ctx context.Context, valueDefinitionID string, objectID int64, start, end time.Time) ([]DataPoint, error) {
	errFactory := errors.New()

	rows, err := r.db.QueryContext(ctx, selectDataPointRangeSQL,
		valueDefinitionID, objectID, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	var points []DataPoint
	for rows.Next() {
		point, err := scanDataPoint(rows)
		if err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}
		points = append(points, *point)
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}

	return points, nil
}

func (r *Repository) SetColorRule(ctx context.Context, pointID int64, colorRuleID string) error {
	errFactory := errors.New()

	res, err := r.db.ExecContext(ctx, updateColorRuleSQL, nullString(colorRuleID), pointID)
	if err != nil {
		return errFactory.Wrap(ErrStorageAccess, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errFactory.WithData(ErrNotFound, pointID)
	}

	return nil
}

func (r *Repository) Close() error {
	// Checkpoint WAL and cleanup on close
	if _, err := r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return errors.New().WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "checkpoint_wal",
			Error: err.Error(),
		})
	}

	if err := r.db.Close(); err != nil {
		return errors.New().WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "close_database",
			Error: err.Error(),
		})
	}

	r.logger.Info().Msg("KPI repository closed gracefully")

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDataPoint(s scanner) (*DataPoint, error) {
	var (
		point     DataPoint
		timestamp int64
		value     decimal.NullDecimal
		colorRule sql.NullString
	)

	if err := s.Scan(&point.ID, &point.ObjectID, &point.ValueDefinitionID, &timestamp, &value, &colorRule); err != nil {
		return nil, err
	}

	point.Timestamp = time.UnixMilli(timestamp)
	if value.Valid {
		v := value.Decimal
		point.Value = &v
	}
	point.ColorRuleID = colorRule.String

	return &point, nil
}

func nullDecimal(value *decimal.Decimal) any {
	if value == nil {
		return nil
	}
	return value.String()
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}
