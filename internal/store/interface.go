package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// DataPoint is one stored KPI value of an object at a point in time
type DataPoint struct {
	ID                int64
	ObjectID          int64
	ValueDefinitionID string
	Timestamp         time.Time
	// Value is nil when the computation produced no value
	Value       *decimal.Decimal
	ColorRuleID string
}

// ActionState marks one execution of a scheduled action
type ActionState struct {
	ID            int64
	ActionUUID    string
	TransactionID string
	IsRunning     bool
	LastUpdate    time.Time
}

// TimeSeriesRepository stores KPI values
type TimeSeriesRepository interface {
	Save(ctx context.Context, point *DataPoint) error
	Last(ctx context.Context, valueDefinitionID string, objectID int64) (*DataPoint, error)
	Range(ctx context.Context, valueDefinitionID string, objectID int64, start, end time.Time) ([]DataPoint, error)
	SetColorRule(ctx context.Context, pointID int64, colorRuleID string) error
}

// StateRepository stores scheduler action states
type StateRepository interface {
	Running(ctx context.Context, actionUUID string) (*ActionState, error)
	MarkRunning(ctx context.Context, actionUUID, transactionID string) error
	MarkCompleted(ctx context.Context, actionUUID, transactionID string) (bool, error)
	FlushOlderThan(ctx context.Context, age time.Duration) (int64, error)
	FlushAll(ctx context.Context) error
}
