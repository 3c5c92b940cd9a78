package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/kpid/internal/logger"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()

	repo, err := NewRepository(Config{DBPath: filepath.Join(t.TempDir(), "kpi.db")}, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	return repo
}

func dec(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}

func TestSaveAndLast(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, v := range []string{"1.5", "2.25", "3"} {
		point := &DataPoint{
			ObjectID:          7,
			ValueDefinitionID: "budget.main",
			Timestamp:         base.Add(time.Duration(i) * time.Hour),
			Value:             dec(v),
		}
		require.NoError(t, repo.Save(ctx, point))
		assert.NotZero(t, point.ID)
	}

	last, err := repo.Last(ctx, "budget.main", 7)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, last.Value.Equal(decimal.NewFromInt(3)))
	assert.Equal(t, base.Add(2*time.Hour).UnixMilli(), last.Timestamp.UnixMilli())

	missing, err := repo.Last(ctx, "budget.main", 8)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSaveNullValue(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, &DataPoint{ObjectID: 1, ValueDefinitionID: "a.main"}))

	last, err := repo.Last(ctx, "a.main", 1)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Nil(t, last.Value)
	assert.False(t, last.Timestamp.IsZero())
}

func TestSaveRejectsMissingValueDefinition(t *testing.T) {
	repo := newTestRepository(t)

	err := repo.Save(context.Background(), &DataPoint{ObjectID: 1})
	require.Error(t, err)
}

func TestRangeSkipsNullValuesAndBounds(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	points := []*DataPoint{
		{ObjectID: 1, ValueDefinitionID: "k.main", Timestamp: base, Value: dec("1")},
		{ObjectID: 1, ValueDefinitionID: "k.main", Timestamp: base.AddDate(0, 0, 1)},
		{ObjectID: 1, ValueDefinitionID: "k.main", Timestamp: base.AddDate(0, 0, 2), Value: dec("3")},
		{ObjectID: 1, ValueDefinitionID: "k.main", Timestamp: base.AddDate(0, 0, 5), Value: dec("5")},
		{ObjectID: 2, ValueDefinitionID: "k.main", Timestamp: base.AddDate(0, 0, 1), Value: dec("9")},
	}
	for _, p := range points {
		require.NoError(t, repo.Save(ctx, p))
	}

	got, err := repo.Range(ctx, "k.main", 1, base, base.AddDate(0, 0, 2))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Value.Equal(decimal.NewFromInt(1)))
	assert.True(t, got[1].Value.Equal(decimal.NewFromInt(3)))
}

func TestSetColorRule(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	point := &DataPoint{ObjectID: 1, ValueDefinitionID: "k.main", Value: dec("1")}
	require.NoError(t, repo.Save(ctx, point))
	require.NoError(t, repo.SetColorRule(ctx, point.ID, "red"))

	last, err := repo.Last(ctx, "k.main", 1)
	require.NoError(t, err)
	assert.Equal(t, "red", last.ColorRuleID)

	assert.Error(t, repo.SetColorRule(ctx, point.ID+100, "red"))
}

func TestSchedulerStates(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	running, err := repo.Running(ctx, "job")
	require.NoError(t, err)
	assert.Nil(t, running)

	require.NoError(t, repo.MarkRunning(ctx, "job", "tx-1"))

	running, err = repo.Running(ctx, "job")
	require.NoError(t, err)
	require.NotNil(t, running)
	assert.Equal(t, "tx-1", running.TransactionID)
	assert.True(t, running.IsRunning)

	done, err := repo.MarkCompleted(ctx, "job", "tx-1")
	require.NoError(t, err)
	assert.True(t, done)

	done, err = repo.MarkCompleted(ctx, "job", "tx-1")
	require.NoError(t, err)
	assert.False(t, done)

	running, err = repo.Running(ctx, "job")
	require.NoError(t, err)
	assert.Nil(t, running)
}

func TestFlushStates(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	_, err := repo.db.Exec(insertStateSQL, "old", "tx-old", 0, time.Now().Add(-48*time.Hour).UnixMilli())
	require.NoError(t, err)
	require.NoError(t, repo.MarkRunning(ctx, "new", "tx-new"))

	n, err := repo.FlushOlderThan(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 1, countStates(t, repo.db))

	require.NoError(t, repo.FlushAll(ctx))
	assert.Equal(t, 0, countStates(t, repo.db))
}

func TestSchemaVersionRecorded(t *testing.T) {
	repo := newTestRepository(t)

	version, err := GetSchemaVersion(repo.db)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, version)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kpi.db")
	ctx := context.Background()

	repo, err := NewRepository(Config{DBPath: path}, logger.Nop())
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, &DataPoint{ObjectID: 1, ValueDefinitionID: "k.main", Value: dec("4")}))
	require.NoError(t, repo.Close())

	repo, err = NewRepository(Config{DBPath: path}, logger.Nop())
	require.NoError(t, err)
	defer repo.Close()

	last, err := repo.Last(ctx, "k.main", 1)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, last.Value.Equal(decimal.NewFromInt(4)))
}

func countStates(t *testing.T, db *sql.DB) int {
	t.Helper()

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM scheduler_state").Scan(&n))
	return n
}
