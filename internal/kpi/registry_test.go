package kpi

import (
	"context"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/kpid/internal/definition"
	"codeberg.org/mutker/kpid/internal/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, defs ...definition.KpiDefinition) (*Registry, *testEnv, *memDefinitions) {
	t.Helper()

	te := newTestEnv(nil)
	store := &memDefinitions{defs: defs}
	r := NewRegistry(store, te.env)
	require.NoError(t, r.Init(context.Background()))

	return r, te, store
}

func externalDefinition(uid string) definition.KpiDefinition {
	def := customDefinition(uid)
	def.IsExternal = true
	return def
}

func TestRegistryInitSkipsInvalidDefinitions(t *testing.T) {
	broken := customDefinition("broken")
	broken.Main.Script = ""

	inactive := customDefinition("inactive")
	inactive.IsActive = false

	r, te, _ := newTestRegistry(t, customDefinition("kpi1"), broken, inactive, scheduled(customDefinition("kpi2"), false))

	assert.NotNil(t, r.Kpi("kpi1"))
	assert.NotNil(t, r.Kpi("kpi2"))
	assert.Nil(t, r.Kpi("broken"))
	assert.Nil(t, r.Kpi("inactive"))

	kpis := r.Kpis()
	require.Len(t, kpis, 2)
	assert.Equal(t, "kpi1", kpis[0].UID())
	assert.Equal(t, 2.0, testutil.ToFloat64(te.env.Metrics.ActiveKpis))
}

func TestRegistryCancel(t *testing.T) {
	r, te, _ := newTestRegistry(t, scheduled(customDefinition("kpi1"), false), customDefinition("kpi2"))

	r.Cancel()
	for _, k := range r.Kpis() {
		assert.True(t, k.IsCancelled())
	}
	for _, task := range te.scheduler.tasks {
		assert.True(t, task.cancelled)
	}
}

func TestRegistryReloadKpi(t *testing.T) {
	ctx := context.Background()
	r, te, defs := newTestRegistry(t, scheduled(customDefinition("kpi1"), false))

	previous := r.Kpi("kpi1")
	require.NotNil(t, previous)

	defs.defs[0].Main.Script = "object.budget"
	require.NoError(t, r.ReloadKpi(ctx, "kpi1"))

	current := r.Kpi("kpi1")
	require.NotNil(t, current)
	assert.NotSame(t, previous, current)
	assert.True(t, previous.IsCancelled())
	assert.False(t, current.IsCancelled())
	assert.Equal(t, "object.budget", current.ComputationScript(definition.Main))
	assert.Len(t, te.scheduler.tasks, 4)

	// deactivated
	defs.defs[0].IsActive = false
	require.NoError(t, r.ReloadKpi(ctx, "kpi1"))
	assert.Nil(t, r.Kpi("kpi1"))
	assert.True(t, current.IsCancelled())

	// removed
	defs.defs = nil
	require.NoError(t, r.ReloadKpi(ctx, "kpi1"))
	assert.Nil(t, r.Kpi("kpi1"))
	assert.Zero(t, testutil.ToFloat64(te.env.Metrics.ActiveKpis))

	// added
	defs.defs = []definition.KpiDefinition{customDefinition("kpi3")}
	require.NoError(t, r.ReloadKpi(ctx, "kpi3"))
	assert.NotNil(t, r.Kpi("kpi3"))
}

// slowDefinitions delays lookups like a file or database read would
type slowDefinitions struct {
	*memDefinitions
	delay time.Duration
}

func (s *slowDefinitions) GetAllActive(ctx context.Context) ([]definition.KpiDefinition, error) {
	time.Sleep(s.delay)
	return s.memDefinitions.GetAllActive(ctx)
}

func (s *slowDefinitions) GetByUID(ctx context.Context, uid string) (*definition.KpiDefinition, error) {
	time.Sleep(s.delay)
	return s.memDefinitions.GetByUID(ctx, uid)
}

func TestRegistryConcurrentReloadsKeepOneSchedule(t *testing.T) {
	ctx := context.Background()
	te := newTestEnv(nil)
	defs := &slowDefinitions{
		memDefinitions: &memDefinitions{defs: []definition.KpiDefinition{scheduled(customDefinition("kpi1"), false)}},
		delay:          5 * time.Millisecond,
	}
	r := NewRegistry(defs, te.env)
	require.NoError(t, r.Init(ctx))
	require.Equal(t, 1, te.scheduler.liveRecurring("kpi1"))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.ReloadKpi(ctx, "kpi1"))
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, r.Reload(ctx))
	}()
	wg.Wait()

	assert.Equal(t, 1, te.scheduler.liveRecurring("kpi1"))
	assert.Len(t, r.Kpis(), 1)

	r.Cancel()
	assert.Zero(t, te.scheduler.liveRecurring("kpi1"))
}

func TestRegistryInitTwiceCancelsReplacedKpis(t *testing.T) {
	r, te, _ := newTestRegistry(t, scheduled(customDefinition("kpi1"), false))
	previous := r.Kpi("kpi1")

	require.NoError(t, r.Init(context.Background()))

	assert.True(t, previous.IsCancelled())
	assert.Equal(t, 1, te.scheduler.liveRecurring("kpi1"))
}

func TestRegistryReloadKpiFailedInit(t *testing.T) {
	r, _, defs := newTestRegistry(t, customDefinition("kpi1"))

	defs.defs[0].Main.Script = ""
	require.NoError(t, r.ReloadKpi(context.Background(), "kpi1"))
	assert.Nil(t, r.Kpi("kpi1"))
}

func TestRegistryReload(t *testing.T) {
	r, _, defs := newTestRegistry(t, customDefinition("kpi1"))
	previous := r.Kpi("kpi1")

	defs.defs = append(defs.defs, customDefinition("kpi2"))
	require.NoError(t, r.Reload(context.Background()))

	assert.True(t, previous.IsCancelled())
	assert.NotNil(t, r.Kpi("kpi1"))
	assert.NotNil(t, r.Kpi("kpi2"))
}

func TestRegistryQueriesDropUninitialized(t *testing.T) {
	hidden := customDefinition("hidden")
	hidden.IsDisplayed = false

	broken := customDefinition("broken")
	broken.Additional1.Script = ""

	other := customDefinition("other")
	other.ObjectType = "portfolio"

	r, _, _ := newTestRegistry(t, customDefinition("kpi1"), hidden, broken, other)

	active, err := r.GetActiveKpisOfObjectType(context.Background(), "project")
	require.NoError(t, err)
	assert.Equal(t, []string{"kpi1", "hidden"}, uids(active))

	displayed, err := r.GetActiveAndToDisplayKpisOfObjectType(context.Background(), "project")
	require.NoError(t, err)
	assert.Equal(t, []string{"kpi1"}, uids(displayed))
}

func TestRegistryReadingAndTrendUnknownKpi(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	_, err := r.Reading(context.Background(), "nope", 1)
	assert.True(t, errors.HasCode(err, ErrKpiNotFound))

	_, err = r.Trend(context.Background(), "nope", 1)
	assert.True(t, errors.HasCode(err, ErrKpiNotFound))
}

func TestRegistryAddData(t *testing.T) {
	one := decimalPtr(decimal.NewFromInt(1))

	standard := externalDefinition("standard")
	standard.IsStandard = true

	internal := customDefinition("internal")

	noBox := externalDefinition("nobox")
	noBox.Additional2 = nil

	inactive := externalDefinition("inactive")
	inactive.IsActive = false

	r, te, _ := newTestRegistry(t, externalDefinition("ext"), standard, internal, noBox, inactive)
	ctx := context.Background()

	full := ExternalData{ObjectID: 1, Main: one, Additional1: one, Additional2: one}

	tests := []struct {
		name string
		uid  string
		data ExternalData
		code errors.ErrorCode
	}{
		{"unknown kpi", "missing", full, ErrKpiNotFound},
		{"missing value", "ext", ExternalData{ObjectID: 1, Main: one, Additional1: one}, ErrInvalidData},
		{"inactive", "inactive", full, ErrInvalidData},
		{"standard", "standard", full, ErrInvalidData},
		{"internal", "internal", full, ErrInvalidData},
		{"no box display", "nobox", full, ErrInvalidData},
		{"unknown object", "ext", ExternalData{ObjectID: 42, Main: one, Additional1: one, Additional2: one}, ErrInvalidData},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.AddData(ctx, tt.uid, tt.data)
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, tt.code), "got %v", err)
		})
	}
	assert.Empty(t, te.data.points)

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, r.AddData(ctx, " ext ", ExternalData{
		ObjectID:    2,
		Timestamp:   at,
		Main:        decimalPtr(decimal.NewFromInt(7)),
		Additional1: decimalPtr(decimal.NewFromInt(8)),
		Additional2: decimalPtr(decimal.NewFromInt(9)),
	}))
	require.Len(t, te.data.points, 3)
	assert.Equal(t, "ext.main", te.data.points[0].ValueDefinitionID)
	assert.Equal(t, at, te.data.points[0].Timestamp)
	assert.Equal(t, int64(2), te.data.points[2].ObjectID)

	require.NoError(t, r.AddData(ctx, "ext", full))
	assert.Equal(t, testNow, te.data.points[3].Timestamp)

	reading, err := r.Reading(ctx, "ext", 2)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(7).Equal(*reading.Main))
	assert.Equal(t, at, reading.Timestamp)
}

func uids(kpis []*Kpi) []string {
	result := make([]string, 0, len(kpis))
	for _, k := range kpis {
		result = append(result, k.UID())
	}
	return result
}
