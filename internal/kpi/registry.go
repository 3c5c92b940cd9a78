package kpi

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"codeberg.org/mutker/kpid/internal/definition"
	"codeberg.org/mutker/kpid/internal/errors"
	"codeberg.org/mutker/kpid/internal/store"
	"github.com/shopspring/decimal"
)

// Registry holds the initialized KPIs of the active definitions
type Registry struct {
	definitions definition.Store
	env         *Environment

	// reloadMu serializes Init, Reload, ReloadKpi and Cancel so that at most
	// one KPI per uid holds live schedules
	reloadMu sync.Mutex

	mu   sync.RWMutex
	kpis map[string]*Kpi
}

func NewRegistry(definitions definition.Store, env *Environment) *Registry {
	return &Registry{
		definitions: definitions,
		env:         env,
		kpis:        make(map[string]*Kpi),
	}
}

// Init initializes every active definition. A definition that fails to
// initialize is logged and left out of the registry.
func (r *Registry) Init(ctx context.Context) error {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	return r.init(ctx)
}

func (r *Registry) init(ctx context.Context) error {
	defs, err := r.definitions.GetAllActive(ctx)
	if err != nil {
		return errors.New().Wrap(errors.ErrLoadKpis, err)
	}

	r.env.Log.Info().Int("definitions", len(defs)).Msg("START init KPI")

	kpis := make(map[string]*Kpi, len(defs))
	for _, def := range defs {
		if k := r.initDefinition(ctx, def); k != nil {
			kpis[def.UID] = k
		}
	}

	r.mu.Lock()
	replaced := r.kpis
	r.kpis = kpis
	r.mu.Unlock()
	r.updateGauge()

	for _, k := range replaced {
		k.Cancel()
	}

	r.env.Log.Info().Int("kpis", len(kpis)).Msg("END init KPI")

	return nil
}

// Cancel cancels every KPI
func (r *Registry) Cancel() {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	r.cancel()
}

func (r *Registry) cancel() {
	r.mu.RLock()
	kpis := make([]*Kpi, 0, len(r.kpis))
	for _, k := range r.kpis {
		kpis = append(kpis, k)
	}
	r.mu.RUnlock()

	r.env.Log.Info().Msg("START cancel KPI")
	for _, k := range kpis {
		k.Cancel()
	}
	r.env.Log.Info().Msg("END cancel KPI")
}

// Reload cancels every KPI and initializes the active definitions again
func (r *Registry) Reload(ctx context.Context) error {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	r.cancel()
	return r.init(ctx)
}

// ReloadKpi cancels the KPI of uid and initializes its definition again if
// it still exists and is active.
func (r *Registry) ReloadKpi(ctx context.Context, uid string) error {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	r.mu.Lock()
	if k, ok := r.kpis[uid]; ok {
		k.Cancel()
		delete(r.kpis, uid)
	}
	r.mu.Unlock()
	defer r.updateGauge()

	def, err := r.definitions.GetByUID(ctx, uid)
	if err != nil {
		if errors.HasCode(err, definition.ErrNotFound) {
			r.env.Log.Info().Str("kpi", uid).Msg("The KPI definition no longer exists")
			return nil
		}
		return err
	}
	if !def.IsActive {
		return nil
	}

	if k := r.initDefinition(ctx, *def); k != nil {
		r.mu.Lock()
		old, ok := r.kpis[uid]
		r.kpis[uid] = k
		r.mu.Unlock()

		if ok {
			old.Cancel()
		}
	}

	return nil
}

func (r *Registry) initDefinition(ctx context.Context, def definition.KpiDefinition) *Kpi {
	k := New(def, r.env)
	if err := k.Init(ctx); err != nil {
		var appErr errors.Error
		if errors.As(err, &appErr) {
			r.env.Log.ErrorWithCode(appErr).Str("kpi", def.UID).Msg("Impossible to load the KPI")
		} else {
			r.env.Log.Error().Err(err).Str("kpi", def.UID).Msg("Impossible to load the KPI")
		}
		return nil
	}

	r.env.Log.Info().Str("kpi", def.UID).Msg("The KPI has been loaded")
	return k
}

func (r *Registry) updateGauge() {
	r.mu.RLock()
	n := len(r.kpis)
	r.mu.RUnlock()

	r.env.Metrics.ActiveKpis.Set(float64(n))
}

// Kpi returns the KPI of uid, nil when it is not initialized
func (r *Registry) Kpi(uid string) *Kpi {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.kpis[uid]
}

// Kpis returns the initialized KPIs ordered by uid
func (r *Registry) Kpis() []*Kpi {
	r.mu.RLock()
	kpis := make([]*Kpi, 0, len(r.kpis))
	for _, k := range r.kpis {
		kpis = append(kpis, k)
	}
	r.mu.RUnlock()

	sort.Slice(kpis, func(i, j int) bool { return kpis[i].UID() < kpis[j].UID() })
	return kpis
}

// GetActiveKpisOfObjectType returns the initialized KPIs of an object type,
// displayed ones first.
func (r *Registry) GetActiveKpisOfObjectType(ctx context.Context, objectType string) ([]*Kpi, error) {
	defs, err := r.definitions.GetActiveOfObjectType(ctx, objectType)
	if err != nil {
		return nil, err
	}
	return r.lookup(defs), nil
}

// GetActiveAndToDisplayKpisOfObjectType returns the initialized and displayed
// KPIs of an object type.
func (r *Registry) GetActiveAndToDisplayKpisOfObjectType(ctx context.Context, objectType string) ([]*Kpi, error) {
	defs, err := r.definitions.GetActiveAndToDisplayOfObjectType(ctx, objectType)
	if err != nil {
		return nil, err
	}
	return r.lookup(defs), nil
}

func (r *Registry) lookup(defs []definition.KpiDefinition) []*Kpi {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kpis := make([]*Kpi, 0, len(defs))
	for _, def := range defs {
		if k, ok := r.kpis[def.UID]; ok {
			kpis = append(kpis, k)
		}
	}
	return kpis
}

// Reading returns the current values of a KPI for one object
func (r *Registry) Reading(ctx context.Context, uid string, objectID int64) (*Reading, error) {
	k := r.Kpi(uid)
	if k == nil {
		return nil, errors.New().WithData(ErrKpiNotFound, uid)
	}
	return k.Reading(ctx, objectID)
}

// Trend returns the trend of a KPI for one object, nil when empty
func (r *Registry) Trend(ctx context.Context, uid string, objectID int64) (*Trend, error) {
	k := r.Kpi(uid)
	if k == nil {
		return nil, errors.New().WithData(ErrKpiNotFound, uid)
	}
	return k.Trend(ctx, objectID)
}

// ExternalData is a set of values pushed for an external KPI
type ExternalData struct {
	ObjectID    int64
	Timestamp   time.Time
	Main        *decimal.Decimal
	Additional1 *decimal.Decimal
	Additional2 *decimal.Decimal
}

// AddData stores the values of an external KPI with box display. The
// timestamp defaults to now.
func (r *Registry) AddData(ctx context.Context, uid string, data ExternalData) error {
	errFactory := errors.New()

	uid = strings.TrimSpace(uid)
	if _, err := r.definitions.GetByUID(ctx, uid); err != nil {
		if errors.HasCode(err, definition.ErrNotFound) {
			return errFactory.WithData(ErrKpiNotFound, uid)
		}
		return err
	}

	if data.Main == nil || data.Additional1 == nil || data.Additional2 == nil {
		return errFactory.WithMessage(ErrInvalidData, "The main, additional1 and additional2 values should not be null")
	}

	k := r.Kpi(uid)
	switch {
	case k == nil:
		return errFactory.WithMessage(ErrInvalidData, "Impossible to add a data for an inactive KPI")
	case k.IsStandard():
		return errFactory.WithMessage(ErrInvalidData, "Impossible to add a data for a standard KPI")
	case !k.IsExternal():
		return errFactory.WithMessage(ErrInvalidData, "Impossible to add a data for a KPI with computed data")
	case !k.HasBoxDisplay():
		return errFactory.WithMessage(ErrInvalidData, "Impossible to add a data for a KPI without box display")
	}

	if _, err := k.Container().ObjectByID(ctx, data.ObjectID); err != nil {
		return errFactory.WithMessage(ErrInvalidData, "Impossible to find the corresponding object for the given objectId")
	}

	timestamp := data.Timestamp
	if timestamp.IsZero() {
		timestamp = r.env.now()
	}

	values := []*decimal.Decimal{data.Main, data.Additional1, data.Additional2}
	for i, kind := range definition.ValueKinds {
		value := k.def.Value(kind)
		if value == nil {
			continue
		}

		point := &store.DataPoint{
			ObjectID:          data.ObjectID,
			ValueDefinitionID: value.ID,
			Timestamp:         timestamp,
			Value:             values[i],
		}
		if err := r.env.Data.Save(ctx, point); err != nil {
			return err
		}
	}

	return nil
}
