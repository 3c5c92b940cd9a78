// Package kpi runs KPI definitions: it computes their values on demand or on
// a schedule, persists them and resolves their color rules.
package kpi

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/kpid/internal/definition"
	"codeberg.org/mutker/kpid/internal/errors"
	"codeberg.org/mutker/kpid/internal/logger"
	"codeberg.org/mutker/kpid/internal/metrics"
	"codeberg.org/mutker/kpid/internal/objects"
	"codeberg.org/mutker/kpid/internal/scheduler"
	"codeberg.org/mutker/kpid/internal/script"
	"codeberg.org/mutker/kpid/internal/store"
	"github.com/magiconair/properties"
	"github.com/shopspring/decimal"
)

const (
	defaultWarmupDelay  = 2 * time.Minute
	initialActionPrefix = "INITIAL_"
)

// Scheduler registers the recomputation tasks of KPIs
type Scheduler interface {
	ScheduleOnce(exclusive bool, actionUUID string, delay time.Duration, action scheduler.Action) scheduler.Cancellable
	ScheduleRecurring(
		exclusive bool, actionUUID string, initialDelay, interval time.Duration,
		action scheduler.Action, opts ...scheduler.RecurringOption,
	) scheduler.Cancellable
}

// Environment holds the collaborators shared by the KPIs of a registry
type Environment struct {
	Evaluator script.Evaluator
	Scheduler Scheduler
	Data      store.TimeSeriesRepository
	Objects   *objects.Registry
	Log       logger.Logger
	Metrics   *metrics.Collectors

	// WarmupDelay is the delay of the initial computation of scheduled KPIs
	WarmupDelay time.Duration
	// Now defaults to time.Now
	Now func() time.Time
}

func (e *Environment) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Environment) warmupDelay() time.Duration {
	if e.WarmupDelay > 0 {
		return e.WarmupDelay
	}
	return defaultWarmupDelay
}

// ColorRuleLabel is the render label of a color rule
type ColorRuleLabel struct {
	ID    string
	Label string
}

// Kpi is the runtime of one KPI definition
type Kpi struct {
	def        definition.KpiDefinition
	env        *Environment
	log        logger.Logger
	evaluator  script.Evaluator
	runner     Runner
	container  objects.Container
	parameters map[string]string

	mu        sync.Mutex
	cancelled bool
	handles   []scheduler.Cancellable
}

func New(def definition.KpiDefinition, env *Environment) *Kpi {
	return &Kpi{
		def:        def,
		env:        env,
		log:        env.Log,
		evaluator:  env.Evaluator,
		parameters: map[string]string{},
	}
}

// Init validates the definition, resolves the runner and the objects
// container and registers the schedule of the KPI if it has one. A KPI
// whose Init fails must not be used.
func (k *Kpi) Init(ctx context.Context) error {
	errFactory := errors.New()

	if k.HasBoxDisplay() && k.def.CSSGlyphicon == "" {
		return errFactory.WithData(ErrMissingGlyphicon, k.UID())
	}

	if !k.def.IsExternal && !k.def.IsStandard {
		if k.def.Main == nil {
			return errFactory.WithData(ErrMissingScript, definition.Main.String())
		}
		for _, kind := range definition.ValueKinds {
			if value := k.def.Value(kind); value != nil && value.Script == "" {
				return errFactory.WithData(ErrMissingScript, kind.String())
			}
		}
	}

	if err := k.loadParameters(); err != nil {
		return err
	}

	container, err := k.env.Objects.Resolve(k.def.ObjectType)
	if err != nil {
		return errFactory.Wrap(ErrObjectsContainer, err)
	}
	k.container = container

	runner, err := newRunner(&k.def)
	if err != nil {
		return err
	}
	if v, ok := runner.(interface{ validate(*Kpi) error }); ok {
		if err := v.validate(k); err != nil {
			return err
		}
	}
	k.runner = runner

	if k.HasScheduler() {
		if err := k.initScheduler(ctx); err != nil {
			return err
		}
	}

	return nil
}

func (k *Kpi) loadParameters() error {
	if k.def.Parameters == "" {
		return nil
	}

	loader := &properties.Loader{Encoding: properties.UTF8, DisableExpansion: true}
	props, err := loader.LoadBytes([]byte(k.def.Parameters))
	if err != nil {
		return errors.New().Wrap(ErrInvalidParameters, err)
	}

	k.parameters = props.Map()
	return nil
}

func (k *Kpi) initScheduler(_ context.Context) error {
	errFactory := errors.New()

	hour, minute, err := scheduler.ParseStartTime(k.def.Scheduler.StartTime)
	if err != nil {
		return errFactory.Wrap(ErrInvalidScheduler, err)
	}
	if *k.def.Scheduler.Frequency <= 0 {
		return errFactory.WithData(ErrInvalidScheduler, "frequency must be positive")
	}

	tick := func(ctx context.Context) error {
		if k.IsCancelled() {
			return nil
		}
		return k.StoreValues(ctx)
	}

	initial := k.env.Scheduler.ScheduleOnce(false, initialActionPrefix+k.UID(), k.env.warmupDelay(), tick)

	now := k.env.now()
	delay := scheduler.MinutesUntil(now, scheduler.NextDaily(now, hour, minute))
	frequency := time.Duration(*k.def.Scheduler.Frequency) * time.Minute

	k.log.Info().
		Str("kpi", k.UID()).
		Int("minutes", int(delay/time.Minute)).
		Msg("Next scheduler execution")

	recurring := k.env.Scheduler.ScheduleRecurring(false, k.UID(), delay, frequency, tick)

	k.mu.Lock()
	k.handles = append(k.handles, initial, recurring)
	k.mu.Unlock()

	return nil
}

// Cancel stops the schedule of the KPI. It is safe to call more than once.
func (k *Kpi) Cancel() {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.cancelled = true
	k.log.Info().Str("kpi", k.UID()).Msg("Request cancel KPI")

	for _, h := range k.handles {
		h.Cancel()
	}
	k.handles = nil
}

func (k *Kpi) IsCancelled() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.cancelled
}

// StoreValues computes and persists the values of every object of the KPI
// whose trend period, if any, contains the current time. The color rule is
// attached to the main value only.
func (k *Kpi) StoreValues(ctx context.Context) error {
	errFactory := errors.New()

	ids, err := k.container.IDs(ctx)
	if err != nil {
		return errFactory.Wrap(ErrStoreValues, err)
	}

	var firstErr error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return errFactory.Wrap(errors.ErrTimeout, err)
		}

		period, err := k.runner.TrendPeriod(ctx, k, id)
		if err != nil {
			k.log.Error().Err(err).Str("kpi", k.UID()).Int64("object_id", id).Msg("Failed to compute the trend period")
			continue
		}
		if period != nil && !period.Contains(k.env.now()) {
			continue
		}

		values := [3]*decimal.Decimal{}
		for i, kind := range definition.ValueKinds {
			values[i] = k.ComputeValue(ctx, id, kind)
		}
		rule := k.ComputeColorRule(ctx, values[0], values[1], values[2])

		timestamp := k.env.now()
		for i, kind := range definition.ValueKinds {
			value := k.def.Value(kind)
			if value == nil {
				continue
			}

			point := &store.DataPoint{
				ObjectID:          id,
				ValueDefinitionID: value.ID,
				Timestamp:         timestamp,
				Value:             values[i],
			}
			if kind == definition.Main && rule != nil {
				point.ColorRuleID = rule.ID
			}

			if err := k.env.Data.Save(ctx, point); err != nil {
				k.log.Error().Err(err).Str("kpi", k.UID()).Int64("object_id", id).Msg("Failed to store the KPI value")
				if firstErr == nil {
					firstErr = errFactory.Wrap(ErrStoreValues, err)
				}
			}
		}
	}

	return firstErr
}

// ComputeValue computes one value of an object. It returns nil when the KPI
// is external, when the value is not declared, and when the computation
// fails; failures are logged.
func (k *Kpi) ComputeValue(ctx context.Context, objectID int64, kind definition.ValueKind) *decimal.Decimal {
	if k.def.IsExternal || k.def.Value(kind) == nil {
		k.env.Metrics.Computations.WithLabelValues(k.UID(), kind.String(), metrics.ResultSkipped).Inc()
		return nil
	}

	var (
		value *decimal.Decimal
		err   error
	)
	switch kind {
	case definition.Main:
		value, err = k.runner.ComputeMain(ctx, k, objectID)
	case definition.Additional1:
		value, err = k.runner.ComputeAdditional1(ctx, k, objectID)
	case definition.Additional2:
		value, err = k.runner.ComputeAdditional2(ctx, k, objectID)
	}

	switch {
	case err != nil:
		k.env.Metrics.Computations.WithLabelValues(k.UID(), kind.String(), metrics.ResultError).Inc()
		k.log.Error().
			Err(err).
			Str("kpi", k.UID()).
			Str("kind", kind.String()).
			Int64("object_id", objectID).
			Msg("Error while computing the KPI value")
		return nil
	case value == nil:
		k.env.Metrics.Computations.WithLabelValues(k.UID(), kind.String(), metrics.ResultNoValue).Inc()
	default:
		k.env.Metrics.Computations.WithLabelValues(k.UID(), kind.String(), metrics.ResultOK).Inc()
	}

	return value
}

// ComputeColorRule returns the first color rule, in ascending order, whose
// script evaluates to true. The additional values are bound only when set.
func (k *Kpi) ComputeColorRule(ctx context.Context, main, additional1, additional2 *decimal.Decimal) *definition.ColorRule {
	rules := k.def.SortedColorRules()

	for i := range rules {
		rule := &rules[i]

		bindings := map[string]any{definition.Main.String(): nil}
		if main != nil {
			bindings[definition.Main.String()] = *main
		}
		if additional1 != nil {
			bindings[definition.Additional1.String()] = *additional1
		}
		if additional2 != nil {
			bindings[definition.Additional2.String()] = *additional2
		}

		result, err := k.evaluator.Evaluate(ctx, k.UID()+"."+rule.ID, rule.Rule, bindings)
		if err != nil {
			k.log.Error().
				Err(err).
				Str("kpi", k.UID()).
				Str("rule", rule.ID).
				Msg("Error while computing the color rule")
			continue
		}

		matched, ok := result.(bool)
		if !ok {
			k.log.Warn().
				Str("kpi", k.UID()).
				Str("rule", rule.ID).
				Msgf("The last statement of the color rule should be a boolean, got %T", result)
			continue
		}

		if matched {
			k.env.Metrics.ColorRules.WithLabelValues(k.UID(), metrics.ResultMatch).Inc()
			return rule
		}
	}

	k.env.Metrics.ColorRules.WithLabelValues(k.UID(), metrics.ResultNoMatch).Inc()
	return nil
}

func (k *Kpi) UID() string {
	return k.def.UID
}

// Definition returns the definition the KPI was built from
func (k *Kpi) Definition() definition.KpiDefinition {
	return k.def
}

func (k *Kpi) ObjectType() string {
	return k.def.ObjectType
}

func (k *Kpi) CSSGlyphicon() string {
	return k.def.CSSGlyphicon
}

func (k *Kpi) Runner() Runner {
	return k.runner
}

func (k *Kpi) Container() objects.Container {
	return k.container
}

// Parameter returns a value of the parameter bag, empty when unset
func (k *Kpi) Parameter(key string) string {
	return k.parameters[key]
}

func (k *Kpi) Parameters() map[string]string {
	params := make(map[string]string, len(k.parameters))
	for key, value := range k.parameters {
		params[key] = value
	}
	return params
}

// ComputationScript returns the script of a value, empty when not declared
func (k *Kpi) ComputationScript(kind definition.ValueKind) string {
	if value := k.def.Value(kind); value != nil {
		return value.Script
	}
	return ""
}

// ValueName returns the name of a value, empty when not declared
func (k *Kpi) ValueName(kind definition.ValueKind) string {
	if value := k.def.Value(kind); value != nil {
		return value.Name
	}
	return ""
}

// HasBoxDisplay reports whether both additional values are declared
func (k *Kpi) HasBoxDisplay() bool {
	return k.def.Additional1 != nil && k.def.Additional2 != nil
}

// HasScheduler reports whether the values of an internal KPI are recomputed
// on a schedule.
func (k *Kpi) HasScheduler() bool {
	s := k.def.Scheduler
	return !k.def.IsExternal && s != nil && s.Frequency != nil && s.RealTime != nil
}

// IsValueFromKpiData reports whether displayed values are read from the
// stored data rather than computed on the fly.
func (k *Kpi) IsValueFromKpiData() bool {
	if !k.def.IsExternal && (!k.HasScheduler() || *k.def.Scheduler.RealTime) {
		return false
	}
	return true
}

// HasTrend reports whether values are stored, so a trend exists
func (k *Kpi) HasTrend() bool {
	return k.def.IsExternal || k.HasScheduler()
}

func (k *Kpi) IsExternal() bool {
	return k.def.IsExternal
}

func (k *Kpi) IsStandard() bool {
	return k.def.IsStandard
}

func (k *Kpi) IsDisplayed() bool {
	return k.def.IsDisplayed
}

// HasLink reports whether the runner of a standard internal KPI links its
// objects.
func (k *Kpi) HasLink() bool {
	return !k.def.IsExternal && k.def.IsStandard && k.runner.Link(k, 0) != ""
}

// Link returns the link of an object, empty when the KPI has none
func (k *Kpi) Link(objectID int64) string {
	if k.def.IsExternal || !k.def.IsStandard {
		return ""
	}
	return k.runner.Link(k, objectID)
}

// ColorRuleLabels returns the render labels of the color rules, nil when the
// KPI has no color rule.
func (k *Kpi) ColorRuleLabels() []ColorRuleLabel {
	if len(k.def.ColorRules) == 0 {
		return nil
	}

	labels := make([]ColorRuleLabel, 0, len(k.def.ColorRules))
	for _, rule := range k.def.SortedColorRules() {
		labels = append(labels, ColorRuleLabel{ID: rule.ID, Label: rule.RenderLabel})
	}
	return labels
}

func (k *Kpi) IsLabelRenderType() bool {
	return k.def.Main != nil && k.def.Main.RenderType == definition.RenderLabel
}
