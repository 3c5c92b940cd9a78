package kpi

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"time"

	"codeberg.org/mutker/kpid/internal/definition"
	"codeberg.org/mutker/kpid/internal/errors"
	"codeberg.org/mutker/kpid/internal/store"
	"github.com/shopspring/decimal"
)

// Runner computes the values of a KPI for one object. A nil value with a
// nil error means the runner has no value for the object.
type Runner interface {
	ComputeMain(ctx context.Context, k *Kpi, objectID int64) (*decimal.Decimal, error)
	ComputeAdditional1(ctx context.Context, k *Kpi, objectID int64) (*decimal.Decimal, error)
	ComputeAdditional2(ctx context.Context, k *Kpi, objectID int64) (*decimal.Decimal, error)

	// TrendPeriod restricts the recomputation and the trend of an object to a
	// time window. Nil means no restriction.
	TrendPeriod(ctx context.Context, k *Kpi, objectID int64) (*Period, error)
	// StaticTrendLine is an optional reference series drawn with the trend
	StaticTrendLine(ctx context.Context, k *Kpi, objectID int64) (*TrendLine, error)
	// Link to the page of an object, empty when the runner has none
	Link(k *Kpi, objectID int64) string
}

// Period is a closed time window
type Period struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls strictly inside the period
func (p *Period) Contains(t time.Time) bool {
	return p.Start.Before(t) && p.End.After(t)
}

// TrendLine is a named reference series
type TrendLine struct {
	Name   string
	Points []store.DataPoint
}

// newRunner returns the runner of a definition: the native kind of a
// standard internal KPI, the script runner otherwise.
func newRunner(def *definition.KpiDefinition) (Runner, error) {
	if def.IsExternal || !def.IsStandard {
		return ScriptRunner{}, nil
	}

	switch NativeKind(def.Kind) {
	case NativeAttribute:
		return attributeRunner{}, nil
	case NativePeriodAttribute:
		return attributeRunner{withPeriod: true}, nil
	default:
		return nil, errors.New().WithData(ErrUnknownRunner, def.Kind)
	}
}

// ScriptRunner computes each value with the script of its value definition,
// the resolved object being bound as `object`.
type ScriptRunner struct{}

func (r ScriptRunner) ComputeMain(ctx context.Context, k *Kpi, objectID int64) (*decimal.Decimal, error) {
	return r.compute(ctx, k, objectID, definition.Main)
}

func (r ScriptRunner) ComputeAdditional1(ctx context.Context, k *Kpi, objectID int64) (*decimal.Decimal, error) {
	return r.compute(ctx, k, objectID, definition.Additional1)
}

func (r ScriptRunner) ComputeAdditional2(ctx context.Context, k *Kpi, objectID int64) (*decimal.Decimal, error) {
	return r.compute(ctx, k, objectID, definition.Additional2)
}

func (ScriptRunner) TrendPeriod(context.Context, *Kpi, int64) (*Period, error) {
	return nil, nil
}

func (ScriptRunner) StaticTrendLine(context.Context, *Kpi, int64) (*TrendLine, error) {
	return nil, nil
}

func (ScriptRunner) Link(*Kpi, int64) string {
	return ""
}

func (ScriptRunner) compute(ctx context.Context, k *Kpi, objectID int64, kind definition.ValueKind) (*decimal.Decimal, error) {
	value := k.def.Value(kind)
	if value == nil {
		return nil, nil
	}

	object, err := k.container.ObjectByID(ctx, objectID)
	if err != nil {
		return nil, err
	}

	result, err := k.evaluator.Evaluate(ctx, k.UID()+"."+kind.String(), value.Script, map[string]any{
		"object": object,
	})
	if err != nil {
		return nil, err
	}

	return toDecimal(result)
}

// toDecimal converts a script result to a decimal. Integers are tried
// first, then floats, then longs, then values that already are decimals.
func toDecimal(value any) (*decimal.Decimal, error) {
	var d decimal.Decimal

	switch v := value.(type) {
	case int:
		d = decimal.NewFromInt(int64(v))
	case int32:
		d = decimal.NewFromInt32(v)
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errors.New().WithData(ErrNotANumber, v)
		}
		d = decimal.NewFromFloat(v)
	case float32:
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, errors.New().WithData(ErrNotANumber, v)
		}
		d = decimal.NewFromFloat32(v)
	case int64:
		d = decimal.NewFromInt(v)
	case *big.Int:
		d = decimal.NewFromBigInt(v, 0)
	case decimal.Decimal:
		d = v
	case *decimal.Decimal:
		if v == nil {
			return nil, errors.New().WithData(ErrNotANumber, "nil")
		}
		d = *v
	default:
		return nil, errors.New().WithData(ErrNotANumber, fmt.Sprintf("%T", value))
	}

	return &d, nil
}
