package kpi

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/kpid/internal/definition"
	"codeberg.org/mutker/kpid/internal/errors"
	"codeberg.org/mutker/kpid/internal/script"
	"github.com/shopspring/decimal"
)

// NativeKind names a built-in runner of standard KPIs
type NativeKind string

const (
	// NativeAttribute reads each value from the object attribute named by
	// the main, additional1 and additional2 parameters.
	NativeAttribute NativeKind = "attribute"
	// NativePeriodAttribute is NativeAttribute restricted to the period
	// read from the attributes named by period.start and period.end.
	NativePeriodAttribute NativeKind = "period_attribute"
)

// NativeKinds lists the supported native runners
var NativeKinds = []NativeKind{NativeAttribute, NativePeriodAttribute}

const (
	paramPeriodStart = "period.start"
	paramPeriodEnd   = "period.end"
	paramLink        = "link"
)

var dateLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"}

type attributeRunner struct {
	withPeriod bool
}

func (r attributeRunner) ComputeMain(ctx context.Context, k *Kpi, objectID int64) (*decimal.Decimal, error) {
	return r.compute(ctx, k, objectID, definition.Main)
}

func (r attributeRunner) ComputeAdditional1(ctx context.Context, k *Kpi, objectID int64) (*decimal.Decimal, error) {
	return r.compute(ctx, k, objectID, definition.Additional1)
}

func (r attributeRunner) ComputeAdditional2(ctx context.Context, k *Kpi, objectID int64) (*decimal.Decimal, error) {
	return r.compute(ctx, k, objectID, definition.Additional2)
}

func (r attributeRunner) TrendPeriod(ctx context.Context, k *Kpi, objectID int64) (*Period, error) {
	if !r.withPeriod {
		return nil, nil
	}

	object, err := k.container.ObjectByID(ctx, objectID)
	if err != nil {
		return nil, err
	}

	start, err := timeAttribute(object, k.Parameter(paramPeriodStart))
	if err != nil {
		return nil, err
	}
	end, err := timeAttribute(object, k.Parameter(paramPeriodEnd))
	if err != nil {
		return nil, err
	}

	return &Period{Start: start, End: end}, nil
}

func (attributeRunner) StaticTrendLine(context.Context, *Kpi, int64) (*TrendLine, error) {
	return nil, nil
}

func (attributeRunner) Link(k *Kpi, objectID int64) string {
	template := k.Parameter(paramLink)
	if template == "" {
		return ""
	}
	return strings.ReplaceAll(template, "{id}", strconv.FormatInt(objectID, 10))
}

// validate checks the parameters the runner needs
func (r attributeRunner) validate(k *Kpi) error {
	keys := []string{}
	for _, kind := range definition.ValueKinds {
		if k.def.Value(kind) != nil {
			keys = append(keys, kind.String())
		}
	}
	if r.withPeriod {
		keys = append(keys, paramPeriodStart, paramPeriodEnd)
	}

	for _, key := range keys {
		if k.Parameter(key) == "" {
			return errors.New().WithData(ErrMissingArgument, key)
		}
	}
	return nil
}

func (attributeRunner) compute(ctx context.Context, k *Kpi, objectID int64, kind definition.ValueKind) (*decimal.Decimal, error) {
	if k.def.Value(kind) == nil {
		return nil, nil
	}

	object, err := k.container.ObjectByID(ctx, objectID)
	if err != nil {
		return nil, err
	}

	raw, err := script.Lookup(object, k.Parameter(kind.String()))
	if err != nil {
		return nil, errors.New().Wrap(ErrComputation, err)
	}

	if s, ok := raw.(string); ok {
		d, err := decimal.NewFromString(strings.TrimSpace(s))
		if err != nil {
			return nil, errors.New().WithData(ErrNotANumber, s)
		}
		return &d, nil
	}

	return toDecimal(raw)
}

func timeAttribute(object any, path string) (time.Time, error) {
	raw, err := script.Lookup(object, path)
	if err != nil {
		return time.Time{}, errors.New().Wrap(ErrComputation, err)
	}

	switch v := raw.(type) {
	case time.Time:
		return v, nil
	case string:
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				return t, nil
			}
		}
	}

	return time.Time{}, errors.New().WithData(ErrComputation, fmt.Sprintf("%s is not a date: %v", path, raw))
}
