package kpi

import (
	"context"
	"sort"
	"time"

	"codeberg.org/mutker/kpid/internal/definition"
	"codeberg.org/mutker/kpid/internal/store"
	"github.com/shopspring/decimal"
)

const defaultColor = "default"

// LastData returns the last stored value of an object, nil when the value is
// not declared or nothing was stored yet.
func (k *Kpi) LastData(ctx context.Context, objectID int64, kind definition.ValueKind) (*store.DataPoint, error) {
	value := k.def.Value(kind)
	if value == nil {
		return nil, nil
	}
	return k.env.Data.Last(ctx, value.ID, objectID)
}

// TrendData returns the stored values of an object for each value kind with
// a displayed trend, within the runner period or else the last 3 months.
func (k *Kpi) TrendData(ctx context.Context, objectID int64) (map[definition.ValueKind][]store.DataPoint, error) {
	data := make(map[definition.ValueKind][]store.DataPoint)

	for _, kind := range definition.ValueKinds {
		value := k.def.Value(kind)
		if value == nil || !value.TrendDisplayed {
			continue
		}

		period, err := k.runner.TrendPeriod(ctx, k, objectID)
		if err != nil {
			return nil, err
		}
		if period == nil {
			now := k.env.now()
			period = &Period{Start: now.AddDate(0, -3, 0), End: now}
		}

		points, err := k.env.Data.Range(ctx, value.ID, objectID, period.Start, period.End)
		if err != nil {
			return nil, err
		}
		data[kind] = points
	}

	return data, nil
}

// Reading is the current state of a KPI for one object
type Reading struct {
	UID         string
	ObjectID    int64
	Main        *decimal.Decimal
	Additional1 *decimal.Decimal
	Additional2 *decimal.Decimal
	// Timestamp of the value, zero when it was computed on the fly and no
	// value was ever stored
	Timestamp time.Time
	ColorRule *definition.ColorRule
	CSSColor  string
	Link      string
}

// Reading returns the values of an object. Stored values are used when the
// KPI reads from its data, in which case a color rule missing on the last
// main value is resolved and attached to it.
func (k *Kpi) Reading(ctx context.Context, objectID int64) (*Reading, error) {
	r := &Reading{UID: k.UID(), ObjectID: objectID}

	if k.IsValueFromKpiData() {
		if k.HasBoxDisplay() {
			if p, err := k.LastData(ctx, objectID, definition.Additional1); err != nil {
				return nil, err
			} else if p != nil {
				r.Additional1 = p.Value
			}
			if p, err := k.LastData(ctx, objectID, definition.Additional2); err != nil {
				return nil, err
			} else if p != nil {
				r.Additional2 = p.Value
			}
		}

		last, err := k.LastData(ctx, objectID, definition.Main)
		if err != nil {
			return nil, err
		}
		if last != nil {
			r.Main = last.Value
			r.Timestamp = last.Timestamp

			if last.ColorRuleID != "" {
				r.ColorRule = k.colorRule(last.ColorRuleID)
			} else if rule := k.ComputeColorRule(ctx, r.Main, r.Additional1, r.Additional2); rule != nil {
				r.ColorRule = rule
				if err := k.env.Data.SetColorRule(ctx, last.ID, rule.ID); err != nil {
					k.log.Warn().Err(err).Str("kpi", k.UID()).Msg("Failed to attach the color rule to the stored value")
				}
			}
		}
	} else {
		r.Main = k.ComputeValue(ctx, objectID, definition.Main)
		if k.HasBoxDisplay() {
			r.Additional1 = k.ComputeValue(ctx, objectID, definition.Additional1)
			r.Additional2 = k.ComputeValue(ctx, objectID, definition.Additional2)
		}
		r.ColorRule = k.ComputeColorRule(ctx, r.Main, r.Additional1, r.Additional2)

		if k.HasTrend() {
			last, err := k.LastData(ctx, objectID, definition.Main)
			if err != nil {
				return nil, err
			}
			if last != nil {
				r.Timestamp = last.Timestamp
			}
		}
	}

	r.CSSColor = defaultColor
	if r.ColorRule != nil {
		r.CSSColor = r.ColorRule.CSSColor
	}
	r.Link = k.Link(objectID)

	return r, nil
}

func (k *Kpi) colorRule(id string) *definition.ColorRule {
	for _, rule := range k.def.ColorRules {
		if rule.ID == id {
			return &rule
		}
	}
	return nil
}

// TrendPoint is one day of a trend series
type TrendPoint struct {
	Day   time.Time
	Value float64
}

// TrendSeries is a named trend series
type TrendSeries struct {
	Name   string
	Points []TrendPoint
}

// Trend is the chart data of a KPI for one object
type Trend struct {
	Series []TrendSeries
	// Start and End are the runner period bounds, zero when unset
	Start time.Time
	End   time.Time
}

// Trend returns one series per value with stored data, then the static
// trend line of the runner. It returns nil when there is nothing to draw.
func (k *Kpi) Trend(ctx context.Context, objectID int64) (*Trend, error) {
	data, err := k.TrendData(ctx, objectID)
	if err != nil {
		return nil, err
	}

	line, err := k.runner.StaticTrendLine(ctx, k, objectID)
	if err != nil {
		return nil, err
	}

	trend := &Trend{}
	for _, kind := range definition.ValueKinds {
		if points := data[kind]; len(points) > 0 {
			trend.Series = append(trend.Series, TrendSeries{
				Name:   k.ValueName(kind),
				Points: dailyPoints(points),
			})
		}
	}
	if line != nil {
		series := TrendSeries{Name: line.Name}
		for _, p := range line.Points {
			if p.Value != nil {
				series.Points = append(series.Points, TrendPoint{Day: utcDay(p.Timestamp), Value: p.Value.InexactFloat64()})
			}
		}
		trend.Series = append(trend.Series, series)
	}

	if len(trend.Series) == 0 {
		return nil, nil
	}

	period, err := k.runner.TrendPeriod(ctx, k, objectID)
	if err != nil {
		return nil, err
	}
	if period != nil {
		trend.Start, trend.End = period.Start, period.End
	}

	return trend, nil
}

// dailyPoints keeps the last value of each day
func dailyPoints(points []store.DataPoint) []TrendPoint {
	byDay := make(map[time.Time]float64)
	var days []time.Time

	for _, p := range points {
		if p.Value == nil {
			continue
		}
		day := utcDay(p.Timestamp)
		if _, ok := byDay[day]; !ok {
			days = append(days, day)
		}
		byDay[day] = p.Value.InexactFloat64()
	}

	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	result := make([]TrendPoint, 0, len(days))
	for _, day := range days {
		result = append(result, TrendPoint{Day: day, Value: byDay[day]})
	}
	return result
}

func utcDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
