package script

import (
	"fmt"
	"math"
	"time"

	"github.com/Knetic/govaluate"
)

func builtinFunctions() map[string]govaluate.ExpressionFunction {
	return map[string]govaluate.ExpressionFunction{
		"abs":   unary(math.Abs),
		"ceil":  unary(math.Ceil),
		"floor": unary(math.Floor),

		"round": func(args ...any) (any, error) {
			if len(args) == 0 || len(args) > 2 {
				return nil, fmt.Errorf("round expects 1 or 2 arguments, got %d", len(args))
			}
			value, err := toFloat(args[0])
			if err != nil {
				return nil, err
			}
			places := 0.0
			if len(args) == 2 {
				if places, err = toFloat(args[1]); err != nil {
					return nil, err
				}
			}
			pow := math.Pow(10, places)
			return math.Round(value*pow) / pow, nil
		},

		"min": fold(math.Min),
		"max": fold(math.Max),

		"coalesce": func(args ...any) (any, error) {
			for _, arg := range args {
				if arg != nil {
					return arg, nil
				}
			}
			return nil, nil
		},

		"days_until": func(args ...any) (any, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("days_until expects 1 argument, got %d", len(args))
			}
			t, ok := args[0].(time.Time)
			if !ok {
				return nil, fmt.Errorf("days_until expects a time, got %T", args[0])
			}
			return math.Floor(time.Until(t).Hours() / 24), nil
		},
	}
}

func unary(fn func(float64) float64) govaluate.ExpressionFunction {
	return func(args ...any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("expected 1 argument, got %d", len(args))
		}
		value, err := toFloat(args[0])
		if err != nil {
			return nil, err
		}
		return fn(value), nil
	}
}

func fold(fn func(float64, float64) float64) govaluate.ExpressionFunction {
	return func(args ...any) (any, error) {
		if len(args) == 0 {
			return nil, fmt.Errorf("expected at least 1 argument")
		}
		acc, err := toFloat(args[0])
		if err != nil {
			return nil, err
		}
		for _, arg := range args[1:] {
			value, err := toFloat(arg)
			if err != nil {
				return nil, err
			}
			acc = fn(acc, value)
		}
		return acc, nil
	}
}

func toFloat(value any) (float64, error) {
	switch v := normalize(value).(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", value)
	}
}
