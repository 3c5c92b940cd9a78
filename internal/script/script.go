// Package script evaluates the small expression language used by KPI
// definitions: value computations and color rules.
//
// A script is a sequence of statements separated by semicolons or new lines.
// A statement is either an assignment (`name = expression`, optionally
// prefixed with `var` or `let`) binding a local variable for the following
// statements, or a bare expression. The value of the last statement is the
// result of the script.
//
// Bound values can be navigated with dotted paths (`object.budget.amount`)
// through maps, structs and zero-argument methods.
package script

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"codeberg.org/mutker/kpid/internal/errors"
	"github.com/Knetic/govaluate"
	"github.com/shopspring/decimal"
)

// Evaluator executes a script against a binding context and returns its
// single scalar result.
type Evaluator interface {
	Evaluate(ctx context.Context, scriptID, source string, bindings map[string]any) (any, error)
}

var (
	pathRe       = regexp.MustCompile(`\b([A-Za-z_][A-Za-z0-9_]*)((?:\.[A-Za-z_][A-Za-z0-9_]*)+)`)
	assignmentRe = regexp.MustCompile(`^(?:(?:var|let)\s+)?([A-Za-z_][A-Za-z0-9_]*)\s*=\s*([^=].*)$`)
	stringRe     = regexp.MustCompile(`"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'`)
)

type evaluator struct {
	functions map[string]govaluate.ExpressionFunction

	mu    sync.RWMutex
	cache map[string]*govaluate.EvaluableExpression
}

// New returns an Evaluator backed by govaluate. Parsed expressions are cached
// by their rewritten source.
func New() Evaluator {
	return &evaluator{
		functions: builtinFunctions(),
		cache:     make(map[string]*govaluate.EvaluableExpression),
	}
}

func (e *evaluator) Evaluate(ctx context.Context, scriptID, source string, bindings map[string]any) (any, error) {
	errFactory := errors.New()

	statements := splitStatements(source)
	if len(statements) == 0 {
		return nil, errFactory.WithData(ErrEmptyScript, scriptID)
	}

	scope := make(map[string]any, len(bindings))
	for name, value := range bindings {
		scope[name] = value
	}

	var result any
	for i, statement := range statements {
		if err := ctx.Err(); err != nil {
			return nil, errFactory.Wrap(errors.ErrTimeout, err)
		}

		target := ""
		if m := assignmentRe.FindStringSubmatch(statement); m != nil {
			target, statement = m[1], m[2]
		}

		value, err := e.evaluateExpression(statement, scope)
		if err != nil {
			return nil, errFactory.WithData(ErrEvaluation, struct {
				Script    string
				Statement int
				Error     string
			}{
				Script:    scriptID,
				Statement: i + 1,
				Error:     err.Error(),
			})
		}

		if target != "" {
			scope[target] = value
		}
		result = value
	}

	return result, nil
}

func (e *evaluator) evaluateExpression(source string, scope map[string]any) (any, error) {
	parameters := make(map[string]any, len(scope))
	for name, value := range scope {
		parameters[name] = normalize(value)
	}

	rewritten := rewritePaths(source, func(root string, path []string) (string, bool) {
		value, ok := scope[root]
		if !ok {
			return "", false
		}
		resolved, err := resolvePath(value, path)
		if err != nil {
			return "", false
		}
		name := root + "_" + strings.Join(path, "_")
		parameters[name] = normalize(resolved)
		return name, true
	})

	expression, err := e.compile(rewritten)
	if err != nil {
		return nil, err
	}

	return expression.Evaluate(parameters)
}

func (e *evaluator) compile(source string) (*govaluate.EvaluableExpression, error) {
	e.mu.RLock()
	expression, ok := e.cache[source]
	e.mu.RUnlock()
	if ok {
		return expression, nil
	}

	expression, err := govaluate.NewEvaluableExpressionWithFunctions(source, e.functions)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[source] = expression
	e.mu.Unlock()

	return expression, nil
}

// splitStatements splits on semicolons and new lines outside string literals.
func splitStatements(source string) []string {
	var (
		statements []string
		current    strings.Builder
		quote      rune
		escaped    bool
	)

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			statements = append(statements, strings.TrimSpace(strings.TrimPrefix(s, "return ")))
		}
		current.Reset()
	}

	for _, r := range source {
		switch {
		case escaped:
			escaped = false
		case quote != 0 && r == '\\':
			escaped = true
		case quote != 0 && r == quote:
			quote = 0
		case quote == 0 && (r == '"' || r == '\''):
			quote = r
		case quote == 0 && (r == ';' || r == '\n'):
			flush()
			continue
		}
		current.WriteRune(r)
	}
	flush()

	return statements
}

// rewritePaths replaces dotted paths outside string literals with flat
// parameter names provided by resolve. Unresolvable paths are left untouched
// so govaluate reports them.
func rewritePaths(source string, resolve func(root string, path []string) (string, bool)) string {
	var out strings.Builder

	last := 0
	for _, loc := range stringRe.FindAllStringIndex(source, -1) {
		out.WriteString(rewriteSegment(source[last:loc[0]], resolve))
		out.WriteString(source[loc[0]:loc[1]])
		last = loc[1]
	}
	out.WriteString(rewriteSegment(source[last:], resolve))

	return out.String()
}

func rewriteSegment(segment string, resolve func(string, []string) (string, bool)) string {
	return pathRe.ReplaceAllStringFunc(segment, func(match string) string {
		parts := strings.Split(match, ".")
		if name, ok := resolve(parts[0], parts[1:]); ok {
			return name
		}
		return match
	})
}

// Lookup navigates a dotted path through value the way scripts do
func Lookup(value any, path string) (any, error) {
	if path == "" {
		return value, nil
	}
	return resolvePath(value, strings.Split(path, "."))
}

func resolvePath(value any, path []string) (any, error) {
	current := value
	for _, field := range path {
		next, err := lookupField(current, field)
		if err != nil {
			return nil, err
		}
		current = next
	}

	return current, nil
}

func lookupField(value any, name string) (any, error) {
	if value == nil {
		return nil, fmt.Errorf("cannot access %q on nil", name)
	}

	if m, ok := value.(map[string]any); ok {
		v, found := m[name]
		if !found {
			return nil, fmt.Errorf("unknown key %q", name)
		}
		return v, nil
	}

	rv := reflect.ValueOf(value)

	if method := rv.MethodByName(name); method.IsValid() && method.Type().NumIn() == 0 && method.Type().NumOut() >= 1 {
		return method.Call(nil)[0].Interface(), nil
	}

	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, fmt.Errorf("cannot access %q on nil", name)
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Struct:
		f := rv.FieldByName(name)
		if !f.IsValid() || !f.CanInterface() {
			return nil, fmt.Errorf("unknown field %q", name)
		}
		return f.Interface(), nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("unsupported map key for %q", name)
		}
		v := rv.MapIndex(reflect.ValueOf(name).Convert(rv.Type().Key()))
		if !v.IsValid() {
			return nil, fmt.Errorf("unknown key %q", name)
		}
		return v.Interface(), nil
	default:
		return nil, fmt.Errorf("cannot access %q on %s", name, rv.Kind())
	}
}

// normalize converts values govaluate cannot operate on into float64.
func normalize(value any) any {
	switch v := value.(type) {
	case decimal.Decimal:
		return v.InexactFloat64()
	case *decimal.Decimal:
		if v == nil {
			return nil
		}
		return v.InexactFloat64()
	case decimal.NullDecimal:
		if !v.Valid {
			return nil
		}
		return v.Decimal.InexactFloat64()
	case int:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case uint:
		return float64(v)
	case uint32:
		return float64(v)
	case uint64:
		return float64(v)
	case float32:
		return float64(v)
	default:
		return value
	}
}
