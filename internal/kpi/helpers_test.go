package kpi

import (
	"context"
	"sort"
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
)

var testNow = time.Date(2024, 3, 10, 5, 0, 0, 0, time.UTC)

type scheduledTask struct {
	once      bool
	action    string
	delay     time.Duration
	interval  time.Duration
	body      scheduler.Action
	cancelled bool
}

func (t *scheduledTask) Cancel() bool {
	if t.cancelled {
		return false
	}
	t.cancelled = true
	return true
}

func (t *scheduledTask) IsCancelled() bool {
	return t.cancelled
}

// manualScheduler records tasks; tests fire them by hand
type manualScheduler struct {
	mu    sync.Mutex
	tasks []*scheduledTask
}

func (s *manualScheduler) ScheduleOnce(_ bool, actionUUID string, delay time.Duration, action scheduler.Action) scheduler.Cancellable {
	t := &scheduledTask{once: true, action: actionUUID, delay: delay, body: action}
	s.mu.Lock()
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()
	return t
}

func (s *manualScheduler) ScheduleRecurring(
	_ bool, actionUUID string, initialDelay, interval time.Duration,
	action scheduler.Action, _ ...scheduler.RecurringOption,
) scheduler.Cancellable {
	t := &scheduledTask{action: actionUUID, delay: initialDelay, interval: interval, body: action}
	s.mu.Lock()
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()
	return t
}

// liveRecurring counts the recurring tasks of action that are not cancelled
func (s *manualScheduler) liveRecurring(action string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, t := range s.tasks {
		if !t.once && t.action == action && !t.IsCancelled() {
			n++
		}
	}
	return n
}

func (s *manualScheduler) task(action string) *scheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tasks {
		if t.action == action {
			return t
		}
	}
	return nil
}

// memData is an in-memory time-series store
type memData struct {
	mu     sync.Mutex
	points []store.DataPoint
	lasts  int
}

func (m *memData) Save(_ context.Context, point *store.DataPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	point.ID = int64(len(m.points) + 1)
	m.points = append(m.points, *point)
	return nil
}

func (m *memData) Last(_ context.Context, valueDefinitionID string, objectID int64) (*store.DataPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lasts++
	var last *store.DataPoint
	for i := range m.points {
		p := &m.points[i]
		if p.ValueDefinitionID == valueDefinitionID && p.ObjectID == objectID {
			if last == nil || !p.Timestamp.Before(last.Timestamp) {
				last = p
			}
		}
	}
	if last == nil {
		return nil, nil
	}
	copied := *last
	return &copied, nil
}

func (m *memData) Range(_ context.Context, valueDefinitionID string, objectID int64, start, end time.Time) ([]store.DataPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []store.DataPoint
	for _, p := range m.points {
		if p.ValueDefinitionID == valueDefinitionID && p.ObjectID == objectID && p.Value != nil &&
			!p.Timestamp.Before(start) && !p.Timestamp.After(end) {
			result = append(result, p)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Timestamp.Before(result[j].Timestamp) })
	return result, nil
}

func (m *memData) SetColorRule(_ context.Context, pointID int64, colorRuleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.points {
		if m.points[i].ID == pointID {
			m.points[i].ColorRuleID = colorRuleID
			return nil
		}
	}
	return errors.New().New(store.ErrNotFound)
}

func (m *memData) byValue(valueDefinitionID string) []store.DataPoint {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []store.DataPoint
	for _, p := range m.points {
		if p.ValueDefinitionID == valueDefinitionID {
			result = append(result, p)
		}
	}
	return result
}

// memDefinitions is an in-memory definition store
type memDefinitions struct {
	defs []definition.KpiDefinition
}

func (m *memDefinitions) GetAllActive(context.Context) ([]definition.KpiDefinition, error) {
	return m.filter(func(d definition.KpiDefinition) bool { return d.IsActive }), nil
}

func (m *memDefinitions) GetByUID(_ context.Context, uid string) (*definition.KpiDefinition, error) {
	for _, d := range m.defs {
		if d.UID == uid {
			d := d
			return &d, nil
		}
	}
	return nil, errors.New().WithData(definition.ErrNotFound, uid)
}

func (m *memDefinitions) GetActiveOfObjectType(_ context.Context, objectType string) ([]definition.KpiDefinition, error) {
	return m.filter(func(d definition.KpiDefinition) bool { return d.IsActive && d.ObjectType == objectType }), nil
}

func (m *memDefinitions) GetActiveAndToDisplayOfObjectType(_ context.Context, objectType string) ([]definition.KpiDefinition, error) {
	return m.filter(func(d definition.KpiDefinition) bool {
		return d.IsActive && d.IsDisplayed && d.ObjectType == objectType
	}), nil
}

func (m *memDefinitions) filter(keep func(definition.KpiDefinition) bool) []definition.KpiDefinition {
	var result []definition.KpiDefinition
	for _, d := range m.defs {
		if keep(d) {
			result = append(result, d)
		}
	}
	return result
}

// stubEvaluator returns a fixed result and counts its calls
type stubEvaluator struct {
	mu     sync.Mutex
	result any
	err    error
	calls  int
}

func (s *stubEvaluator) Evaluate(context.Context, string, string, map[string]any) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.result, s.err
}

func (s *stubEvaluator) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

var testProjects = []map[string]any{
	{"id": 1, "name": "alpha", "budget": 1000, "spent": 250, "start": "2024-01-01", "end": "2024-12-31"},
	{"id": 2, "name": "beta", "budget": 400, "spent": 500, "start": "2023-01-01", "end": "2023-12-31"},
}

type testEnv struct {
	env       *Environment
	scheduler *manualScheduler
	data      *memData
}

func newTestEnv(evaluator script.Evaluator) *testEnv {
	if evaluator == nil {
		evaluator = script.New()
	}

	registry := objects.NewRegistry()
	registry.Register("project", func() (objects.Container, error) {
		return objects.NewStatic(func() []map[string]any { return testProjects }), nil
	})

	te := &testEnv{scheduler: &manualScheduler{}, data: &memData{}}
	te.env = &Environment{
		Evaluator: evaluator,
		Scheduler: te.scheduler,
		Data:      te.data,
		Objects:   registry,
		Log:       logger.Nop(),
		Metrics:   metrics.Nop(),
		Now:       func() time.Time { return testNow },
	}
	return te
}

func intPtr(v int) *int {
	return &v
}

func boolPtr(v bool) *bool {
	return &v
}

func value(uid, kind, source string) *definition.ValueDefinition {
	return &definition.ValueDefinition{
		ID:             uid + "." + kind,
		Name:           uid + " " + kind,
		RenderType:     definition.RenderValue,
		Script:         source,
		TrendDisplayed: true,
	}
}

// customDefinition is an internal custom KPI on projects with box display
func customDefinition(uid string) definition.KpiDefinition {
	return definition.KpiDefinition{
		UID:          uid,
		ObjectType:   "project",
		CSSGlyphicon: "fa-money",
		IsActive:     true,
		IsDisplayed:  true,
		Main:         value(uid, "main", "object.spent * 100 / object.budget"),
		Additional1:  value(uid, "additional1", "object.budget"),
		Additional2:  value(uid, "additional2", "object.spent"),
		ColorRules: []definition.ColorRule{
			{ID: uid + ".red", Order: 1, Rule: "main > 100", CSSColor: "danger", RenderLabel: "over"},
			{ID: uid + ".green", Order: 2, Rule: "main <= 100", CSSColor: "success", RenderLabel: "ok"},
		},
	}
}

func scheduled(def definition.KpiDefinition, realTime bool) definition.KpiDefinition {
	def.Scheduler = &definition.Scheduler{
		StartTime: "02h00",
		Frequency: intPtr(60),
		RealTime:  boolPtr(realTime),
	}
	return def
}
