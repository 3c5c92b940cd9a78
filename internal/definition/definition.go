// Package definition holds the static configuration of KPIs and the store
// they are loaded from.
package definition

import "sort"

// RenderType tells how a value is displayed
type RenderType string

const (
	RenderValue   RenderType = "VALUE"
	RenderPattern RenderType = "PATTERN"
	RenderLabel   RenderType = "LABEL"
)

// ValueKind identifies one of the three values of a KPI
type ValueKind int

const (
	Main ValueKind = iota
	Additional1
	Additional2
)

// ValueKinds lists the kinds in computation order
var ValueKinds = []ValueKind{Main, Additional1, Additional2}

func (k ValueKind) String() string {
	switch k {
	case Main:
		return "main"
	case Additional1:
		return "additional1"
	case Additional2:
		return "additional2"
	default:
		return "unknown"
	}
}

// ValueDefinition describes one value of a KPI
type ValueDefinition struct {
	ID             string
	Name           string
	RenderType     RenderType
	RenderPattern  string
	Script         string
	TrendDisplayed bool
}

// ColorRule selects a color when its boolean script holds
type ColorRule struct {
	ID          string
	Order       int
	Rule        string
	CSSColor    string
	RenderLabel string
}

// Scheduler holds the recurring computation parameters of an internal KPI.
// StartTime is formatted as HHhMM, Frequency is in minutes.
type Scheduler struct {
	StartTime string
	Frequency *int
	RealTime  *bool
}

// KpiDefinition is the static configuration of a KPI
type KpiDefinition struct {
	UID          string
	Order        int
	ObjectType   string
	CSSGlyphicon string
	IsActive     bool
	IsDisplayed  bool
	IsExternal   bool
	IsStandard   bool
	// Kind names the native runner of a standard internal KPI
	Kind       string
	Scheduler  *Scheduler
	Parameters string

	Main        *ValueDefinition
	Additional1 *ValueDefinition
	Additional2 *ValueDefinition
	ColorRules  []ColorRule
}

// Value returns the value definition of a kind, nil when not declared
func (d *KpiDefinition) Value(kind ValueKind) *ValueDefinition {
	switch kind {
	case Main:
		return d.Main
	case Additional1:
		return d.Additional1
	case Additional2:
		return d.Additional2
	default:
		return nil
	}
}

// SortedColorRules returns the color rules in ascending order
func (d *KpiDefinition) SortedColorRules() []ColorRule {
	rules := make([]ColorRule, len(d.ColorRules))
	copy(rules, d.ColorRules)
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Order < rules[j].Order
	})
	return rules
}

// Equal reports whether two definitions carry the same configuration
func (d *KpiDefinition) Equal(o *KpiDefinition) bool {
	if d == nil || o == nil {
		return d == o
	}
	if d.UID != o.UID || d.Order != o.Order || d.ObjectType != o.ObjectType ||
		d.CSSGlyphicon != o.CSSGlyphicon || d.IsActive != o.IsActive ||
		d.IsDisplayed != o.IsDisplayed || d.IsExternal != o.IsExternal ||
		d.IsStandard != o.IsStandard || d.Kind != o.Kind || d.Parameters != o.Parameters {
		return false
	}
	if !d.Scheduler.equal(o.Scheduler) {
		return false
	}
	for _, kind := range ValueKinds {
		a, b := d.Value(kind), o.Value(kind)
		if (a == nil) != (b == nil) || (a != nil && *a != *b) {
			return false
		}
	}
	if len(d.ColorRules) != len(o.ColorRules) {
		return false
	}
	for i := range d.ColorRules {
		if d.ColorRules[i] != o.ColorRules[i] {
			return false
		}
	}
	return true
}

func (s *Scheduler) equal(o *Scheduler) bool {
	if s == nil || o == nil {
		return s == o
	}
	return s.StartTime == o.StartTime && intPtrEqual(s.Frequency, o.Frequency) && boolPtrEqual(s.RealTime, o.RealTime)
}

func intPtrEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func boolPtrEqual(a, b *bool) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
