package definition

import (
	"context"
	"os"
	"sort"
	"strconv"
	"sync"

	"codeberg.org/mutker/kpid/internal/errors"
	"codeberg.org/mutker/kpid/internal/logger"
	"gopkg.in/yaml.v3"
)

const (
	ErrReadDefinitions  = errors.ErrorCode("definition_read_failed")
	ErrParseDefinitions = errors.ErrorCode("definition_parse_failed")
	ErrDuplicateUID     = errors.ErrorCode("definition_duplicate_uid")
	ErrNotFound         = errors.ErrResourceNotFound
)

// Store gives access to the KPI definitions
type Store interface {
	GetAllActive(ctx context.Context) ([]KpiDefinition, error)
	GetByUID(ctx context.Context, uid string) (*KpiDefinition, error)
	GetActiveOfObjectType(ctx context.Context, objectType string) ([]KpiDefinition, error)
	GetActiveAndToDisplayOfObjectType(ctx context.Context, objectType string) ([]KpiDefinition, error)
}

// FileStore is a Store backed by a YAML file. The same file may carry the
// object records KPIs are computed on.
type FileStore struct {
	path string
	log  logger.Logger

	mu          sync.RWMutex
	definitions []KpiDefinition
	objects     map[string][]map[string]any
}

var _ Store = (*FileStore)(nil)

type fileContent struct {
	Kpis    []fileDefinition            `yaml:"kpis"`
	Objects map[string][]map[string]any `yaml:"objects"`
}

type fileDefinition struct {
	UID          string         `yaml:"uid"`
	Order        int            `yaml:"order"`
	ObjectType   string         `yaml:"object_type"`
	CSSGlyphicon string         `yaml:"css_glyphicon"`
	Active       *bool          `yaml:"active"`
	Displayed    bool           `yaml:"displayed"`
	External     bool           `yaml:"external"`
	Standard     *bool          `yaml:"standard"`
	Kind         string         `yaml:"kind"`
	Scheduler    *fileScheduler `yaml:"scheduler"`
	Parameters   string         `yaml:"parameters"`
	Main         *fileValue     `yaml:"main"`
	Additional1  *fileValue     `yaml:"additional1"`
	Additional2  *fileValue     `yaml:"additional2"`
	ColorRules   []fileRule     `yaml:"color_rules"`
}

type fileScheduler struct {
	StartTime string `yaml:"start_time"`
	Frequency *int   `yaml:"frequency"`
	RealTime  *bool  `yaml:"real_time"`
}

type fileValue struct {
	ID             string `yaml:"id"`
	Name           string `yaml:"name"`
	RenderType     string `yaml:"render_type"`
	RenderPattern  string `yaml:"render_pattern"`
	Script         string `yaml:"script"`
	TrendDisplayed bool   `yaml:"trend_displayed"`
}

type fileRule struct {
	ID          string `yaml:"id"`
	Order       int    `yaml:"order"`
	Rule        string `yaml:"rule"`
	CSSColor    string `yaml:"css_color"`
	RenderLabel string `yaml:"render_label"`
}

// NewFileStore reads the definitions file at path
func NewFileStore(path string, log logger.Logger) (*FileStore, error) {
	s := &FileStore{path: path, log: log}
	if _, err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the file and returns the uids whose definition changed,
// appeared or disappeared.
func (s *FileStore) Reload() ([]string, error) {
	errFactory := errors.New()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, errFactory.WithData(ErrReadDefinitions, struct {
			Path  string
			Error string
		}{
			Path:  s.path,
			Error: err.Error(),
		})
	}

	definitions, objects, err := Parse(data)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	changed := diff(s.definitions, definitions)
	s.definitions = definitions
	s.objects = objects
	s.mu.Unlock()

	s.log.Info().
		Str("path", s.path).
		Int("definitions", len(definitions)).
		Int("changed", len(changed)).
		Msg("KPI definitions loaded")

	return changed, nil
}

// Path returns the file backing the store
func (s *FileStore) Path() string {
	return s.path
}

// Objects returns the object records declared for an object type
func (s *FileStore) Objects(objectType string) []map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.objects[objectType]
}

// ObjectTypes returns the object types with declared records
func (s *FileStore) ObjectTypes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	types := make([]string, 0, len(s.objects))
	for t := range s.objects {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func (s *FileStore) GetAllActive(_ context.Context) ([]KpiDefinition, error) {
	result := s.filter(func(d *KpiDefinition) bool { return d.IsActive })
	sort.SliceStable(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if a.ObjectType != b.ObjectType {
			return a.ObjectType < b.ObjectType
		}
		if a.IsDisplayed != b.IsDisplayed {
			return a.IsDisplayed
		}
		return a.Order < b.Order
	})
	return result, nil
}

func (s *FileStore) GetByUID(_ context.Context, uid string) (*KpiDefinition, error) {
	result := s.filter(func(d *KpiDefinition) bool { return d.UID == uid })
	if len(result) == 0 {
		return nil, errors.New().WithData(ErrNotFound, uid)
	}
	return &result[0], nil
}

func (s *FileStore) GetActiveOfObjectType(_ context.Context, objectType string) ([]KpiDefinition, error) {
	result := s.filter(func(d *KpiDefinition) bool {
		return d.IsActive && d.ObjectType == objectType
	})
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].IsDisplayed != result[j].IsDisplayed {
			return result[i].IsDisplayed
		}
		return result[i].Order < result[j].Order
	})
	return result, nil
}

func (s *FileStore) GetActiveAndToDisplayOfObjectType(_ context.Context, objectType string) ([]KpiDefinition, error) {
	result := s.filter(func(d *KpiDefinition) bool {
		return d.IsActive && d.IsDisplayed && d.ObjectType == objectType
	})
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Order < result[j].Order
	})
	return result, nil
}

func (s *FileStore) filter(keep func(*KpiDefinition) bool) []KpiDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []KpiDefinition
	for i := range s.definitions {
		if keep(&s.definitions[i]) {
			result = append(result, s.definitions[i])
		}
	}
	return result
}

// Parse decodes a definitions document
func Parse(data []byte) ([]KpiDefinition, map[string][]map[string]any, error) {
	errFactory := errors.New()

	var content fileContent
	if err := yaml.Unmarshal(data, &content); err != nil {
		return nil, nil, errFactory.Wrap(ErrParseDefinitions, err)
	}

	seen := make(map[string]bool, len(content.Kpis))
	definitions := make([]KpiDefinition, 0, len(content.Kpis))
	for _, fd := range content.Kpis {
		if fd.UID == "" {
			return nil, nil, errFactory.WithMessage(ErrParseDefinitions, "a KPI definition has no uid")
		}
		if seen[fd.UID] {
			return nil, nil, errFactory.WithData(ErrDuplicateUID, fd.UID)
		}
		seen[fd.UID] = true
		definitions = append(definitions, fd.toDefinition())
	}

	return definitions, content.Objects, nil
}

func (fd fileDefinition) toDefinition() KpiDefinition {
	d := KpiDefinition{
		UID:          fd.UID,
		Order:        fd.Order,
		ObjectType:   fd.ObjectType,
		CSSGlyphicon: fd.CSSGlyphicon,
		IsActive:     fd.Active == nil || *fd.Active,
		IsDisplayed:  fd.Displayed,
		IsExternal:   fd.External,
		IsStandard:   fd.Standard == nil || *fd.Standard,
		Kind:         fd.Kind,
		Parameters:   fd.Parameters,
		Main:         fd.Main.toValue(fd.UID, Main),
		Additional1:  fd.Additional1.toValue(fd.UID, Additional1),
		Additional2:  fd.Additional2.toValue(fd.UID, Additional2),
	}

	if fd.Scheduler != nil {
		d.Scheduler = &Scheduler{
			StartTime: fd.Scheduler.StartTime,
			Frequency: fd.Scheduler.Frequency,
			RealTime:  fd.Scheduler.RealTime,
		}
	}

	for i, r := range fd.ColorRules {
		id := r.ID
		if id == "" {
			id = fd.UID + ".rule" + strconv.Itoa(i+1)
		}
		d.ColorRules = append(d.ColorRules, ColorRule{
			ID:          id,
			Order:       r.Order,
			Rule:        r.Rule,
			CSSColor:    r.CSSColor,
			RenderLabel: r.RenderLabel,
		})
	}

	return d
}

func (fv *fileValue) toValue(uid string, kind ValueKind) *ValueDefinition {
	if fv == nil {
		return nil
	}

	v := &ValueDefinition{
		ID:             fv.ID,
		Name:           fv.Name,
		RenderType:     RenderType(fv.RenderType),
		RenderPattern:  fv.RenderPattern,
		Script:         fv.Script,
		TrendDisplayed: fv.TrendDisplayed,
	}
	if v.ID == "" {
		v.ID = uid + "." + kind.String()
	}
	if v.RenderType == "" {
		v.RenderType = RenderValue
	}

	return v
}

func diff(previous, current []KpiDefinition) []string {
	before := make(map[string]*KpiDefinition, len(previous))
	for i := range previous {
		before[previous[i].UID] = &previous[i]
	}

	var changed []string
	for i := range current {
		d := &current[i]
		if old, ok := before[d.UID]; !ok || !old.Equal(d) {
			changed = append(changed, d.UID)
		}
		delete(before, d.UID)
	}
	for uid := range before {
		changed = append(changed, uid)
	}
	sort.Strings(changed)

	return changed
}
