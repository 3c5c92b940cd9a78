// Package objects resolves the business objects KPIs are computed on.
package objects

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"codeberg.org/mutker/kpid/internal/errors"
)

const (
	ErrUnknownObjectType = errors.ErrorCode("objects_unknown_type")
	ErrObjectNotFound    = errors.ErrResourceNotFound
	ErrInvalidObject     = errors.ErrorCode("objects_invalid_object")
)

// Container gives a KPI access to the instances of one object type
type Container interface {
	// IDs returns the ids of every instance, in iteration order
	IDs(ctx context.Context) ([]int64, error)
	// ObjectByID returns the object bound to scripts as `object`
	ObjectByID(ctx context.Context, id int64) (any, error)
}

// Factory builds the container of an object type
type Factory func() (Container, error)

// Registry maps object type names to container factories
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds an object type to a factory, replacing any previous one
func (r *Registry) Register(objectType string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[objectType] = factory
}

// Resolve builds the container of an object type
func (r *Registry) Resolve(objectType string) (Container, error) {
	r.mu.RLock()
	factory, ok := r.factories[objectType]
	r.mu.RUnlock()

	if !ok {
		return nil, errors.New().WithData(ErrUnknownObjectType, objectType)
	}

	return factory()
}

// Types returns the registered object types
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Static is a Container over records, each carrying a numeric "id"
// attribute. Records are read through a function so a reloaded source is
// picked up without rebuilding the container.
type Static struct {
	records func() []map[string]any
}

func NewStatic(records func() []map[string]any) *Static {
	return &Static{records: records}
}

func (s *Static) IDs(_ context.Context) ([]int64, error) {
	records := s.records()
	ids := make([]int64, 0, len(records))
	for i, record := range records {
		id, err := recordID(record)
		if err != nil {
			return nil, errors.New().WithData(ErrInvalidObject, fmt.Sprintf("record %d: %v", i, err))
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Static) ObjectByID(_ context.Context, id int64) (any, error) {
	for _, record := range s.records() {
		if rid, err := recordID(record); err == nil && rid == id {
			return record, nil
		}
	}
	return nil, errors.New().WithData(ErrObjectNotFound, id)
}

func recordID(record map[string]any) (int64, error) {
	switch v := record["id"].(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case uint64:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case nil:
		return 0, fmt.Errorf("missing id")
	default:
		return 0, fmt.Errorf("unsupported id type %T", v)
	}
}
