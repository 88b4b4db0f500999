package engine

import (
	"context"
	"fmt"
	"slices"

	"github.com/phrazzld/mediatext/internal/domain"
)

// Registry maps engine variants to their adapters.
type Registry struct {
	adapters map[domain.Engine]Adapter
	order    []domain.Engine
}

// NewRegistry builds a registry, rejecting duplicates and adapters that
// implement neither the sync nor the async contract.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[domain.Engine]Adapter, len(adapters))}
	for _, a := range adapters {
		e := a.Engine()
		if _, err := domain.ParseEngine(string(e)); err != nil {
			return nil, err
		}
		if _, dup := r.adapters[e]; dup {
			return nil, fmt.Errorf("engine %s registered twice", e)
		}
		_, isSync := a.(SyncAdapter)
		_, isAsync := a.(AsyncAdapter)
		if !isSync && !isAsync {
			return nil, fmt.Errorf("engine %s implements neither sync nor async processing", e)
		}
		r.adapters[e] = a
		r.order = append(r.order, e)
	}
	slices.Sort(r.order)
	return r, nil
}

// Get returns the adapter for e.
func (r *Registry) Get(e domain.Engine) (Adapter, error) {
	a, ok := r.adapters[e]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, e)
	}
	return a, nil
}

// Engines lists registered engines in a stable order.
func (r *Registry) Engines() []domain.Engine {
	return slices.Clone(r.order)
}

// Availability probes every registered adapter.
func (r *Registry) Availability(ctx context.Context) map[domain.Engine]bool {
	out := make(map[domain.Engine]bool, len(r.order))
	for _, e := range r.order {
		out[e] = r.adapters[e].CheckAvailable(ctx)
	}
	return out
}

// Available returns the engines whose adapters report availability.
func (r *Registry) Available(ctx context.Context) []domain.Engine {
	var out []domain.Engine
	for _, e := range r.order {
		if r.adapters[e].CheckAvailable(ctx) {
			out = append(out, e)
		}
	}
	return out
}
