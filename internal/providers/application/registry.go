package application

import (
	"fmt"
	"sort"
	"sync"

	providers "github.com/felixgeelhaar/vitalsync/internal/providers/domain"
)

// Registry maps providers to their fetchers.
type Registry struct {
	mu       sync.RWMutex
	fetchers map[providers.Provider]map[providers.Family]Fetcher
}

// NewRegistry creates a registry holding fetchers.
func NewRegistry(fetchers ...Fetcher) *Registry {
	r := &Registry{fetchers: make(map[providers.Provider]map[providers.Family]Fetcher)}
	r.Register(fetchers...)
	return r
}

// Register adds fetchers, replacing any previous one for the same
// provider and family.
func (r *Registry) Register(fetchers ...Fetcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range fetchers {
		byFamily, ok := r.fetchers[f.Provider()]
		if !ok {
			byFamily = make(map[providers.Family]Fetcher)
			r.fetchers[f.Provider()] = byFamily
		}
		byFamily[f.Family()] = f
	}
}

// Supports reports whether any fetcher is registered for p.
func (r *Registry) Supports(p providers.Provider) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.fetchers[p]) > 0
}

// Families lists the families registered for p in fetch order.
func (r *Registry) Families(p providers.Provider) []providers.Family {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []providers.Family
	for _, f := range providers.AllFamilies() {
		if _, ok := r.fetchers[p][f]; ok {
			out = append(out, f)
		}
	}
	return out
}

// Providers lists providers with at least one fetcher.
func (r *Registry) Providers() []providers.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]providers.Provider, 0, len(r.fetchers))
	for p := range r.fetchers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Fetchers returns the fetchers of p for families, in fetch order. An empty
// families slice selects every registered family.
func (r *Registry) Fetchers(p providers.Provider, families []providers.Family) ([]Fetcher, error) {
	if len(families) == 0 {
		families = r.Families(p)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	byFamily := r.fetchers[p]
	out := make([]Fetcher, 0, len(families))
	for _, family := range providers.SortFamilies(families) {
		f, ok := byFamily[family]
		if !ok {
			return nil, fmt.Errorf("%w: %s has no %s fetcher", ErrUnsupportedFamily, p, family)
		}
		out = append(out, f)
	}
	return out, nil
}
