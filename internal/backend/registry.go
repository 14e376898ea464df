package backend

import (
	"fmt"
	"sort"
	"sync"

	"github.com/seantiz/isolane/internal/model"
)

// Registry holds the provider registered for each resolved strategy.
type Registry struct {
	mu        sync.RWMutex
	providers map[model.Strategy]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[model.Strategy]Provider),
	}
}

// Register adds p under its own strategy, replacing any earlier provider.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Strategy()] = p
}

// Provider returns the provider for strategy.
// Returns an error if no provider is registered for it.
func (r *Registry) Provider(strategy model.Strategy) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[strategy]
	if !ok {
		return nil, fmt.Errorf("no provider registered for strategy %q", strategy)
	}
	return p, nil
}

// List returns the capabilities of all registered providers, sorted by
// strategy for a stable API response.
func (r *Registry) List() []Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Capabilities, 0, len(r.providers))
	for _, p := range r.providers {
		infos = append(infos, p.Capabilities())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Strategy < infos[j].Strategy
	})
	return infos
}
