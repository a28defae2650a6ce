package market

import (
	"fmt"
	"sync"
)

// Registry holds all configured markets in a thread-safe manner.
// Markets are registered at startup from configuration; lookups during
// order transitions only read.
type Registry struct {
	mu      sync.RWMutex
	markets map[ID]*Market
}

// NewRegistry creates an empty market registry.
func NewRegistry() *Registry {
	return &Registry{
		markets: make(map[ID]*Market),
	}
}

// Register adds a new market to the registry.
// Returns an error if a market with the same id already exists.
func (r *Registry) Register(m *Market) error {
	if m == nil {
		return fmt.Errorf("cannot register nil market")
	}
	if err := m.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.markets[m.ID]; exists {
		return fmt.Errorf("market %d already registered", m.ID)
	}

	r.markets[m.ID] = m
	return nil
}

// Get retrieves a market by id. The boolean reports existence; callers
// translate a miss into their own error surface.
func (r *Registry) Get(id ID) (*Market, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, exists := r.markets[id]
	return m, exists
}

// List returns all registered markets.
// Returns a copied slice to avoid concurrent modification.
func (r *Registry) List() []*Market {
	r.mu.RLock()
	defer r.mu.RUnlock()

	markets := make([]*Market, 0, len(r.markets))
	for _, m := range r.markets {
		markets = append(markets, m)
	}
	return markets
}

// Count returns the total number of registered markets.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.markets)
}
