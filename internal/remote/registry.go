package remote

import (
	"sort"
	"sync"

	apperrors "github.com/xuecangming/multidrive/internal/common/errors"
)

// Registry maps account ids to their adapters
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register binds an adapter to an account, replacing any previous one
func (r *Registry) Register(accountID string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[accountID] = a
}

// Unregister removes an account
func (r *Registry) Unregister(accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.adapters, accountID)
}

// Get returns the adapter of an account or an ADAPTER_NOT_FOUND error
func (r *Registry) Get(accountID string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[accountID]
	if !ok {
		return nil, apperrors.AdapterNotFound(accountID)
	}
	return a, nil
}

// Accounts lists registered account ids in sorted order
func (r *Registry) Accounts() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
