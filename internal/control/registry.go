package control

import (
	"fmt"
	"sort"
	"sync"

	"github.com/atriumbms/atrium/internal/types"
)

// DefaultKey is the registry key of the catch-all algorithm. It is always
// present in a registry built by NewDefaultRegistry.
const DefaultKey = "default"

// Registry maps lookup keys to algorithms. Resolution walks from the most
// specific key to the least specific one:
//
//	"{locationId}:{equipmentType}:{equipmentId}"
//	"{locationId}:{equipmentType}"
//	"{equipmentType}"
//	"default"
//
// so a site can pin a bespoke algorithm to a single unit without touching
// the rest of the fleet.
type Registry struct {
	algorithms map[string]Algorithm
	mu         sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{algorithms: make(map[string]Algorithm)}
}

// Register adds an algorithm under a key.
// Returns an error if the key is already taken.
func (r *Registry) Register(key string, algo Algorithm) error {
	if algo == nil {
		return NewRegistrationError(key, "algorithm cannot be nil")
	}
	if key == "" {
		return NewRegistrationError(key, "key cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.algorithms[key]; exists {
		return NewRegistrationError(key, "key already registered")
	}
	r.algorithms[key] = algo
	return nil
}

// MustRegister adds an algorithm, panicking on error.
// This is intended for wiring done at startup.
func (r *Registry) MustRegister(key string, algo Algorithm) {
	if err := r.Register(key, algo); err != nil {
		panic(err)
	}
}

// Get retrieves an algorithm by exact key.
func (r *Registry) Get(key string) (Algorithm, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	algo, exists := r.algorithms[key]
	return algo, exists
}

// Resolve walks the key ladder for one equipment and returns the first
// registered algorithm. The boolean is false only when the registry has
// no default either.
func (r *Registry) Resolve(locationID string, equipmentType types.EquipmentType, equipmentID string) (Algorithm, bool) {
	keys := []string{
		fmt.Sprintf("%s:%s:%s", locationID, equipmentType, equipmentID),
		fmt.Sprintf("%s:%s", locationID, equipmentType),
		string(equipmentType),
		DefaultKey,
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, key := range keys {
		if algo, exists := r.algorithms[key]; exists {
			return algo, true
		}
	}
	return nil, false
}

// List returns the sorted registered keys.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.algorithms))
	for key := range r.algorithms {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Count returns the number of registered algorithms.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.algorithms)
}

// NewDefaultRegistry returns a registry with the built-in per-type
// algorithms and the catch-all default.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(string(types.TypeAirHandler), NewAirHandler())
	r.MustRegister(string(types.TypeBoiler), NewBoiler())
	r.MustRegister(string(types.TypeChiller), NewChiller())
	r.MustRegister(string(types.TypePump), NewPump())
	r.MustRegister(string(types.TypeDOAS), NewDOAS())
	r.MustRegister(DefaultKey, NewPassthrough())
	return r
}
