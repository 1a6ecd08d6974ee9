package driver

import (
	"sync"

	"github.com/pkg/errors"
)

// Registry is a static capability table of participant adapters, keyed by
// adapter name.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]Driver)}
}

// Register adds |d| under its Name. Registering a duplicate name panics,
// as it indicates mis-wired process bring-up.
func (r *Registry) Register(d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.drivers[d.Name()]; ok {
		panic("duplicate driver registration: " + d.Name())
	}
	r.drivers[d.Name()] = d
}

// Get returns the Driver registered under |name|.
func (r *Registry) Get(name string) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if d, ok := r.drivers[name]; ok {
		return d, nil
	}
	return nil, errors.WithMessage(ErrUnknownDriver, name)
}
