package securestore

import (
	"fmt"
	"sort"
	"sync"
)

var (
	backends = make(map[string]BackendInit)
	lock     sync.RWMutex
)

// NewBackend returns a new SecureBackend identified by the supplied name.
// config is a map of backend specific settings; most backends fall back to
// environment variables for settings missing from it.
func NewBackend(
	name string,
	config map[string]interface{},
) (SecureBackend, error) {
	lock.RLock()
	defer lock.RUnlock()

	if bInit, exists := backends[name]; exists {
		return bInit(config)
	}
	return nil, fmt.Errorf("%w: backend %q", ErrNotSupported, name)
}

// Register adds a new backend
func Register(name string, bInit BackendInit) error {
	lock.Lock()
	defer lock.Unlock()
	if _, exists := backends[name]; exists {
		return fmt.Errorf("Secure backend %v is already"+
			" registered", name)
	}
	backends[name] = bInit
	return nil
}

// Backends returns the names of all registered backends, sorted.
func Backends() []string {
	lock.RLock()
	defer lock.RUnlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
