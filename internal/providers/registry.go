package providers

import (
	"errors"
	"sort"
	"sync"
)

var (
	// ErrProviderNotFound is returned when a provider is not registered
	ErrProviderNotFound = errors.New("provider not found")

	// ErrProviderAlreadyRegistered is returned when trying to register a duplicate provider
	ErrProviderAlreadyRegistered = errors.New("provider already registered")

	// ErrNoProvider is returned when no provider serves a usage type
	ErrNoProvider = errors.New("no provider configured")
)

// Registry manages provider instances and which one serves each usage type
type Registry struct {
	mu          sync.RWMutex
	providers   map[string]Provider
	routes      map[string]string // usage type -> provider name
	defaultName string
}

// NewRegistry creates a new provider registry
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		routes:    make(map[string]string),
	}
}

// Register adds a provider. The first provider registered becomes the
// default.
func (r *Registry) Register(provider Provider) error {
	if provider == nil {
		return errors.New("provider cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	name := provider.Name()
	if name == "" {
		return errors.New("provider name cannot be empty")
	}
	if _, exists := r.providers[name]; exists {
		return ErrProviderAlreadyRegistered
	}

	r.providers[name] = provider
	if r.defaultName == "" {
		r.defaultName = name
	}
	return nil
}

// Route sends requests of usageType to the named provider
func (r *Registry) Route(usageType, providerName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[providerName]; !exists {
		return ErrProviderNotFound
	}
	r.routes[usageType] = providerName
	return nil
}

// Get retrieves a provider by name
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, exists := r.providers[name]
	if !exists {
		return nil, ErrProviderNotFound
	}
	return provider, nil
}

// For returns the provider serving usageType, falling back to the default
func (r *Registry) For(usageType string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name, ok := r.routes[usageType]
	if !ok {
		name = r.defaultName
	}
	if name == "" {
		return nil, ErrNoProvider
	}
	provider, exists := r.providers[name]
	if !exists {
		return nil, ErrProviderNotFound
	}
	return provider, nil
}

// List returns all registered provider names, sorted
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
