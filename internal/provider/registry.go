package provider

import (
	"fmt"
	"sync"

	"github.com/BlackBearCC/mbti-gateway/pkg/types"
)

// Resolved is the outcome of alias resolution: the provider to call plus the
// effective model and generation defaults.
type Resolved struct {
	Provider    Provider
	Alias       string
	Model       string
	MaxTokens   int
	Temperature *float64
	Metadata    map[string]any
}

// Registry manages available providers and the alias map. Aliases are loaded
// once at construction and immutable afterwards.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider

	aliases      map[string]types.ModelAlias
	defaultAlias string
}

// NewRegistry creates a registry over the configured alias map. When the map
// is empty a "default" alias pointing at defaultProvider is synthesized so
// resolution always has a target.
func NewRegistry(aliases map[string]types.ModelAlias, defaultAlias, defaultProvider string) *Registry {
	copied := make(map[string]types.ModelAlias, len(aliases))
	for name, spec := range aliases {
		copied[name] = spec
	}
	if len(copied) == 0 {
		copied["default"] = types.ModelAlias{Provider: defaultProvider}
		if defaultAlias == "" {
			defaultAlias = "default"
		}
	}
	if defaultAlias == "" {
		if _, ok := copied["default"]; ok {
			defaultAlias = "default"
		}
	}
	return &Registry{
		providers:    make(map[string]Provider),
		aliases:      copied,
		defaultAlias: defaultAlias,
	}
}

// Register adds a provider to the registry.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
}

// Get retrieves a provider by ID.
func (r *Registry) Get(providerID string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[providerID]
	if !ok {
		return nil, fmt.Errorf("provider not registered: %s", providerID)
	}
	return p, nil
}

// List returns all registered providers.
func (r *Registry) List() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	return out
}

// Resolve maps a client-supplied alias to a provider and model parameters.
// An unknown or empty alias falls back to the configured default alias; with
// no default configured, resolution fails with ErrUnknownAlias.
func (r *Registry) Resolve(alias string) (*Resolved, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name := alias
	spec, ok := r.aliases[name]
	if !ok {
		if r.defaultAlias == "" {
			return nil, fmt.Errorf("%w: %q", ErrUnknownAlias, alias)
		}
		name = r.defaultAlias
		spec, ok = r.aliases[name]
		if !ok {
			return nil, fmt.Errorf("%w: default alias %q not defined", ErrUnknownAlias, r.defaultAlias)
		}
	}

	p, ok := r.providers[spec.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: alias %q targets unregistered provider", ErrUnknownAlias, name)
	}
	return &Resolved{
		Provider:    p,
		Alias:       name,
		Model:       spec.Model,
		MaxTokens:   spec.MaxTokens,
		Temperature: spec.Temperature,
		Metadata:    spec.Metadata,
	}, nil
}
