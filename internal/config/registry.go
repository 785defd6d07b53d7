package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/live"
)

// ErrProviderNotRegistered is returned by the Create methods when no factory
// has been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps names from the config file to constructors for live
// providers and audio drivers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	provider map[string]func(ProviderEntry) (live.Provider, error)
	input    map[string]func(InputConfig) (audio.DeviceAccess, error)
	output   map[string]func(OutputConfig) (audio.OutputFactory, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		provider: make(map[string]func(ProviderEntry) (live.Provider, error)),
		input:    make(map[string]func(InputConfig) (audio.DeviceAccess, error)),
		output:   make(map[string]func(OutputConfig) (audio.OutputFactory, error)),
	}
}

// RegisterProvider registers a live provider factory under name. A later
// registration under the same name replaces the earlier one.
func (r *Registry) RegisterProvider(name string, factory func(ProviderEntry) (live.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.provider[name] = factory
}

// RegisterInput registers a capture driver under name.
func (r *Registry) RegisterInput(name string, factory func(InputConfig) (audio.DeviceAccess, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.input[name] = factory
}

// RegisterOutput registers a playback driver under name.
func (r *Registry) RegisterOutput(name string, factory func(OutputConfig) (audio.OutputFactory, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output[name] = factory
}

// CreateProvider instantiates the live provider registered under entry.Name.
func (r *Registry) CreateProvider(entry ProviderEntry) (live.Provider, error) {
	factory, err := lookup(r, "provider", entry.Name, r.provider)
	if err != nil {
		return nil, err
	}
	return factory(entry)
}

// CreateInput instantiates the capture driver registered under cfg.Driver.
func (r *Registry) CreateInput(cfg InputConfig) (audio.DeviceAccess, error) {
	factory, err := lookup(r, "input", cfg.Driver, r.input)
	if err != nil {
		return nil, err
	}
	return factory(cfg)
}

// CreateOutput instantiates the playback driver registered under cfg.Driver.
func (r *Registry) CreateOutput(cfg OutputConfig) (audio.OutputFactory, error) {
	factory, err := lookup(r, "output", cfg.Driver, r.output)
	if err != nil {
		return nil, err
	}
	return factory(cfg)
}

func lookup[F any](r *Registry, kind, name string, m map[string]F) (F, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if f, ok := m[name]; ok {
		return f, nil
	}
	var zero F
	return zero, fmt.Errorf("%w: %s/%q (registered: %v)", ErrProviderNotRegistered, kind, name, slices.Sorted(maps.Keys(m)))
}
