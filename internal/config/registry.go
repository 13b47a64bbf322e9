package config

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MrWong99/duplex/pkg/audio"
	"github.com/MrWong99/duplex/pkg/engine"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// DeviceOpener opens both directions of an audio endpoint.
type DeviceOpener interface {
	audio.CaptureOpener
	audio.PlaybackOpener
}

// EngineFactory builds an engine backend from its config entry. The backend
// must also implement [engine.Recognizer], [engine.Synthesizer], or both.
type EngineFactory func(ProviderEntry) (engine.Backend, error)

// DeviceFactory builds an audio endpoint from its config entry.
type DeviceFactory func(DeviceEntry) (DeviceOpener, error)

// Registry maps implementation names to their constructor functions. It is
// safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]EngineFactory
	devices map[string]DeviceFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		engines: make(map[string]EngineFactory),
		devices: make(map[string]DeviceFactory),
	}
}

// RegisterEngine registers an engine factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterEngine(name string, factory EngineFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[name] = factory
}

// RegisterDevice registers a device factory under name.
func (r *Registry) RegisterDevice(name string, factory DeviceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[name] = factory
}

// CreateEngine instantiates an engine backend using the factory registered
// under entry.Name. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateEngine(entry ProviderEntry) (engine.Backend, error) {
	r.mu.RLock()
	factory, ok := r.engines[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: engine/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateDevice instantiates an audio endpoint using the factory registered
// under entry.Name.
func (r *Registry) CreateDevice(entry DeviceEntry) (DeviceOpener, error) {
	r.mu.RLock()
	factory, ok := r.devices[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: device/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// EngineNames returns the registered engine names in sorted order.
func (r *Registry) EngineNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.engines)
}

// DeviceNames returns the registered device names in sorted order.
func (r *Registry) DeviceNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.devices)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// OptString extracts a string value from an Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func OptString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// OptInt extracts an integer value from an Options map. YAML numbers may
// decode as int or float64. Returns 0 when absent or not numeric.
func OptInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
