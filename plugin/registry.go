package plugin

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gazehub/gazehub/errors"
)

// Descriptor is the serializable record sufficient to reconstruct a plugin
// instance. It is what gets persisted in a role's settings store.
type Descriptor struct {
	Name string         `yaml:"name"`
	Args map[string]any `yaml:"args,omitempty"`
}

// Factory constructs a plugin instance from its environment and
// initialization arguments.
type Factory func(env *Environment, args map[string]any) (Plugin, error)

// Registry maps plugin type names to factories. Registration happens at
// process startup; lookups happen for the process lifetime.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name. Registering the same name twice is
// a programming error and is rejected.
func (r *Registry) Register(name string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrPluginRegistered, name),
			"Registry", "Register", "duplicate name")
	}
	r.factories[name] = factory
	return nil
}

// New constructs an instance of the named plugin type.
func (r *Registry) New(name string, env *Environment, args map[string]any) (Plugin, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrUnknownPlugin, name),
			"Registry", "New", "factory lookup")
	}
	p, err := factory(env, args)
	if err != nil {
		return nil, errors.Wrap(err, "Registry", "New", "construct "+name)
	}
	return p, nil
}

// Names returns the registered type names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
