// ABOUTME: Registry mapping module names to constructors and declared property schemas
// ABOUTME: Binds string property bags onto fresh module instances via mapstructure

package workload

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/go-viper/mapstructure/v2"
)

// Registry errors
var (
	ErrUnknownModule     = errors.New("unknown workload module")
	ErrUnknownProperty   = errors.New("unknown property")
	ErrInvalidProperty   = errors.New("invalid property value")
	ErrInvalidDefinition = errors.New("invalid module definition")
	ErrDuplicateModule   = errors.New("module already registered")
)

// Definition declares one module type.
type Definition struct {
	Name        string
	Description string

	// Properties lists the configurable fields by their mapstructure key.
	Properties []string

	// New returns a fresh instance with defaults applied. It must return a
	// pointer so properties can be bound onto it.
	New func() Module
}

// Registry holds module definitions by name.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds def after checking every declared property is bindable.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" || def.New == nil {
		return fmt.Errorf("%w: name and constructor are required", ErrInvalidDefinition)
	}

	var meta mapstructure.Metadata
	if err := bind(def.New(), map[string]string{}, &meta); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidDefinition, def.Name, err)
	}
	for _, p := range def.Properties {
		if !slices.Contains(meta.Unset, p) {
			return fmt.Errorf("%w: %s declares property %q with no matching field", ErrInvalidDefinition, def.Name, p)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[def.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateModule, def.Name)
	}
	r.defs[def.Name] = def
	return nil
}

// MustRegister is Register for built-in definitions.
func (r *Registry) MustRegister(def Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Names returns the registered module names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the definition registered under name.
func (r *Registry) Lookup(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// New instantiates module name and binds props onto it.
// Properties outside the declared schema are rejected.
func (r *Registry) New(name string, props map[string]string) (Module, error) {
	def, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModule, name)
	}

	for key := range props {
		if !slices.Contains(def.Properties, key) {
			return nil, fmt.Errorf("%w: %s has no property %q (have %v)", ErrUnknownProperty, name, key, def.Properties)
		}
	}

	m := def.New()
	if err := bind(m, props, nil); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidProperty, name, err)
	}
	return m, nil
}

func bind(target Module, props map[string]string, meta *mapstructure.Metadata) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Metadata:         meta,
		Result:           target,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(props)
}
