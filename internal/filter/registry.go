package filter

import (
	"fmt"

	"github.com/wudi/filterhost/internal/byname"
)

// Registry maps filter class names to builders. Registration is explicit and
// happens once at startup.
type Registry struct {
	builders *byname.Store[Builder]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{builders: byname.New[Builder]()}
}

// Register adds builder under name. Registering a name twice is an error.
func (r *Registry) Register(builder Builder, name string) error {
	if name == "" {
		return fmt.Errorf("filter registry: empty name")
	}
	if builder == nil {
		return fmt.Errorf("filter registry: nil builder for %q", name)
	}
	if !r.builders.PutIfAbsent(name, builder) {
		return fmt.Errorf("filter registry: %q already registered", name)
	}
	return nil
}

// MustRegister is Register for startup code.
func (r *Registry) MustRegister(builder Builder, name string) {
	if err := r.Register(builder, name); err != nil {
		panic(err)
	}
}

// Build returns a new, unconfigured factory of the named class.
func (r *Registry) Build(name string) (ConfigurableFactory, error) {
	b, ok := r.builders.Get(name)
	if !ok {
		return nil, fmt.Errorf("filter registry: unknown filter type %q", name)
	}
	return b(), nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.builders.Get(name)
	return ok
}

// Names returns the registered class names, sorted.
func (r *Registry) Names() []string {
	return r.builders.Names()
}
