package provider

import "fmt"

// ErrUnknownProvider is returned when an unregistered provider is requested.
var ErrUnknownProvider = fmt.Errorf("unknown provider")

// Factory builds a provider instance from options.
type Factory func(opts Options) (Provider, error)

// registry holds registered provider factories.
// Use Register to add new provider types.
var registry = make(map[string]Factory)

// Register registers a provider factory under a name.
// This should be called in init() functions of provider packages.
func Register(name string, factory Factory) {
	registry[name] = factory
}

// New creates a Provider by registered name.
// Returns ErrUnknownProvider if the name is not registered.
func New(name string, opts Options) (Provider, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return factory(opts)
}

// Registered returns the names of all registered providers.
func Registered() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}

// IsRegistered returns true if the given provider name has been registered.
func IsRegistered(name string) bool {
	_, ok := registry[name]
	return ok
}
