package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrNoBackend is returned when a store configuration names no backend.
	ErrNoBackend = errors.New("store: no backend defined")

	// ErrUnknownBackend is returned when a store configuration names a
	// backend that was never registered.
	ErrUnknownBackend = errors.New("store: unknown backend")
)

var (
	registry map[string]Factory = map[string]Factory{}
	regLock  sync.RWMutex
)

// Factory builds a backend from its JSON parameters.
type Factory interface {
	Build(ctx context.Context, config json.RawMessage) (Interface, error)
	Valid(config json.RawMessage) error
}

func Register(name string, impl Factory) {
	regLock.Lock()
	defer regLock.Unlock()

	registry[name] = impl
}

func Get(name string) (Factory, bool) {
	regLock.RLock()
	defer regLock.RUnlock()
	result, ok := registry[name]
	return result, ok
}

func Methods() []string {
	regLock.RLock()
	defer regLock.RUnlock()
	var result []string
	for method := range registry {
		result = append(result, method)
	}
	sort.Strings(result)
	return result
}

// Config selects a backend by name and carries its parameters verbatim.
type Config struct {
	Backend    string          `json:"backend"`
	Parameters json.RawMessage `json:"parameters"`
}

func (c Config) Valid() error {
	var errs []error

	if len(c.Backend) == 0 {
		errs = append(errs, ErrNoBackend)
	}

	fac, ok := Get(c.Backend)
	switch ok {
	case true:
		if err := fac.Valid(c.Parameters); err != nil {
			errs = append(errs, err)
		}
	case false:
		errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownBackend, c.Backend))
	}

	if len(errs) != 0 {
		return errors.Join(errs...)
	}

	return nil
}

// Build validates the configuration and constructs the backend it names.
// Backends that run background cleanup stop when ctx is cancelled.
func (c Config) Build(ctx context.Context) (Interface, error) {
	if err := c.Valid(); err != nil {
		return nil, err
	}

	fac, _ := Get(c.Backend)
	return fac.Build(ctx, c.Parameters)
}
