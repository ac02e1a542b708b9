// Package plugins maps endpoint kinds to the factories that build them.
package plugins

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/srediag/mycelial/api"
)

var (
	ErrUnknownKind   = errors.New("unknown plugin kind")
	ErrInvalidConfig = errors.New("invalid plugin config")
)

// Decoder fills a plugin's parameter struct from configuration. Fields the
// configuration does not mention keep their values.
type Decoder func(v any) error

// NoParams leaves every parameter at its default.
func NoParams(any) error { return nil }

// Factory builds a named plugin.
type Factory func(name string, decode Decoder) (api.Plugin, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register binds kind to f, replacing any earlier factory.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[kind] = f
}

func Known(kind string) bool {
	mu.RLock()
	defer mu.RUnlock()
	_, ok := factories[kind]
	return ok
}

// Kinds lists registered kinds in order.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	kinds := make([]string, 0, len(factories))
	for k := range factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

func New(kind, name string, decode Decoder) (api.Plugin, error) {
	mu.RLock()
	f, ok := factories[kind]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if decode == nil {
		decode = NoParams
	}
	return f(name, decode)
}

// Invalid wraps a configuration problem found by a factory.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}
