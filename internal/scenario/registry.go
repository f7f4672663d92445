package scenario

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gr-harness/grh/internal/bridge"
	"github.com/gr-harness/grh/internal/config"
)

// Factory builds one scenario bound to a bridge and configuration.
type Factory func(b bridge.Bridge, cfg *config.Config) (Scenario, error)

var (
	registryMu sync.RWMutex
	factories  = map[string]Factory{}
)

// Register makes a scenario constructor available under name. It is meant
// to be called from package init; duplicate or empty registrations panic.
func Register(name string, factory Factory) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		panic("scenario: Register with empty name")
	}
	if factory == nil {
		panic("scenario: Register with nil factory for " + name)
	}

	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := factories[name]; dup {
		panic("scenario: Register called twice for " + name)
	}
	factories[name] = factory
}

// New resolves a registered scenario by name at startup.
func New(name string, b bridge.Bridge, cfg *config.Config) (Scenario, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))

	registryMu.RLock()
	factory, ok := factories[normalized]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown scenario %q (registered: %s)", name, strings.Join(Names(), ", "))
	}
	return factory(b, cfg)
}

// Names returns the registered scenario names in deterministic order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
