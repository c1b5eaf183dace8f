package loom

import (
	"context"
	"fmt"
	"sync"
)

// Loader is the runtime's view of the external build pipeline. Load returns
// the configured unit definitions; Resolve returns the current factory for a
// unit's implementation. Resolve is called again on every hot reload, so a
// loader backed by real sources hands out a factory for the implementation as
// it exists at that moment.
type Loader interface {
	Load(ctx context.Context) ([]Definition, error)
	Resolve(name string) (Factory, error)
}

// StaticLoader is a Loader wired up in code. It is the binding used by tests,
// examples and embedders that assemble units directly; SetFactory stands in
// for "the backing source changed" when exercising hot reload.
type StaticLoader struct {
	mu        sync.RWMutex
	defs      []Definition
	factories map[string]Factory
}

func NewStaticLoader() *StaticLoader {
	return &StaticLoader{factories: make(map[string]Factory)}
}

// Add registers a definition together with its implementation factory.
// Adding a name twice replaces the earlier registration.
func (l *StaticLoader) Add(def Definition, factory Factory) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.factories[def.Name]; exists {
		for i := range l.defs {
			if l.defs[i].Name == def.Name {
				l.defs[i] = def
				break
			}
		}
	} else {
		l.defs = append(l.defs, def)
	}
	l.factories[def.Name] = factory
}

// SetFactory swaps the implementation factory for an already-registered unit.
func (l *StaticLoader) SetFactory(name string, factory Factory) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.factories[name]; !ok {
		return fmt.Errorf("loader has no unit %q", name)
	}
	l.factories[name] = factory
	return nil
}

func (l *StaticLoader) Load(_ context.Context) ([]Definition, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Definition, len(l.defs))
	copy(out, l.defs)
	return out, nil
}

func (l *StaticLoader) Resolve(name string) (Factory, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	factory, ok := l.factories[name]
	if !ok {
		return nil, fmt.Errorf("loader has no unit %q", name)
	}
	return factory, nil
}
