// Package unitset turns unit definitions into live entries: it instantiates
// the implementation through its factory, builds the method capability table
// once, and stores the entries in the shared registry the executor and the
// reload manager both operate on.
package unitset

import (
	"context"
	"fmt"
	"time"

	"github.com/loomwork/loom"
	"github.com/loomwork/loom/events"
	"github.com/loomwork/loom/internal/registry"
)

// Invoker is the canonical method shape every accepted handler arity is
// adapted to. evt is non-nil only for bus-driven dispatches.
type Invoker func(ctx context.Context, args loom.Payload, evt *events.Event) (any, error)

// Entry is one live unit: its read-only definition, the current instance and
// the capability table built at instantiation. Entries are immutable after
// construction; a reload installs a whole new entry.
type Entry struct {
	Def      loom.Definition
	Instance loom.Instance
	Methods  map[string]Invoker
	Version  int
	LoadedAt time.Time
}

// NewEntry instantiates def through factory and builds the capability table.
// Methods declared in the definition but absent from the instance are an
// instantiation error; undeclared extra methods are kept, matching a
// definition list that lags the implementation.
func NewEntry(def loom.Definition, factory loom.Factory) (*Entry, error) {
	if factory == nil {
		return nil, fmt.Errorf("unit %q has no factory", def.Name)
	}
	instance, err := factory()
	if err != nil {
		return nil, fmt.Errorf("instantiating unit %q: %w", def.Name, err)
	}
	if instance == nil {
		return nil, fmt.Errorf("factory for unit %q returned a nil instance", def.Name)
	}

	methods := make(map[string]Invoker)
	for name, raw := range instance.Methods() {
		inv, err := adapt(raw)
		if err != nil {
			return nil, fmt.Errorf("unit %q method %q: %w", def.Name, name, err)
		}
		methods[name] = inv
	}
	for _, declared := range def.Methods {
		if _, ok := methods[declared]; !ok {
			return nil, fmt.Errorf("unit %q declares method %q but the instance does not provide it", def.Name, declared)
		}
	}

	return &Entry{
		Def:      def,
		Instance: instance,
		Methods:  methods,
		Version:  1,
		LoadedAt: time.Now(),
	}, nil
}

// NextEntry builds a replacement entry for a reload, carrying the version
// marker forward.
func NextEntry(prev *Entry, factory loom.Factory) (*Entry, error) {
	next, err := NewEntry(prev.Def, factory)
	if err != nil {
		return nil, err
	}
	next.Version = prev.Version + 1
	return next, nil
}

// adapt maps the three accepted handler shapes onto Invoker. This is a plain
// type switch, not reflection; unsupported shapes fail at instantiation time.
func adapt(raw any) (Invoker, error) {
	switch fn := raw.(type) {
	case func(context.Context) (any, error):
		return func(ctx context.Context, _ loom.Payload, _ *events.Event) (any, error) {
			return fn(ctx)
		}, nil
	case func(context.Context, loom.Payload) (any, error):
		return func(ctx context.Context, args loom.Payload, evt *events.Event) (any, error) {
			if args == nil && evt != nil {
				args = evt.Payload
			}
			return fn(ctx, args)
		}, nil
	case func(context.Context, events.Event) (any, error):
		return func(ctx context.Context, args loom.Payload, evt *events.Event) (any, error) {
			if evt == nil {
				// Direct calls still reach full-event handlers; wrap the
				// args in a synthetic unpublished event.
				e := events.New("", args, "direct")
				return fn(ctx, e)
			}
			return fn(ctx, *evt)
		}, nil
	default:
		return nil, fmt.Errorf("unsupported method shape %T", raw)
	}
}

// Set is the registry of live entries. Exactly one entry answers to a name at
// any time; Swap relies on the registry's atomic per-key replacement.
type Set struct {
	entries registry.Registry[*Entry]
}

func NewSet() *Set {
	return &Set{entries: registry.New[*Entry]()}
}

func (s *Set) Get(name string) (*Entry, bool) {
	return s.entries.Get(name)
}

// Swap installs entry as the one live instance for its unit name.
func (s *Set) Swap(entry *Entry) {
	s.entries.Set(entry.Def.Name, entry)
}

func (s *Set) Len() int {
	return s.entries.Len()
}

func (s *Set) Names() []string {
	return s.entries.Keys()
}

func (s *Set) ForEach(fn func(name string, entry *Entry) bool) {
	s.entries.ForEach(fn)
}

func (s *Set) Clear() {
	s.entries.Clear()
}
