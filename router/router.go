// Package router builds the topic→handler table from declarative
// subscription metadata and dispatches inbound events to unit methods. The
// table is produced once at startup from build-time metadata; there is no
// runtime method discovery.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/loomwork/loom"
	"github.com/loomwork/loom/bus"
	"github.com/loomwork/loom/events"
	"github.com/loomwork/loom/pkg/errdefs"
	"github.com/loomwork/loom/pkg/slogx"
)

// Dispatcher is the executor chokepoint the router hands every matched event
// to. Bus-driven invocations pass through the exact same path as direct
// calls, so the debugger and health monitor see them too.
type Dispatcher func(ctx context.Context, unit, method string, args loom.Payload, evt *events.Event) (any, error)

// Binding is one (topic, unit, method) subscription. It doubles as the bus
// subscriber for its topic so the bus delivery counter counts handlers, not
// router hops.
type Binding struct {
	Unit          string
	Method        string
	Topic         string
	SchemaVersion int

	router *Router
}

// ID identifies the binding on the bus; last registration for the same
// (topic, unit, method) wins.
func (b *Binding) ID() string {
	return b.Unit + "." + b.Method
}

// HandleEvent migrates the payload if the handler expects a different schema
// version, then dispatches through the executor chokepoint. A migration
// failure is reported as undeliverable so the bus does not count a delivery
// that never reached the handler.
func (b *Binding) HandleEvent(ctx context.Context, evt events.Event) error {
	if b.SchemaVersion > 0 && evt.SchemaVersion > 0 && b.SchemaVersion != evt.SchemaVersion {
		if b.router.engine == nil {
			return bus.Undeliverable(errdefs.NewNoMigrationPath(evt.Topic, evt.SchemaVersion, b.SchemaVersion).
				WithContext("unit", b.Unit).
				WithContext("method", b.Method))
		}
		migrated, err := b.router.engine.Migrate(ctx, evt.Topic, evt.SchemaVersion, b.SchemaVersion, evt.Payload)
		if err != nil {
			return bus.Undeliverable(fmt.Errorf("migrating %s from v%d to v%d: %w", evt.Topic, evt.SchemaVersion, b.SchemaVersion, err))
		}
		evt.Payload = migrated
		evt.SchemaVersion = b.SchemaVersion
	}
	_, err := b.router.dispatch(ctx, b.Unit, b.Method, evt.Payload, &evt)
	return err
}

// Router owns the subscription table.
type Router struct {
	mu       sync.RWMutex
	table    map[string]*orderedmap.OrderedMap[string, *Binding]
	dispatch Dispatcher
	engine   MigrationEngine
	log      *slog.Logger
}

// New builds a router dispatching through dispatch. engine may be nil; a
// schema-version mismatch is then surfaced as NoMigrationPath instead of
// silently guessed.
func New(dispatch Dispatcher, engine MigrationEngine) *Router {
	return &Router{
		table:    make(map[string]*orderedmap.OrderedMap[string, *Binding]),
		dispatch: dispatch,
		engine:   engine,
		log:      slog.With(slogx.LoggerName("router")),
	}
}

// Register adds a unit's declared subscriptions to the table. Re-registering
// the same (topic, unit, method) replaces the earlier entry.
func (r *Router) Register(unit string, decls []loom.SubscriptionDecl) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, decl := range decls {
		handlers, ok := r.table[decl.Topic]
		if !ok {
			handlers = orderedmap.New[string, *Binding]()
			r.table[decl.Topic] = handlers
		}
		binding := &Binding{
			Unit:          unit,
			Method:        decl.Handler,
			Topic:         decl.Topic,
			SchemaVersion: decl.SchemaVersion,
			router:        r,
		}
		handlers.Set(binding.ID(), binding)
	}
}

// BindTo subscribes every binding on the broker, one bus subscriber per
// (topic, unit, method).
func (r *Router) BindTo(b *bus.Broker) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for topic, handlers := range r.table {
		for pair := handlers.Oldest(); pair != nil; pair = pair.Next() {
			b.Subscribe(topic, pair.Value)
		}
	}
}

// Dispatch fans an event out to every handler of its topic directly, without
// going through the bus. One handler failing does not stop the others and is
// never surfaced to the publisher; it is logged and accounted on the health
// path by the dispatcher. Returns the number of handlers invoked; a binding
// whose migration failed before dispatch is not counted.
func (r *Router) Dispatch(ctx context.Context, evt events.Event) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	r.mu.RLock()
	handlers, ok := r.table[evt.Topic]
	var bindings []*Binding
	if ok {
		bindings = make([]*Binding, 0, handlers.Len())
		for pair := handlers.Oldest(); pair != nil; pair = pair.Next() {
			bindings = append(bindings, pair.Value)
		}
	}
	r.mu.RUnlock()

	invoked := 0
	for _, binding := range bindings {
		if err := binding.HandleEvent(ctx, evt); err != nil {
			r.log.Warn("handler failed",
				slogx.Topic(evt.Topic),
				slogx.Unit(binding.Unit),
				slogx.Method(binding.Method),
				slogx.Error(err),
			)
			if bus.IsUndeliverable(err) {
				continue
			}
		}
		invoked++
	}
	return invoked, nil
}

// Topics returns every topic with at least one handler.
func (r *Router) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.table))
	for topic := range r.table {
		out = append(out, topic)
	}
	return out
}

// HandlerRef describes one registered handler, for operator tooling.
type HandlerRef struct {
	Unit          string `json:"unit"`
	Method        string `json:"method"`
	SchemaVersion int    `json:"schema_version,omitempty"`
}

// HandlersFor returns the handlers registered on a topic in registration
// order.
func (r *Router) HandlersFor(topic string) []HandlerRef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handlers, ok := r.table[topic]
	if !ok {
		return nil
	}
	out := make([]HandlerRef, 0, handlers.Len())
	for pair := handlers.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, HandlerRef{
			Unit:          pair.Value.Unit,
			Method:        pair.Value.Method,
			SchemaVersion: pair.Value.SchemaVersion,
		})
	}
	return out
}
