// Package executor hosts the runtime: it loads unit definitions, instantiates
// them, wires the bus and router, and funnels every invocation through a
// single chokepoint where the debugger, the invocation log, the hooks and the
// health monitor all attach.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fogfish/opts"
	"github.com/go-openapi/strfmt"
	json "github.com/goccy/go-json"

	"github.com/loomwork/loom"
	"github.com/loomwork/loom/bus"
	"github.com/loomwork/loom/debug"
	"github.com/loomwork/loom/events"
	"github.com/loomwork/loom/health"
	"github.com/loomwork/loom/internal/ring"
	"github.com/loomwork/loom/internal/unitset"
	"github.com/loomwork/loom/pkg/errdefs"
	"github.com/loomwork/loom/pkg/slogx"
	"github.com/loomwork/loom/reload"
	"github.com/loomwork/loom/router"
)

// DefaultInvocationLimit bounds the invocation log.
const DefaultInvocationLimit = 1000

// Invocation is one entry in the invocation log.
type Invocation struct {
	Unit      string          `json:"unit"`
	Method    string          `json:"method"`
	Timestamp strfmt.DateTime `json:"timestamp"`
	Duration  time.Duration   `json:"duration"`
	Success   bool            `json:"success"`
	Error     string          `json:"error,omitempty"`
}

// Stats is the runtime snapshot returned by GetStats. Bus is nil when the bus
// was not enabled at start.
type Stats struct {
	Running bool       `json:"running"`
	Units   int        `json:"units"`
	Bus     *bus.Stats `json:"bus,omitempty"`
}

// NodeInfo describes one configured unit and its live state.
type NodeInfo struct {
	Name          string                  `json:"name"`
	Methods       []string                `json:"methods"`
	Subscriptions []loom.SubscriptionDecl `json:"subscriptions,omitempty"`
	Version       int                     `json:"version"`
	LoadedAt      time.Time               `json:"loaded_at"`
	Health        health.Status           `json:"health,omitempty"`
}

// core holds the structures rebuilt on every Start. Swapping the whole set at
// once gives restart its "counters reset" semantics for free.
type core struct {
	units       *unitset.Set
	bus         *bus.Broker
	router      *router.Router
	health      *health.Monitor
	debugger    *debug.Debugger
	reloader    *reload.Manager
	invocations *ring.Buffer[Invocation]
}

// Runtime is the executor. Configure it with the With* options, then Start.
type Runtime struct {
	loader loom.Loader
	log    *slog.Logger

	busEnabled      bool
	historyLimit    int
	healthEnabled   bool
	healthCfg       health.Config
	autoRestart     bool
	restartCfg      health.RestartConfig
	debugEnabled    bool
	traceLimit      int
	invocationLimit int
	engine          router.MigrationEngine
	hooks           []Hook

	mu      sync.Mutex
	running atomic.Bool
	live    atomic.Pointer[core]
}

// New builds a Runtime around the loader. Nothing is instantiated until
// Start.
func New(loader loom.Loader, options ...opts.Option[Runtime]) (*Runtime, error) {
	if loader == nil {
		return nil, fmt.Errorf("loader cannot be nil")
	}
	r := &Runtime{
		loader:          loader,
		log:             slog.With(slogx.LoggerName("executor")),
		historyLimit:    bus.DefaultHistoryLimit,
		traceLimit:      debug.DefaultTraceLimit,
		invocationLimit: DefaultInvocationLimit,
	}
	if err := opts.Apply(r, options); err != nil {
		return nil, err
	}
	return r, nil
}

// Start loads the definitions, instantiates the units and wires the enabled
// subsystems. A definition that fails to instantiate is logged and skipped,
// never fatal. Stop followed by Start rebuilds the same set of units from the
// same definitions, with fresh counters.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return errdefs.NewConflict("runtime is already running")
	}

	defs, err := r.loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading unit definitions: %w", err)
	}

	c := &core{
		units:       unitset.NewSet(),
		invocations: ring.New[Invocation](r.invocationLimit),
	}

	for _, def := range defs {
		factory, err := r.loader.Resolve(def.Name)
		if err != nil {
			r.log.Warn("skipping unit, no implementation", slogx.Unit(def.Name), slogx.Error(err))
			continue
		}
		entry, err := unitset.NewEntry(def, factory)
		if err != nil {
			r.log.Warn("skipping unit, instantiation failed", slogx.Unit(def.Name), slogx.Error(err))
			continue
		}
		c.units.Swap(entry)
	}

	if r.busEnabled {
		c.bus = bus.New(r.historyLimit)
	}
	c.router = router.New(r.dispatch, r.engine)
	c.units.ForEach(func(name string, entry *unitset.Entry) bool {
		c.router.Register(name, entry.Def.Subscriptions)
		return true
	})
	if c.bus != nil {
		c.router.BindTo(c.bus)
	}

	c.reloader = reload.NewManager(c.units, r.loader)

	if r.healthEnabled {
		c.health = health.NewMonitor(r.healthCfg)
		if r.autoRestart {
			c.health.EnableAutoRestart(restarter{c.reloader}, health.NewRestartPolicy(r.restartCfg))
		}
	}

	if r.debugEnabled {
		c.debugger = debug.New(r.traceLimit)
		c.debugger.Enable()
	}

	r.live.Store(c)
	r.running.Store(true)
	r.log.Info("runtime started",
		slog.Int("units", c.units.Len()),
		slog.Bool("bus", c.bus != nil),
		slog.Bool("health", c.health != nil),
		slog.Bool("debugger", c.debugger != nil),
	)
	return nil
}

// Stop marks the runtime not-running. In-flight calls finish on their own;
// any goroutine paused at a breakpoint is released. Idempotent.
func (r *Runtime) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running.CompareAndSwap(true, false) {
		return
	}
	if c := r.live.Load(); c != nil && c.debugger != nil {
		c.debugger.Disable()
	}
	r.log.Info("runtime stopped")
}

// CallMethod invokes a unit method directly, bypassing the bus. Every call
// passes through the same chokepoint as bus-driven dispatch.
func (r *Runtime) CallMethod(ctx context.Context, unit, method string, args loom.Payload) (any, error) {
	c, err := r.liveCore("CallMethod")
	if err != nil {
		return nil, err
	}
	return r.invoke(ctx, c, unit, method, args, nil)
}

// Publish forwards an event to the bus.
func (r *Runtime) Publish(ctx context.Context, topic string, payload loom.Payload, source string) error {
	c, err := r.liveCore("Publish")
	if err != nil {
		return err
	}
	if c.bus == nil {
		return errdefs.NewBusDisabled("bus was not enabled at start")
	}

	evt := events.New(topic, payload, source)
	delivered, err := c.bus.Publish(ctx, evt)
	r.log.Info("event published",
		slogx.Topic(topic),
		slog.String("event_id", evt.ID.String()),
		slog.Int("delivered", delivered),
	)
	return err
}

// dispatch is the router's path into the chokepoint, one call per handler of
// a published event.
func (r *Runtime) dispatch(ctx context.Context, unit, method string, args loom.Payload, evt *events.Event) (any, error) {
	c, err := r.liveCore("dispatch")
	if err != nil {
		return nil, err
	}
	return r.invoke(ctx, c, unit, method, args, evt)
}

// invoke is the single chokepoint. The deferred block is the guaranteed
// cleanup path: duration, the invocation log entry, health accounting and the
// AfterCall hooks all happen there, panic or not. A recorded duration is
// never zero.
func (r *Runtime) invoke(ctx context.Context, c *core, unit, method string, args loom.Payload, evt *events.Event) (result any, err error) {
	start := time.Now()
	tracked := false

	defer func() {
		if p := recover(); p != nil {
			result = nil
			err = errdefs.NewInternal(fmt.Sprintf("unit %q method %q panicked: %v", unit, method, p), nil)
		}
		duration := time.Since(start)
		if duration <= 0 {
			duration = time.Nanosecond
		}

		rec := Invocation{
			Unit:      unit,
			Method:    method,
			Timestamp: strfmt.DateTime(start),
			Duration:  duration,
			Success:   err == nil,
		}
		if err != nil {
			rec.Error = err.Error()
		}
		c.invocations.Append(rec)

		if tracked && c.health != nil {
			if err != nil {
				c.health.RecordFailure(unit, err)
			} else {
				c.health.RecordSuccess(unit)
			}
		}
		for _, h := range r.hooks {
			h.AfterCall(ctx, unit, method, result, duration, err)
		}

		r.log.Debug("invocation",
			slogx.Unit(unit),
			slogx.Method(method),
			slogx.Duration(duration),
			slog.Bool("success", err == nil),
		)
	}()

	entry, ok := c.units.Get(unit)
	if !ok {
		return nil, errdefs.NewUnitNotFound(unit)
	}
	inv, ok := entry.Methods[method]
	if !ok {
		return nil, errdefs.NewMethodNotFound(unit, method)
	}
	// A resolved method counts toward the unit's health; failed lookups do
	// not poison a unit's error rate.
	tracked = true

	if c.debugger != nil {
		c.debugger.Intercept(unit, method, args, localsOf(entry))
	}
	for _, h := range r.hooks {
		h.BeforeCall(ctx, unit, method, args)
	}

	result, err = inv(ctx, args, evt)
	return result, err
}

// localsOf snapshots the instance state for the debugger, best effort.
func localsOf(entry *unitset.Entry) loom.Payload {
	exporter, ok := entry.Instance.(loom.StateExporter)
	if !ok {
		return nil
	}
	blob, err := exporter.ExportState()
	if err != nil {
		return nil
	}
	var locals loom.Payload
	if err := json.Unmarshal(blob, &locals); err != nil {
		return nil
	}
	return locals
}

func (r *Runtime) liveCore(op string) (*core, error) {
	if !r.running.Load() {
		return nil, errdefs.NewNotRunning(op + " requires a started runtime")
	}
	c := r.live.Load()
	if c == nil {
		return nil, errdefs.NewNotRunning(op + " requires a started runtime")
	}
	return c, nil
}

// GetStats reports the running flag, unit count and bus counters if enabled.
// Valid before Start and after Stop; counters survive Stop until the next
// Start.
func (r *Runtime) GetStats() Stats {
	stats := Stats{Running: r.running.Load()}
	c := r.live.Load()
	if c == nil {
		return stats
	}
	stats.Units = c.units.Len()
	if c.bus != nil {
		s := c.bus.Stats()
		stats.Bus = &s
	}
	return stats
}

// GetAllNodes lists every live unit with its methods, subscriptions, version
// and health status when monitoring is enabled.
func (r *Runtime) GetAllNodes() []NodeInfo {
	c := r.live.Load()
	if c == nil {
		return nil
	}

	var nodes []NodeInfo
	c.units.ForEach(func(name string, entry *unitset.Entry) bool {
		info := NodeInfo{
			Name:          name,
			Subscriptions: entry.Def.Subscriptions,
			Version:       entry.Version,
			LoadedAt:      entry.LoadedAt,
		}
		for method := range entry.Methods {
			info.Methods = append(info.Methods, method)
		}
		slices.Sort(info.Methods)
		if c.health != nil {
			if m, ok := c.health.GetMetrics(name); ok {
				info.Health = m.Status
			} else {
				info.Health = health.StatusHealthy
			}
		}
		nodes = append(nodes, info)
		return true
	})
	slices.SortFunc(nodes, func(a, b NodeInfo) int {
		return strings.Compare(a.Name, b.Name)
	})
	return nodes
}

// Invocations returns up to limit invocation log entries, most recent first.
// A non-positive limit returns everything retained.
func (r *Runtime) Invocations(limit int) []Invocation {
	c := r.live.Load()
	if c == nil {
		return nil
	}
	return c.invocations.Newest(limit)
}

// Bus returns the live broker, nil when the bus is disabled or the runtime
// never started.
func (r *Runtime) Bus() *bus.Broker {
	if c := r.live.Load(); c != nil {
		return c.bus
	}
	return nil
}

// Router returns the live event router.
func (r *Runtime) Router() *router.Router {
	if c := r.live.Load(); c != nil {
		return c.router
	}
	return nil
}

// Health returns the live monitor, nil when monitoring is disabled.
func (r *Runtime) Health() *health.Monitor {
	if c := r.live.Load(); c != nil {
		return c.health
	}
	return nil
}

// Debugger returns the live debugger, nil when it is disabled.
func (r *Runtime) Debugger() *debug.Debugger {
	if c := r.live.Load(); c != nil {
		return c.debugger
	}
	return nil
}

// Reloader returns the live hot reload manager.
func (r *Runtime) Reloader() *reload.Manager {
	if c := r.live.Load(); c != nil {
		return c.reloader
	}
	return nil
}

// restarter adapts the reload manager to the health monitor's restart
// contract. Restarts preserve state so a recovered unit keeps its history.
type restarter struct {
	m *reload.Manager
}

func (r restarter) Restart(ctx context.Context, unit string) error {
	_, err := r.m.ReloadUnit(ctx, unit, true)
	return err
}
