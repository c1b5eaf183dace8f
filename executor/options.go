package executor

import (
	"github.com/fogfish/opts"

	"github.com/loomwork/loom/health"
	"github.com/loomwork/loom/router"
)

// WithBus enables the message bus. Without it Publish fails and declared
// subscriptions are only reachable through the router's direct dispatch.
func WithBus() opts.Option[Runtime] {
	return opts.Type[Runtime](func(r *Runtime) error {
		r.busEnabled = true
		return nil
	})
}

// WithHistoryLimit caps the bus event history.
var WithHistoryLimit = opts.ForName[Runtime, int]("historyLimit")

// WithHealthMonitoring enables per-unit health tracking with the given
// thresholds.
func WithHealthMonitoring(cfg health.Config) opts.Option[Runtime] {
	return opts.Type[Runtime](func(r *Runtime) error {
		r.healthEnabled = true
		r.healthCfg = cfg
		return nil
	})
}

// WithAutoRestart makes the health monitor reload a unit that transitions to
// Failed, bounded by the restart policy. Implies health monitoring with
// default thresholds unless WithHealthMonitoring is also given.
func WithAutoRestart(cfg health.RestartConfig) opts.Option[Runtime] {
	return opts.Type[Runtime](func(r *Runtime) error {
		if !r.healthEnabled {
			r.healthEnabled = true
			r.healthCfg = health.DefaultConfig()
		}
		r.autoRestart = true
		r.restartCfg = cfg
		return nil
	})
}

// WithDebugger enables the interactive debugger at start.
func WithDebugger() opts.Option[Runtime] {
	return opts.Type[Runtime](func(r *Runtime) error {
		r.debugEnabled = true
		return nil
	})
}

// WithTraceLimit caps the debugger's execution trace.
var WithTraceLimit = opts.ForName[Runtime, int]("traceLimit")

// WithInvocationLimit caps the invocation log.
var WithInvocationLimit = opts.ForName[Runtime, int]("invocationLimit")

// WithMigrationEngine installs the schema migration engine consulted when a
// subscriber's declared version differs from an event's.
func WithMigrationEngine(engine router.MigrationEngine) opts.Option[Runtime] {
	return opts.Type[Runtime](func(r *Runtime) error {
		r.engine = engine
		return nil
	})
}

// WithHooks appends interception hooks to the chokepoint, run in the order
// given.
func WithHooks(hooks ...Hook) opts.Option[Runtime] {
	return opts.Type[Runtime](func(r *Runtime) error {
		r.hooks = append(r.hooks, hooks...)
		return nil
	})
}
