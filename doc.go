/*
Package loom is a runtime for independently defined units of business logic
that communicate over named topics and can be invoked, supervised, hot-swapped
and debugged while the process is live.

The root package holds the shared vocabulary: unit definitions produced by an
external build pipeline, the Instance contract a live unit satisfies, the
Payload type events and calls carry, and the Loader through which the runtime
resolves implementations.

The runtime itself is assembled from the subpackages:

  - bus: in-memory topic registry with bounded history and delivery counters
  - router: topic subscriptions, handler arity adaptation, schema migration
  - executor: unit lifecycles and the single chokepoint every call passes through
  - reload: hot-swapping a unit's implementation with optional state carry-over
  - health: per-unit status tracking and bounded automatic restarts
  - debug: breakpoints, execution traces and operator-controlled pausing

A minimal runtime:

	loader := loom.NewStaticLoader()
	loader.Add(loom.Definition{
		Name:    "Echo",
		Methods: []string{"reflect"},
	}, func() (loom.Instance, error) { return &Echo{}, nil })

	rt, err := executor.New(loader, executor.WithBus())
	if err != nil {
		return err
	}
	if err := rt.Start(ctx); err != nil {
		return err
	}
	out, err := rt.CallMethod(ctx, "Echo", "reflect", loom.Payload{"x": 5})
*/
package loom
