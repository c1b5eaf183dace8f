package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomwork/loom"
	"github.com/loomwork/loom/health"
	"github.com/loomwork/loom/pkg/errdefs"
)

func TestNewRequiresLoader(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}

func TestCallMethodBeforeStart(t *testing.T) {
	rt, err := New(echoLoader(&echoUnit{}))
	require.NoError(t, err)

	_, err = rt.CallMethod(context.Background(), "Echo", "reflect", loom.Payload{"x": 5})
	assert.True(t, errdefs.IsNotRunning(err))

	err = rt.Publish(context.Background(), "/test", loom.Payload{"x": 5}, "test")
	assert.True(t, errdefs.IsNotRunning(err))
}

func TestEchoEndToEnd(t *testing.T) {
	unit := &echoUnit{}
	rt, err := New(echoLoader(unit), WithBus())
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))
	defer rt.Stop()

	result, err := rt.CallMethod(context.Background(), "Echo", "reflect", loom.Payload{"x": 5})
	require.NoError(t, err)
	assert.Equal(t, 5, result)

	require.NoError(t, rt.Publish(context.Background(), "/test", loom.Payload{"x": 5}, "test"))
	assert.Equal(t, 1, unit.eventCount())

	stats := rt.GetStats()
	assert.True(t, stats.Running)
	assert.Equal(t, 1, stats.Units)
	require.NotNil(t, stats.Bus)
	assert.Equal(t, uint64(1), stats.Bus.Published)
	assert.Equal(t, uint64(1), stats.Bus.Delivered)

	history := rt.Bus().History(0)
	require.Len(t, history, 1)
	assert.Equal(t, "/test", history[0].Topic)
}

func TestPublishWithoutSubscribers(t *testing.T) {
	rt, err := New(echoLoader(&echoUnit{}), WithBus())
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))
	defer rt.Stop()

	require.NoError(t, rt.Publish(context.Background(), "/nobody", loom.Payload{"x": 1}, "test"))

	stats := rt.GetStats()
	require.NotNil(t, stats.Bus)
	assert.Equal(t, uint64(1), stats.Bus.Published)
	assert.Equal(t, uint64(0), stats.Bus.Delivered)
	require.Len(t, rt.Bus().History(0), 1)
}

func TestPublishWithBusDisabled(t *testing.T) {
	rt, err := New(echoLoader(&echoUnit{}))
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))
	defer rt.Stop()

	err = rt.Publish(context.Background(), "/test", loom.Payload{"x": 1}, "test")
	assert.True(t, errdefs.IsBusDisabled(err))
}

func TestCallMethodUnknownTargets(t *testing.T) {
	rt, err := New(echoLoader(&echoUnit{}))
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))
	defer rt.Stop()

	_, err = rt.CallMethod(context.Background(), "Ghost", "reflect", nil)
	assert.True(t, errdefs.IsUnitNotFound(err))

	_, err = rt.CallMethod(context.Background(), "Echo", "missing", nil)
	assert.True(t, errdefs.IsMethodNotFound(err))
}

func TestInvocationLogRecordsDurations(t *testing.T) {
	rt, err := New(echoLoader(&echoUnit{}))
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))
	defer rt.Stop()

	_, err = rt.CallMethod(context.Background(), "Echo", "reflect", loom.Payload{"x": 1})
	require.NoError(t, err)
	_, err = rt.CallMethod(context.Background(), "Echo", "boom", nil)
	require.Error(t, err)

	log := rt.Invocations(0)
	require.Len(t, log, 2)

	// Newest first.
	assert.Equal(t, "boom", log[0].Method)
	assert.False(t, log[0].Success)
	assert.NotEmpty(t, log[0].Error)
	assert.Positive(t, log[0].Duration)

	assert.Equal(t, "reflect", log[1].Method)
	assert.True(t, log[1].Success)
	assert.Empty(t, log[1].Error)
	assert.Positive(t, log[1].Duration)
}

func TestPanicIsContained(t *testing.T) {
	rt, err := New(echoLoader(&echoUnit{}))
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))
	defer rt.Stop()

	result, err := rt.CallMethod(context.Background(), "Echo", "panics", nil)
	require.Error(t, err)
	assert.True(t, errdefs.IsInternal(err))
	assert.Contains(t, err.Error(), "kaboom")
	assert.Nil(t, result)

	log := rt.Invocations(1)
	require.Len(t, log, 1)
	assert.False(t, log[0].Success)
	assert.Positive(t, log[0].Duration)
}

func TestFailingHandlerDoesNotStopSiblings(t *testing.T) {
	loader := loom.NewStaticLoader()
	unit := &echoUnit{}
	loader.Add(echoDefinition(), func() (loom.Instance, error) { return unit, nil })
	loader.Add(loom.Definition{
		Name: "Flaky",
		Subscriptions: []loom.SubscriptionDecl{
			{Topic: "/test", Handler: "boom"},
		},
	}, func() (loom.Instance, error) { return &echoUnit{}, nil })

	rt, err := New(loader, WithBus())
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))
	defer rt.Stop()

	require.NoError(t, rt.Publish(context.Background(), "/test", loom.Payload{"x": 1}, "test"))
	assert.Equal(t, 1, unit.eventCount(), "the healthy subscriber still ran")
}

func TestStartSkipsBrokenUnits(t *testing.T) {
	loader := echoLoader(&echoUnit{})
	loader.Add(loom.Definition{Name: "Broken"}, func() (loom.Instance, error) {
		return nil, errors.New("no such class")
	})

	rt, err := New(loader)
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))
	defer rt.Stop()

	assert.Equal(t, 1, rt.GetStats().Units)
	_, err = rt.CallMethod(context.Background(), "Echo", "reflect", loom.Payload{"x": 1})
	assert.NoError(t, err)
}

func TestStartTwice(t *testing.T) {
	rt, err := New(echoLoader(&echoUnit{}))
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))
	defer rt.Stop()

	assert.True(t, errdefs.IsConflict(rt.Start(context.Background())))
}

func TestStopThenStartResetsCounters(t *testing.T) {
	rt, err := New(echoLoader(&echoUnit{}), WithBus())
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))

	require.NoError(t, rt.Publish(context.Background(), "/test", loom.Payload{"x": 1}, "test"))
	require.Equal(t, uint64(1), rt.GetStats().Bus.Published)

	rt.Stop()
	rt.Stop() // idempotent
	assert.False(t, rt.GetStats().Running)
	// Counters survive until the next Start.
	assert.Equal(t, uint64(1), rt.GetStats().Bus.Published)

	require.NoError(t, rt.Start(context.Background()))
	defer rt.Stop()

	stats := rt.GetStats()
	assert.True(t, stats.Running)
	assert.Equal(t, 1, stats.Units)
	assert.Equal(t, uint64(0), stats.Bus.Published)

	_, err = rt.CallMethod(context.Background(), "Echo", "reflect", loom.Payload{"x": 2})
	assert.NoError(t, err)
}

func TestHooksWrapEveryInvocation(t *testing.T) {
	hook := &recordingHook{}
	rt, err := New(echoLoader(&echoUnit{}), WithHooks(hook))
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))
	defer rt.Stop()

	_, _ = rt.CallMethod(context.Background(), "Echo", "reflect", loom.Payload{"x": 1})
	_, _ = rt.CallMethod(context.Background(), "Echo", "boom", nil)

	before := hook.beforeCalls()
	require.Len(t, before, 2)
	assert.Equal(t, "reflect", before[0].Method)

	after := hook.afterCalls()
	require.Len(t, after, 2)
	assert.NoError(t, after[0].Err)
	assert.Error(t, after[1].Err)
	assert.Positive(t, after[1].Duration)
}

func TestAfterCallHookFiresOnPanic(t *testing.T) {
	hook := &recordingHook{}
	rt, err := New(echoLoader(&echoUnit{}), WithHooks(hook))
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))
	defer rt.Stop()

	_, err = rt.CallMethod(context.Background(), "Echo", "panics", nil)
	require.Error(t, err)

	after := hook.afterCalls()
	require.Len(t, after, 1)
	assert.Error(t, after[0].Err)
}

func TestHealthTracksOutcomes(t *testing.T) {
	rt, err := New(echoLoader(&echoUnit{}), WithHealthMonitoring(health.DefaultConfig()))
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))
	defer rt.Stop()

	_, _ = rt.CallMethod(context.Background(), "Echo", "reflect", loom.Payload{"x": 1})
	_, _ = rt.CallMethod(context.Background(), "Echo", "boom", nil)

	m, ok := rt.Health().GetMetrics("Echo")
	require.True(t, ok)
	assert.Equal(t, uint64(2), m.Total)
	assert.Equal(t, uint64(1), m.Failures)

	// A method lookup miss is the caller's mistake, not the unit's.
	_, _ = rt.CallMethod(context.Background(), "Echo", "missing", nil)
	m, _ = rt.Health().GetMetrics("Echo")
	assert.Equal(t, uint64(2), m.Total)
}

func TestAutoRestartReloadsFailedUnit(t *testing.T) {
	rt, err := New(echoLoader(&echoUnit{}), WithAutoRestart(health.RestartConfig{
		MaxRestarts:  3,
		Window:       time.Minute,
		InitialDelay: time.Millisecond,
		Multiplier:   1,
	}))
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))
	defer rt.Stop()

	for i := 0; i < health.DefaultConfig().FailureThreshold; i++ {
		_, _ = rt.CallMethod(context.Background(), "Echo", "boom", nil)
	}

	require.Eventually(t, func() bool {
		nodes := rt.GetAllNodes()
		return len(nodes) == 1 && nodes[0].Version == 2
	}, time.Second, 5*time.Millisecond, "the failed unit was reloaded")
}

func TestGetAllNodes(t *testing.T) {
	rt, err := New(echoLoader(&echoUnit{}), WithHealthMonitoring(health.DefaultConfig()))
	require.NoError(t, err)

	assert.Nil(t, rt.GetAllNodes())

	require.NoError(t, rt.Start(context.Background()))
	defer rt.Stop()

	nodes := rt.GetAllNodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, "Echo", nodes[0].Name)
	assert.Contains(t, nodes[0].Methods, "reflect")
	assert.Contains(t, nodes[0].Methods, "onTest")
	assert.Equal(t, 1, nodes[0].Version)
	assert.Equal(t, health.StatusHealthy, nodes[0].Health)
	require.Len(t, nodes[0].Subscriptions, 1)
	assert.Equal(t, "/test", nodes[0].Subscriptions[0].Topic)
}

func TestDebuggerPausesAtBreakpoint(t *testing.T) {
	rt, err := New(echoLoader(&echoUnit{}), WithDebugger())
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))
	defer rt.Stop()

	dbg := rt.Debugger()
	require.NotNil(t, dbg)
	_, err = dbg.AddBreakpoint("Echo", "reflect", "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	results := make(chan any, 1)
	go func() {
		defer wg.Done()
		result, err := rt.CallMethod(context.Background(), "Echo", "reflect", loom.Payload{"x": 42})
		require.NoError(t, err)
		results <- result
	}()

	require.Eventually(t, func() bool {
		_, paused := dbg.CurrentFrame()
		return paused
	}, time.Second, 5*time.Millisecond)

	frame, ok := dbg.CurrentFrame()
	require.True(t, ok)
	assert.Equal(t, "Echo", frame.Unit)
	// Frame payloads are JSON round-tripped snapshots.
	assert.Equal(t, float64(42), frame.Payload["x"])

	dbg.Continue()
	wg.Wait()
	assert.Equal(t, 42, <-results)
}

func TestStopReleasesPausedCallers(t *testing.T) {
	rt, err := New(echoLoader(&echoUnit{}), WithDebugger())
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))

	dbg := rt.Debugger()
	_, err = dbg.AddBreakpoint("Echo", "reflect", "")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = rt.CallMethod(context.Background(), "Echo", "reflect", loom.Payload{"x": 1})
	}()

	require.Eventually(t, func() bool {
		_, paused := dbg.CurrentFrame()
		return paused
	}, time.Second, 5*time.Millisecond)

	rt.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("caller still blocked after Stop")
	}
}

func TestInvocationsBeforeStart(t *testing.T) {
	rt, err := New(echoLoader(&echoUnit{}))
	require.NoError(t, err)
	assert.Nil(t, rt.Invocations(0))
	assert.Nil(t, rt.Bus())
	assert.Nil(t, rt.Health())
	assert.Nil(t, rt.Debugger())
	assert.Nil(t, rt.Reloader())
}
