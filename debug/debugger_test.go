package debug

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomwork/loom"
)

func TestDisabledDebuggerIsPassThrough(t *testing.T) {
	d := New(16)

	done := make(chan struct{})
	go func() {
		d.Intercept("Echo", "reflect", loom.Payload{"x": 5}, nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled debugger blocked a call")
	}
	assert.Empty(t, d.Trace(0), "disabled debugger records nothing")
}

func TestUnconditionalBreakpointPausesUntilContinue(t *testing.T) {
	d := New(16)
	d.Enable()
	_, err := d.AddBreakpoint("Echo", "reflect", "")
	require.NoError(t, err)

	released := make(chan struct{})
	go func() {
		d.Intercept("Echo", "reflect", loom.Payload{"x": 5}, nil)
		close(released)
	}()

	require.Eventually(t, func() bool {
		return d.State() == StatePaused
	}, time.Second, 5*time.Millisecond)

	select {
	case <-released:
		t.Fatal("call resumed without Continue")
	case <-time.After(50 * time.Millisecond):
	}

	frame, ok := d.CurrentFrame()
	require.True(t, ok)
	assert.Equal(t, "Echo", frame.Unit)
	assert.Equal(t, "reflect", frame.Method)
	assert.Equal(t, float64(5), frame.Payload["x"])

	d.Continue()
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("Continue did not release the paused call")
	}

	_, ok = d.CurrentFrame()
	assert.False(t, ok, "no current frame once resumed")
}

func TestConditionGatesPause(t *testing.T) {
	d := New(16)
	d.Enable()
	bp, err := d.AddBreakpoint("Orders", "process", "amount > 100")
	require.NoError(t, err)

	// Below the threshold: hit counted, no pause.
	done := make(chan struct{})
	go func() {
		d.Intercept("Orders", "process", loom.Payload{"amount": 50}, nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("non-matching condition paused the call")
	}
	assert.Equal(t, int64(1), bp.Hits())
	assert.Equal(t, StateRunning, d.State())

	// Above the threshold: pauses until Continue.
	released := make(chan struct{})
	go func() {
		d.Intercept("Orders", "process", loom.Payload{"amount": 150}, nil)
		close(released)
	}()
	require.Eventually(t, func() bool {
		return d.State() == StatePaused
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(2), bp.Hits())

	d.Continue()
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("Continue did not release the paused call")
	}
}

func TestStepArmsOneShotBreak(t *testing.T) {
	d := New(16)
	d.Enable()
	_, err := d.AddBreakpoint("Echo", "reflect", "")
	require.NoError(t, err)

	first := make(chan struct{})
	go func() {
		d.Intercept("Echo", "reflect", nil, nil)
		close(first)
	}()
	require.Eventually(t, func() bool { return d.State() == StatePaused }, time.Second, 5*time.Millisecond)

	d.Step()
	<-first

	// The very next dispatch pauses even with no breakpoint on it.
	second := make(chan struct{})
	go func() {
		d.Intercept("Other", "anything", nil, nil)
		close(second)
	}()
	require.Eventually(t, func() bool { return d.State() == StatePaused }, time.Second, 5*time.Millisecond)

	d.Continue()
	<-second

	// Step mode was one-shot: a further dispatch runs through.
	done := make(chan struct{})
	go func() {
		d.Intercept("Other", "anything", nil, nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("step mode was not one-shot")
	}
}

func TestDisableReleasesPausedCallers(t *testing.T) {
	d := New(16)
	d.Enable()
	_, err := d.AddBreakpoint("Echo", "reflect", "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Intercept("Echo", "reflect", nil, nil)
		}()
	}
	require.Eventually(t, func() bool { return d.State() == StatePaused }, time.Second, 5*time.Millisecond)

	d.Disable()

	released := make(chan struct{})
	go func() {
		wg.Wait()
		close(released)
	}()
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("Disable left callers blocked")
	}
	assert.Equal(t, StateDisabled, d.State())
}

func TestBreakpointLifecycle(t *testing.T) {
	d := New(16)

	_, err := d.AddBreakpoint("Echo", "reflect", "amount >")
	assert.Error(t, err, "malformed conditions are rejected up front")

	bp, err := d.AddBreakpoint("Echo", "reflect", "amount > 10")
	require.NoError(t, err)

	list := d.ListBreakpoints()
	require.Len(t, list, 1)
	assert.Equal(t, "Echo", list[0].Unit)
	assert.True(t, list[0].Enabled)

	bp.SetEnabled(false)
	d.Enable()
	done := make(chan struct{})
	go func() {
		d.Intercept("Echo", "reflect", loom.Payload{"amount": 50}, nil)
		close(done)
	}()
	<-done
	assert.Equal(t, int64(0), bp.Hits(), "disabled breakpoints do not count hits")

	assert.True(t, d.RemoveBreakpoint("Echo", "reflect"))
	assert.False(t, d.RemoveBreakpoint("Echo", "reflect"))

	_, err = d.AddBreakpoint("", "reflect", "")
	assert.Error(t, err)
}

func TestTraceRecordsDispatches(t *testing.T) {
	d := New(2)
	d.Enable()

	d.Intercept("A", "m1", loom.Payload{"i": 1}, nil)
	d.Intercept("B", "m2", loom.Payload{"i": 2}, nil)
	d.Intercept("C", "m3", loom.Payload{"i": 3}, nil)

	trace := d.Trace(0)
	require.Len(t, trace, 2, "trace is bounded")
	assert.Equal(t, "C", trace[0].Unit, "newest first")
	assert.Equal(t, "B", trace[1].Unit)
}

func TestFrameSnapshotIsDetached(t *testing.T) {
	d := New(4)
	d.Enable()

	payload := loom.Payload{"x": 1}
	d.Intercept("Echo", "reflect", payload, nil)
	payload["x"] = 999

	trace := d.Trace(1)
	require.Len(t, trace, 1)
	assert.Equal(t, float64(1), trace[0].Payload["x"], "frame holds a deep copy")
}
