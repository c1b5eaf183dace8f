// Package debug is the interactive debugger: it intercepts invocations on the
// executor chokepoint, records execution frames, evaluates breakpoints and
// can hold the calling goroutine until an operator resumes or steps.
package debug

import (
	"log/slog"
	"sync"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"

	"github.com/loomwork/loom"
	"github.com/loomwork/loom/internal/ring"
	"github.com/loomwork/loom/pkg/slogx"
	"github.com/loomwork/loom/pkg/uuidx"
)

// State is the debugger's operating mode.
type State string

const (
	StateDisabled State = "disabled"
	StateRunning  State = "running"
	StatePaused   State = "paused"
)

// DefaultTraceLimit bounds the execution trace when no limit is configured.
const DefaultTraceLimit = 256

// Frame is a recorded snapshot of one dispatched call. Payload and Locals
// are deep copies taken at dispatch time; inspecting them while the dispatch
// is paused cannot observe or cause mutation.
type Frame struct {
	ID        uuid.UUID       `json:"id"`
	Unit      string          `json:"unit"`
	Method    string          `json:"method"`
	Payload   loom.Payload    `json:"payload,omitempty"`
	Locals    loom.Payload    `json:"locals,omitempty"`
	Timestamp strfmt.DateTime `json:"timestamp"`
}

// Debugger intercepts the executor call path. The zero value is unusable;
// construct with New. A new debugger starts Disabled.
type Debugger struct {
	mu        sync.Mutex
	cond      *sync.Cond
	state     State
	enabled   bool
	stepArmed bool
	paused    int
	current   *Frame

	breakpoints *haxmap.Map[string, *Breakpoint]
	trace       *ring.Buffer[Frame]
	log         *slog.Logger
}

func New(traceLimit int) *Debugger {
	if traceLimit <= 0 {
		traceLimit = DefaultTraceLimit
	}
	d := &Debugger{
		state:       StateDisabled,
		breakpoints: haxmap.New[string, *Breakpoint](),
		trace:       ring.New[Frame](traceLimit),
		log:         slog.With(slogx.LoggerName("debugger")),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Enable arms interception.
func (d *Debugger) Enable() {
	d.mu.Lock()
	d.enabled = true
	d.state = StateRunning
	d.mu.Unlock()
}

// Disable stops interception and releases every goroutine currently paused,
// so tearing the debugger down can never leave a caller blocked forever.
func (d *Debugger) Disable() {
	d.mu.Lock()
	d.enabled = false
	d.state = StateDisabled
	d.cond.Broadcast()
	d.mu.Unlock()
}

// State reports the current operating mode.
func (d *Debugger) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Intercept runs on every dispatch through the executor chokepoint, before
// the unit method executes. It records a frame, accounts breakpoint hits and
// blocks the calling goroutine while a break is in effect.
func (d *Debugger) Intercept(unit, method string, args, locals loom.Payload) {
	d.mu.Lock()
	enabled := d.enabled
	d.mu.Unlock()
	if !enabled {
		return
	}

	frame := Frame{
		ID:        uuidx.New(),
		Unit:      unit,
		Method:    method,
		Payload:   args.Clone(),
		Locals:    locals.Clone(),
		Timestamp: strfmt.DateTime(time.Now()),
	}
	d.trace.Append(frame)

	shouldBreak := false
	if bp, ok := d.breakpoints.Get(breakpointKey(unit, method)); ok && bp.Enabled() {
		bp.hits.Add(1)
		if bp.Condition == "" {
			shouldBreak = true
		} else {
			// Evaluation failure fails open to a break, never a silent skip.
			shouldBreak = EvalCondition(bp.Condition, args)
		}
	}

	d.mu.Lock()
	if d.stepArmed {
		shouldBreak = true
		d.stepArmed = false
	}
	if !shouldBreak || !d.enabled {
		d.mu.Unlock()
		return
	}

	d.log.Info("paused", slogx.Unit(unit), slogx.Method(method))
	d.state = StatePaused
	d.current = &frame
	d.paused++
	for d.state == StatePaused && d.enabled {
		d.cond.Wait()
	}
	d.paused--
	if d.paused == 0 {
		d.current = nil
	}
	d.mu.Unlock()
}

// Continue resumes normal execution.
func (d *Debugger) Continue() {
	d.mu.Lock()
	if d.state == StatePaused {
		d.state = StateRunning
		d.cond.Broadcast()
	}
	d.mu.Unlock()
}

// Step resumes execution and arms a one-shot break on the very next dispatch
// of any unit or method.
func (d *Debugger) Step() {
	d.mu.Lock()
	if d.state == StatePaused {
		d.stepArmed = true
		d.state = StateRunning
		d.cond.Broadcast()
	}
	d.mu.Unlock()
}

// CurrentFrame returns a copy of the frame currently paused, if any. Safe to
// call concurrently with the paused goroutine; the frame holds snapshots, not
// live state.
func (d *Debugger) CurrentFrame() (Frame, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current == nil {
		return Frame{}, false
	}
	return *d.current, true
}

// Trace returns up to limit recorded frames, most recent first.
func (d *Debugger) Trace(limit int) []Frame {
	return d.trace.Newest(limit)
}
