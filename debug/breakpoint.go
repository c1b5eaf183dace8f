package debug

import (
	"sync/atomic"

	"github.com/loomwork/loom/pkg/errdefs"
)

// Breakpoint pauses execution at one unit/method, optionally guarded by a
// payload predicate. The hit counter is mutated only on the dispatch path.
type Breakpoint struct {
	Unit      string
	Method    string
	Condition string

	enabled atomic.Bool
	hits    atomic.Int64
}

func breakpointKey(unit, method string) string {
	return unit + "." + method
}

func (b *Breakpoint) Enabled() bool {
	return b.enabled.Load()
}

// SetEnabled toggles the breakpoint without removing it.
func (b *Breakpoint) SetEnabled(enabled bool) {
	b.enabled.Store(enabled)
}

// Hits reports how many dispatches matched this breakpoint, whether or not
// they paused.
func (b *Breakpoint) Hits() int64 {
	return b.hits.Load()
}

// BreakpointInfo is the operator-facing view of a breakpoint.
type BreakpointInfo struct {
	Unit      string `json:"unit"`
	Method    string `json:"method"`
	Condition string `json:"condition,omitempty"`
	Enabled   bool   `json:"enabled"`
	HitCount  int64  `json:"hit_count"`
}

// AddBreakpoint creates (or replaces) a breakpoint on unit/method. condition
// may be empty for an unconditional break; a malformed condition is rejected
// here rather than failing open on every dispatch.
func (d *Debugger) AddBreakpoint(unit, method, condition string) (*Breakpoint, error) {
	if unit == "" || method == "" {
		return nil, errdefs.NewValidation("breakpoint requires a unit and a method", nil)
	}
	if condition != "" {
		if err := ValidateCondition(condition); err != nil {
			return nil, errdefs.NewValidation("invalid breakpoint condition", err).
				WithContext("condition", condition)
		}
	}

	bp := &Breakpoint{Unit: unit, Method: method, Condition: condition}
	bp.enabled.Store(true)
	d.breakpoints.Set(breakpointKey(unit, method), bp)
	return bp, nil
}

// RemoveBreakpoint deletes the breakpoint on unit/method, reporting whether
// one existed.
func (d *Debugger) RemoveBreakpoint(unit, method string) bool {
	key := breakpointKey(unit, method)
	_, existed := d.breakpoints.Get(key)
	d.breakpoints.Del(key)
	return existed
}

// ClearBreakpoints removes every breakpoint.
func (d *Debugger) ClearBreakpoints() {
	d.breakpoints.ForEach(func(key string, _ *Breakpoint) bool {
		d.breakpoints.Del(key)
		return true
	})
}

// ListBreakpoints returns the current breakpoints with their hit counts.
func (d *Debugger) ListBreakpoints() []BreakpointInfo {
	out := make([]BreakpointInfo, 0, d.breakpoints.Len())
	d.breakpoints.ForEach(func(_ string, bp *Breakpoint) bool {
		out = append(out, BreakpointInfo{
			Unit:      bp.Unit,
			Method:    bp.Method,
			Condition: bp.Condition,
			Enabled:   bp.Enabled(),
			HitCount:  bp.Hits(),
		})
		return true
	})
	return out
}
