package executor

import (
	"context"
	"time"

	"github.com/loomwork/loom"
)

// Hook observes every invocation that passes through the chokepoint.
// BeforeCall runs after the debugger has released the call; AfterCall runs on
// the guaranteed-cleanup path, so it fires even when the method panicked.
// Hooks run on the caller's goroutine and should return quickly.
type Hook interface {
	BeforeCall(ctx context.Context, unit, method string, args loom.Payload)
	AfterCall(ctx context.Context, unit, method string, result any, duration time.Duration, err error)
}

// NopHook is a Hook that does nothing. Embed it to implement only the
// callbacks you care about.
type NopHook struct{}

func (NopHook) BeforeCall(context.Context, string, string, loom.Payload) {}

func (NopHook) AfterCall(context.Context, string, string, any, time.Duration, error) {}
