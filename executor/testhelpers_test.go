package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/loomwork/loom"
	"github.com/loomwork/loom/events"
)

// echoUnit is the canonical fixture: reflect returns its x argument, onTest
// counts bus deliveries, boom always fails, panics always panics.
type echoUnit struct {
	mu     sync.Mutex
	events int
}

func (e *echoUnit) Methods() map[string]any {
	return map[string]any{
		"reflect": func(_ context.Context, args loom.Payload) (any, error) {
			return args["x"], nil
		},
		"onTest": func(_ context.Context, _ events.Event) (any, error) {
			e.mu.Lock()
			e.events++
			e.mu.Unlock()
			return nil, nil
		},
		"boom": func(_ context.Context) (any, error) {
			return nil, errors.New("boom")
		},
		"panics": func(_ context.Context) (any, error) {
			panic("kaboom")
		},
	}
}

func (e *echoUnit) eventCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.events
}

func (e *echoUnit) ExportState() (loom.StateBlob, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return json.Marshal(map[string]int{"events": e.events})
}

func (e *echoUnit) ImportState(blob loom.StateBlob) error {
	var state map[string]int
	if err := json.Unmarshal(blob, &state); err != nil {
		return err
	}
	e.mu.Lock()
	e.events = state["events"]
	e.mu.Unlock()
	return nil
}

func echoDefinition() loom.Definition {
	return loom.Definition{
		Name:    "Echo",
		Methods: []string{"reflect", "onTest"},
		Subscriptions: []loom.SubscriptionDecl{
			{Topic: "/test", Handler: "onTest"},
		},
	}
}

func echoLoader(unit *echoUnit) *loom.StaticLoader {
	loader := loom.NewStaticLoader()
	loader.Add(echoDefinition(), func() (loom.Instance, error) { return unit, nil })
	return loader
}

type hookCall struct {
	Unit     string
	Method   string
	Duration time.Duration
	Err      error
}

// recordingHook captures every chokepoint interception for assertions.
type recordingHook struct {
	mu     sync.Mutex
	before []hookCall
	after  []hookCall
}

func (h *recordingHook) BeforeCall(_ context.Context, unit, method string, _ loom.Payload) {
	h.mu.Lock()
	h.before = append(h.before, hookCall{Unit: unit, Method: method})
	h.mu.Unlock()
}

func (h *recordingHook) AfterCall(_ context.Context, unit, method string, _ any, duration time.Duration, err error) {
	h.mu.Lock()
	h.after = append(h.after, hookCall{Unit: unit, Method: method, Duration: duration, Err: err})
	h.mu.Unlock()
}

func (h *recordingHook) afterCalls() []hookCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]hookCall(nil), h.after...)
}

func (h *recordingHook) beforeCalls() []hookCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]hookCall(nil), h.before...)
}
