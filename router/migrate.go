package router

import (
	"context"
	"fmt"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/tidwall/sjson"

	"github.com/loomwork/loom"
	"github.com/loomwork/loom/pkg/errdefs"
)

// MigrationEngine converts an event payload between schema versions before
// dispatch. The runtime treats it as an external collaborator; ChainEngine is
// the binding shipped for in-process use.
type MigrationEngine interface {
	Migrate(ctx context.Context, topic string, from, to int, payload loom.Payload) (loom.Payload, error)
}

// StepFunc rewrites a payload, serialized as JSON, from one schema version to
// the next registered one.
type StepFunc func(payload []byte) ([]byte, error)

type step struct {
	to int
	fn StepFunc
}

const maxMigrationHops = 32

// ChainEngine migrates payloads by composing registered single-step
// migrations. A hop that was never registered surfaces NoMigrationPath; the
// engine never guesses.
type ChainEngine struct {
	mu    sync.RWMutex
	steps map[string]map[int]step
}

func NewChainEngine() *ChainEngine {
	return &ChainEngine{steps: make(map[string]map[int]step)}
}

// RegisterStep declares how payloads on topic move from version `from` to
// version `to`. Only one step per (topic, from) is kept; later registrations
// replace earlier ones.
func (e *ChainEngine) RegisterStep(topic string, from, to int, fn StepFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()

	byFrom, ok := e.steps[topic]
	if !ok {
		byFrom = make(map[int]step)
		e.steps[topic] = byFrom
	}
	byFrom[from] = step{to: to, fn: fn}
}

func (e *ChainEngine) Migrate(_ context.Context, topic string, from, to int, payload loom.Payload) (loom.Payload, error) {
	if from == to {
		return payload, nil
	}

	e.mu.RLock()
	byFrom := e.steps[topic]
	e.mu.RUnlock()

	b := payload.JSON()
	if b == nil {
		b = []byte(`{}`)
	}

	version := from
	for hops := 0; version != to; hops++ {
		// Step tables are tiny; a hop bound keeps a miswired cycle from
		// spinning forever.
		if hops >= maxMigrationHops {
			return nil, errdefs.NewNoMigrationPath(topic, from, to).WithContext("stuck_at", version)
		}
		st, ok := byFrom[version]
		if !ok {
			return nil, errdefs.NewNoMigrationPath(topic, from, to).WithContext("stuck_at", version)
		}
		next, err := st.fn(b)
		if err != nil {
			return nil, fmt.Errorf("migration step v%d->v%d on %s: %w", version, st.to, topic, err)
		}
		b = next
		version = st.to
	}

	// Stamp the version the payload now conforms to; subscribers reading it
	// out of the payload see the post-migration value.
	b, err := sjson.SetBytes(b, "schema_version", to)
	if err != nil {
		return nil, fmt.Errorf("stamping schema version on %s: %w", topic, err)
	}

	var out loom.Payload
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decoding migrated payload on %s: %w", topic, err)
	}
	return out, nil
}
