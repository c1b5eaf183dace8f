// Package reload hot-swaps a unit's implementation without stopping the
// process: capture state if asked, re-resolve the factory from the backing
// source, build a fresh instance, restore state, and publish the new entry
// atomically so no caller ever observes a half-swapped unit.
package reload

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alphadose/haxmap"

	"github.com/loomwork/loom"
	"github.com/loomwork/loom/internal/unitset"
	"github.com/loomwork/loom/pkg/errdefs"
	"github.com/loomwork/loom/pkg/slogx"
)

// Result reports one reload. StatePreserved is false when the unit exposes no
// state hooks, even if preservation was requested.
type Result struct {
	Unit           string `json:"unit"`
	Success        bool   `json:"success"`
	StatePreserved bool   `json:"state_preserved"`
	OldVersion     int    `json:"old_version"`
	NewVersion     int    `json:"new_version"`
	Error          string `json:"error,omitempty"`
}

// Record is one reload-history entry, appended for every attempt, success or
// failure.
type Record struct {
	Time   time.Time `json:"time"`
	Result Result    `json:"result"`
}

// Summary aggregates a ReloadAll run.
type Summary struct {
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Results   []Result `json:"results"`
}

type recordList struct {
	mu      sync.Mutex
	records []Record
}

// Manager performs hot reloads against the shared unit set.
type Manager struct {
	units   *unitset.Set
	loader  loom.Loader
	history *haxmap.Map[string, *recordList]

	// serializes reloads per manager so two concurrent reloads of the same
	// unit cannot interleave export/swap.
	mu  sync.Mutex
	log *slog.Logger
}

func NewManager(units *unitset.Set, loader loom.Loader) *Manager {
	return &Manager{
		units:   units,
		loader:  loader,
		history: haxmap.New[string, *recordList](),
		log:     slog.With(slogx.LoggerName("reload")),
	}
}

// ReloadUnit swaps the named unit's implementation. A failed reload leaves
// the previous instance intact and fully usable.
func (m *Manager) ReloadUnit(ctx context.Context, name string, preserveState bool) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result, err := m.reloadLocked(ctx, name, preserveState)
	m.record(name, result)
	return result, err
}

func (m *Manager) reloadLocked(ctx context.Context, name string, preserveState bool) (Result, error) {
	result := Result{Unit: name}

	entry, ok := m.units.Get(name)
	if !ok {
		err := errdefs.NewUnitNotFound(name)
		result.Error = err.Error()
		return result, err
	}
	result.OldVersion = entry.Version

	if err := ctx.Err(); err != nil {
		result.Error = err.Error()
		return result, err
	}

	var blob loom.StateBlob
	captured := false
	if preserveState {
		if exporter, ok := entry.Instance.(loom.StateExporter); ok {
			var err error
			blob, err = exporter.ExportState()
			if err != nil {
				ferr := errdefs.NewReloadFailed("exporting state", err).WithContext("unit", name)
				result.Error = ferr.Error()
				return result, ferr
			}
			captured = true
		}
	}

	factory, err := m.loader.Resolve(name)
	if err != nil {
		ferr := errdefs.NewReloadFailed("resolving implementation", err).WithContext("unit", name)
		result.Error = ferr.Error()
		return result, ferr
	}

	next, err := unitset.NextEntry(entry, factory)
	if err != nil {
		ferr := errdefs.NewReloadFailed("constructing new instance", err).WithContext("unit", name)
		result.Error = ferr.Error()
		return result, ferr
	}

	if captured {
		if importer, ok := next.Instance.(loom.StateImporter); ok {
			if err := importer.ImportState(blob); err != nil {
				// The new instance rejected the state; the old entry stays.
				ferr := errdefs.NewReloadFailed("importing state", err).WithContext("unit", name)
				result.Error = ferr.Error()
				return result, ferr
			}
			result.StatePreserved = true
		}
	}

	// Single atomic replacement: concurrent callers see the old entry in
	// full or the new entry in full, never both.
	m.units.Swap(next)

	result.Success = true
	result.NewVersion = next.Version
	m.log.Info("unit reloaded",
		slogx.Unit(name),
		slog.Int("old_version", result.OldVersion),
		slog.Int("new_version", result.NewVersion),
		slog.Bool("state_preserved", result.StatePreserved),
	)
	return result, nil
}

// ReloadAll reloads every unit. One failure does not abort the rest.
func (m *Manager) ReloadAll(ctx context.Context, preserveState bool) Summary {
	var summary Summary
	for _, name := range m.units.Names() {
		result, err := m.ReloadUnit(ctx, name, preserveState)
		summary.Results = append(summary.Results, result)
		if err != nil {
			summary.Failed++
			m.log.Warn("reload failed", slogx.Unit(name), slogx.Error(err))
			continue
		}
		summary.Succeeded++
	}
	return summary
}

func (m *Manager) record(name string, result Result) {
	list, _ := m.history.GetOrCompute(name, func() *recordList { return &recordList{} })
	list.mu.Lock()
	list.records = append(list.records, Record{Time: time.Now(), Result: result})
	list.mu.Unlock()
}

// History returns the reload attempts for a unit, oldest first.
func (m *Manager) History(name string) []Record {
	list, ok := m.history.Get(name)
	if !ok {
		return nil
	}
	list.mu.Lock()
	defer list.mu.Unlock()
	return append([]Record(nil), list.records...)
}
