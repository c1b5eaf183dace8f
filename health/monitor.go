// Package health tracks per-unit invocation outcomes, derives a
// Healthy/Degraded/Failed status and optionally drives bounded automatic
// restarts of failing units.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alphadose/haxmap"

	"github.com/loomwork/loom/pkg/slogx"
)

// Status classifies a unit from its recent call outcomes.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
)

func rank(s Status) int {
	switch s {
	case StatusDegraded:
		return 1
	case StatusFailed:
		return 2
	default:
		return 0
	}
}

// Metrics is the per-unit outcome record. Snapshots returned by the monitor
// are copies; mutating them has no effect.
type Metrics struct {
	Unit                string    `json:"unit"`
	Total               uint64    `json:"total"`
	Successes           uint64    `json:"successes"`
	Failures            uint64    `json:"failures"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	LastSuccessAt       time.Time `json:"last_success_at,omitempty"`
	LastFailureAt       time.Time `json:"last_failure_at,omitempty"`
	Status              Status    `json:"status"`
}

// ErrorRate is failures over total, 0 for a unit that was never called.
func (m Metrics) ErrorRate() float64 {
	if m.Total == 0 {
		return 0
	}
	return float64(m.Failures) / float64(m.Total)
}

// Config sets the status thresholds.
type Config struct {
	// ErrorRateThreshold above which a unit is Degraded.
	ErrorRateThreshold float64
	// FailureThreshold is the consecutive-failure count at which a unit is
	// Failed.
	FailureThreshold int
}

func DefaultConfig() Config {
	return Config{
		ErrorRateThreshold: 0.5,
		FailureThreshold:   5,
	}
}

// Callback observes a status transition. Callback panics and errors never
// abort monitoring.
type Callback func(unit string, m Metrics)

// Restarter is the reload side the monitor drives when auto-restart is on.
type Restarter interface {
	Restart(ctx context.Context, unit string) error
}

type unitHealth struct {
	mu sync.Mutex
	m  Metrics
}

// Monitor records every invocation outcome and derives per-unit status.
type Monitor struct {
	cfg     Config
	metrics *haxmap.Map[string, *unitHealth]

	cbMu       sync.RWMutex
	onFailure  []Callback
	onRecovery []Callback

	restartMu sync.Mutex
	restarter Restarter
	policy    *RestartPolicy

	log *slog.Logger
}

func NewMonitor(cfg Config) *Monitor {
	if cfg.ErrorRateThreshold <= 0 {
		cfg.ErrorRateThreshold = DefaultConfig().ErrorRateThreshold
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	return &Monitor{
		cfg:     cfg,
		metrics: haxmap.New[string, *unitHealth](),
		log:     slog.With(slogx.LoggerName("health")),
	}
}

// EnableAutoRestart arms failure-triggered restarts through r under policy.
func (m *Monitor) EnableAutoRestart(r Restarter, policy *RestartPolicy) {
	m.restartMu.Lock()
	defer m.restartMu.Unlock()
	m.restarter = r
	if policy == nil {
		policy = NewRestartPolicy(DefaultRestartConfig())
	}
	m.policy = policy
}

// OnFailure registers a callback fired when a unit transitions into Degraded
// or Failed from a healthier state.
func (m *Monitor) OnFailure(cb Callback) {
	m.cbMu.Lock()
	m.onFailure = append(m.onFailure, cb)
	m.cbMu.Unlock()
}

// OnRecovery registers a callback fired when a unit transitions back to
// Healthy from any unhealthy state.
func (m *Monitor) OnRecovery(cb Callback) {
	m.cbMu.Lock()
	m.onRecovery = append(m.onRecovery, cb)
	m.cbMu.Unlock()
}

func (m *Monitor) healthFor(unit string) *unitHealth {
	h, _ := m.metrics.GetOrCompute(unit, func() *unitHealth {
		return &unitHealth{m: Metrics{Unit: unit, Status: StatusHealthy}}
	})
	return h
}

// RecordSuccess accounts a successful invocation.
func (m *Monitor) RecordSuccess(unit string) {
	h := m.healthFor(unit)

	h.mu.Lock()
	prev := h.m.Status
	h.m.Total++
	h.m.Successes++
	h.m.ConsecutiveFailures = 0
	h.m.LastSuccessAt = time.Now()
	h.m.Status = m.statusOf(h.m)
	cur := h.m.Status
	snapshot := h.m
	h.mu.Unlock()

	m.fireTransitions(unit, prev, cur, snapshot)
}

// RecordFailure accounts a failed invocation.
func (m *Monitor) RecordFailure(unit string, err error) {
	h := m.healthFor(unit)

	h.mu.Lock()
	prev := h.m.Status
	h.m.Total++
	h.m.Failures++
	h.m.ConsecutiveFailures++
	if err != nil {
		h.m.LastError = err.Error()
	}
	h.m.LastFailureAt = time.Now()
	h.m.Status = m.statusOf(h.m)
	cur := h.m.Status
	snapshot := h.m
	h.mu.Unlock()

	m.fireTransitions(unit, prev, cur, snapshot)
}

func (m *Monitor) statusOf(metrics Metrics) Status {
	switch {
	case metrics.ConsecutiveFailures >= m.cfg.FailureThreshold:
		return StatusFailed
	case metrics.ConsecutiveFailures > 0:
		return StatusDegraded
	case metrics.ErrorRate() > m.cfg.ErrorRateThreshold:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

func (m *Monitor) fireTransitions(unit string, prev, cur Status, snapshot Metrics) {
	if prev == cur {
		return
	}

	m.log.Info("unit status changed",
		slogx.Unit(unit),
		slog.String("from", string(prev)),
		slog.String("to", string(cur)),
	)

	switch {
	case rank(cur) > rank(prev):
		m.invoke(m.failureCallbacks(), unit, snapshot)
		if cur == StatusFailed {
			m.maybeRestart(unit)
		}
	case cur == StatusHealthy:
		m.invoke(m.recoveryCallbacks(), unit, snapshot)
	}
}

func (m *Monitor) failureCallbacks() []Callback {
	m.cbMu.RLock()
	defer m.cbMu.RUnlock()
	return append([]Callback(nil), m.onFailure...)
}

func (m *Monitor) recoveryCallbacks() []Callback {
	m.cbMu.RLock()
	defer m.cbMu.RUnlock()
	return append([]Callback(nil), m.onRecovery...)
}

func (m *Monitor) invoke(cbs []Callback, unit string, snapshot Metrics) {
	for _, cb := range cbs {
		func() {
			defer func() {
				if p := recover(); p != nil {
					m.log.Error("health callback panicked",
						slogx.Unit(unit),
						slog.Any("panic", p),
					)
				}
			}()
			cb(unit, snapshot)
		}()
	}
}

// maybeRestart schedules a restart attempt on a background goroutine: the
// backoff sleep and the reload never run on the caller whose failure tripped
// the transition.
func (m *Monitor) maybeRestart(unit string) {
	m.restartMu.Lock()
	restarter := m.restarter
	policy := m.policy
	m.restartMu.Unlock()

	if restarter == nil {
		return
	}

	delay, attempt, ok := policy.Admit(unit)
	if !ok {
		// Cap exceeded: skip silently and leave the unit Failed until an
		// operator steps in or it recovers on its own next success.
		m.log.Warn("restart cap reached, skipping", slogx.Unit(unit))
		return
	}

	m.log.Info("scheduling restart",
		slogx.Unit(unit),
		slog.Int("attempt", attempt),
		slogx.Duration(delay),
	)

	go func() {
		time.Sleep(delay)
		err := restarter.Restart(context.Background(), unit)
		policy.observe(unit, attempt, delay, err)
		if err != nil {
			m.log.Error("restart failed", slogx.Unit(unit), slogx.Error(err))
		}
	}()
}

// GetMetrics returns a snapshot for one unit.
func (m *Monitor) GetMetrics(unit string) (Metrics, bool) {
	h, ok := m.metrics.Get(unit)
	if !ok {
		return Metrics{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.m, true
}

// GetAllMetrics returns snapshots for every tracked unit.
func (m *Monitor) GetAllMetrics() map[string]Metrics {
	out := make(map[string]Metrics, m.metrics.Len())
	m.metrics.ForEach(func(unit string, h *unitHealth) bool {
		h.mu.Lock()
		out[unit] = h.m
		h.mu.Unlock()
		return true
	})
	return out
}

// RestartHistory exposes the restart policy's record for a unit, or nil when
// auto-restart was never enabled.
func (m *Monitor) RestartHistory(unit string) []RestartRecord {
	m.restartMu.Lock()
	policy := m.policy
	m.restartMu.Unlock()
	if policy == nil {
		return nil
	}
	return policy.History(unit)
}
