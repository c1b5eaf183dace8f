package health

import (
	"math"
	"sync"
	"time"
)

// RestartConfig bounds failure-triggered restarts: at most MaxRestarts within
// the sliding Window, with an exponentially growing delay of
// InitialDelay * Multiplier^(attempt-1) before each attempt.
type RestartConfig struct {
	MaxRestarts  int
	Window       time.Duration
	InitialDelay time.Duration
	Multiplier   float64
}

func DefaultRestartConfig() RestartConfig {
	return RestartConfig{
		MaxRestarts:  3,
		Window:       300 * time.Second,
		InitialDelay: time.Second,
		Multiplier:   2.0,
	}
}

// RestartRecord is one entry of a unit's restart history, including attempts
// that were skipped because the window cap was reached.
type RestartRecord struct {
	Time    time.Time     `json:"time"`
	Attempt int           `json:"attempt"`
	Delay   time.Duration `json:"delay,omitempty"`
	Skipped bool          `json:"skipped,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// RestartPolicy enforces the sliding-window cap and computes backoff delays.
type RestartPolicy struct {
	mu       sync.Mutex
	cfg      RestartConfig
	attempts map[string][]time.Time
	history  map[string][]RestartRecord
}

func NewRestartPolicy(cfg RestartConfig) *RestartPolicy {
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = DefaultRestartConfig().MaxRestarts
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultRestartConfig().Window
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultRestartConfig().InitialDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = DefaultRestartConfig().Multiplier
	}
	return &RestartPolicy{
		cfg:      cfg,
		attempts: make(map[string][]time.Time),
		history:  make(map[string][]RestartRecord),
	}
}

// Admit decides whether another restart of unit is allowed right now. When
// allowed it records the attempt timestamp and returns the backoff delay to
// wait before reloading. When the window cap is reached it records a skipped
// entry and reports ok=false; skipping is not an error.
func (p *RestartPolicy) Admit(unit string) (delay time.Duration, attempt int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-p.cfg.Window)
	recent := p.attempts[unit][:0]
	for _, t := range p.attempts[unit] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	p.attempts[unit] = recent

	attempt = len(recent) + 1
	if len(recent) >= p.cfg.MaxRestarts {
		p.history[unit] = append(p.history[unit], RestartRecord{
			Time:    now,
			Attempt: attempt,
			Skipped: true,
		})
		return 0, attempt, false
	}

	delay = time.Duration(float64(p.cfg.InitialDelay) * math.Pow(p.cfg.Multiplier, float64(attempt-1)))
	p.attempts[unit] = append(p.attempts[unit], now)
	return delay, attempt, true
}

// observe records the outcome of an admitted restart attempt.
func (p *RestartPolicy) observe(unit string, attempt int, delay time.Duration, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	record := RestartRecord{Time: time.Now(), Attempt: attempt, Delay: delay}
	if err != nil {
		record.Error = err.Error()
	}
	p.history[unit] = append(p.history[unit], record)
}

// History returns a copy of the unit's restart history, oldest first.
func (p *RestartPolicy) History(unit string) []RestartRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]RestartRecord(nil), p.history[unit]...)
}
