package maintenance

import (
	"sync"
	"time"

	"github.com/ssellini/EMT/internal/common/logger"
)

// Sweeper is anything holding entries that age out, such as the arrivals cache
type Sweeper interface {
	SweepExpired() int
}

// SweepFunc adapts a plain function to Sweeper
type SweepFunc func() int

func (f SweepFunc) SweepExpired() int { return f() }

// SweepResult represents the result of sweeping one target
type SweepResult struct {
	Name     string        `json:"name"`
	Removed  int           `json:"removed"`
	Duration time.Duration `json:"duration"`
}

type target struct {
	name    string
	sweeper Sweeper
}

// Maintenance runs the registered sweeps in registration order
type Maintenance struct {
	logger logger.Logger

	mu      sync.Mutex
	targets []target
}

func New(logger logger.Logger) *Maintenance {
	return &Maintenance{logger: logger}
}

// Register adds a sweep target
func (m *Maintenance) Register(name string, s Sweeper) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets = append(m.targets, target{name: name, sweeper: s})
}

// SweepAll sweeps every target once
func (m *Maintenance) SweepAll() []SweepResult {
	m.mu.Lock()
	targets := append([]target(nil), m.targets...)
	m.mu.Unlock()

	results := make([]SweepResult, 0, len(targets))
	for _, t := range targets {
		start := time.Now()
		removed := t.sweeper.SweepExpired()
		res := SweepResult{Name: t.name, Removed: removed, Duration: time.Since(start)}
		results = append(results, res)

		m.logger.Debug("Sweep completed",
			"target", t.name,
			"removed", removed,
			"duration", res.Duration)
	}
	return results
}
