package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ssellini/EMT/internal/common/logger"
)

// SweepScheduler periodically drops expired entries from the registered targets
type SweepScheduler struct {
	maintenance *Maintenance
	logger      logger.Logger
	config      SchedulerConfig
	isRunning   bool
	mu          sync.RWMutex
	cancelFn    context.CancelFunc
	done        chan struct{}
}

// SchedulerConfig contains configuration for the sweep scheduler
type SchedulerConfig struct {
	Interval time.Duration // How often to sweep
}

// DefaultSchedulerConfig returns sensible defaults
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval: 10 * time.Minute,
	}
}

// NewSweepScheduler creates a new sweep scheduler
func NewSweepScheduler(m *Maintenance, logger logger.Logger, config SchedulerConfig) *SweepScheduler {
	if config.Interval <= 0 {
		config.Interval = DefaultSchedulerConfig().Interval
	}
	return &SweepScheduler{
		maintenance: m,
		logger:      logger,
		config:      config,
	}
}

// Start begins the sweep scheduling
func (s *SweepScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("sweep scheduler is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancelFn = cancel
	s.done = make(chan struct{})
	s.isRunning = true

	s.logger.Info("Starting sweep scheduler", "interval", s.config.Interval)

	go s.sweepLoop(ctx, s.done)

	return nil
}

// Stop stops the sweep scheduler and waits for the loop to exit
func (s *SweepScheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}

	s.logger.Info("Stopping sweep scheduler")

	cancel, done := s.cancelFn, s.done
	s.isRunning = false
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("Sweep scheduler stopped")
}

// IsRunning returns whether the scheduler is active
func (s *SweepScheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

func (s *SweepScheduler) sweepLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Sweep loop stopping")
			return

		case <-ticker.C:
			s.performSweep()
		}
	}
}

func (s *SweepScheduler) performSweep() []SweepResult {
	results := s.maintenance.SweepAll()

	total := 0
	for _, r := range results {
		total += r.Removed
	}
	if total > 0 {
		s.logger.Info("Expired entries swept", "removed", total, "targets", len(results))
	}
	return results
}

// TriggerSweep runs a sweep immediately
func (s *SweepScheduler) TriggerSweep() []SweepResult {
	s.logger.Debug("Manual sweep triggered")
	return s.performSweep()
}

// GetStatus returns the current status of the sweep scheduler
func (s *SweepScheduler) GetStatus() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return map[string]interface{}{
		"is_running": s.isRunning,
		"interval":   s.config.Interval.String(),
	}
}
