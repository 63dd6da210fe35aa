package maintenance

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ssellini/EMT/internal/common/logger"
)

func TestSweepAll(t *testing.T) {
	m := New(logger.Nop())
	m.Register("cache", SweepFunc(func() int { return 3 }))
	m.Register("alerts", SweepFunc(func() int { return 0 }))

	results := m.SweepAll()

	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}
	if results[0].Name != "cache" || results[0].Removed != 3 {
		t.Errorf("Unexpected first result %+v", results[0])
	}
	if results[1].Name != "alerts" || results[1].Removed != 0 {
		t.Errorf("Unexpected second result %+v", results[1])
	}
}

func TestDefaultSchedulerConfig(t *testing.T) {
	if got := DefaultSchedulerConfig().Interval; got != 10*time.Minute {
		t.Errorf("Expected 10m, got %s", got)
	}
}

func TestSchedulerSweepsPeriodically(t *testing.T) {
	var sweeps int32
	m := New(logger.Nop())
	m.Register("counter", SweepFunc(func() int {
		atomic.AddInt32(&sweeps, 1)
		return 1
	}))

	s := NewSweepScheduler(m, logger.Nop(), SchedulerConfig{Interval: 10 * time.Millisecond})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Error("Expected an error when starting twice")
	}

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&sweeps) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if atomic.LoadInt32(&sweeps) < 2 {
		t.Fatalf("Expected at least 2 sweeps, got %d", sweeps)
	}

	s.Stop()
	if s.IsRunning() {
		t.Error("Expected the scheduler to be stopped")
	}

	after := atomic.LoadInt32(&sweeps)
	time.Sleep(40 * time.Millisecond)
	if atomic.LoadInt32(&sweeps) != after {
		t.Error("Expected no sweeps after Stop")
	}
}

func TestTriggerSweep(t *testing.T) {
	m := New(logger.Nop())
	m.Register("cache", SweepFunc(func() int { return 2 }))
	s := NewSweepScheduler(m, logger.Nop(), DefaultSchedulerConfig())

	results := s.TriggerSweep()
	if len(results) != 1 || results[0].Removed != 2 {
		t.Errorf("Unexpected results %+v", results)
	}

	status := s.GetStatus()
	if status["is_running"] != false || status["interval"] != "10m0s" {
		t.Errorf("Unexpected status %v", status)
	}
}
