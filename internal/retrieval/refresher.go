package retrieval

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ssellini/EMT/internal/common/logger"
	"github.com/ssellini/EMT/pkg/emt/models"
)

const DefaultRefreshInterval = 30 * time.Second

var (
	ErrNoStopDisplayed   = errors.New("no stop displayed")
	ErrRefreshInProgress = errors.New("refresh already in progress")
)

// Fetcher is the part of Service the refresher drives
type Fetcher interface {
	FetchBusTimes(ctx context.Context, rawStopID string) (*models.Result, error)
	ClearCache()
}

// Update is delivered after every refresh, successful or not
type Update struct {
	StopID string
	Result *models.Result
	Err    error
	// Manual is false for timer ticks
	Manual bool
}

// Refresher tracks the displayed stop and refetches it on a fixed interval.
// At most one refresh timer is active; a new Search replaces it.
type Refresher struct {
	fetcher  Fetcher
	interval time.Duration
	onUpdate func(Update)
	logger   logger.Logger

	// serialises Search and Stop
	watchMu sync.Mutex

	mu      sync.Mutex
	current string
	cancel  context.CancelFunc
	done    chan struct{}
	running bool

	refreshing atomic.Bool
}

// NewRefresher creates a refresher. onUpdate runs on the refreshing goroutine
// and must not call Search or Stop synchronously.
func NewRefresher(fetcher Fetcher, interval time.Duration, onUpdate func(Update), log logger.Logger) *Refresher {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Refresher{
		fetcher:  fetcher,
		interval: interval,
		onUpdate: onUpdate,
		logger:   log,
	}
}

// Search cancels the running auto-refresh, fetches the stop and, on success,
// displays it and starts a new auto-refresh bound to ctx.
func (r *Refresher) Search(ctx context.Context, rawStopID string) (*models.Result, error) {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()

	r.stopTimer()

	res, err := r.fetcher.FetchBusTimes(ctx, rawStopID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.current = res.StopID
	r.mu.Unlock()

	r.startTimer(ctx, res.StopID)
	return res, nil
}

// RefreshNow drops the cache and refetches the displayed stop. It returns
// ErrRefreshInProgress without fetching when another refresh is running.
func (r *Refresher) RefreshNow(ctx context.Context) (*models.Result, error) {
	stopID := r.Current()
	if stopID == "" {
		return nil, ErrNoStopDisplayed
	}
	return r.refresh(ctx, stopID, true)
}

// Current returns the displayed stop, or "" before the first successful search
func (r *Refresher) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (r *Refresher) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Stop cancels the auto-refresh and waits for its goroutine to exit
func (r *Refresher) Stop() {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	r.stopTimer()
}

func (r *Refresher) startTimer(ctx context.Context, stopID string) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	r.mu.Lock()
	r.cancel = cancel
	r.done = done
	r.running = true
	r.mu.Unlock()

	r.logger.Info("Starting auto-refresh", "stop_id", stopID, "interval", r.interval)
	go r.loop(ctx, stopID, done)
}

func (r *Refresher) stopTimer() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.running = false
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	r.logger.Debug("Auto-refresh stopped")
}

func (r *Refresher) loop(ctx context.Context, stopID string, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.Current() != stopID {
				continue
			}
			r.logger.Debug("Auto-refresh tick", "stop_id", stopID)
			if _, err := r.refresh(ctx, stopID, false); errors.Is(err, ErrRefreshInProgress) {
				r.logger.Debug("Skipping tick, refresh in progress", "stop_id", stopID)
			}
		}
	}
}

func (r *Refresher) refresh(ctx context.Context, stopID string, manual bool) (*models.Result, error) {
	if !r.refreshing.CompareAndSwap(false, true) {
		return nil, ErrRefreshInProgress
	}
	defer r.refreshing.Store(false)

	r.fetcher.ClearCache()
	res, err := r.fetcher.FetchBusTimes(ctx, stopID)
	if err != nil {
		r.logger.Warn("Refresh failed", "stop_id", stopID, "manual", manual, "error", err)
	}

	if r.onUpdate != nil {
		r.onUpdate(Update{StopID: stopID, Result: res, Err: err, Manual: manual})
	}
	return res, err
}
