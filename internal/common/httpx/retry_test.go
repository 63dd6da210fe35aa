package httpx

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ssellini/EMT/internal/common/logger"
	"github.com/ssellini/EMT/pkg/emt/models"
)

// instantTimer fires immediately and records every requested wait
type instantTimer struct {
	waits *[]time.Duration
	c     chan time.Time
}

func (t *instantTimer) Start(d time.Duration) {
	*t.waits = append(*t.waits, d)
	t.c = make(chan time.Time, 1)
	t.c <- time.Now()
}

func (t *instantTimer) Stop() {}

func (t *instantTimer) C() <-chan time.Time { return t.c }

func newTestExecutor(waits *[]time.Duration, online bool) *Executor {
	return NewExecutor(nil, Options{
		Timeout:      time.Second,
		Connectivity: ConnectivityFunc(func(context.Context) bool { return online }),
		NewTimer:     func() backoff.Timer { return &instantTimer{waits: waits} },
	}, logger.Nop())
}

func getCall(url string, attempts int) Call {
	return Call{
		Name:        "test",
		MaxAttempts: attempts,
		Build: func(ctx context.Context) (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		},
	}
}

func TestBackOffSequence(t *testing.T) {
	b := NewBackOff(nil)
	want := []time.Duration{1000 * time.Millisecond, 2000 * time.Millisecond, 4000 * time.Millisecond, 8000 * time.Millisecond}

	for i, w := range want {
		if got := b.NextBackOff(); got != w {
			t.Errorf("attempt %d: expected %s, got %s", i, w, got)
		}
	}
}

func TestNoRetryOnBadRequestAndNotFound(t *testing.T) {
	tests := []struct {
		status int
		kind   error
	}{
		{http.StatusBadRequest, models.ErrBadRequest},
		{http.StatusNotFound, models.ErrNotFound},
	}

	for _, tt := range tests {
		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(tt.status)
		}))

		var waits []time.Duration
		_, err := newTestExecutor(&waits, true).Do(context.Background(), getCall(srv.URL, 3))
		srv.Close()

		if !errors.Is(err, tt.kind) {
			t.Errorf("status %d: expected %v, got %v", tt.status, tt.kind, err)
		}
		if calls != 1 {
			t.Errorf("status %d: expected exactly 1 attempt, got %d", tt.status, calls)
		}
		if len(waits) != 0 {
			t.Errorf("status %d: expected no backoff waits, got %v", tt.status, waits)
		}
	}
}

func TestRetriesServerErrorsWithBackoff(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	var waits []time.Duration
	resp, err := newTestExecutor(&waits, true).Do(context.Background(), getCall(srv.URL, 3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(resp.Body) != "ok" {
		t.Errorf("Expected body ok, got %q", resp.Body)
	}
	if calls != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls)
	}
	if len(waits) != 2 || waits[0] != time.Second || waits[1] != 2*time.Second {
		t.Errorf("Expected waits [1s 2s], got %v", waits)
	}
}

func TestExhaustedAttemptsReturnLastError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	var waits []time.Duration
	_, err := newTestExecutor(&waits, true).Do(context.Background(), getCall(srv.URL, 2))

	if !errors.Is(err, models.ErrTooManyRequests) {
		t.Errorf("Expected ErrTooManyRequests, got %v", err)
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusTooManyRequests {
		t.Errorf("Expected StatusError 429, got %v", err)
	}
	if calls != 2 {
		t.Errorf("Expected 2 attempts, got %d", calls)
	}
	if len(waits) != 1 {
		t.Errorf("Expected no wait after the last attempt, got %v", waits)
	}
}

func TestUnauthorizedInvalidatesAndRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Header.Get("accessToken") != "fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	token := "stale"
	invalidated := 0
	call := Call{
		Name:        "auth",
		MaxAttempts: 3,
		Build: func(ctx context.Context) (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL, nil)
			if err != nil {
				return nil, err
			}
			req.Header.Set("accessToken", token)
			return req, nil
		},
		OnUnauthorized: func() {
			invalidated++
			token = "fresh"
		},
	}

	var waits []time.Duration
	if _, err := newTestExecutor(&waits, true).Do(context.Background(), call); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if invalidated != 1 {
		t.Errorf("Expected one invalidation, got %d", invalidated)
	}
	if calls != 2 {
		t.Errorf("Expected 2 attempts, got %d", calls)
	}
}

func TestOfflineFailsWithoutAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	var waits []time.Duration
	_, err := newTestExecutor(&waits, false).Do(context.Background(), getCall(srv.URL, 3))

	if !errors.Is(err, models.ErrOffline) {
		t.Errorf("Expected ErrOffline, got %v", err)
	}
	if calls != 0 {
		t.Errorf("Expected no requests while offline, got %d", calls)
	}
}

func TestAttemptTimeoutIsRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	var waits []time.Duration
	exec := NewExecutor(nil, Options{
		Timeout:  50 * time.Millisecond,
		NewTimer: func() backoff.Timer { return &instantTimer{waits: &waits} },
	}, logger.Nop())

	_, err := exec.Do(context.Background(), getCall(srv.URL, 2))
	if !errors.Is(err, models.ErrTimeout) {
		t.Errorf("Expected ErrTimeout, got %v", err)
	}
	if calls != 2 {
		t.Errorf("Expected 2 attempts, got %d", calls)
	}
}

func TestBuildErrorIsNotRetried(t *testing.T) {
	var waits []time.Duration
	builds := 0
	call := Call{
		Name:        "build",
		MaxAttempts: 3,
		Build: func(ctx context.Context) (*http.Request, error) {
			builds++
			return nil, models.ErrAuthenticationFailed
		},
	}

	_, err := newTestExecutor(&waits, true).Do(context.Background(), call)
	if !errors.Is(err, models.ErrAuthenticationFailed) {
		t.Errorf("Expected ErrAuthenticationFailed, got %v", err)
	}
	if builds != 1 {
		t.Errorf("Expected 1 build, got %d", builds)
	}
}

func TestCancelledContextStopsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var waits []time.Duration
	_, err := newTestExecutor(&waits, true).Do(ctx, getCall(srv.URL, 3))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
