package httpx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ssellini/EMT/internal/common/logger"
	"github.com/ssellini/EMT/pkg/emt/models"
)

const (
	DefaultTimeout = 10 * time.Second
	maxBodyBytes   = 4 << 20
	userAgent      = "emt-tracker/1.0"
)

// RequestFunc builds a fresh request for one attempt. It is called again on
// every retry so per-attempt state (such as an access token) can change.
type RequestFunc func(ctx context.Context) (*http.Request, error)

// Response is a fully read HTTP response
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Call describes one logical request to execute with retries
type Call struct {
	// Name is used in logs only
	Name        string
	MaxAttempts int
	Build       RequestFunc
	// OnUnauthorized runs when an attempt gets a 401, before the next attempt
	OnUnauthorized func()
}

type Options struct {
	Timeout      time.Duration
	Connectivity Connectivity
	Clock        backoff.Clock
	// NewTimer overrides the timer used for backoff waits; nil uses real timers
	NewTimer func() backoff.Timer
}

// Executor runs HTTP requests with a per-attempt timeout, status
// classification and exponential backoff between attempts.
type Executor struct {
	client       *http.Client
	timeout      time.Duration
	connectivity Connectivity
	clock        backoff.Clock
	newTimer     func() backoff.Timer
	logger       logger.Logger
}

func NewExecutor(client *http.Client, opts Options, log logger.Logger) *Executor {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     30 * time.Second,
			},
		}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Connectivity == nil {
		opts.Connectivity = AlwaysOnline
	}
	if opts.Clock == nil {
		opts.Clock = backoff.SystemClock
	}
	if log == nil {
		log = logger.Nop()
	}

	return &Executor{
		client:       client,
		timeout:      opts.Timeout,
		connectivity: opts.Connectivity,
		clock:        opts.Clock,
		newTimer:     opts.NewTimer,
		logger:       log,
	}
}

// NewBackOff returns the inter-attempt schedule: 1s, 2s, 4s, 8s, ... without jitter
func NewBackOff(clock backoff.Clock) *backoff.ExponentialBackOff {
	if clock == nil {
		clock = backoff.SystemClock
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     time.Second,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         time.Hour,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               clock,
	}
	b.Reset()
	return b
}

// Do executes the call. It fails immediately with models.ErrOffline when the
// connectivity check fails, without consuming an attempt. 400 and 404 are not
// retried. Other failures are retried up to MaxAttempts and the last error is
// returned.
func (e *Executor) Do(ctx context.Context, call Call) (*Response, error) {
	if !e.connectivity.Online(ctx) {
		return nil, fmt.Errorf("%s: %w", call.Name, models.ErrOffline)
	}

	maxAttempts := call.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var b backoff.BackOff = NewBackOff(e.clock)
	b = backoff.WithMaxRetries(b, uint64(maxAttempts-1))
	b = backoff.WithContext(b, ctx)

	var timer backoff.Timer
	if e.newTimer != nil {
		timer = e.newTimer()
	}

	attempt := 0
	operation := func() (*Response, error) {
		attempt++
		e.logger.Debug("HTTP attempt", "call", call.Name, "attempt", attempt, "max_attempts", maxAttempts)
		return e.attempt(ctx, call)
	}

	notify := func(err error, wait time.Duration) {
		e.logger.Warn("HTTP attempt failed, retrying",
			"call", call.Name,
			"attempt", attempt,
			"wait", wait,
			"error", err)
	}

	resp, err := backoff.RetryNotifyWithTimerAndData(operation, b, notify, timer)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (e *Executor) attempt(ctx context.Context, call Call) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := call.Build(attemptCtx)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("%s: building request: %w", call.Name, err))
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, e.transportError(ctx, attemptCtx, call.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, e.transportError(ctx, attemptCtx, call.Name, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
	}

	statusErr := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusNotFound:
		return nil, backoff.Permanent(fmt.Errorf("%s: %w", call.Name, statusErr))
	case http.StatusUnauthorized:
		if call.OnUnauthorized != nil {
			call.OnUnauthorized()
		}
	}
	return nil, fmt.Errorf("%s: %w", call.Name, statusErr)
}

// transportError classifies a failed round trip. Cancellation of the caller's
// context is permanent; an expired attempt deadline is a retryable timeout.
func (e *Executor) transportError(ctx, attemptCtx context.Context, name string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return backoff.Permanent(fmt.Errorf("%s: %w", name, ctxErr))
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w after %s", name, models.ErrTimeout, e.timeout)
	}
	return fmt.Errorf("%s: %w: %v", name, models.ErrNetwork, err)
}
