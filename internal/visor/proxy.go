package visor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/ssellini/EMT/internal/common/httpx"
	"github.com/ssellini/EMT/internal/common/logger"
	"github.com/ssellini/EMT/pkg/emt/models"
)

const DefaultProxyAttempts = 2

var (
	tableMarker    = []byte("<table")
	notFoundMarker = []byte("no existe")

	// a relayed page saying the stop does not exist, as opposed to a 404 from the relay
	errStopMissing = fmt.Errorf("visor page: %w", models.ErrNotFound)
)

// Proxy is a public CORS relay. The percent-encoded target URL is appended
// to Template.
type Proxy struct {
	Name     string
	Template string
}

// DefaultProxies returns the relays in their default priority order
func DefaultProxies() []Proxy {
	return []Proxy{
		{Name: "CodeTabs", Template: "https://api.codetabs.com/v1/proxy?quest="},
		{Name: "AllOrigins", Template: "https://api.allorigins.win/raw?url="},
		{Name: "CorsProxy", Template: "https://corsproxy.io/?"},
	}
}

// Router fetches a page through the first proxy that returns a usable body,
// starting with the proxy that succeeded last.
type Router struct {
	proxies  []Proxy
	attempts int
	exec     *httpx.Executor
	logger   logger.Logger

	mu     sync.Mutex
	sticky int
}

func NewRouter(proxies []Proxy, attempts int, exec *httpx.Executor, log logger.Logger) *Router {
	if len(proxies) == 0 {
		proxies = DefaultProxies()
	}
	if attempts < 1 {
		attempts = DefaultProxyAttempts
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Router{
		proxies:  append([]Proxy(nil), proxies...),
		attempts: attempts,
		exec:     exec,
		logger:   log,
	}
}

// Sticky returns the proxy tried first on the next Fetch
func (r *Router) Sticky() Proxy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.proxies[r.sticky]
}

// Fetch returns the body of target as relayed by the first proxy whose
// response contains a table. An HTTP success without one counts as a proxy
// failure.
func (r *Router) Fetch(ctx context.Context, target string) ([]byte, error) {
	var lastErr error
	stopMissing := false

	for _, idx := range r.order() {
		proxy := r.proxies[idx]
		log := r.logger.With("proxy", proxy.Name)
		log.Debug("Trying proxy", "target", target)

		body, err := r.fetchOne(ctx, proxy, target)
		if err == nil {
			r.mu.Lock()
			r.sticky = idx
			r.mu.Unlock()
			log.Debug("Proxy succeeded", "bytes", len(body))
			return body, nil
		}

		if errors.Is(err, models.ErrOffline) || ctx.Err() != nil {
			return nil, err
		}
		if errors.Is(err, errStopMissing) {
			stopMissing = true
		}
		log.Warn("Proxy failed", "error", err)
		lastErr = err
	}

	if stopMissing {
		return nil, fmt.Errorf("%w: %w", models.ErrAllProxiesFailed, models.ErrNotFound)
	}
	return nil, fmt.Errorf("%w: last error: %v", models.ErrAllProxiesFailed, lastErr)
}

func (r *Router) fetchOne(ctx context.Context, proxy Proxy, target string) ([]byte, error) {
	proxyURL := proxy.Template + url.QueryEscape(target)

	resp, err := r.exec.Do(ctx, httpx.Call{
		Name:        "visor." + proxy.Name,
		MaxAttempts: r.attempts,
		Build: func(ctx context.Context) (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, proxyURL, nil)
			if err != nil {
				return nil, err
			}
			req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
			return req, nil
		},
	})
	if err != nil {
		return nil, err
	}

	lower := bytes.ToLower(resp.Body)
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return nil, fmt.Errorf("%s: %w: empty body", proxy.Name, models.ErrInvalidData)
	}
	if !bytes.Contains(lower, tableMarker) {
		if bytes.Contains(lower, notFoundMarker) {
			return nil, fmt.Errorf("%s: %w", proxy.Name, errStopMissing)
		}
		return nil, fmt.Errorf("%s: %w: no table in body", proxy.Name, models.ErrInvalidData)
	}
	return resp.Body, nil
}

// order lists proxy indexes with the sticky one first, then the rest in
// configured order.
func (r *Router) order() []int {
	r.mu.Lock()
	sticky := r.sticky
	r.mu.Unlock()

	order := make([]int, 0, len(r.proxies))
	order = append(order, sticky)
	for i := range r.proxies {
		if i != sticky {
			order = append(order, i)
		}
	}
	return order
}
