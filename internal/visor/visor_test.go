package visor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ssellini/EMT/internal/common/httpx"
	"github.com/ssellini/EMT/internal/common/logger"
	"github.com/ssellini/EMT/pkg/emt/models"
)

const visorPage = `<html><body>
<b>Parada: Castellana-Hermanos Pinzón</b> Paseo de la Castellana 120<br>
<table>
<tr><th>Línea</th><th>Destino</th><th>Tiempo</th></tr>
<tr><td>27</td><td>PLAZA CASTILLA</td><td>&gt;&gt; En parada</td></tr>
<tr><td>27</td><td>PLAZA  CASTILLA</td><td>7 min</td></tr>
<tr><td>N1</td><td>SANCHINARRO</td><td>--</td></tr>
<tr><td>broken row</td></tr>
</table>
</body></html>`

type instantTimer struct {
	c chan time.Time
}

func (t *instantTimer) Start(time.Duration) {
	t.c = make(chan time.Time, 1)
	t.c <- time.Now()
}

func (t *instantTimer) Stop() {}

func (t *instantTimer) C() <-chan time.Time { return t.c }

func testExecutor() *httpx.Executor {
	return httpx.NewExecutor(nil, httpx.Options{
		Timeout:  time.Second,
		NewTimer: func() backoff.Timer { return &instantTimer{} },
	}, logger.Nop())
}

// proxyFarm serves one relay per path and records how often each was hit
type proxyFarm struct {
	srv     *httptest.Server
	mu      sync.Mutex
	hits    map[string]int
	targets []string
}

func newProxyFarm(t *testing.T, handlers map[string]func(w http.ResponseWriter)) *proxyFarm {
	t.Helper()
	f := &proxyFarm{hits: make(map[string]int)}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/")
		f.mu.Lock()
		f.hits[name]++
		f.targets = append(f.targets, r.URL.Query().Get("url"))
		f.mu.Unlock()

		h, ok := handlers[name]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h(w)
	}))
	return f
}

func (f *proxyFarm) proxies(names ...string) []Proxy {
	out := make([]Proxy, 0, len(names))
	for _, n := range names {
		out = append(out, Proxy{Name: n, Template: fmt.Sprintf("%s/%s?url=", f.srv.URL, n)})
	}
	return out
}

func (f *proxyFarm) hitCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[name]
}

func serve(status int, body string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func TestStickyProxyIsTriedFirst(t *testing.T) {
	farm := newProxyFarm(t, map[string]func(w http.ResponseWriter){
		"p1": serve(http.StatusOK, visorPage),
		"p2": serve(http.StatusOK, visorPage),
		"p3": serve(http.StatusOK, visorPage),
	})
	defer farm.srv.Close()

	router := NewRouter(farm.proxies("p1", "p2", "p3"), 2, testExecutor(), logger.Nop())
	router.sticky = 1

	target := PageURL(DefaultVisorURL, "5998")
	body, err := router.Fetch(context.Background(), target)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(body) != visorPage {
		t.Errorf("Unexpected body %q", body)
	}

	if farm.hitCount("p2") != 1 || farm.hitCount("p1") != 0 || farm.hitCount("p3") != 0 {
		t.Errorf("Expected only p2 to be called, got %v", farm.hits)
	}
	if farm.targets[0] != target {
		t.Errorf("Expected target %q to reach the proxy, got %q", target, farm.targets[0])
	}
}

func TestRouterFallsThroughAndRemembersSuccess(t *testing.T) {
	farm := newProxyFarm(t, map[string]func(w http.ResponseWriter){
		"p1": serve(http.StatusBadGateway, "bad gateway"),
		"p2": serve(http.StatusOK, "<html>captcha</html>"),
		"p3": serve(http.StatusOK, visorPage),
	})
	defer farm.srv.Close()

	router := NewRouter(farm.proxies("p1", "p2", "p3"), 2, testExecutor(), logger.Nop())

	if _, err := router.Fetch(context.Background(), "http://visor"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if farm.hitCount("p1") != 2 {
		t.Errorf("Expected 2 attempts on p1, got %d", farm.hitCount("p1"))
	}
	if farm.hitCount("p2") != 1 {
		t.Errorf("Expected a body without table to fail p2 once, got %d", farm.hitCount("p2"))
	}
	if router.Sticky().Name != "p3" {
		t.Errorf("Expected p3 to become sticky, got %s", router.Sticky().Name)
	}

	if _, err := router.Fetch(context.Background(), "http://visor"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if farm.hitCount("p1") != 2 || farm.hitCount("p3") != 2 {
		t.Errorf("Expected the second fetch to go straight to p3, got %v", farm.hits)
	}
}

func TestRouterAllProxiesFailed(t *testing.T) {
	farm := newProxyFarm(t, map[string]func(w http.ResponseWriter){
		"p1": serve(http.StatusInternalServerError, ""),
		"p2": serve(http.StatusOK, ""),
	})
	defer farm.srv.Close()

	router := NewRouter(farm.proxies("p1", "p2"), 2, testExecutor(), logger.Nop())
	_, err := router.Fetch(context.Background(), "http://visor")

	if !errors.Is(err, models.ErrAllProxiesFailed) {
		t.Errorf("Expected ErrAllProxiesFailed, got %v", err)
	}
	if errors.Is(err, models.ErrNotFound) {
		t.Errorf("Did not expect ErrNotFound, got %v", err)
	}
	if router.Sticky().Name != "p1" {
		t.Errorf("Expected sticky proxy unchanged, got %s", router.Sticky().Name)
	}
}

func TestRouterReportsMissingStop(t *testing.T) {
	farm := newProxyFarm(t, map[string]func(w http.ResponseWriter){
		"p1": serve(http.StatusOK, "<html><body>La parada no existe</body></html>"),
	})
	defer farm.srv.Close()

	router := NewRouter(farm.proxies("p1"), 2, testExecutor(), logger.Nop())
	_, err := router.Fetch(context.Background(), "http://visor")

	if !errors.Is(err, models.ErrAllProxiesFailed) || !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrAllProxiesFailed and ErrNotFound, got %v", err)
	}
}

func TestRouterStopsWhenOffline(t *testing.T) {
	exec := httpx.NewExecutor(nil, httpx.Options{
		Connectivity: httpx.ConnectivityFunc(func(context.Context) bool { return false }),
	}, logger.Nop())
	router := NewRouter([]Proxy{{Name: "a", Template: "http://127.0.0.1:1/?"}, {Name: "b", Template: "http://127.0.0.1:1/?"}}, 2, exec, logger.Nop())

	_, err := router.Fetch(context.Background(), "http://visor")
	if !errors.Is(err, models.ErrOffline) {
		t.Errorf("Expected ErrOffline, got %v", err)
	}
}

func TestParse(t *testing.T) {
	now := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	snap, err := Parse([]byte(visorPage), "5998", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if snap.StopName != "Castellana-Hermanos Pinzón" {
		t.Errorf("Unexpected stop name %q", snap.StopName)
	}
	if snap.StopAddress != "Paseo de la Castellana 120" {
		t.Errorf("Unexpected address %q", snap.StopAddress)
	}
	if snap.Source != models.SourceVisor || !snap.Timestamp.Equal(now) {
		t.Errorf("Unexpected source/timestamp %s %s", snap.Source, snap.Timestamp)
	}

	want := []models.ArrivalRecord{
		{Line: "27", Destination: "PLAZA CASTILLA", ETASeconds: AtStopSeconds},
		{Line: "27", Destination: "PLAZA CASTILLA", ETASeconds: 420},
		{Line: "N1", Destination: "SANCHINARRO", ETASeconds: UnknownETASeconds},
	}
	if len(snap.Arrivals) != len(want) {
		t.Fatalf("Expected %d arrivals, got %d: %+v", len(want), len(snap.Arrivals), snap.Arrivals)
	}
	for i := range want {
		if snap.Arrivals[i] != want[i] {
			t.Errorf("arrival %d: expected %+v, got %+v", i, want[i], snap.Arrivals[i])
		}
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		page string
		kind error
	}{
		{"missing stop", "<html><body><table></table>La parada 99999 no existe</body></html>", models.ErrNotFound},
		{"no table", "<html><body><b>Parada: X</b></body></html>", models.ErrInvalidData},
	}

	for _, tt := range tests {
		if _, err := Parse([]byte(tt.page), "1", time.Now()); !errors.Is(err, tt.kind) {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.kind, err)
		}
	}
}

func TestParseEmptyTableWithoutHeader(t *testing.T) {
	snap, err := Parse([]byte("<table><tr><th>Línea</th></tr></table>"), "72", time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.StopName != "Parada 72" || snap.StopAddress != "" || len(snap.Arrivals) != 0 {
		t.Errorf("Unexpected snapshot %+v", snap)
	}
}

func TestParseETA(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{">>", AtStopSeconds},
		{"En Parada", AtStopSeconds},
		{"3 min", 180},
		{" 12min ", 720},
		{"+20 min", 1200},
		{"", UnknownETASeconds},
		{"sin estimación", UnknownETASeconds},
	}

	for _, tt := range tests {
		if got := ParseETA(tt.in); got != tt.want {
			t.Errorf("ParseETA(%q): expected %d, got %d", tt.in, tt.want, got)
		}
	}
}

func TestScraperArrivals(t *testing.T) {
	farm := newProxyFarm(t, map[string]func(w http.ResponseWriter){
		"relay": serve(http.StatusOK, visorPage),
	})
	defer farm.srv.Close()

	router := NewRouter(farm.proxies("relay"), 2, testExecutor(), logger.Nop())
	scraper := NewScraper("https://visor.example/pmv.aspx", router, nil, logger.Nop())

	snap, err := scraper.Arrivals(context.Background(), "5998")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(snap.Arrivals) != 3 || snap.StopID != "5998" {
		t.Errorf("Unexpected snapshot %+v", snap)
	}
	if farm.targets[0] != "https://visor.example/pmv.aspx?stopnum=5998&size=3" {
		t.Errorf("Unexpected visor URL %q", farm.targets[0])
	}
}

func TestRouterRelay404IsNotMissingStop(t *testing.T) {
	farm := newProxyFarm(t, map[string]func(w http.ResponseWriter){})
	defer farm.srv.Close()

	router := NewRouter(farm.proxies("gone"), 2, testExecutor(), logger.Nop())
	_, err := router.Fetch(context.Background(), "http://visor")

	if !errors.Is(err, models.ErrAllProxiesFailed) {
		t.Errorf("Expected ErrAllProxiesFailed, got %v", err)
	}
	if errors.Is(err, models.ErrNotFound) {
		t.Errorf("Did not expect a relay 404 to mean a missing stop, got %v", err)
	}
}
