package alerts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ssellini/EMT/internal/common/discord"
	"github.com/ssellini/EMT/internal/common/logger"
	"github.com/ssellini/EMT/pkg/emt/models"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

// webhook records every message posted to it
type webhook struct {
	srv    *httptest.Server
	status int
	mu     sync.Mutex
	msgs   []discord.WebhookMessage
}

func newWebhook(t *testing.T) *webhook {
	t.Helper()
	w := &webhook{status: http.StatusNoContent}
	w.srv = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		var msg discord.WebhookMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			rw.WriteHeader(http.StatusBadRequest)
			return
		}
		w.mu.Lock()
		w.msgs = append(w.msgs, msg)
		status := w.status
		w.mu.Unlock()
		rw.WriteHeader(status)
	}))
	return w
}

func (w *webhook) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.msgs)
}

func testSnapshot(ts time.Time) models.ArrivalSnapshot {
	return models.ArrivalSnapshot{
		StopID:    "5998",
		StopName:  "Castellana",
		Timestamp: ts,
		Arrivals: []models.ArrivalRecord{
			{Line: "27", Destination: "PLAZA CASTILLA", ETASeconds: 90, DistanceMeters: 300},
			{Line: "27", Destination: "PLAZA CASTILLA", ETASeconds: 600},
			{Line: "N1", Destination: "SANCHINARRO", ETASeconds: 15},
			{Line: "5", Destination: "CHAMARTIN", ETASeconds: 900},
		},
	}
}

func TestNotifyOncePerSnapshot(t *testing.T) {
	hook := newWebhook(t)
	defer hook.srv.Close()

	clock := &fakeClock{now: time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)}
	n := NewNotifier(discord.NewClient(hook.srv.URL, nil), 2*time.Minute, clock, logger.Nop())
	snap := testSnapshot(clock.now)

	sent, err := n.Notify(context.Background(), snap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sent != 2 {
		t.Errorf("Expected 2 alerts, got %d", sent)
	}

	sent, _ = n.Notify(context.Background(), snap)
	if sent != 0 {
		t.Errorf("Expected the same snapshot not to alert again, got %d", sent)
	}

	sent, _ = n.Notify(context.Background(), testSnapshot(clock.now.Add(30*time.Second)))
	if sent != 2 {
		t.Errorf("Expected a new snapshot to alert again, got %d", sent)
	}
	if hook.count() != 4 {
		t.Errorf("Expected 4 webhook calls, got %d", hook.count())
	}

	first := hook.msgs[0].Embeds[0]
	if first.Title != "🚌 Bus 27 arriving" || !strings.Contains(first.Description, "1 min") {
		t.Errorf("Unexpected embed %+v", first)
	}
	if first.Color != discord.ColorCritical || len(first.Fields) != 2 {
		t.Errorf("Expected a critical embed with distance, got %+v", first)
	}
}

func TestNotifyWithoutWebhookIsNoop(t *testing.T) {
	n := NewNotifier(discord.NewClient("", nil), 0, nil, logger.Nop())
	sent, err := n.Notify(context.Background(), testSnapshot(time.Now()))
	if err != nil || sent != 0 {
		t.Errorf("Expected a no-op, got %d %v", sent, err)
	}
}

func TestFailedAlertIsRetriedOnNextSnapshot(t *testing.T) {
	hook := newWebhook(t)
	defer hook.srv.Close()
	hook.status = http.StatusInternalServerError

	clock := &fakeClock{now: time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)}
	n := NewNotifier(discord.NewClient(hook.srv.URL, nil), time.Minute, clock, logger.Nop())
	snap := testSnapshot(clock.now)

	if _, err := n.Notify(context.Background(), snap); err == nil {
		t.Fatal("Expected an error from the webhook")
	}

	hook.mu.Lock()
	hook.status = http.StatusNoContent
	hook.mu.Unlock()

	sent, err := n.Notify(context.Background(), snap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sent != 1 {
		t.Errorf("Expected the failed alert to be sent, got %d", sent)
	}
}

func TestSweepExpired(t *testing.T) {
	hook := newWebhook(t)
	defer hook.srv.Close()

	clock := &fakeClock{now: time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)}
	n := NewNotifier(discord.NewClient(hook.srv.URL, nil), 2*time.Minute, clock, logger.Nop())
	if _, err := n.Notify(context.Background(), testSnapshot(clock.now)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if removed := n.SweepExpired(); removed != 0 {
		t.Errorf("Expected nothing swept yet, got %d", removed)
	}
	clock.now = clock.now.Add(2 * time.Hour)
	if removed := n.SweepExpired(); removed != 2 {
		t.Errorf("Expected 2 entries swept, got %d", removed)
	}
}
