package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ssellini/EMT/internal/common/config"
	"github.com/ssellini/EMT/internal/common/logger"
	"github.com/ssellini/EMT/internal/display"
	"github.com/ssellini/EMT/internal/stops"
)

func newTestApp(t *testing.T) (*app, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	r := newRenderer(&out, &bytes.Buffer{}, false, false, display.Filter{})

	a, err := newApp(context.Background(), config.Default(), logger.Nop(), r)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	t.Cleanup(a.close)
	return a, &out
}

func TestRunFavoritesRoundTrip(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.json")
	exported := filepath.Join(dir, "out.json")
	doc := `[{"id":"5998","name":"Castellana"},{"id":"72","name":"Atocha"},{"id":"","name":"skip"}]`
	if err := os.WriteFile(in, []byte(doc), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	a, out := newTestApp(t)
	opts := options{
		importFavorites: in,
		// already a favorite after the import, so toggling removes it offline
		toggleFavorite:  "72",
		exportFavorites: exported,
		listFavorites:   true,
	}
	if err := a.run(context.Background(), opts, strings.NewReader("")); err != nil {
		t.Fatalf("run: %v", err)
	}

	got := out.String()
	for _, want := range []string{"2 favorites imported.", "Stop 72 removed from favorites.", "★ 5998"} {
		if !strings.Contains(got, want) {
			t.Errorf("Expected output to contain %q, got:\n%s", want, got)
		}
	}

	data, err := os.ReadFile(exported)
	if err != nil {
		t.Fatalf("reading export: %v", err)
	}
	var favs []stops.Favorite
	if err := json.Unmarshal(data, &favs); err != nil {
		t.Fatalf("decoding export: %v", err)
	}
	if len(favs) != 1 || favs[0].ID != "5998" {
		t.Errorf("Unexpected exported favorites %+v", favs)
	}
}

func TestRunRejectsInvalidFavorite(t *testing.T) {
	a, _ := newTestApp(t)
	if err := a.run(context.Background(), options{toggleFavorite: "abc"}, strings.NewReader("")); err == nil {
		t.Error("Expected an invalid stop number to fail")
	}
}

func TestRunHistory(t *testing.T) {
	a, out := newTestApp(t)
	ctx := context.Background()
	if err := a.store.AddHistory(ctx, stops.Stop{ID: "72", Name: "Atocha"}); err != nil {
		t.Fatalf("AddHistory: %v", err)
	}

	if err := a.run(ctx, options{clearHistory: true, listHistory: true}, strings.NewReader("")); err != nil {
		t.Fatalf("run: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "History cleared.") || !strings.Contains(got, "No recent stops.") {
		t.Errorf("Unexpected output:\n%s", got)
	}
}

func TestWatchCommandsWithoutStop(t *testing.T) {
	a, out := newTestApp(t)

	err := a.run(context.Background(), options{watch: true}, strings.NewReader("r\nf\ns\nq\nr\n"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	got := out.String()
	if strings.Count(got, "Search for a stop first.") != 2 {
		t.Errorf("Expected two prompts to search first, got:\n%s", got)
	}
	if !strings.Contains(got, "No favorite stops yet.") {
		t.Errorf("Expected the favorites listing, got:\n%s", got)
	}
}
