package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ssellini/EMT/internal/alerts"
	"github.com/ssellini/EMT/internal/common/config"
	"github.com/ssellini/EMT/internal/common/db"
	"github.com/ssellini/EMT/internal/common/discord"
	"github.com/ssellini/EMT/internal/common/httpx"
	"github.com/ssellini/EMT/internal/common/logger"
	"github.com/ssellini/EMT/internal/common/maintenance"
	"github.com/ssellini/EMT/internal/emtapi"
	"github.com/ssellini/EMT/internal/retrieval"
	"github.com/ssellini/EMT/internal/retrieval/cache"
	"github.com/ssellini/EMT/internal/stops"
	"github.com/ssellini/EMT/internal/visor"
	"github.com/ssellini/EMT/pkg/emt/models"
)

type app struct {
	cfg       *config.Config
	log       logger.Logger
	out       *renderer
	service   *retrieval.Service
	refresher *retrieval.Refresher
	notifier  *alerts.Notifier
	sweeper   *maintenance.SweepScheduler
	store     stops.Store
	database  *db.DB
}

func newApp(ctx context.Context, cfg *config.Config, log logger.Logger, out *renderer) (*app, error) {
	a := &app{cfg: cfg, log: log, out: out}

	exec := httpx.NewExecutor(nil, httpx.Options{
		Timeout:      cfg.Retrieval.RequestTimeout,
		Connectivity: httpx.InterfaceConnectivity{},
	}, log.With("component", "http"))

	var primary retrieval.Source
	if cfg.API.Enabled() {
		tokens := emtapi.NewTokenManager(
			&http.Client{Timeout: cfg.Retrieval.RequestTimeout},
			cfg.API.BaseURL,
			emtapi.Credentials{ClientID: cfg.API.ClientID, PassKey: cfg.API.PassKey},
			cfg.API.TokenMargin,
			nil,
			log.With("component", "token"),
		)
		primary = emtapi.NewClient(cfg.API.BaseURL, tokens, exec, cfg.API.MaxAttempts, nil, log.With("component", "emtapi"))
	} else {
		log.Info("EMT API disabled (no credentials), using the visor only")
	}

	proxies := make([]visor.Proxy, 0, len(cfg.Visor.Proxies))
	for _, p := range cfg.Visor.Proxies {
		proxies = append(proxies, visor.Proxy{Name: p.Name, Template: p.Template})
	}
	router := visor.NewRouter(proxies, cfg.Visor.Attempts, exec, log.With("component", "proxy"))
	scraper := visor.NewScraper(cfg.Visor.URL, router, nil, log.With("component", "visor"))

	arrivals := cache.New(cfg.Retrieval.CacheTTL, nil, log.With("component", "cache"))
	a.service = retrieval.NewService(primary, scraper, arrivals, retrieval.Options{
		Connectivity: httpx.InterfaceConnectivity{},
		Dedupe:       cfg.Retrieval.Dedupe,
	}, log.With("component", "retrieval"))

	webhook := discord.NewClient(cfg.Alerts.WebhookURL, nil)
	a.notifier = alerts.NewNotifier(webhook, cfg.Alerts.Threshold, nil, log.With("component", "alerts"))

	m := maintenance.New(log.With("component", "maintenance"))
	m.Register("arrivals_cache", arrivals)
	m.Register("alerts", a.notifier)
	a.sweeper = maintenance.NewSweepScheduler(m, log, maintenance.SchedulerConfig{Interval: cfg.Retrieval.SweepInterval})

	if cfg.Database.Enabled {
		database, err := db.New(ctx, cfg.Database.ConnectionString(), log.With("component", "db"))
		if err != nil {
			return nil, fmt.Errorf("connecting to database: %w", err)
		}
		store := stops.NewPostgresStore(database, nil)
		if err := store.EnsureSchema(ctx); err != nil {
			database.Close()
			return nil, err
		}
		a.database = database
		a.store = store
	} else {
		a.store = stops.NewMemoryStore(nil)
	}

	a.refresher = retrieval.NewRefresher(a.service, cfg.Retrieval.RefreshInterval, a.onUpdate, log.With("component", "refresher"))
	return a, nil
}

func (a *app) close() {
	a.refresher.Stop()
	a.sweeper.Stop()
	if a.database != nil {
		if err := a.database.Close(); err != nil {
			a.log.Warn("Failed to close database", "error", err)
		}
	}
}

// run executes the commands selected on the command line in a fixed order:
// list edits first, then listings, then the board.
func (a *app) run(ctx context.Context, opts options, in io.Reader) error {
	if opts.clearHistory {
		if err := a.store.ClearHistory(ctx); err != nil {
			return err
		}
		a.out.Message("History cleared.")
	}
	if opts.importFavorites != "" {
		if err := a.importFavorites(ctx, opts.importFavorites); err != nil {
			return err
		}
	}
	if opts.toggleFavorite != "" {
		if err := a.toggleFavorite(ctx, opts.toggleFavorite); err != nil {
			return err
		}
	}
	if opts.exportFavorites != "" {
		if err := a.exportFavorites(ctx, opts.exportFavorites); err != nil {
			return err
		}
	}
	if opts.listFavorites {
		favs, err := a.store.Favorites(ctx)
		if err != nil {
			return err
		}
		a.out.Favorites(favs)
	}
	if opts.listHistory {
		history, err := a.store.History(ctx)
		if err != nil {
			return err
		}
		a.out.History(history)
	}

	switch {
	case opts.watch:
		return a.watch(ctx, opts.stopID, in)
	case opts.stopID != "":
		return a.lookup(ctx, opts.stopID)
	}
	return nil
}

// lookup shows a stop once
func (a *app) lookup(ctx context.Context, rawStopID string) error {
	res, err := a.service.FetchBusTimes(ctx, rawStopID)
	if err != nil {
		return err
	}
	a.show(ctx, res)
	return nil
}

// watch reads commands from in until it is closed, q is entered or ctx ends
func (a *app) watch(ctx context.Context, rawStopID string, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.sweeper.Start(ctx); err != nil {
		return err
	}

	if rawStopID != "" {
		a.search(ctx, rawStopID)
	}
	a.out.Message("Commands: <stop number>, r refresh, f favorite, h history, s favorites, q quit")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := a.command(ctx, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

func (a *app) command(ctx context.Context, cmd string) (quit bool) {
	switch strings.ToLower(cmd) {
	case "":
	case "q", "quit", "exit":
		return true
	case "r":
		res, err := a.refresher.RefreshNow(ctx)
		switch {
		case errors.Is(err, retrieval.ErrRefreshInProgress):
			a.out.Message("A refresh is already running.")
		case errors.Is(err, retrieval.ErrNoStopDisplayed):
			a.out.Message("Search for a stop first.")
		case err != nil:
			a.out.Error(err)
		default:
			a.show(ctx, res)
		}
	case "f":
		current := a.refresher.Current()
		if current == "" {
			a.out.Message("Search for a stop first.")
			return false
		}
		if err := a.toggleFavorite(ctx, current); err != nil {
			a.out.Error(err)
		}
	case "h":
		history, err := a.store.History(ctx)
		if err != nil {
			a.out.Error(err)
			return false
		}
		a.out.History(history)
	case "s":
		favs, err := a.store.Favorites(ctx)
		if err != nil {
			a.out.Error(err)
			return false
		}
		a.out.Favorites(favs)
	default:
		a.search(ctx, cmd)
	}
	return false
}

func (a *app) search(ctx context.Context, rawStopID string) {
	res, err := a.refresher.Search(ctx, rawStopID)
	if err != nil {
		a.out.Error(err)
		return
	}
	a.show(ctx, res)
}

// onUpdate receives timer refreshes from the refresher
func (a *app) onUpdate(u retrieval.Update) {
	if u.Manual {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Retrieval.RequestTimeout)
	defer cancel()

	if u.Err != nil {
		a.out.Error(u.Err)
		return
	}
	a.show(ctx, u.Result)
}

// show records the stop in history, sends due alerts and renders the board
func (a *app) show(ctx context.Context, res *models.Result) {
	stop := stops.FromSnapshot(res.ArrivalSnapshot)
	if err := a.store.AddHistory(ctx, stop); err != nil {
		a.log.Warn("Failed to record history", "stop_id", stop.ID, "error", err)
	}

	if _, err := a.notifier.Notify(ctx, res.ArrivalSnapshot); err != nil {
		a.log.Warn("Failed to send arrival alerts", "stop_id", stop.ID, "error", err)
	}

	favorite, err := a.store.IsFavorite(ctx, stop.ID)
	if err != nil {
		a.log.Warn("Failed to check favorite", "stop_id", stop.ID, "error", err)
	}
	if err := a.out.Board(res, favorite); err != nil {
		a.log.Error("Failed to render board", "error", err)
	}
}

// toggleFavorite looks the stop up first so the favorite carries its name
func (a *app) toggleFavorite(ctx context.Context, rawStopID string) error {
	stopID, err := models.ValidateStopID(rawStopID)
	if err != nil {
		return err
	}

	stop := stops.Stop{ID: stopID, Name: "Parada " + stopID}
	if favorite, err := a.store.IsFavorite(ctx, stopID); err == nil && !favorite {
		if res, err := a.service.FetchBusTimes(ctx, stopID); err == nil {
			stop = stops.FromSnapshot(res.ArrivalSnapshot)
		} else {
			a.log.Warn("Could not resolve stop name", "stop_id", stopID, "error", err)
		}
	}

	added, err := a.store.ToggleFavorite(ctx, stop)
	if err != nil {
		return err
	}
	if added {
		a.out.Message(fmt.Sprintf("Stop %s added to favorites.", stopID))
	} else {
		a.out.Message(fmt.Sprintf("Stop %s removed from favorites.", stopID))
	}
	return nil
}

func (a *app) exportFavorites(ctx context.Context, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := stops.ExportFavorites(ctx, a.store, f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	a.out.Message(fmt.Sprintf("Favorites exported to %s.", path))
	return nil
}

func (a *app) importFavorites(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	added, err := stops.ImportFavorites(ctx, a.store, f, time.Now())
	if err != nil {
		return err
	}
	a.out.Message(fmt.Sprintf("%d favorites imported.", added))
	return nil
}
