package retrieval

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/ssellini/EMT/internal/common/httpx"
	"github.com/ssellini/EMT/internal/common/logger"
	"github.com/ssellini/EMT/internal/retrieval/cache"
	"github.com/ssellini/EMT/pkg/emt/models"
	"golang.org/x/sync/singleflight"
)

// Source produces a fresh arrival snapshot for a validated stop id
type Source interface {
	Arrivals(ctx context.Context, stopID string) (*models.ArrivalSnapshot, error)
}

type Options struct {
	Connectivity httpx.Connectivity
	// Dedupe makes concurrent fetches of the same stop share one retrieval
	Dedupe bool
}

// Service sequences cache, primary API and visor scraping into a single
// FetchBusTimes call.
type Service struct {
	primary      Source
	fallback     Source
	cache        *cache.Cache
	connectivity httpx.Connectivity
	dedupe       bool
	group        singleflight.Group
	logger       logger.Logger
}

// NewService wires the pipeline. primary may be nil when no API credentials
// are configured, in which case every live fetch goes to the fallback.
func NewService(primary, fallback Source, c *cache.Cache, opts Options, log logger.Logger) *Service {
	if opts.Connectivity == nil {
		opts.Connectivity = httpx.AlwaysOnline
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Service{
		primary:      primary,
		fallback:     fallback,
		cache:        c,
		connectivity: opts.Connectivity,
		dedupe:       opts.Dedupe,
		logger:       log,
	}
}

// FetchBusTimes returns the arrivals of a stop. Invalid ids and a missing
// network fail before anything else is tried. When both live paths fail, the
// last cached entry is served marked as expired.
func (s *Service) FetchBusTimes(ctx context.Context, rawStopID string) (*models.Result, error) {
	stopID, err := models.ValidateStopID(rawStopID)
	if err != nil {
		return nil, err
	}

	if !s.dedupe {
		return s.fetch(ctx, stopID)
	}

	v, err, shared := s.group.Do(stopID, func() (interface{}, error) {
		return s.fetch(ctx, stopID)
	})
	if err != nil {
		return nil, err
	}
	res := v.(*models.Result)
	if !shared {
		return res, nil
	}
	out := *res
	out.ArrivalSnapshot = res.ArrivalSnapshot.Clone()
	return &out, nil
}

// ClearCache drops every cached snapshot so the next fetch goes to the network
func (s *Service) ClearCache() {
	s.cache.Clear()
}

func (s *Service) fetch(ctx context.Context, stopID string) (*models.Result, error) {
	log := s.logger.With("request_id", uuid.NewString(), "stop_id", stopID)

	entry, cached := s.cache.Get(stopID)
	if cached && s.cache.IsFresh(entry) {
		log.Debug("Serving fresh cache entry", "fetched_at", entry.FetchedAt)
		return &models.Result{ArrivalSnapshot: entry.Snapshot, FromCache: true}, nil
	}

	if !s.connectivity.Online(ctx) {
		log.Warn("No network connection")
		return nil, models.ErrOffline
	}

	if s.primary != nil {
		snap, err := s.primary.Arrivals(ctx, stopID)
		if err == nil {
			s.cache.Put(snap)
			log.Debug("Arrivals fetched from primary source", "arrivals", len(snap.Arrivals))
			return &models.Result{ArrivalSnapshot: snap.Clone()}, nil
		}
		if errors.Is(err, models.ErrOffline) {
			return nil, models.ErrOffline
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		log.Warn("Primary source failed, falling back to scraping", "error", err)
	}

	snap, err := s.fallback.Arrivals(ctx, stopID)
	if err == nil {
		s.cache.Put(snap)
		log.Debug("Arrivals fetched by scraping", "arrivals", len(snap.Arrivals))
		return &models.Result{ArrivalSnapshot: snap.Clone(), FromScraping: true}, nil
	}
	if errors.Is(err, models.ErrOffline) {
		return nil, models.ErrOffline
	}

	if cached {
		log.Warn("All sources failed, serving expired cache entry",
			"fetched_at", entry.FetchedAt,
			"error", err)
		return &models.Result{ArrivalSnapshot: entry.Snapshot, FromCache: true, Expired: true}, nil
	}

	log.Error("All sources failed", "error", err)
	return nil, &models.StopError{StopID: stopID, Err: err}
}
