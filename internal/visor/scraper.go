package visor

import (
	"context"
	"fmt"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/ssellini/EMT/internal/common/logger"
	"github.com/ssellini/EMT/pkg/emt/models"
)

const DefaultVisorURL = "https://www.emtmadrid.es/PMVVisor/pmv.aspx"

// Scraper reads arrivals from the legacy visor page through the proxy router
type Scraper struct {
	visorURL string
	router   *Router
	clock    backoff.Clock
	logger   logger.Logger
}

func NewScraper(visorURL string, router *Router, clock backoff.Clock, log logger.Logger) *Scraper {
	if visorURL == "" {
		visorURL = DefaultVisorURL
	}
	if clock == nil {
		clock = backoff.SystemClock
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Scraper{
		visorURL: visorURL,
		router:   router,
		clock:    clock,
		logger:   log,
	}
}

// PageURL returns the visor page of a stop
func PageURL(visorURL, stopID string) string {
	sep := "?"
	if strings.Contains(visorURL, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%sstopnum=%s&size=3", visorURL, sep, stopID)
}

func (s *Scraper) Arrivals(ctx context.Context, stopID string) (*models.ArrivalSnapshot, error) {
	body, err := s.router.Fetch(ctx, PageURL(s.visorURL, stopID))
	if err != nil {
		return nil, fmt.Errorf("scraping visor: %w", err)
	}

	snap, err := Parse(body, stopID, s.clock.Now())
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Arrivals scraped from visor",
		"stop_id", stopID,
		"stop_name", snap.StopName,
		"arrivals", len(snap.Arrivals))
	return snap, nil
}
