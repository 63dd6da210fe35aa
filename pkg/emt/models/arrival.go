package models

import (
	"slices"
	"time"
)

// Source identifies which retrieval path produced a snapshot
type Source string

const (
	SourceAPI   Source = "api"
	SourceVisor Source = "visor"
)

// ArrivalRecord is one predicted arrival of a line at a stop.
// ETASeconds is always expressed in seconds regardless of the source;
// turning it into display text is left to the presentation layer.
type ArrivalRecord struct {
	Line           string `json:"line"`
	Destination    string `json:"destination"`
	ETASeconds     int    `json:"eta_seconds"`
	DistanceMeters int    `json:"distance_meters,omitempty"`
}

// ETA returns the estimated wait as a duration
func (r ArrivalRecord) ETA() time.Duration {
	return time.Duration(r.ETASeconds) * time.Second
}

// ArrivalSnapshot is the normalized arrival board for a stop
type ArrivalSnapshot struct {
	StopID      string          `json:"stop_id"`
	StopName    string          `json:"stop_name"`
	StopAddress string          `json:"stop_address,omitempty"`
	Arrivals    []ArrivalRecord `json:"arrivals"`
	Timestamp   time.Time       `json:"timestamp"`
	Source      Source          `json:"source"`
}

// Clone returns a copy that does not share the arrivals slice
func (s ArrivalSnapshot) Clone() ArrivalSnapshot {
	s.Arrivals = slices.Clone(s.Arrivals)
	return s
}

// Result is what the retrieval service hands to its callers
type Result struct {
	ArrivalSnapshot
	FromCache    bool `json:"from_cache,omitempty"`
	Expired      bool `json:"expired,omitempty"`
	FromScraping bool `json:"from_scraping,omitempty"`
}
