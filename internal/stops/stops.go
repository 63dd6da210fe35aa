package stops

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/ssellini/EMT/pkg/emt/models"
)

// MaxHistory is the number of recent stops kept
const MaxHistory = 5

type Stop struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
}

type HistoryEntry struct {
	Stop
	VisitedAt time.Time `json:"visited_at"`
}

type Favorite struct {
	Stop
	AddedAt time.Time `json:"added_at"`
}

// Store keeps the recent-stops history and the favorites list.
// History is newest first and holds each stop at most once; favorites are
// listed newest first.
type Store interface {
	AddHistory(ctx context.Context, stop Stop) error
	History(ctx context.Context) ([]HistoryEntry, error)
	ClearHistory(ctx context.Context) error

	// ToggleFavorite adds or removes the stop and returns whether it is now a favorite
	ToggleFavorite(ctx context.Context, stop Stop) (bool, error)
	// AddFavorite keeps fav.AddedAt and reports false when the stop was already present
	AddFavorite(ctx context.Context, fav Favorite) (bool, error)
	RemoveFavorite(ctx context.Context, stopID string) error
	IsFavorite(ctx context.Context, stopID string) (bool, error)
	Favorites(ctx context.Context) ([]Favorite, error)
}

// FromSnapshot returns the stop described by an arrival snapshot
func FromSnapshot(snap models.ArrivalSnapshot) Stop {
	return Stop{ID: snap.StopID, Name: snap.StopName, Address: snap.StopAddress}
}

func validStop(stop Stop) error {
	if stop.ID == "" {
		return fmt.Errorf("%w: empty stop id", models.ErrInvalidStopID)
	}
	return nil
}

// ExportFavorites writes the favorites as a JSON array
func ExportFavorites(ctx context.Context, s Store, w io.Writer) error {
	favs, err := s.Favorites(ctx)
	if err != nil {
		return fmt.Errorf("listing favorites: %w", err)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(favs); err != nil {
		return fmt.Errorf("encoding favorites: %w", err)
	}
	return nil
}

// ImportFavorites merges a JSON array of favorites into the store. Entries
// without an id or name, and stops that are already favorites, are skipped.
// It returns how many were added.
func ImportFavorites(ctx context.Context, s Store, r io.Reader, now time.Time) (int, error) {
	var imported []Favorite
	if err := json.NewDecoder(r).Decode(&imported); err != nil {
		return 0, fmt.Errorf("decoding favorites: %w", err)
	}

	added := 0
	for _, fav := range imported {
		if fav.ID == "" || fav.Name == "" {
			continue
		}
		id, err := models.ValidateStopID(fav.ID)
		if err != nil {
			continue
		}
		fav.ID = id
		if fav.AddedAt.IsZero() {
			fav.AddedAt = now
		}

		ok, err := s.AddFavorite(ctx, fav)
		if err != nil {
			return added, fmt.Errorf("adding favorite %s: %w", fav.ID, err)
		}
		if ok {
			added++
		}
	}
	return added, nil
}
