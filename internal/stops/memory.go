package stops

import (
	"context"
	"slices"
	"sync"

	"github.com/cenkalti/backoff/v4"
)

// MemoryStore is a process-local Store
type MemoryStore struct {
	clock backoff.Clock

	mu        sync.Mutex
	history   []HistoryEntry
	favorites []Favorite
}

func NewMemoryStore(clock backoff.Clock) *MemoryStore {
	if clock == nil {
		clock = backoff.SystemClock
	}
	return &MemoryStore{clock: clock}
}

func (s *MemoryStore) AddHistory(_ context.Context, stop Stop) error {
	if err := validStop(stop); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	history := make([]HistoryEntry, 0, MaxHistory)
	history = append(history, HistoryEntry{Stop: stop, VisitedAt: s.clock.Now()})
	for _, e := range s.history {
		if e.ID != stop.ID && len(history) < MaxHistory {
			history = append(history, e)
		}
	}
	s.history = history
	return nil
}

func (s *MemoryStore) History(context.Context) ([]HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history), nil
}

func (s *MemoryStore) ClearHistory(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = nil
	return nil
}

func (s *MemoryStore) ToggleFavorite(_ context.Context, stop Stop) (bool, error) {
	if err := validStop(stop); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if i := s.indexLocked(stop.ID); i >= 0 {
		s.favorites = slices.Delete(s.favorites, i, i+1)
		return false, nil
	}
	s.favorites = append(s.favorites, Favorite{Stop: stop, AddedAt: s.clock.Now()})
	return true, nil
}

func (s *MemoryStore) AddFavorite(_ context.Context, fav Favorite) (bool, error) {
	if err := validStop(fav.Stop); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.indexLocked(fav.ID) >= 0 {
		return false, nil
	}
	s.favorites = append(s.favorites, fav)
	return true, nil
}

func (s *MemoryStore) RemoveFavorite(_ context.Context, stopID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i := s.indexLocked(stopID); i >= 0 {
		s.favorites = slices.Delete(s.favorites, i, i+1)
	}
	return nil
}

func (s *MemoryStore) IsFavorite(_ context.Context, stopID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indexLocked(stopID) >= 0, nil
}

func (s *MemoryStore) Favorites(context.Context) ([]Favorite, error) {
	s.mu.Lock()
	favs := slices.Clone(s.favorites)
	s.mu.Unlock()

	// newest first; ties keep insertion order reversed
	slices.Reverse(favs)
	slices.SortStableFunc(favs, func(a, b Favorite) int {
		return b.AddedAt.Compare(a.AddedAt)
	})
	return favs, nil
}

func (s *MemoryStore) indexLocked(stopID string) int {
	return slices.IndexFunc(s.favorites, func(f Favorite) bool { return f.ID == stopID })
}
