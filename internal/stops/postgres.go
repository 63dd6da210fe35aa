package stops

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/ssellini/EMT/internal/common/db"
)

const schema = `
CREATE SCHEMA IF NOT EXISTS emt;

CREATE TABLE IF NOT EXISTS emt.history (
	stop_id    TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	address    TEXT NOT NULL DEFAULT '',
	visited_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS emt.favorites (
	stop_id  TEXT PRIMARY KEY,
	name     TEXT NOT NULL,
	address  TEXT NOT NULL DEFAULT '',
	added_at TIMESTAMPTZ NOT NULL
);
`

// PostgresStore keeps history and favorites in the emt schema
type PostgresStore struct {
	db    *db.DB
	clock backoff.Clock
}

func NewPostgresStore(database *db.DB, clock backoff.Clock) *PostgresStore {
	if clock == nil {
		clock = backoff.SystemClock
	}
	return &PostgresStore{db: database, clock: clock}
}

// EnsureSchema creates the tables when missing
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.DB().ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating stops schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) AddHistory(ctx context.Context, stop Stop) error {
	if err := validStop(stop); err != nil {
		return err
	}

	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO emt.history (stop_id, name, address, visited_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (stop_id) DO UPDATE
			SET name = EXCLUDED.name, address = EXCLUDED.address, visited_at = EXCLUDED.visited_at`,
			stop.ID, stop.Name, stop.Address, s.clock.Now())
		if err != nil {
			return fmt.Errorf("recording history: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			DELETE FROM emt.history
			WHERE stop_id NOT IN (
				SELECT stop_id FROM emt.history ORDER BY visited_at DESC LIMIT $1
			)`, MaxHistory)
		if err != nil {
			return fmt.Errorf("trimming history: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) History(ctx context.Context) ([]HistoryEntry, error) {
	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT stop_id, name, address, visited_at
		FROM emt.history
		ORDER BY visited_at DESC
		LIMIT $1`, MaxHistory)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var history []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.ID, &e.Name, &e.Address, &e.VisitedAt); err != nil {
			return nil, fmt.Errorf("scanning history: %w", err)
		}
		history = append(history, e)
	}
	return history, rows.Err()
}

func (s *PostgresStore) ClearHistory(ctx context.Context) error {
	if _, err := s.db.DB().ExecContext(ctx, `DELETE FROM emt.history`); err != nil {
		return fmt.Errorf("clearing history: %w", err)
	}
	return nil
}

func (s *PostgresStore) ToggleFavorite(ctx context.Context, stop Stop) (bool, error) {
	if err := validStop(stop); err != nil {
		return false, err
	}

	var added bool
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM emt.favorites WHERE stop_id = $1`, stop.ID)
		if err != nil {
			return fmt.Errorf("removing favorite: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO emt.favorites (stop_id, name, address, added_at)
			VALUES ($1, $2, $3, $4)`,
			stop.ID, stop.Name, stop.Address, s.clock.Now())
		if err != nil {
			return fmt.Errorf("adding favorite: %w", err)
		}
		added = true
		return nil
	})
	return added, err
}

func (s *PostgresStore) AddFavorite(ctx context.Context, fav Favorite) (bool, error) {
	if err := validStop(fav.Stop); err != nil {
		return false, err
	}

	res, err := s.db.DB().ExecContext(ctx, `
		INSERT INTO emt.favorites (stop_id, name, address, added_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (stop_id) DO NOTHING`,
		fav.ID, fav.Name, fav.Address, fav.AddedAt)
	if err != nil {
		return false, fmt.Errorf("adding favorite: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("adding favorite: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) RemoveFavorite(ctx context.Context, stopID string) error {
	if _, err := s.db.DB().ExecContext(ctx, `DELETE FROM emt.favorites WHERE stop_id = $1`, stopID); err != nil {
		return fmt.Errorf("removing favorite: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsFavorite(ctx context.Context, stopID string) (bool, error) {
	var exists bool
	err := s.db.DB().QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM emt.favorites WHERE stop_id = $1)`, stopID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking favorite: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) Favorites(ctx context.Context) ([]Favorite, error) {
	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT stop_id, name, address, added_at
		FROM emt.favorites
		ORDER BY added_at DESC, stop_id`)
	if err != nil {
		return nil, fmt.Errorf("querying favorites: %w", err)
	}
	defer rows.Close()

	var favs []Favorite
	for rows.Next() {
		var f Favorite
		if err := rows.Scan(&f.ID, &f.Name, &f.Address, &f.AddedAt); err != nil {
			return nil, fmt.Errorf("scanning favorites: %w", err)
		}
		favs = append(favs, f)
	}
	return favs, rows.Err()
}
