package cache

import (
	"sync"
	"time"

	"github.com/bluele/gcache"
	"github.com/cenkalti/backoff/v4"
	"github.com/ssellini/EMT/internal/common/logger"
	"github.com/ssellini/EMT/pkg/emt/models"
)

const DefaultTTL = 5 * time.Minute

// Entry is a cached snapshot and the time it was fetched
type Entry struct {
	Snapshot  models.ArrivalSnapshot
	FetchedAt time.Time
}

// Cache keeps the last successful snapshot per stop. Entries past the TTL are
// kept so they can be served as a stale fallback until swept.
type Cache struct {
	store  gcache.Cache
	ttl    time.Duration
	clock  backoff.Clock
	logger logger.Logger

	// serialises writers with SweepExpired
	mu sync.Mutex
}

func New(ttl time.Duration, clock backoff.Clock, log logger.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = backoff.SystemClock
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Cache{
		store:  gcache.New(0).Simple().Build(),
		ttl:    ttl,
		clock:  clock,
		logger: log,
	}
}

// Get returns the entry for a stop whether or not it is still fresh
func (c *Cache) Get(stopID string) (Entry, bool) {
	v, err := c.store.Get(stopID)
	if err != nil {
		return Entry{}, false
	}
	e := v.(Entry)
	e.Snapshot = e.Snapshot.Clone()
	return e, true
}

// Put stores a copy of snap stamped with the current time
func (c *Cache) Put(snap *models.ArrivalSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.store.Set(snap.StopID, Entry{
		Snapshot:  snap.Clone(),
		FetchedAt: c.clock.Now(),
	})
}

// IsFresh reports whether e is younger than the TTL
func (c *Cache) IsFresh(e Entry) bool {
	return c.clock.Now().Sub(e.FetchedAt) < c.ttl
}

func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.store.Len(false)
	c.store.Purge()
	c.logger.Debug("Cache cleared", "entries", n)
}

// SweepExpired drops entries older than the TTL and returns how many were removed
func (c *Cache) SweepExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	removed := 0
	for _, key := range c.store.Keys(false) {
		v, err := c.store.Get(key)
		if err != nil {
			continue
		}
		if now.Sub(v.(Entry).FetchedAt) > c.ttl {
			if c.store.Remove(key) {
				removed++
			}
		}
	}

	if removed > 0 {
		c.logger.Debug("Expired cache entries swept", "removed", removed)
	}
	return removed
}

func (c *Cache) Len() int {
	return c.store.Len(false)
}

func (c *Cache) TTL() time.Duration {
	return c.ttl
}
