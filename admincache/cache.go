// Package admincache keeps a short-lived per-conversation copy of group
// administrator lists so inbound messages do not each cost a metadata
// round trip.
package admincache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/nicebartender/chat-relay/protocol"
)

// DefaultTTL is how long a fetched admin list is served without refetching.
const DefaultTTL = 60 * time.Second

// Fetcher loads group metadata. The current protocol session satisfies it.
type Fetcher interface {
	GroupMetadata(ctx context.Context, chatID string) (*protocol.GroupMetadata, error)
}

type entry struct {
	admins    []string
	fetchedAt time.Time
}

// Cache maps conversation ids to their admin sets. Expiry is checked on
// read; nothing sweeps the map in the background.
type Cache struct {
	ttl   time.Duration
	clock clockwork.Clock

	mu      sync.Mutex
	entries map[string]entry
	// gens is bumped by Invalidate. A fetch only stores its result if the
	// generation it started under is still current.
	gens map[string]uint64

	flight singleflight.Group
}

func New(ttl time.Duration, clock clockwork.Clock) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Cache{
		ttl:     ttl,
		clock:   clock,
		entries: make(map[string]entry),
		gens:    make(map[string]uint64),
	}
}

// Get returns the admins of chatID, fetching through f when there is no
// entry younger than the TTL. Fetch failures are cached as an empty set,
// except failures of a closed session.
func (c *Cache) Get(ctx context.Context, f Fetcher, chatID string) []string {
	c.mu.Lock()
	if e, ok := c.entries[chatID]; ok && c.clock.Since(e.fetchedAt) < c.ttl {
		c.mu.Unlock()
		return e.admins
	}
	gen := c.gens[chatID]
	c.mu.Unlock()

	v, _, _ := c.flight.Do(chatID, func() (interface{}, error) {
		return c.fetch(ctx, f, chatID, gen), nil
	})
	return v.([]string)
}

func (c *Cache) fetch(ctx context.Context, f Fetcher, chatID string, gen uint64) []string {
	admins := []string{}
	meta, err := f.GroupMetadata(ctx, chatID)
	if errors.Is(err, protocol.ErrSessionClosed) {
		// The next session should fetch for itself.
		slog.Debug("admin fetch on closed session, not caching", "chat", chatID, "err", err)
		return admins
	}
	if err != nil {
		slog.Warn("admin fetch failed, caching empty set", "chat", chatID, "err", err)
	} else {
		for _, p := range meta.Participants {
			if p.IsAdmin() {
				admins = append(admins, p.ID)
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[chatID] == gen {
		c.entries[chatID] = entry{admins: admins, fetchedAt: c.clock.Now()}
	}
	return admins
}

// Invalidate drops the entry for chatID. The next Get fetches again even if
// the old entry had TTL left, and an in-flight fetch will not repopulate it.
func (c *Cache) Invalidate(chatID string) {
	c.mu.Lock()
	delete(c.entries, chatID)
	c.gens[chatID]++
	c.mu.Unlock()
	c.flight.Forget(chatID)
}

// Len reports the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
