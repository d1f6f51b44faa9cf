package usage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryCountCache keeps active counts in process with an optional TTL.
type MemoryCountCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[uuid.UUID]cachedCount
	now     func() time.Time
}

type cachedCount struct {
	count   int
	expires time.Time
}

// NewMemoryCountCache returns a cache whose entries live for ttl. A zero ttl
// keeps entries until invalidated.
func NewMemoryCountCache(ttl time.Duration) *MemoryCountCache {
	return &MemoryCountCache{
		ttl:     ttl,
		entries: make(map[uuid.UUID]cachedCount),
		now:     time.Now,
	}
}

func (c *MemoryCountCache) Get(_ context.Context, serialID uuid.UUID) (int, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[serialID]
	c.mu.RUnlock()
	if !ok {
		return 0, false, nil
	}
	if !entry.expires.IsZero() && !c.now().Before(entry.expires) {
		c.mu.Lock()
		delete(c.entries, serialID)
		c.mu.Unlock()
		return 0, false, nil
	}
	return entry.count, true, nil
}

func (c *MemoryCountCache) Set(_ context.Context, serialID uuid.UUID, count int) error {
	entry := cachedCount{count: count}
	if c.ttl > 0 {
		entry.expires = c.now().Add(c.ttl)
	}
	c.mu.Lock()
	c.entries[serialID] = entry
	c.mu.Unlock()
	return nil
}

func (c *MemoryCountCache) Invalidate(_ context.Context, serialID uuid.UUID) error {
	c.mu.Lock()
	delete(c.entries, serialID)
	c.mu.Unlock()
	return nil
}
