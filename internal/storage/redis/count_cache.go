package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const DefaultCacheTTL = 5 * time.Minute

// CountCache stores active seat counts as plain integers with a TTL.
type CountCache struct {
	client *goredis.Client
	prefix string
	ttl    time.Duration
}

func NewCountCache(client *goredis.Client, prefix string, ttl time.Duration) *CountCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CountCache{client: client, prefix: prefix + "active:", ttl: ttl}
}

func (c *CountCache) Get(ctx context.Context, serialID uuid.UUID) (int, bool, error) {
	raw, err := c.client.Get(ctx, c.key(serialID)).Result()
	if errors.Is(err, goredis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get active count: %w", err)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("decode active count %q: %w", raw, err)
	}
	return n, true, nil
}

func (c *CountCache) Set(ctx context.Context, serialID uuid.UUID, count int) error {
	return c.client.Set(ctx, c.key(serialID), count, c.ttl).Err()
}

func (c *CountCache) Invalidate(ctx context.Context, serialID uuid.UUID) error {
	return c.client.Del(ctx, c.key(serialID)).Err()
}

func (c *CountCache) key(serialID uuid.UUID) string {
	return c.prefix + serialID.String()
}
