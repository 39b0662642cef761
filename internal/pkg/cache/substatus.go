package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	subStatusKeyPrefix = "org_sub_status:"
	subStatusTTL       = 15 * time.Minute
)

// StatusCache caches subscription status lookups per organization. It is an
// explicit capability the billing flows invalidate after every committed
// status or quota write, instead of an ambient global.
type StatusCache interface {
	Lookup(ctx context.Context, orgID uint) (string, bool)
	Fill(ctx context.Context, orgID uint, status string)
	Invalidate(ctx context.Context, orgID uint) error
}

type redisStatusCache struct {
	client *redis.Client
}

// NewStatusCache creates a redis-backed subscription status cache.
func NewStatusCache(client *redis.Client) StatusCache {
	if client == nil {
		client = GetClient()
	}
	return &redisStatusCache{client: client}
}

func subStatusKey(orgID uint) string {
	return fmt.Sprintf("%s%d", subStatusKeyPrefix, orgID)
}

func (c *redisStatusCache) Lookup(ctx context.Context, orgID uint) (string, bool) {
	val, err := c.client.Get(ctx, subStatusKey(orgID)).Result()
	if err != nil {
		return "", false
	}
	return val, true
}

func (c *redisStatusCache) Fill(ctx context.Context, orgID uint, status string) {
	// Best effort; a failed fill only costs an extra DB lookup later.
	_ = c.client.Set(ctx, subStatusKey(orgID), status, subStatusTTL).Err()
}

func (c *redisStatusCache) Invalidate(ctx context.Context, orgID uint) error {
	return c.client.Del(ctx, subStatusKey(orgID)).Err()
}
