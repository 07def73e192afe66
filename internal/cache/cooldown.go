package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// CooldownCache accelerates the evaluator's "is this policy still in
// cooldown" check with Redis, so a busy deployment doesn't round-trip the
// store on every tick for a policy that obviously hasn't cleared its
// cooldown yet. It stores the cooldown's expiry instant as a key TTL: the
// key existing means still-cooling, an expired/missing key means check the
// store. A Redis outage degrades to more store reads, never to incorrect
// alerts, since the evaluator always treats a cache miss as "ask the
// store."
type CooldownCache struct {
	client *redis.Client
	prefix string
}

// NewCooldownCache wraps an existing redis client. keyPrefix namespaces
// keys (e.g. "apiwatch:cooldown:") to share a Redis instance safely.
func NewCooldownCache(client *redis.Client, keyPrefix string) *CooldownCache {
	return &CooldownCache{client: client, prefix: keyPrefix}
}

func (c *CooldownCache) key(policyID uuid.UUID) string {
	return c.prefix + policyID.String()
}

// Get returns the cooldown expiry for policyID if the cache holds a
// not-yet-expired entry for it.
func (c *CooldownCache) Get(ctx context.Context, policyID uuid.UUID) (time.Time, bool) {
	val, err := c.client.Get(ctx, c.key(policyID)).Result()
	if err != nil {
		return time.Time{}, false
	}
	unixNano, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, unixNano), true
}

// Set records that policyID is in cooldown until until. ttl controls how
// long the Redis key itself lives; pass 0 to derive it from until-now.
func (c *CooldownCache) Set(ctx context.Context, policyID uuid.UUID, until time.Time, ttl time.Duration) {
	if ttl <= 0 {
		ttl = time.Until(until)
		if ttl <= 0 {
			return
		}
	}
	c.client.Set(ctx, c.key(policyID), fmt.Sprintf("%d", until.UnixNano()), ttl)
}
