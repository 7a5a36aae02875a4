package ledger

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheTTL = 30 * time.Second

// BalanceCache is a best-effort read cache for account snapshots. The store
// stays authoritative: every write invalidates, misses and redis errors fall
// through to the store.
type BalanceCache struct {
	client *redis.Client
}

// NewBalanceCache creates a cache backed by the given redis client.
func NewBalanceCache(client *redis.Client) *BalanceCache {
	return &BalanceCache{client: client}
}

func cacheKey(accountID string) string {
	return "balance:account:" + accountID
}

// Get returns the cached snapshot, if present.
func (c *BalanceCache) Get(ctx context.Context, accountID string) (*Account, bool) {
	val, err := c.client.Get(ctx, cacheKey(accountID)).Result()
	if err != nil {
		return nil, false
	}
	var acct Account
	if err := json.Unmarshal([]byte(val), &acct); err != nil {
		return nil, false
	}
	return &acct, true
}

// Set stores the snapshot with a short TTL.
func (c *BalanceCache) Set(ctx context.Context, acct *Account) {
	data, err := json.Marshal(acct)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, cacheKey(acct.ID), data, cacheTTL).Err()
}

// Invalidate drops the cached snapshot.
func (c *BalanceCache) Invalidate(ctx context.Context, accountID string) {
	_ = c.client.Del(ctx, cacheKey(accountID)).Err()
}
