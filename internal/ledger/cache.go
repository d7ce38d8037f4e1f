package ledger

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// balanceCacheTTL bounds staleness of cached balance reads. Mutations
// invalidate eagerly; the TTL only covers missed invalidations.
const balanceCacheTTL = 30 * time.Second

// BalanceCache serves read-only balance lookups from Redis. It is strictly
// an optimization: every method degrades to a no-op on a nil cache or a
// Redis failure, and deduction decisions never consult it.
type BalanceCache struct {
	rdb *redis.Client
}

// NewBalanceCache constructs a balance cache over a Redis client.
func NewBalanceCache(rdb *redis.Client) *BalanceCache {
	if rdb == nil {
		return nil
	}
	return &BalanceCache{rdb: rdb}
}

// Get returns a cached balance, if present.
func (c *BalanceCache) Get(ctx context.Context, userID uint64) (int64, bool) {
	if c == nil || c.rdb == nil {
		return 0, false
	}
	raw, errGet := c.rdb.Get(ctx, balanceKey(userID)).Result()
	if errGet != nil {
		return 0, false
	}
	amount, errParse := strconv.ParseInt(raw, 10, 64)
	if errParse != nil {
		return 0, false
	}
	return amount, true
}

// Set stores a balance read for subsequent lookups.
func (c *BalanceCache) Set(ctx context.Context, userID uint64, amount int64) {
	if c == nil || c.rdb == nil {
		return
	}
	if errSet := c.rdb.Set(ctx, balanceKey(userID), strconv.FormatInt(amount, 10), balanceCacheTTL).Err(); errSet != nil {
		log.WithError(errSet).Debug("balance cache: set failed")
	}
}

// Invalidate drops the cached balance after a mutation.
func (c *BalanceCache) Invalidate(ctx context.Context, userID uint64) {
	if c == nil || c.rdb == nil {
		return
	}
	if errDel := c.rdb.Del(ctx, balanceKey(userID)).Err(); errDel != nil {
		log.WithError(errDel).Debug("balance cache: invalidate failed")
	}
}

func balanceKey(userID uint64) string {
	return fmt.Sprintf("creditledger:balance:%d", userID)
}
