package history

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/allowance/internal/txlog"
)

const cachePrefix = "history:v1:"

// Cache holds recently computed histories in Redis. A nil client or zero TTL
// disables it.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache builds a history cache.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

func (c *Cache) enabled() bool {
	return c != nil && c.client != nil && c.ttl > 0
}

func cacheKey(dependent, wallet common.Address) string {
	return cachePrefix + strings.ToLower(dependent.Hex()) + ":" + strings.ToLower(wallet.Hex())
}

// Get returns the cached history and whether it was present.
func (c *Cache) Get(ctx context.Context, dependent, wallet common.Address) ([]txlog.Record, bool, error) {
	if !c.enabled() {
		return nil, false, nil
	}
	raw, err := c.client.Get(ctx, cacheKey(dependent, wallet)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var recs []txlog.Record
	if err := json.Unmarshal(raw, &recs); err != nil {
		return nil, false, err
	}
	return recs, true, nil
}

// Set stores recs for the configured TTL.
func (c *Cache) Set(ctx context.Context, dependent, wallet common.Address, recs []txlog.Record) error {
	if !c.enabled() {
		return nil
	}
	if recs == nil {
		recs = []txlog.Record{}
	}
	payload, err := json.Marshal(recs)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, cacheKey(dependent, wallet), payload, c.ttl).Err()
}

// Invalidate drops the cached history.
func (c *Cache) Invalidate(ctx context.Context, dependent, wallet common.Address) error {
	if !c.enabled() {
		return nil
	}
	return c.client.Del(ctx, cacheKey(dependent, wallet)).Err()
}
