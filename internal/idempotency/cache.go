// Package idempotency caches completed transfer results keyed by the
// client-supplied idempotency key. The cache is advisory: the unique
// constraint on transactions.idempotency_key is the durable guarantee, this
// layer only makes replays cheap.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/redis/go-redis/v9"

	"payments-core/internal/domain"
)

type Cache struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Cache { return &Cache{rdb: rdb} }

func cacheKey(key string) string {
	return fmt.Sprintf("idempotency:%s", key)
}

// Get returns the cached result for key, or (nil, false) on miss.
func (c *Cache) Get(ctx context.Context, key string) (*domain.TransferResult, bool, error) {
	b, err := c.rdb.Get(ctx, cacheKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("idempotency: get: %w", err)
	}
	var res domain.TransferResult
	if err := json.Unmarshal(b, &res); err != nil {
		// A corrupt record is treated as a miss; the DB constraint still
		// protects against double execution.
		return nil, false, nil
	}
	return &res, true, nil
}

// Set stores the completed result under key for ttl. The stored bytes are
// canonicalized so replays are byte-stable across processes.
func (c *Cache) Set(ctx context.Context, key string, res domain.TransferResult, ttl time.Duration) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("idempotency: marshal: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return fmt.Errorf("idempotency: canonicalize: %w", err)
	}
	if err := c.rdb.Set(ctx, cacheKey(key), canon, ttl).Err(); err != nil {
		return fmt.Errorf("idempotency: set: %w", err)
	}
	return nil
}
