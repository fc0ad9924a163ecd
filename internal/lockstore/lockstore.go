// Package lockstore provides short-lived per-account advisory locks in
// Redis. Both locks of a transfer are taken in lexicographic account-ID
// order, so two concurrent transfers over the same unordered pair can never
// deadlock AB/BA.
package lockstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only when the stored token still belongs to
// this acquisition, so an expired holder can never delete a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Store struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

// PairHandle identifies one successful paired acquisition.
type PairHandle struct {
	keys  [2]string
	token string
}

func lockKey(id uuid.UUID) string {
	return fmt.Sprintf("lock:account:%s", id)
}

// AcquirePair takes both account locks in sorted order. It returns
// (nil, false, nil) when either lock is already held; the caller maps that
// to a busy rejection. Store errors fail the call — locks are
// correctness-critical and never fail open.
func (s *Store) AcquirePair(ctx context.Context, a, b uuid.UUID, ttl time.Duration) (*PairHandle, bool, error) {
	first, second := lockKey(a), lockKey(b)
	if second < first {
		first, second = second, first
	}
	token := uuid.NewString()

	ok, err := s.rdb.SetNX(ctx, first, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lockstore: acquire %s: %w", first, err)
	}
	if !ok {
		return nil, false, nil
	}

	ok, err = s.rdb.SetNX(ctx, second, token, ttl).Result()
	if err != nil || !ok {
		// Give the first lock back before reporting; a failed release here
		// is bounded by the TTL.
		_, _ = releaseScript.Run(ctx, s.rdb, []string{first}, token).Result()
		if err != nil {
			return nil, false, fmt.Errorf("lockstore: acquire %s: %w", second, err)
		}
		return nil, false, nil
	}

	return &PairHandle{keys: [2]string{first, second}, token: token}, true, nil
}

// Release drops both locks of the pair, token-guarded. Safe to call with a
// nil handle.
func (s *Store) Release(ctx context.Context, h *PairHandle) error {
	if h == nil {
		return nil
	}
	var firstErr error
	for _, k := range h.keys {
		if _, err := releaseScript.Run(ctx, s.rdb, []string{k}, h.token).Result(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("lockstore: release %s: %w", k, err)
		}
	}
	return firstErr
}
