// Package readcache owns the read-side cache key namespace and its
// invalidation. The orchestrator deletes these keys after every committed
// transfer; the read endpoints that populate them live outside the core,
// so the key builders here are the shared contract.
package readcache

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func StatsKey(account uuid.UUID) string {
	return fmt.Sprintf("cache:stats:%s", account)
}

func ChartKey(account uuid.UUID, days int) string {
	return fmt.Sprintf("cache:chart:%s:%d", account, days)
}

func TxnsKey(account uuid.UUID, page, limit int) string {
	return fmt.Sprintf("cache:txns:%s:%d:%d", account, page, limit)
}

func LedgerKey(account uuid.UUID, page, limit int) string {
	return fmt.Sprintf("cache:ledger:%s:%d:%d", account, page, limit)
}

// prefixes with per-request suffixes (days, page, limit) are cleared by
// pattern.
func accountPatterns(account uuid.UUID) []string {
	return []string{
		fmt.Sprintf("cache:chart:%s:*", account),
		fmt.Sprintf("cache:txns:%s:*", account),
		fmt.Sprintf("cache:ledger:%s:*", account),
	}
}

type Invalidator struct {
	rdb *redis.Client
	log zerolog.Logger
}

func NewInvalidator(rdb *redis.Client, log zerolog.Logger) *Invalidator {
	return &Invalidator{rdb: rdb, log: log.With().Str("component", "readcache").Logger()}
}

// InvalidateAccounts deletes every read cache keyed on any of the given
// accounts. Deletes run in parallel and the call waits for all of them; the
// keys are small so this stays fast.
func (i *Invalidator) InvalidateAccounts(ctx context.Context, accounts ...uuid.UUID) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, acc := range accounts {
		acc := acc
		g.Go(func() error {
			return i.rdb.Del(gctx, StatsKey(acc)).Err()
		})
		for _, pattern := range accountPatterns(acc) {
			pattern := pattern
			g.Go(func() error {
				return i.deleteByPattern(gctx, pattern)
			})
		}
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("readcache: invalidate: %w", err)
	}
	return nil
}

func (i *Invalidator) deleteByPattern(ctx context.Context, pattern string) error {
	iter := i.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return i.rdb.Del(ctx, keys...).Err()
}
