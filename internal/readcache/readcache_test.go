package readcache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func TestInvalidateAccounts(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	a, b, other := uuid.New(), uuid.New(), uuid.New()

	seed := []string{
		StatsKey(a),
		ChartKey(a, 30),
		TxnsKey(a, 1, 20),
		LedgerKey(a, 2, 50),
		StatsKey(b),
		TxnsKey(b, 1, 20),
		StatsKey(other),
		TxnsKey(other, 1, 20),
	}
	for _, k := range seed {
		mr.Set(k, "cached")
	}

	inv := NewInvalidator(rdb, zerolog.Nop())
	if err := inv.InvalidateAccounts(context.Background(), a, b); err != nil {
		t.Fatal(err)
	}

	for _, k := range seed[:6] {
		if mr.Exists(k) {
			t.Errorf("key %s survived invalidation", k)
		}
	}
	// Unrelated account untouched.
	if !mr.Exists(StatsKey(other)) || !mr.Exists(TxnsKey(other, 1, 20)) {
		t.Error("unrelated account keys were deleted")
	}
}

func TestInvalidateNoKeys(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	inv := NewInvalidator(rdb, zerolog.Nop())
	if err := inv.InvalidateAccounts(context.Background(), uuid.New()); err != nil {
		t.Fatal(err)
	}
}
