package lockstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func testClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func TestAcquireReleasePair(t *testing.T) {
	mr, rdb := testClient(t)
	s := New(rdb)
	ctx := context.Background()

	a, b := uuid.New(), uuid.New()

	h, ok, err := s.AcquirePair(ctx, a, b, 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if !mr.Exists(lockKey(a)) || !mr.Exists(lockKey(b)) {
		t.Fatal("lock keys missing after acquire")
	}

	// Second acquisition over the same pair must fail fast.
	if _, ok, err := s.AcquirePair(ctx, b, a, 10*time.Second); err != nil || ok {
		t.Fatalf("contended acquire: ok=%v err=%v", ok, err)
	}

	if err := s.Release(ctx, h); err != nil {
		t.Fatalf("release: %v", err)
	}
	if mr.Exists(lockKey(a)) || mr.Exists(lockKey(b)) {
		t.Fatal("lock keys remain after release")
	}

	if _, ok, err := s.AcquirePair(ctx, a, b, 10*time.Second); err != nil || !ok {
		t.Fatalf("reacquire after release: ok=%v err=%v", ok, err)
	}
}

func TestPartialContentionReleasesFirstLock(t *testing.T) {
	mr, rdb := testClient(t)
	s := New(rdb)
	ctx := context.Background()

	a, b, c := uuid.New(), uuid.New(), uuid.New()

	// Hold b via an unrelated pair.
	if _, ok, err := s.AcquirePair(ctx, b, c, 10*time.Second); err != nil || !ok {
		t.Fatalf("setup acquire: ok=%v err=%v", ok, err)
	}

	// a+b must fail and must not leave a's lock behind.
	if _, ok, err := s.AcquirePair(ctx, a, b, 10*time.Second); err != nil || ok {
		t.Fatalf("overlapping acquire: ok=%v err=%v", ok, err)
	}
	if mr.Exists(lockKey(a)) {
		t.Fatal("first lock leaked after failed pair acquisition")
	}
}

func TestReleaseIsTokenGuarded(t *testing.T) {
	mr, rdb := testClient(t)
	s := New(rdb)
	ctx := context.Background()

	a, b := uuid.New(), uuid.New()

	h1, ok, err := s.AcquirePair(ctx, a, b, time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	// Holder crashes, TTL expires, someone else acquires.
	mr.FastForward(2 * time.Second)
	h2, ok, err := s.AcquirePair(ctx, a, b, 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("reacquire after ttl: ok=%v err=%v", ok, err)
	}

	// The stale handle must not delete the new holder's locks.
	if err := s.Release(ctx, h1); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	if !mr.Exists(lockKey(a)) || !mr.Exists(lockKey(b)) {
		t.Fatal("stale release deleted a lock it did not own")
	}

	if err := s.Release(ctx, h2); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestSortedAcquisitionOrder(t *testing.T) {
	_, rdb := testClient(t)
	s := New(rdb)
	ctx := context.Background()

	a, b := uuid.New(), uuid.New()

	// Both argument orders must produce the same handle key order.
	h1, ok, err := s.AcquirePair(ctx, a, b, 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if err := s.Release(ctx, h1); err != nil {
		t.Fatal(err)
	}
	h2, ok, err := s.AcquirePair(ctx, b, a, 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if h1.keys != h2.keys {
		t.Fatalf("key order differs by argument order: %v vs %v", h1.keys, h2.keys)
	}
}

func TestReleaseNilHandle(t *testing.T) {
	_, rdb := testClient(t)
	s := New(rdb)
	if err := s.Release(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
}
