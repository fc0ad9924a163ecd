package fraud

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// errState marks failures of the rolling-counter store so the engine can
// distinguish them from rule logic errors and fail open.
var errState = errors.New("fraud: state store unavailable")

// State is the rolling-counter store behind the stateful rules. Rules read
// it through this interface so tests can stub outages.
type State interface {
	// BumpVelocity increments the sender's attempt counter and returns the
	// count inside the window.
	BumpVelocity(ctx context.Context, sender uuid.UUID, window time.Duration) (int64, error)
	// RecentAmounts returns up to limit of the sender's most recent amounts,
	// newest first.
	RecentAmounts(ctx context.Context, sender uuid.UUID, limit int) ([]int64, error)
	// RecordAmount appends an amount to the sender's window, trimmed to max
	// entries.
	RecordAmount(ctx context.Context, sender uuid.UUID, amount int64, max int, ttl time.Duration) error
	// AddRecipientSender adds sender to the recipient's fan-in set and
	// returns the distinct-sender cardinality.
	AddRecipientSender(ctx context.Context, recipient, sender uuid.UUID, window time.Duration) (int64, error)
}

// RedisState keeps the counters in Redis with bounded TTLs. Eventual
// consistency is fine here; the counters advise the score, they are not the
// source of truth for anything.
type RedisState struct {
	rdb *redis.Client

	now func() time.Time
}

func NewRedisState(rdb *redis.Client) *RedisState {
	return &RedisState{rdb: rdb, now: time.Now}
}

func velocityKey(sender uuid.UUID) string {
	return fmt.Sprintf("fraud:velocity:%s", sender)
}

func amountsKey(sender uuid.UUID) string {
	return fmt.Sprintf("fraud:amounts:%s", sender)
}

func recipientKey(recipient uuid.UUID) string {
	return fmt.Sprintf("fraud:recipient:%s", recipient)
}

func (s *RedisState) BumpVelocity(ctx context.Context, sender uuid.UUID, window time.Duration) (int64, error) {
	key := velocityKey(sender)
	n, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: incr %s: %v", errState, key, err)
	}
	if n == 1 {
		if err := s.rdb.Expire(ctx, key, window).Err(); err != nil {
			return 0, fmt.Errorf("%w: expire %s: %v", errState, key, err)
		}
	}
	return n, nil
}

func (s *RedisState) RecentAmounts(ctx context.Context, sender uuid.UUID, limit int) ([]int64, error) {
	key := amountsKey(sender)
	members, err := s.rdb.ZRevRange(ctx, key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: zrevrange %s: %v", errState, key, err)
	}
	out := make([]int64, 0, len(members))
	for _, m := range members {
		// Members are "<nanos>:<amount>"; nanos keep entries unique.
		i := strings.LastIndexByte(m, ':')
		if i < 0 {
			continue
		}
		a, err := strconv.ParseInt(m[i+1:], 10, 64)
		if err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *RedisState) RecordAmount(ctx context.Context, sender uuid.UUID, amount int64, max int, ttl time.Duration) error {
	key := amountsKey(sender)
	ts := s.now().UnixNano()
	member := fmt.Sprintf("%d:%d", ts, amount)

	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(ts), Member: member})
	pipe.ZRemRangeByRank(ctx, key, 0, int64(-max-1))
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: record amount %s: %v", errState, key, err)
	}
	return nil
}

func (s *RedisState) AddRecipientSender(ctx context.Context, recipient, sender uuid.UUID, window time.Duration) (int64, error) {
	key := recipientKey(recipient)

	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, key, sender.String())
	pipe.Expire(ctx, key, window)
	card := pipe.SCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("%w: recipient set %s: %v", errState, key, err)
	}
	return card.Val(), nil
}
