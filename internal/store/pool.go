package store

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// NewPool builds the pgx pool. Every new physical connection runs the
// session bootstrap before first use, so no statement ever executes without
// a statement timeout and an idle-in-transaction kill.
func NewPool(ctx context.Context, dsn string, maxConns, statementTimeoutMs, idleInTxMs int) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}

	if maxConns <= 0 {
		cpu := runtime.GOMAXPROCS(0)
		maxConns = clamp(cpu*4, 4, 50)
	}
	cfg.MaxConns = int32(maxConns)
	cfg.MinConns = 1
	cfg.HealthCheckPeriod = 10 * time.Second
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	bootstrap := fmt.Sprintf(
		"SET statement_timeout = %d; SET idle_in_transaction_session_timeout = %d",
		statementTimeoutMs, idleInTxMs,
	)
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, bootstrap)
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return pool, nil
}
