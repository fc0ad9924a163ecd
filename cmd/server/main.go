package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"payments-core/internal/config"
	"payments-core/internal/events"
	"payments-core/internal/fraud"
	"payments-core/internal/httpapi"
	"payments-core/internal/idempotency"
	"payments-core/internal/lockstore"
	"payments-core/internal/money"
	"payments-core/internal/readcache"
	"payments-core/internal/store"
	"payments-core/internal/transfer"
)

func main() {
	start := time.Now()

	log := zerolog.New(os.Stderr).With().Timestamp().Str("service", "payments-core").Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	log.Info().Str("addr", cfg.HTTPAddr).Bool("migrate", cfg.DBMigrate).Msg("starting")

	// Startup context
	startCtx, startCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer startCancel()

	pool, err := store.NewPool(startCtx, cfg.DBDSN, cfg.DBMaxConns,
		cfg.DBStatementTimeoutMs, cfg.DBIdleInTransactionMs)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	defer pool.Close()

	if cfg.DBMigrate {
		log.Info().Msg("running migrations")
		if err := store.Migrate(startCtx, pool); err != nil {
			log.Fatal().Err(err).Msg("migrations")
		}
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	if err := rdb.Ping(startCtx).Err(); err != nil {
		log.Fatal().Err(err).Msg("redis ping")
	}

	pub := events.NewPublisher(cfg.KafkaBrokers, cfg.KafkaClientID, log)
	defer pub.Close()

	engine := fraud.NewEngine(fraud.NewRedisState(rdb), log,
		fraud.WithThresholds(fraud.Thresholds{
			ApproveBelow:   cfg.FraudApproveBelow,
			ReviewBelow:    cfg.FraudReviewBelow,
			ChallengeBelow: cfg.FraudChallengeBelow,
		}),
		fraud.WithTimeout(cfg.FraudRequestTimeout()),
		fraud.WithFailOpen(cfg.FraudFailOpen),
		fraud.WithZone(cfg.LocalZone()),
	)

	orch := transfer.NewOrchestrator(
		store.New(pool),
		lockstore.New(rdb),
		idempotency.New(rdb),
		engine,
		pub,
		readcache.NewInvalidator(rdb, log),
		transfer.Config{
			Currency:          cfg.Currency,
			MinTransfer:       money.Paise(cfg.MinTransfer),
			MaxTransfer:       money.Paise(cfg.MaxTransfer),
			LockTTL:           cfg.LockTTL(),
			IdempotencyTTL:    cfg.IdempotencyTTL(),
			EventPublishAwait: cfg.EventPublishAwait,
			ReviewBlocks:      cfg.FraudReviewBlocks,
		},
		log,
	)

	h := httpapi.NewHandlers(orch, log)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpapi.Router(h, cfg.HTTPMaxInflight),

		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Info().Dur("startup", time.Since(start).Truncate(time.Millisecond)).
		Str("addr", cfg.HTTPAddr).Msg("ready")

	if err := srv.ListenAndServe(); err != nil {
		log.Fatal().Err(err).Msg("serve")
	}
}
