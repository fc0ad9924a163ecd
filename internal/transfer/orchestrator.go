// Package transfer is the orchestration kernel: one entry point that takes
// a transfer request through idempotency, paired locking, fraud scoring,
// the ACID balance mutation with its double-entry ledger write, cache
// maintenance and event publication. Collaborators are consumed through
// narrow interfaces so the pipeline runs in tests without infrastructure.
package transfer

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"payments-core/internal/apperr"
	"payments-core/internal/domain"
	"payments-core/internal/events"
	"payments-core/internal/fraud"
	"payments-core/internal/lockstore"
	"payments-core/internal/money"
	"payments-core/internal/store"
)

type Locker interface {
	AcquirePair(ctx context.Context, a, b uuid.UUID, ttl time.Duration) (*lockstore.PairHandle, bool, error)
	Release(ctx context.Context, h *lockstore.PairHandle) error
}

type IdemCache interface {
	Get(ctx context.Context, key string) (*domain.TransferResult, bool, error)
	Set(ctx context.Context, key string, res domain.TransferResult, ttl time.Duration) error
}

type FraudScorer interface {
	Evaluate(ctx context.Context, in fraud.Input) (fraud.Evaluation, error)
}

type Publisher interface {
	Publish(ctx context.Context, topic, traceID string, payload any) error
}

type Invalidator interface {
	InvalidateAccounts(ctx context.Context, accounts ...uuid.UUID) error
}

type Store interface {
	GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error)
	ExecuteTransfer(ctx context.Context, p domain.TransferParams, score int, action domain.FraudAction, signals []domain.FraudSignal) (*domain.Transfer, error)
	GetTransferByIdempotencyKey(ctx context.Context, key string) (*domain.Transfer, error)
	GetTransferDetail(ctx context.Context, transferID, requestingUserID uuid.UUID) (*domain.TransferDetail, error)
}

// Config is the orchestrator's slice of the runtime configuration.
type Config struct {
	Currency          string
	MinTransfer       money.Paise
	MaxTransfer       money.Paise
	LockTTL           time.Duration
	IdempotencyTTL    time.Duration
	EventPublishAwait bool
	// ReviewBlocks switches the review action from allow-and-flag to
	// block-pending-human.
	ReviewBlocks bool
}

const (
	maxIdempotencyKeyLen = 255
	txRetryAttempts      = 3
	txRetryBackoff       = 100 * time.Millisecond
)

type Orchestrator struct {
	store    Store
	locks    Locker
	idem     IdemCache
	fraud    FraudScorer
	pub      Publisher
	caches   Invalidator
	cfg      Config
	log      zerolog.Logger

	sleep func(time.Duration) // test seam for retry backoff
}

func NewOrchestrator(
	st Store,
	locks Locker,
	idem IdemCache,
	scorer FraudScorer,
	pub Publisher,
	caches Invalidator,
	cfg Config,
	log zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		store:  st,
		locks:  locks,
		idem:   idem,
		fraud:  scorer,
		pub:    pub,
		caches: caches,
		cfg:    cfg,
		log:    log.With().Str("component", "transfer").Logger(),
		sleep:  time.Sleep,
	}
}

type completedPayload struct {
	TransferID string `json:"transfer_id"`
	From       string `json:"from_account_id"`
	To         string `json:"to_account_id"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
	FraudScore int    `json:"fraud_score"`
}

type failedPayload struct {
	From   string `json:"from_account_id"`
	To     string `json:"to_account_id"`
	Amount int64  `json:"amount"`
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

type fraudBlockedPayload struct {
	From   string   `json:"from_account_id"`
	To     string   `json:"to_account_id"`
	Amount int64    `json:"amount"`
	Score  int      `json:"score"`
	Action string   `json:"action"`
	Rules  []string `json:"rules"`
}

type initiatedPayload struct {
	From     string `json:"from_account_id"`
	To       string `json:"to_account_id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// Initiate runs the full transfer pipeline. The boolean Replayed on the
// result distinguishes a fresh execution (201 at the edge) from an
// idempotent replay (200).
func (o *Orchestrator) Initiate(ctx context.Context, p domain.TransferParams) (*domain.TransferResult, error) {
	if p.TraceID == "" {
		p.TraceID = uuid.NewString()
	}
	log := o.log.With().Str("trace_id", p.TraceID).Logger()

	// Step 1: idempotency probe. A cache failure is advisory, not fatal —
	// the DB unique constraint still protects against double execution.
	if p.IdempotencyKey != "" {
		cached, hit, err := o.idem.Get(ctx, p.IdempotencyKey)
		if err != nil {
			log.Warn().Err(err).Msg("idempotency probe failed, continuing")
		} else if hit {
			replay := *cached
			replay.Replayed = true
			log.Info().Str("transfer_id", replay.Transfer.ID.String()).Msg("idempotent replay from cache")
			return &replay, nil
		}
	}

	// Step 2: validation. No side effects before this point.
	if err := o.validate(p); err != nil {
		return nil, err
	}

	// Step 3: paired lock.
	handle, acquired, err := o.locks.AcquirePair(ctx, p.FromAccountID, p.ToAccountID, o.cfg.LockTTL)
	if err != nil {
		// Locks are correctness-critical: a lock-store outage fails the
		// request, never fails open.
		return nil, apperr.Internal("lock store unavailable").WithCause(err)
	}
	if !acquired {
		return nil, apperr.Busy("account is processing another transfer")
	}

	// Step 11: guaranteed release, whatever happens in between. The request
	// context may already be dead by now, so release gets its own.
	defer func() {
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := o.locks.Release(rctx, handle); err != nil {
			log.Error().Err(err).Msg("lock release failed, ttl will reap it")
		}
	}()

	res, err := o.locked(ctx, p, log)
	if err != nil {
		// Step 12: anything that failed after the locks were taken emits a
		// best-effort payment.failed, except a fraud block which already
		// produced its own event.
		if !apperr.IsCode(err, apperr.CodeFraudBlocked) {
			o.publish(ctx, log, events.TopicPaymentFailed, p.TraceID, failedPayload{
				From:   p.FromAccountID.String(),
				To:     p.ToAccountID.String(),
				Amount: int64(p.Amount),
				Code:   string(errCode(err)),
				Reason: errMessage(err),
			})
		}
		return nil, err
	}
	return res, nil
}

// locked is steps 4 through 10: everything that runs under the paired lock.
func (o *Orchestrator) locked(ctx context.Context, p domain.TransferParams, log zerolog.Logger) (*domain.TransferResult, error) {
	// Step 4: pre-transaction account load, for existence and sender age.
	sender, err := o.store.GetAccount(ctx, p.FromAccountID)
	if err != nil {
		return nil, senderNotFound(err)
	}
	if _, err := o.store.GetAccount(ctx, p.ToAccountID); err != nil {
		return nil, recipientNotFound(err)
	}

	o.publish(ctx, log, events.TopicPaymentInitiated, p.TraceID, initiatedPayload{
		From:     p.FromAccountID.String(),
		To:       p.ToAccountID.String(),
		Amount:   int64(p.Amount),
		Currency: p.Currency,
	})

	// Step 5: fraud evaluation.
	eval, err := o.fraud.Evaluate(ctx, fraud.Input{
		SenderID:        p.FromAccountID,
		RecipientID:     p.ToAccountID,
		Amount:          p.Amount,
		SenderCreatedAt: sender.CreatedAt,
		TraceID:         p.TraceID,
	})
	if err != nil {
		return nil, apperr.Internal("fraud evaluation failed").WithCause(err)
	}

	// Step 6: decision gate.
	if eval.Action.Blocks() || (o.cfg.ReviewBlocks && eval.Action == domain.ActionReview) {
		rules := make([]string, 0, len(eval.Signals))
		for _, s := range eval.Signals {
			rules = append(rules, s.Rule)
		}
		o.publish(ctx, log, events.TopicPaymentFraudBlocked, p.TraceID, fraudBlockedPayload{
			From:   p.FromAccountID.String(),
			To:     p.ToAccountID.String(),
			Amount: int64(p.Amount),
			Score:  eval.Score,
			Action: string(eval.Action),
			Rules:  rules,
		})
		log.Warn().Int("score", eval.Score).Str("action", string(eval.Action)).
			Strs("rules", rules).Msg("transfer blocked by fraud gate")
		return nil, apperr.FraudBlocked("transfer blocked by fraud screening").
			WithDetails(map[string]any{"score": eval.Score, "action": eval.Action})
	}

	signals := make([]domain.FraudSignal, 0, len(eval.Signals))
	for _, s := range eval.Signals {
		signals = append(signals, domain.FraudSignal{Rule: s.Rule, Points: s.Points, Context: s.Context})
	}

	// Step 7: the transactional section, retried on concurrent modification
	// with linear backoff. Client cancellation stops propagating here: once
	// an attempt starts it runs to commit or rollback.
	dbCtx := context.WithoutCancel(ctx)
	var tr *domain.Transfer
	for attempt := 1; ; attempt++ {
		tr, err = o.store.ExecuteTransfer(dbCtx, p, eval.Score, eval.Action, signals)
		if err == nil {
			break
		}
		if errors.Is(err, store.ErrDuplicateIdempotency) {
			// Another writer won the race on this key; replay its result.
			existing, lookupErr := o.store.GetTransferByIdempotencyKey(ctx, p.IdempotencyKey)
			if lookupErr != nil {
				return nil, apperr.Internal("idempotency conflict lookup failed").WithCause(lookupErr)
			}
			log.Info().Str("transfer_id", existing.ID.String()).Msg("idempotent replay from storage")
			return &domain.TransferResult{Transfer: *existing, Replayed: true}, nil
		}
		if !apperr.IsCode(err, apperr.CodeConcurrentModified) || attempt >= txRetryAttempts {
			return nil, err
		}
		log.Warn().Int("attempt", attempt).Msg("concurrent modification, retrying")
		o.sleep(txRetryBackoff * time.Duration(attempt))
	}

	result := domain.TransferResult{Transfer: *tr}

	// Step 8: idempotency cache set. Advisory; failure only logged.
	if err := o.idem.Set(ctx, p.IdempotencyKey, result, o.cfg.IdempotencyTTL); err != nil {
		log.Warn().Err(err).Msg("idempotency cache set failed")
	}

	// Step 9: read-cache invalidation, awaited.
	if err := o.caches.InvalidateAccounts(ctx, p.FromAccountID, p.ToAccountID); err != nil {
		log.Warn().Err(err).Msg("read-cache invalidation failed")
	}

	// Step 10: post-commit publish. The money has moved; a publish failure
	// must not fail the response.
	o.publish(ctx, log, events.TopicPaymentCompleted, p.TraceID, completedPayload{
		TransferID: tr.ID.String(),
		From:       tr.FromAccountID.String(),
		To:         tr.ToAccountID.String(),
		Amount:     int64(tr.Amount),
		Currency:   tr.Currency,
		FraudScore: tr.FraudScore,
	})

	log.Info().Str("transfer_id", tr.ID.String()).Int64("amount", int64(tr.Amount)).
		Msg("transfer completed")
	return &result, nil
}

func (o *Orchestrator) validate(p domain.TransferParams) error {
	if p.IdempotencyKey == "" {
		return apperr.Validation("idempotency key is required")
	}
	if len(p.IdempotencyKey) > maxIdempotencyKeyLen {
		return apperr.Validation("idempotency key too long")
	}
	if p.FromAccountID == uuid.Nil || p.ToAccountID == uuid.Nil {
		return apperr.Validation("both account ids are required")
	}
	if p.FromAccountID == p.ToAccountID {
		return apperr.Validation("sender and recipient must differ")
	}
	if p.Currency != o.cfg.Currency {
		return apperr.Validation("unsupported currency").
			WithDetails(map[string]any{"currency": p.Currency, "supported": o.cfg.Currency})
	}
	if p.Amount < o.cfg.MinTransfer || p.Amount > o.cfg.MaxTransfer {
		return apperr.Validation("amount out of bounds").
			WithDetails(map[string]any{
				"amount": int64(p.Amount),
				"min":    int64(o.cfg.MinTransfer),
				"max":    int64(o.cfg.MaxTransfer),
			})
	}
	return nil
}

// publish ships an event, synchronously when the configuration asks for an
// awaited publish and in the background otherwise. Failures are logged and
// swallowed either way.
func (o *Orchestrator) publish(ctx context.Context, log zerolog.Logger, topic, traceID string, payload any) {
	if o.cfg.EventPublishAwait {
		if err := o.pub.Publish(ctx, topic, traceID, payload); err != nil {
			log.Error().Err(err).Str("topic", topic).Msg("event publish failed")
		}
		return
	}
	go func() {
		pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.pub.Publish(pctx, topic, traceID, payload); err != nil {
			log.Error().Err(err).Str("topic", topic).Msg("event publish failed")
		}
	}()
}

// GetTransfer returns the transfer with ledger pair and fraud signals when
// the requesting user owns either account.
func (o *Orchestrator) GetTransfer(ctx context.Context, transferID, requestingUserID uuid.UUID) (*domain.TransferDetail, error) {
	return o.store.GetTransferDetail(ctx, transferID, requestingUserID)
}

func senderNotFound(err error) error {
	if apperr.IsCode(err, apperr.CodeNotFound) {
		return apperr.NotFound("sender account not found")
	}
	return err
}

func recipientNotFound(err error) error {
	if apperr.IsCode(err, apperr.CodeNotFound) {
		return apperr.NotFound("recipient account not found")
	}
	return err
}

func errCode(err error) apperr.Code {
	var e *apperr.Error
	if errors.As(err, &e) {
		return e.Code
	}
	return apperr.CodeInternal
}

func errMessage(err error) string {
	var e *apperr.Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}
