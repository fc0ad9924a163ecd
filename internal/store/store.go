// Package store is the relational layer. It owns accounts, transactions,
// ledger entries and fraud signals, and enforces the money invariants the
// rest of the system depends on: non-negative balances, version-guarded
// mutations, and an append-only double-entry ledger.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"payments-core/internal/apperr"
	"payments-core/internal/domain"
	"payments-core/internal/money"
)

// ErrDuplicateIdempotency surfaces the transactions.idempotency_key unique
// constraint: another writer completed the same logical request first. The
// orchestrator resolves it by replaying the stored transfer.
var ErrDuplicateIdempotency = errors.New("store: idempotency key already used")

const (
	pgUniqueViolation  = "23505"
	pgLockNotAvailable = "55P03"
)

type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{db: db} }

const accountColumns = `id, user_id, balance, currency, status, version, created_at, updated_at`

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var a domain.Account
	err := row.Scan(&a.ID, &a.UserID, &a.Balance, &a.Currency, &a.Status,
		&a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("account not found")
		}
		return nil, err
	}
	return &a, nil
}

// GetAccount reads one account without locking it. The orchestrator uses
// this outside the transfer transaction for existence and age checks.
func (s *Store) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	return scanAccount(s.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

// CreateUser inserts a user row. Exists for seeding and tests; the user
// service proper lives outside this repository.
func (s *Store) CreateUser(ctx context.Context, email, fullName string) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.db.Exec(ctx,
		`INSERT INTO users(id, email, full_name) VALUES($1,$2,$3)`,
		id, email, fullName)
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// CreateAccount opens an active account with an opening balance.
func (s *Store) CreateAccount(ctx context.Context, userID uuid.UUID, currency string, opening money.Paise) (*domain.Account, error) {
	if opening < 0 {
		return nil, apperr.Validation("opening balance must not be negative")
	}
	id := uuid.New()
	return scanAccount(s.db.QueryRow(ctx,
		`INSERT INTO accounts(id, user_id, balance, currency)
		 VALUES($1,$2,$3,$4)
		 RETURNING `+accountColumns, id, userID, opening, currency))
}

// SetAccountStatus freezes, closes or reactivates an account.
func (s *Store) SetAccountStatus(ctx context.Context, id uuid.UUID, status domain.AccountStatus) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE accounts SET status = $1, updated_at = now() WHERE id = $2`,
		status, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("account not found")
	}
	return nil
}

// lockAccount takes the row lock without waiting. Lock contention surfaces
// as a fast concurrent-modification error instead of blocking the pool.
func lockAccount(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Account, error) {
	a, err := scanAccount(tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE NOWAIT`, id))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable {
			return nil, apperr.ConcurrentModification("account row locked by another transfer").WithCause(err)
		}
		return nil, err
	}
	return a, nil
}

// ExecuteTransfer runs one attempt of the transactional section of the
// pipeline: row locks in canonical order, status and balance checks, the
// version-guarded debit, the credit, the transfer row, the ledger pair and
// the fraud-signal rows, all in one ACID block. Retrying on
// concurrent-modification is the caller's job.
func (s *Store) ExecuteTransfer(
	ctx context.Context,
	p domain.TransferParams,
	score int,
	action domain.FraudAction,
	signals []domain.FraudSignal,
) (*domain.Transfer, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// Row locks in lexicographic order: same global order as the Redis pair
	// lock, so the two layers cannot deadlock against each other either.
	firstID, secondID := p.FromAccountID, p.ToAccountID
	if secondID.String() < firstID.String() {
		firstID, secondID = secondID, firstID
	}
	first, err := lockAccount(ctx, tx, firstID)
	if err != nil {
		return nil, err
	}
	second, err := lockAccount(ctx, tx, secondID)
	if err != nil {
		return nil, err
	}

	sender, recipient := first, second
	if sender.ID != p.FromAccountID {
		sender, recipient = second, first
	}

	if sender.Status != domain.AccountActive {
		return nil, apperr.Frozen("sender account is not active").
			WithDetails(map[string]any{"account_id": sender.ID, "status": sender.Status})
	}
	if recipient.Status != domain.AccountActive {
		return nil, apperr.Frozen("recipient account is not active").
			WithDetails(map[string]any{"account_id": recipient.ID, "status": recipient.Status})
	}

	if sender.Balance < p.Amount {
		return nil, apperr.InsufficientFunds("insufficient funds").
			WithDetails(map[string]any{
				"required":  int64(p.Amount),
				"available": int64(sender.Balance),
			})
	}

	senderAfter, err := money.Sub(sender.Balance, p.Amount)
	if err != nil {
		return nil, apperr.InsufficientFunds("insufficient funds").WithCause(err)
	}
	recipientAfter, err := money.Add(recipient.Balance, p.Amount)
	if err != nil {
		return nil, apperr.Validation("amount overflows recipient balance").WithCause(err)
	}

	// Debit conditioned on the observed version. Zero rows means someone
	// slipped a mutation between our read and this update.
	tag, err := tx.Exec(ctx,
		`UPDATE accounts
		    SET balance = balance - $1, version = version + 1, updated_at = now()
		  WHERE id = $2 AND version = $3`,
		p.Amount, sender.ID, sender.Version)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, apperr.ConcurrentModification("sender version changed")
	}

	// The recipient row is held by our lock, so the unconditional update is
	// safe; the version still moves for every balance mutation.
	if _, err := tx.Exec(ctx,
		`UPDATE accounts
		    SET balance = balance + $1, version = version + 1, updated_at = now()
		  WHERE id = $2`,
		p.Amount, recipient.ID); err != nil {
		return nil, err
	}

	transferID := uuid.New()
	var tr domain.Transfer
	err = tx.QueryRow(ctx,
		`INSERT INTO transactions(
			id, idempotency_key, from_account_id, to_account_id,
			amount, currency, status, fraud_score, fraud_action, description
		) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING id, idempotency_key, from_account_id, to_account_id,
		          amount, currency, status, failure_reason, fraud_score,
		          fraud_action, description, created_at, updated_at`,
		transferID, p.IdempotencyKey, p.FromAccountID, p.ToAccountID,
		p.Amount, p.Currency, domain.TransferCompleted, score, action, p.Description,
	).Scan(&tr.ID, &tr.IdempotencyKey, &tr.FromAccountID, &tr.ToAccountID,
		&tr.Amount, &tr.Currency, &tr.Status, &tr.FailureReason, &tr.FraudScore,
		&tr.FraudAction, &tr.Description, &tr.CreatedAt, &tr.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, ErrDuplicateIdempotency
		}
		return nil, err
	}

	if err := insertLedgerPair(ctx, tx, ledgerPair{
		TransferID:     transferID,
		SenderID:       sender.ID,
		RecipientID:    recipient.ID,
		Amount:         p.Amount,
		SenderBefore:   sender.Balance,
		SenderAfter:    senderAfter,
		RecipientBefore: recipient.Balance,
		RecipientAfter: recipientAfter,
	}); err != nil {
		return nil, err
	}

	if err := insertFraudSignals(ctx, tx, transferID, signals); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("store: commit: %w", err)
	}
	return &tr, nil
}

const transferColumns = `id, idempotency_key, from_account_id, to_account_id,
	amount, currency, status, failure_reason, fraud_score, fraud_action,
	description, created_at, updated_at`

func scanTransfer(row pgx.Row) (*domain.Transfer, error) {
	var tr domain.Transfer
	err := row.Scan(&tr.ID, &tr.IdempotencyKey, &tr.FromAccountID, &tr.ToAccountID,
		&tr.Amount, &tr.Currency, &tr.Status, &tr.FailureReason, &tr.FraudScore,
		&tr.FraudAction, &tr.Description, &tr.CreatedAt, &tr.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("transfer not found")
		}
		return nil, err
	}
	return &tr, nil
}

// GetTransferByIdempotencyKey resolves a duplicate-key conflict to the
// transfer the first writer committed.
func (s *Store) GetTransferByIdempotencyKey(ctx context.Context, key string) (*domain.Transfer, error) {
	return scanTransfer(s.db.QueryRow(ctx,
		`SELECT `+transferColumns+` FROM transactions WHERE idempotency_key = $1`, key))
}

// GetTransferDetail returns the transfer with its ledger pair and fraud
// signals, but only to a user owning either side. Non-owners get not-found
// rather than a hint that the transfer exists.
func (s *Store) GetTransferDetail(ctx context.Context, transferID, requestingUserID uuid.UUID) (*domain.TransferDetail, error) {
	tr, err := scanTransfer(s.db.QueryRow(ctx,
		`SELECT `+transferColumns+` FROM transactions WHERE id = $1`, transferID))
	if err != nil {
		return nil, err
	}

	var owns bool
	err = s.db.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM accounts
			 WHERE user_id = $1 AND id IN ($2, $3)
		 )`, requestingUserID, tr.FromAccountID, tr.ToAccountID).Scan(&owns)
	if err != nil {
		return nil, err
	}
	if !owns {
		return nil, apperr.NotFound("transfer not found")
	}

	detail := &domain.TransferDetail{Transfer: *tr}

	rows, err := s.db.Query(ctx,
		`SELECT id, transfer_id, account_id, entry_type, amount,
		        balance_before, balance_after, created_at
		   FROM ledger_entries WHERE transfer_id = $1 ORDER BY entry_type`, transferID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.Scan(&e.ID, &e.TransferID, &e.AccountID, &e.EntryType,
			&e.Amount, &e.BalanceBefore, &e.BalanceAfter, &e.CreatedAt); err != nil {
			return nil, err
		}
		detail.Entries = append(detail.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sigRows, err := s.db.Query(ctx,
		`SELECT id, transfer_id, rule, points, context, created_at
		   FROM fraud_signals WHERE transfer_id = $1 ORDER BY created_at`, transferID)
	if err != nil {
		return nil, err
	}
	defer sigRows.Close()
	for sigRows.Next() {
		var sg domain.FraudSignal
		if err := sigRows.Scan(&sg.ID, &sg.TransferID, &sg.Rule, &sg.Points,
			&sg.Context, &sg.CreatedAt); err != nil {
			return nil, err
		}
		detail.Signals = append(detail.Signals, sg)
	}
	if err := sigRows.Err(); err != nil {
		return nil, err
	}

	return detail, nil
}

func insertFraudSignals(ctx context.Context, tx pgx.Tx, transferID uuid.UUID, signals []domain.FraudSignal) error {
	for _, sg := range signals {
		ctxMap := sg.Context
		if ctxMap == nil {
			ctxMap = map[string]string{}
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO fraud_signals(id, transfer_id, rule, points, context)
			 VALUES($1,$2,$3,$4,$5)`,
			uuid.New(), transferID, sg.Rule, sg.Points, ctxMap); err != nil {
			return err
		}
	}
	return nil
}
