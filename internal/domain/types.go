package domain

import (
	"time"

	"github.com/google/uuid"

	"payments-core/internal/money"
)

type AccountStatus string

const (
	AccountActive AccountStatus = "active"
	AccountFrozen AccountStatus = "frozen"
	AccountClosed AccountStatus = "closed"
)

type TransferStatus string

const (
	TransferPending    TransferStatus = "pending"
	TransferProcessing TransferStatus = "processing"
	TransferCompleted  TransferStatus = "completed"
	TransferFailed     TransferStatus = "failed"
	TransferReversed   TransferStatus = "reversed"
)

// Terminal reports whether the status is immutable.
func (s TransferStatus) Terminal() bool {
	return s == TransferCompleted || s == TransferFailed || s == TransferReversed
}

type EntryType string

const (
	EntryDebit  EntryType = "debit"
	EntryCredit EntryType = "credit"
)

type FraudAction string

const (
	ActionApprove   FraudAction = "approve"
	ActionReview    FraudAction = "review"
	ActionChallenge FraudAction = "challenge"
	ActionDecline   FraudAction = "decline"
)

// Blocks reports whether the action stops the transfer at the decision gate.
func (a FraudAction) Blocks() bool {
	return a == ActionChallenge || a == ActionDecline
}

type Account struct {
	ID        uuid.UUID     `json:"id"`
	UserID    uuid.UUID     `json:"user_id"`
	Balance   money.Paise   `json:"balance"`
	Currency  string        `json:"currency"`
	Status    AccountStatus `json:"status"`
	Version   int64         `json:"version"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

type Transfer struct {
	ID             uuid.UUID      `json:"id"`
	IdempotencyKey string         `json:"idempotency_key"`
	FromAccountID  uuid.UUID      `json:"from_account_id"`
	ToAccountID    uuid.UUID      `json:"to_account_id"`
	Amount         money.Paise    `json:"amount"`
	Currency       string         `json:"currency"`
	Status         TransferStatus `json:"status"`
	FailureReason  string         `json:"failure_reason,omitempty"`
	FraudScore     int            `json:"fraud_score"`
	FraudAction    FraudAction    `json:"fraud_action"`
	Description    string         `json:"description,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

type LedgerEntry struct {
	ID            uuid.UUID   `json:"id"`
	TransferID    uuid.UUID   `json:"transfer_id"`
	AccountID     uuid.UUID   `json:"account_id"`
	EntryType     EntryType   `json:"entry_type"`
	Amount        money.Paise `json:"amount"`
	BalanceBefore money.Paise `json:"balance_before"`
	BalanceAfter  money.Paise `json:"balance_after"`
	CreatedAt     time.Time   `json:"created_at"`
}

type FraudSignal struct {
	ID         uuid.UUID         `json:"id"`
	TransferID uuid.UUID         `json:"transfer_id"`
	Rule       string            `json:"rule"`
	Points     int               `json:"points"`
	Context    map[string]string `json:"context,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// TransferParams is the orchestrator input for one transfer attempt.
type TransferParams struct {
	IdempotencyKey string      `json:"idempotency_key"`
	FromAccountID  uuid.UUID   `json:"from_account_id"`
	ToAccountID    uuid.UUID   `json:"to_account_id"`
	Amount         money.Paise `json:"amount"`
	Currency       string      `json:"currency"`
	Description    string      `json:"description,omitempty"`
	UserID         uuid.UUID   `json:"user_id"`
	TraceID        string      `json:"trace_id"`
}

// TransferResult is what the caller gets back and what the idempotency
// cache replays on retries.
type TransferResult struct {
	Transfer Transfer `json:"transfer"`
	Replayed bool     `json:"replayed"`
}

// TransferDetail is the lookup view: the transfer plus its ledger pair and
// the fraud signals recorded for it.
type TransferDetail struct {
	Transfer Transfer      `json:"transfer"`
	Entries  []LedgerEntry `json:"entries"`
	Signals  []FraudSignal `json:"signals"`
}
