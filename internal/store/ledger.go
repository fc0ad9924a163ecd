package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"payments-core/internal/domain"
	"payments-core/internal/money"
)

// ledgerPair carries the pre-computed before/after balances for the two
// entries of one completed transfer.
type ledgerPair struct {
	TransferID      uuid.UUID
	SenderID        uuid.UUID
	RecipientID     uuid.UUID
	Amount          money.Paise
	SenderBefore    money.Paise
	SenderAfter     money.Paise
	RecipientBefore money.Paise
	RecipientAfter  money.Paise
}

// insertLedgerPair writes the debit/credit pair inside the enclosing
// transaction. The balance arithmetic is re-checked here: a pair whose
// before/after figures do not reconcile fails the whole transaction rather
// than landing in the ledger.
func insertLedgerPair(ctx context.Context, tx pgx.Tx, p ledgerPair) error {
	if p.Amount <= 0 {
		return fmt.Errorf("ledger: non-positive amount %d", p.Amount)
	}
	if p.SenderAfter != p.SenderBefore-p.Amount {
		return fmt.Errorf("ledger: debit does not reconcile: %d != %d - %d",
			p.SenderAfter, p.SenderBefore, p.Amount)
	}
	if p.RecipientAfter != p.RecipientBefore+p.Amount {
		return fmt.Errorf("ledger: credit does not reconcile: %d != %d + %d",
			p.RecipientAfter, p.RecipientBefore, p.Amount)
	}

	batch := &pgx.Batch{}
	const insert = `INSERT INTO ledger_entries(
		id, transfer_id, account_id, entry_type, amount, balance_before, balance_after
	) VALUES($1,$2,$3,$4,$5,$6,$7)`
	batch.Queue(insert, uuid.New(), p.TransferID, p.SenderID,
		domain.EntryDebit, p.Amount, p.SenderBefore, p.SenderAfter)
	batch.Queue(insert, uuid.New(), p.TransferID, p.RecipientID,
		domain.EntryCredit, p.Amount, p.RecipientBefore, p.RecipientAfter)

	br := tx.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("ledger: insert entry: %w", err)
		}
	}
	return nil
}
