// ledger-verify audits the double-entry invariants straight against the
// database: global debits equal global credits, every completed transfer
// carries exactly one debit and one credit of its amount, and replaying
// each account's entries in order reproduces its current balance.
//
// Exit codes: 0 verified, 1 invariant violated, 2 usage/connection error.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	var (
		dsn     = flag.String("dsn", os.Getenv("PAYMENTS_DB_DSN"), "postgres dsn")
		timeout = flag.Duration("timeout", 60*time.Second, "overall timeout")
	)
	flag.Parse()

	if *dsn == "" {
		fmt.Fprintln(os.Stderr, "missing -dsn (or PAYMENTS_DB_DSN)")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, *dsn)
	if err != nil {
		fmt.Fprintln(os.Stderr, "connect:", err)
		os.Exit(2)
	}
	defer pool.Close()

	failures := 0
	fail := func(format string, args ...any) {
		failures++
		fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	}

	// 1. Conservation: global sum of debits equals global sum of credits.
	var debits, credits int64
	err = pool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE entry_type = 'debit'), 0),
			COALESCE(SUM(amount) FILTER (WHERE entry_type = 'credit'), 0)
		FROM ledger_entries`).Scan(&debits, &credits)
	if err != nil {
		fmt.Fprintln(os.Stderr, "conservation query:", err)
		os.Exit(2)
	}
	if debits != credits {
		fail("conservation: debits=%d credits=%d", debits, credits)
	}

	// 2. Completeness: every completed transfer has exactly one debit and
	// one credit matching the transfer amount.
	rows, err := pool.Query(ctx, `
		SELECT t.id,
		       COUNT(*) FILTER (WHERE e.entry_type = 'debit'  AND e.amount = t.amount),
		       COUNT(*) FILTER (WHERE e.entry_type = 'credit' AND e.amount = t.amount),
		       COUNT(e.id)
		  FROM transactions t
		  LEFT JOIN ledger_entries e ON e.transfer_id = t.id
		 WHERE t.status = 'completed'
		 GROUP BY t.id
		HAVING COUNT(*) FILTER (WHERE e.entry_type = 'debit'  AND e.amount = t.amount) <> 1
		    OR COUNT(*) FILTER (WHERE e.entry_type = 'credit' AND e.amount = t.amount) <> 1
		    OR COUNT(e.id) <> 2`)
	if err != nil {
		fmt.Fprintln(os.Stderr, "completeness query:", err)
		os.Exit(2)
	}
	for rows.Next() {
		var id string
		var nd, nc, total int64
		if err := rows.Scan(&id, &nd, &nc, &total); err != nil {
			fmt.Fprintln(os.Stderr, "completeness scan:", err)
			os.Exit(2)
		}
		fail("transfer %s: debit=%d credit=%d entries=%d", id, nd, nc, total)
	}
	if err := rows.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "completeness rows:", err)
		os.Exit(2)
	}

	// 3. Replay: chaining each account's entries in creation order must end
	// at the stored balance, with no negative intermediate balance.
	acctRows, err := pool.Query(ctx, `SELECT id, balance FROM accounts`)
	if err != nil {
		fmt.Fprintln(os.Stderr, "accounts query:", err)
		os.Exit(2)
	}
	type acct struct {
		id      string
		balance int64
	}
	var accts []acct
	for acctRows.Next() {
		var a acct
		if err := acctRows.Scan(&a.id, &a.balance); err != nil {
			fmt.Fprintln(os.Stderr, "accounts scan:", err)
			os.Exit(2)
		}
		accts = append(accts, a)
	}
	if err := acctRows.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "accounts rows:", err)
		os.Exit(2)
	}

	var entriesChecked int64
	for _, a := range accts {
		eRows, err := pool.Query(ctx, `
			SELECT entry_type, amount, balance_before, balance_after
			  FROM ledger_entries
			 WHERE account_id = $1
			 ORDER BY created_at, id`, a.id)
		if err != nil {
			fmt.Fprintln(os.Stderr, "entries query:", err)
			os.Exit(2)
		}
		var running int64 = -1
		var last int64
		rowsSeen := false
		for eRows.Next() {
			var entryType string
			var amount, before, after int64
			if err := eRows.Scan(&entryType, &amount, &before, &after); err != nil {
				fmt.Fprintln(os.Stderr, "entries scan:", err)
				os.Exit(2)
			}
			entriesChecked++
			rowsSeen = true
			want := before - amount
			if entryType == "credit" {
				want = before + amount
			}
			if after != want {
				fail("account %s: entry math %s %d: before=%d after=%d", a.id, entryType, amount, before, after)
			}
			if after < 0 {
				fail("account %s: negative balance_after %d", a.id, after)
			}
			if running >= 0 && before != running {
				fail("account %s: chain break: before=%d, previous after=%d", a.id, before, last)
			}
			running = after
			last = after
		}
		eRows.Close()
		if err := eRows.Err(); err != nil {
			fmt.Fprintln(os.Stderr, "entries rows:", err)
			os.Exit(2)
		}
		if rowsSeen && last != a.balance {
			// The opening balance is the first entry's balance_before, so
			// the chain must end at the stored balance; a mismatch at the
			// tail is always reported.
			fail("account %s: replay ends at %d, stored balance %d", a.id, last, a.balance)
		}
	}

	if failures > 0 {
		fmt.Fprintf(os.Stderr, "%d violation(s)\n", failures)
		os.Exit(1)
	}
	fmt.Printf("OK: ledger verified (debits=credits=%d, %d entries replayed across %d accounts)\n",
		debits, entriesChecked, len(accts))
}
