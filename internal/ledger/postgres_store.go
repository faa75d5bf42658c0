package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"github.com/meridianpay/meridian/internal/idgen"
	"github.com/meridianpay/meridian/internal/token"
)

// PostgresStore persists ledger accounts and history in PostgreSQL.
// Amounts are stored as NUMERIC(78,0) raw base units.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetAccount(ctx context.Context, addr string) (*Account, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT addr, available, escrowed, total_earnings, tasks_completed, updated_at
		FROM ledger_accounts WHERE addr = $1`, addr)

	a := &Account{}
	var available, escrowed, earnings string
	err := row.Scan(&a.Addr, &available, &escrowed, &earnings, &a.TasksCompleted, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}

	a.Available = mustBig(available)
	a.Escrowed = mustBig(escrowed)
	a.TotalEarnings = mustBig(earnings)
	return a, nil
}

// ensureAccount upserts a zeroed account row so balance updates can assume
// the row exists. Runs inside the caller's transaction.
func ensureAccount(ctx context.Context, tx *sql.Tx, addr string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_accounts (addr, available, escrowed, total_earnings, tasks_completed, updated_at)
		VALUES ($1, 0, 0, 0, 0, NOW())
		ON CONFLICT (addr) DO NOTHING`, addr)
	return err
}

func insertEntry(ctx context.Context, tx *sql.Tx, addr, entryType string, amount *big.Int, reference string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, addr, type, amount, reference, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC, $5, $6)`,
		idgen.WithPrefix("le_"), addr, entryType, amount.String(), reference, time.Now())
	return err
}

func (p *PostgresStore) Credit(ctx context.Context, addr string, amount *big.Int, reference, entryType string) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		if err := ensureAccount(ctx, tx, addr); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE ledger_accounts
			SET available = available + $2::NUMERIC, updated_at = NOW()
			WHERE addr = $1`, addr, amount.String())
		if err != nil {
			return err
		}
		return insertEntry(ctx, tx, addr, entryType, amount, reference)
	})
}

func (p *PostgresStore) Lock(ctx context.Context, addr string, amount *big.Int, reference string) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		if err := ensureAccount(ctx, tx, addr); err != nil {
			return err
		}
		// The balance guard lives in the WHERE clause so a concurrent
		// debit cannot drive the balance negative.
		result, err := tx.ExecContext(ctx, `
			UPDATE ledger_accounts
			SET available = available - $2::NUMERIC,
			    escrowed  = escrowed + $2::NUMERIC,
			    updated_at = NOW()
			WHERE addr = $1 AND available >= $2::NUMERIC`, addr, amount.String())
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return ErrInsufficientBalance
		}
		return insertEntry(ctx, tx, addr, EntryLock, amount, reference)
	})
}

func (p *PostgresStore) Settle(ctx context.Context, buyer, seller, feeSink string, amount, fee *big.Int, reference string) error {
	sellerShare := new(big.Int).Sub(amount, fee)

	// Seller credit, fee credit, and seller stats all commit together:
	// a crash can lose the whole settlement but never half of it.
	return p.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE ledger_accounts
			SET escrowed = escrowed - $2::NUMERIC, updated_at = NOW()
			WHERE addr = $1 AND escrowed >= $2::NUMERIC`, buyer, amount.String())
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return ErrInsufficientBalance
		}

		if err := ensureAccount(ctx, tx, seller); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE ledger_accounts
			SET available = available + $2::NUMERIC,
			    total_earnings = total_earnings + $2::NUMERIC,
			    tasks_completed = tasks_completed + 1,
			    updated_at = NOW()
			WHERE addr = $1`, seller, sellerShare.String()); err != nil {
			return err
		}
		if err := insertEntry(ctx, tx, seller, EntrySettle, sellerShare, reference); err != nil {
			return err
		}

		if fee.Sign() > 0 {
			if err := ensureAccount(ctx, tx, feeSink); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE ledger_accounts
				SET available = available + $2::NUMERIC, updated_at = NOW()
				WHERE addr = $1`, feeSink, fee.String()); err != nil {
				return err
			}
			if err := insertEntry(ctx, tx, feeSink, EntryFee, fee, reference); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *PostgresStore) Transfer(ctx context.Context, to, feeSink string, net, fee *big.Int, reference string) error {
	// Recipient and fee-sink credits commit together: a crash can lose the
	// whole transfer but never credit one side without the other.
	return p.inTx(ctx, func(tx *sql.Tx) error {
		if err := ensureAccount(ctx, tx, to); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE ledger_accounts
			SET available = available + $2::NUMERIC, updated_at = NOW()
			WHERE addr = $1`, to, net.String()); err != nil {
			return err
		}
		if err := insertEntry(ctx, tx, to, EntryTransfer, net, reference); err != nil {
			return err
		}

		if fee.Sign() > 0 {
			if err := ensureAccount(ctx, tx, feeSink); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE ledger_accounts
				SET available = available + $2::NUMERIC, updated_at = NOW()
				WHERE addr = $1`, feeSink, fee.String()); err != nil {
				return err
			}
			if err := insertEntry(ctx, tx, feeSink, EntryFee, fee, reference); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *PostgresStore) Refund(ctx context.Context, addr string, amount *big.Int, reference string) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE ledger_accounts
			SET escrowed = escrowed - $2::NUMERIC,
			    available = available + $2::NUMERIC,
			    updated_at = NOW()
			WHERE addr = $1 AND escrowed >= $2::NUMERIC`, addr, amount.String())
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return ErrInsufficientBalance
		}
		return insertEntry(ctx, tx, addr, EntryRefund, amount, reference)
	})
}

func (p *PostgresStore) CustodyTotal(ctx context.Context) (*big.Int, error) {
	var total string
	err := p.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(escrowed), 0)::TEXT FROM ledger_accounts`).Scan(&total)
	if err != nil {
		return nil, err
	}
	return mustBig(total), nil
}

func (p *PostgresStore) History(ctx context.Context, addr string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, addr, type, amount::TEXT, COALESCE(reference, ''), created_at
		FROM ledger_entries
		WHERE addr = $1
		ORDER BY created_at DESC
		LIMIT $2`, addr, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		e := &Entry{}
		var raw string
		if err := rows.Scan(&e.ID, &e.Addr, &e.Type, &raw, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Amount = formatNumeric(raw)
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ledger: commit: %w", err)
	}
	return nil
}

func mustBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}

func formatNumeric(s string) string {
	return token.Format(mustBig(s))
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
