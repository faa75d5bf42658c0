package wallet

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"

	"github.com/lib/pq"
)

// PostgresStore persists agent wallets in PostgreSQL. Operator and whitelist
// sets are stored as text arrays; amounts as NUMERIC(78,0) raw base units.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed wallet store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, w *Wallet) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO agent_wallets (
			id, on_chain_id, owner_addr, agent_addr, balance, daily_limit, spent_today,
			last_reset_time, whitelist_enabled, active, total_spent,
			transaction_count, operators, whitelist, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9, $10, $11::NUMERIC, $12, $13, $14, $15, $16)`,
		w.ID, w.OnChainID, w.Owner, w.Agent, w.Balance.String(), w.DailyLimit.String(),
		w.SpentToday.String(), w.LastResetTime, w.WhitelistEnabled, w.Active,
		w.TotalSpent.String(), w.TransactionCount,
		pq.Array(setToSlice(w.Operators)), pq.Array(setToSlice(w.Whitelist)),
		w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert wallet: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Wallet, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, on_chain_id, owner_addr, agent_addr, balance::TEXT, daily_limit::TEXT,
		       spent_today::TEXT, last_reset_time, whitelist_enabled, active,
		       total_spent::TEXT, transaction_count, operators, whitelist,
		       created_at, updated_at
		FROM agent_wallets WHERE id = $1`, id)

	w := &Wallet{}
	var balance, limit, spent, total string
	var operators, whitelist []string
	err := row.Scan(&w.ID, &w.OnChainID, &w.Owner, &w.Agent, &balance, &limit, &spent,
		&w.LastResetTime, &w.WhitelistEnabled, &w.Active, &total,
		&w.TransactionCount, pq.Array(&operators), pq.Array(&whitelist),
		&w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}

	w.Balance = mustBig(balance)
	w.DailyLimit = mustBig(limit)
	w.SpentToday = mustBig(spent)
	w.TotalSpent = mustBig(total)
	w.Operators = sliceToSet(operators)
	w.Whitelist = sliceToSet(whitelist)
	return w, nil
}

func (p *PostgresStore) Update(ctx context.Context, w *Wallet) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE agent_wallets
		SET on_chain_id = $2, balance = $3::NUMERIC, daily_limit = $4::NUMERIC,
		    spent_today = $5::NUMERIC, last_reset_time = $6,
		    whitelist_enabled = $7, active = $8, total_spent = $9::NUMERIC,
		    transaction_count = $10, operators = $11, whitelist = $12,
		    updated_at = $13
		WHERE id = $1`,
		w.ID, w.OnChainID, w.Balance.String(), w.DailyLimit.String(), w.SpentToday.String(),
		w.LastResetTime, w.WhitelistEnabled, w.Active, w.TotalSpent.String(),
		w.TransactionCount, pq.Array(setToSlice(w.Operators)),
		pq.Array(setToSlice(w.Whitelist)), w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update wallet: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrWalletNotFound
	}
	return nil
}

func (p *PostgresStore) ListByOwner(ctx context.Context, owner string) ([]*Wallet, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id FROM agent_wallets WHERE owner_addr = $1 ORDER BY created_at`, owner)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := make([]*Wallet, 0, len(ids))
	for _, id := range ids {
		w, err := p.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		result = append(result, w)
	}
	return result, nil
}

func setToSlice(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

func sliceToSet(in []string) map[string]bool {
	out := make(map[string]bool, len(in))
	for _, v := range in {
		out[v] = true
	}
	return out
}

func mustBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
