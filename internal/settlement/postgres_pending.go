package settlement

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresPendingStore persists pending-confirmation records so a restart
// can resume polling submitted transactions instead of resubmitting them.
type PostgresPendingStore struct {
	db *sql.DB
}

// NewPostgresPendingStore creates a new PostgreSQL-backed pending store.
func NewPostgresPendingStore(db *sql.DB) *PostgresPendingStore {
	return &PostgresPendingStore{db: db}
}

func (p *PostgresPendingStore) Put(ctx context.Context, tx *PendingTx) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO pending_transactions (
			tx_hash, intent, event, escrow_id, wallet_id, caller, recipient, amount, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tx_hash) DO NOTHING`,
		tx.TxHash, tx.Intent, tx.Event,
		nullEmpty(tx.EscrowID), nullEmpty(tx.WalletID), nullEmpty(tx.Caller),
		nullEmpty(tx.To), nullEmpty(tx.Amount), tx.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert pending transaction: %w", err)
	}
	return nil
}

func (p *PostgresPendingStore) List(ctx context.Context, limit int) ([]*PendingTx, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT tx_hash, intent, event,
		       COALESCE(escrow_id, ''), COALESCE(wallet_id, ''), COALESCE(caller, ''),
		       COALESCE(recipient, ''), COALESCE(amount::TEXT, ''), created_at
		FROM pending_transactions
		ORDER BY created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*PendingTx
	for rows.Next() {
		tx := &PendingTx{}
		if err := rows.Scan(&tx.TxHash, &tx.Intent, &tx.Event,
			&tx.EscrowID, &tx.WalletID, &tx.Caller,
			&tx.To, &tx.Amount, &tx.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

func (p *PostgresPendingStore) Delete(ctx context.Context, txHash string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM pending_transactions WHERE tx_hash = $1`, txHash)
	return err
}

func nullEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// Compile-time assertion that PostgresPendingStore implements PendingStore.
var _ PendingStore = (*PostgresPendingStore)(nil)
