package escrow

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// PostgresStore persists escrows in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, on_chain_id, buyer, seller, amount, fee, status,
			created_at, expires_at, seller_claimed, seller_claim_time,
			dispute_reason, tx_hash_fund, tx_hash_release, metadata, updated_at
		) VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8, $9, $10, $11, $12, $13, $14, $15, $8)`,
		e.ID, nullInt64(e.OnChainID), e.Buyer, e.Seller,
		e.Amount.String(), e.Fee.String(), string(e.Status),
		e.CreatedAt, e.ExpiresAt, e.SellerClaimed, nullTime(e.SellerClaimTime),
		nullString(e.DisputeReason), nullString(e.TxHashFund),
		nullString(e.TxHashRelease), nullString(e.Metadata))
	if err != nil {
		return fmt.Errorf("failed to insert escrow: %w", err)
	}
	return nil
}

// scanner abstracts sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		onChainID     sql.NullInt64
		amount, fee   string
		status        string
		claimTime     sql.NullTime
		disputeReason sql.NullString
		txFund        sql.NullString
		txRelease     sql.NullString
		metadata      sql.NullString
	)

	err := s.Scan(&e.ID, &onChainID, &e.Buyer, &e.Seller, &amount, &fee, &status,
		&e.CreatedAt, &e.ExpiresAt, &e.SellerClaimed, &claimTime,
		&disputeReason, &txFund, &txRelease, &metadata, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}

	e.OnChainID = onChainID.Int64
	e.Amount, _ = new(big.Int).SetString(amount, 10)
	e.Fee, _ = new(big.Int).SetString(fee, 10)
	e.Status = Status(status)
	if claimTime.Valid {
		t := claimTime.Time
		e.SellerClaimTime = &t
	}
	e.DisputeReason = disputeReason.String
	e.TxHashFund = txFund.String
	e.TxHashRelease = txRelease.String
	e.Metadata = metadata.String
	return e, nil
}

const escrowColumns = `id, on_chain_id, buyer, seller, amount::TEXT, fee::TEXT, status,
	created_at, expires_at, seller_claimed, seller_claim_time,
	dispute_reason, tx_hash_fund, tx_hash_release, metadata, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)

	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// UpdateStatus performs the guarded transition. The status predicate lives
// in the WHERE clause so the check and the write are one atomic statement;
// zero rows affected means somebody else moved the escrow first.
func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, from, to Status, fields Fields) error {
	set := []string{"status = $3", "updated_at = NOW()"}
	args := []interface{}{id, string(from), string(to)}

	add := func(col string, v interface{}) {
		args = append(args, v)
		set = append(set, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if fields.SellerClaimed != nil {
		add("seller_claimed", *fields.SellerClaimed)
	}
	if fields.SellerClaimTime != nil {
		add("seller_claim_time", *fields.SellerClaimTime)
	}
	if fields.DisputeReason != nil {
		add("dispute_reason", *fields.DisputeReason)
	}
	if fields.TxHashFund != nil {
		add("tx_hash_fund", *fields.TxHashFund)
	}
	if fields.TxHashRelease != nil {
		add("tx_hash_release", *fields.TxHashRelease)
	}
	if fields.OnChainID != nil {
		add("on_chain_id", *fields.OnChainID)
	}

	query := fmt.Sprintf(`UPDATE escrows SET %s WHERE id = $1 AND status = $2`,
		strings.Join(set, ", "))

	result, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update escrow status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Either the escrow is gone or its status moved under us.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM escrows WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrEscrowNotFound
		}
		return ErrConcurrentModification
	}
	return nil
}

func (p *PostgresStore) ListByParty(ctx context.Context, addr string, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE buyer = $1 OR seller = $1
		ORDER BY created_at DESC
		LIMIT $2`, addr, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectEscrows(rows)
}

func (p *PostgresStore) ListClaimedBefore(ctx context.Context, claimedBefore time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE seller_claimed = TRUE
		  AND seller_claim_time <= $1
		  AND status IN ('created', 'funded', 'delivered')
		ORDER BY seller_claim_time ASC
		LIMIT $2`, claimedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectEscrows(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectEscrows(rows)
}

func collectEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
