package escrow

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	escrows map[string]*Escrow
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Escrow),
	}
}

func copyEscrow(e *Escrow) *Escrow {
	cp := *e
	cp.Amount = new(big.Int).Set(e.Amount)
	cp.Fee = new(big.Int).Set(e.Fee)
	if e.SellerClaimTime != nil {
		t := *e.SellerClaimTime
		cp.SellerClaimTime = &t
	}
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e.UpdatedAt = e.CreatedAt
	m.escrows[e.ID] = copyEscrow(e)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return copyEscrow(e), nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, id string, from, to Status, fields Fields) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[id]
	if !ok {
		return ErrEscrowNotFound
	}
	if e.Status != from {
		return ErrConcurrentModification
	}

	e.Status = to
	if fields.SellerClaimed != nil {
		e.SellerClaimed = *fields.SellerClaimed
	}
	if fields.SellerClaimTime != nil {
		t := *fields.SellerClaimTime
		e.SellerClaimTime = &t
	}
	if fields.DisputeReason != nil {
		e.DisputeReason = *fields.DisputeReason
	}
	if fields.TxHashFund != nil {
		e.TxHashFund = *fields.TxHashFund
	}
	if fields.TxHashRelease != nil {
		e.TxHashRelease = *fields.TxHashRelease
	}
	if fields.OnChainID != nil {
		e.OnChainID = *fields.OnChainID
	}
	e.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, addr string, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.Buyer == addr || e.Seller == addr {
			result = append(result, copyEscrow(e))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListClaimedBefore(ctx context.Context, claimedBefore time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if !e.pending() || !e.SellerClaimed || e.SellerClaimTime == nil {
			continue
		}
		if e.SellerClaimTime.After(claimedBefore) {
			continue
		}
		result = append(result, copyEscrow(e))
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.Status == status {
			result = append(result, copyEscrow(e))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
