package ledger

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/meridianpay/meridian/internal/idgen"
	"github.com/meridianpay/meridian/internal/token"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	accounts map[string]*Account
	entries  []*Entry
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
	}
}

// account returns the stored account, creating a zeroed one if absent.
// Caller must hold the write lock.
func (m *MemoryStore) account(addr string) *Account {
	a, ok := m.accounts[addr]
	if !ok {
		a = &Account{
			Addr:          addr,
			Available:     new(big.Int),
			Escrowed:      new(big.Int),
			TotalEarnings: new(big.Int),
		}
		m.accounts[addr] = a
	}
	return a
}

func (m *MemoryStore) record(addr, entryType string, amount *big.Int, reference string) {
	m.entries = append(m.entries, &Entry{
		ID:        idgen.WithPrefix("le_"),
		Addr:      addr,
		Type:      entryType,
		Amount:    token.Format(amount),
		Reference: reference,
		CreatedAt: time.Now(),
	})
}

func (m *MemoryStore) GetAccount(ctx context.Context, addr string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accounts[addr]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	cp.Available = new(big.Int).Set(a.Available)
	cp.Escrowed = new(big.Int).Set(a.Escrowed)
	cp.TotalEarnings = new(big.Int).Set(a.TotalEarnings)
	return &cp, nil
}

func (m *MemoryStore) Credit(ctx context.Context, addr string, amount *big.Int, reference, entryType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.account(addr)
	a.Available.Add(a.Available, amount)
	a.UpdatedAt = time.Now()
	m.record(addr, entryType, amount, reference)
	return nil
}

func (m *MemoryStore) Lock(ctx context.Context, addr string, amount *big.Int, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.account(addr)
	if a.Available.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	a.Available.Sub(a.Available, amount)
	a.Escrowed.Add(a.Escrowed, amount)
	a.UpdatedAt = time.Now()
	m.record(addr, EntryLock, amount, reference)
	return nil
}

func (m *MemoryStore) Settle(ctx context.Context, buyer, seller, feeSink string, amount, fee *big.Int, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.account(buyer)
	if b.Escrowed.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	sellerShare := new(big.Int).Sub(amount, fee)

	now := time.Now()
	b.Escrowed.Sub(b.Escrowed, amount)
	b.UpdatedAt = now

	s := m.account(seller)
	s.Available.Add(s.Available, sellerShare)
	s.TotalEarnings.Add(s.TotalEarnings, sellerShare)
	s.TasksCompleted++
	s.UpdatedAt = now

	if fee.Sign() > 0 {
		f := m.account(feeSink)
		f.Available.Add(f.Available, fee)
		f.UpdatedAt = now
		m.record(feeSink, EntryFee, fee, reference)
	}

	m.record(seller, EntrySettle, sellerShare, reference)
	return nil
}

func (m *MemoryStore) Transfer(ctx context.Context, to, feeSink string, net, fee *big.Int, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	a := m.account(to)
	a.Available.Add(a.Available, net)
	a.UpdatedAt = now
	m.record(to, EntryTransfer, net, reference)

	if fee.Sign() > 0 {
		f := m.account(feeSink)
		f.Available.Add(f.Available, fee)
		f.UpdatedAt = now
		m.record(feeSink, EntryFee, fee, reference)
	}
	return nil
}

func (m *MemoryStore) Refund(ctx context.Context, addr string, amount *big.Int, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.account(addr)
	if a.Escrowed.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	a.Escrowed.Sub(a.Escrowed, amount)
	a.Available.Add(a.Available, amount)
	a.UpdatedAt = time.Now()
	m.record(addr, EntryRefund, amount, reference)
	return nil
}

func (m *MemoryStore) CustodyTotal(ctx context.Context) (*big.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := new(big.Int)
	for _, a := range m.accounts {
		total.Add(total, a.Escrowed)
	}
	return total, nil
}

func (m *MemoryStore) History(ctx context.Context, addr string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if m.entries[i].Addr == addr {
			cp := *m.entries[i]
			result = append(result, &cp)
		}
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
