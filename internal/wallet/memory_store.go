package wallet

import (
	"context"
	"math/big"
	"sync"
)

// MemoryStore is an in-memory wallet store for demo/development mode.
type MemoryStore struct {
	wallets map[string]*Wallet
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory wallet store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets: make(map[string]*Wallet),
	}
}

func copyWallet(w *Wallet) *Wallet {
	cp := *w
	cp.Balance = new(big.Int).Set(w.Balance)
	cp.DailyLimit = new(big.Int).Set(w.DailyLimit)
	cp.SpentToday = new(big.Int).Set(w.SpentToday)
	cp.TotalSpent = new(big.Int).Set(w.TotalSpent)
	cp.Operators = make(map[string]bool, len(w.Operators))
	for k, v := range w.Operators {
		cp.Operators[k] = v
	}
	cp.Whitelist = make(map[string]bool, len(w.Whitelist))
	for k, v := range w.Whitelist {
		cp.Whitelist[k] = v
	}
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, w *Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.wallets[w.ID] = copyWallet(w)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.wallets[id]
	if !ok {
		return nil, ErrWalletNotFound
	}
	return copyWallet(w), nil
}

func (m *MemoryStore) Update(ctx context.Context, w *Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.wallets[w.ID]; !ok {
		return ErrWalletNotFound
	}
	m.wallets[w.ID] = copyWallet(w)
	return nil
}

func (m *MemoryStore) ListByOwner(ctx context.Context, owner string) ([]*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Wallet
	for _, w := range m.wallets {
		if w.Owner == owner {
			result = append(result, copyWallet(w))
		}
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
