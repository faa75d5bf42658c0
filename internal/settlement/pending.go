package settlement

import (
	"context"
	"sync"
	"time"
)

// Intents recorded for pending confirmations.
const (
	IntentFund     = "fund"
	IntentRelease  = "release"
	IntentCancel   = "cancel"
	IntentProof    = "proof"
	IntentDispute  = "dispute"
	IntentWallet   = "wallet_create"
	IntentTransfer = "agent_transfer"
)

// PendingTx is the explicit pending-confirmation sub-state: a transaction
// that has been submitted but whose outcome is not yet known. Distinct from
// both "not started" and "confirmed" so a crash mid-confirmation is
// recoverable by re-polling the chain.
type PendingTx struct {
	TxHash    string    `json:"txHash"`
	Intent    string    `json:"intent"`
	Event     string    `json:"event"`
	EscrowID  string    `json:"escrowId,omitempty"`
	WalletID  string    `json:"walletId,omitempty"`
	Caller    string    `json:"caller,omitempty"`
	To        string    `json:"to,omitempty"`
	Amount    string    `json:"amount,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// PendingStore tracks submitted-but-unconfirmed transactions.
type PendingStore interface {
	Put(ctx context.Context, p *PendingTx) error
	List(ctx context.Context, limit int) ([]*PendingTx, error)
	Delete(ctx context.Context, txHash string) error
}

// MemoryPendingStore is the in-memory pending-transaction store.
type MemoryPendingStore struct {
	txs map[string]*PendingTx
	mu  sync.RWMutex
}

// NewMemoryPendingStore creates a new in-memory pending store.
func NewMemoryPendingStore() *MemoryPendingStore {
	return &MemoryPendingStore{txs: make(map[string]*PendingTx)}
}

func (m *MemoryPendingStore) Put(ctx context.Context, p *PendingTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.txs[p.TxHash] = &cp
	return nil
}

func (m *MemoryPendingStore) List(ctx context.Context, limit int) ([]*PendingTx, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*PendingTx
	for _, p := range m.txs {
		cp := *p
		result = append(result, &cp)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryPendingStore) Delete(ctx context.Context, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.txs, txHash)
	return nil
}

// Compile-time assertion that MemoryPendingStore implements PendingStore.
var _ PendingStore = (*MemoryPendingStore)(nil)
