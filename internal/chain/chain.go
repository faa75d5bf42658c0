// Package chain submits escrow and wallet contract calls and reconciles
// their confirmations.
//
// Submission and confirmation are separate phases with distinguishable
// outcomes. An operation is never "done" on submission: only a confirmed
// receipt carrying the expected contract event counts. A confirmation
// timeout means the outcome is unknown and must be reconciled by re-polling,
// never retried by resubmission.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/meridianpay/meridian/internal/retry"
)

var (
	ErrInvalidPrivateKey = errors.New("chain: invalid private key")
	ErrRPCConnection     = errors.New("chain: RPC connection failed")

	// ErrTxReverted means the chain rejected the transaction. The business
	// operation definitively did not happen.
	ErrTxReverted = errors.New("chain: transaction reverted")

	// ErrConfirmTimeout means confirmation was not observed in time. The
	// outcome is unknown: the transaction may still land. Callers must
	// reconcile by re-polling the hash, never by resubmitting.
	ErrConfirmTimeout = errors.New("chain: confirmation timed out, outcome unknown")

	// ErrEventNotFound means the receipt succeeded but the expected contract
	// event is missing. The two sources of truth disagree; this is never
	// auto-retried.
	ErrEventNotFound = errors.New("chain: expected event not found in receipt")
)

// SubmitError wraps submission failures with the failed step and, when one
// exists, the transaction hash. A hash means the transaction may have been
// broadcast; without one, the attempt never left the process and is safe to
// retry.
type SubmitError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *SubmitError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// Contract event names. The adapter matches these verbatim against receipt
// logs; they are the only way to disambiguate transaction outcomes.
const (
	EventEscrowCreated   = "EscrowCreated"
	EventEscrowCompleted = "EscrowCompleted"
	EventEscrowCancelled = "EscrowCancelled"
	EventDeliveryProof   = "DeliveryProofSubmitted"
	EventDisputeOpened   = "DisputeOpened"
	EventWalletCreated   = "WalletCreated"
	EventAgentTransfer   = "AgentTransfer"
)

// Settlement contract ABI: the calls the adapter makes plus the events it
// recognizes.
const settlementABI = `[
	{"type":"function","name":"createEscrow","inputs":[{"name":"seller","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"id","type":"uint256"}]},
	{"type":"function","name":"confirmDelivery","inputs":[{"name":"id","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"cancelEscrow","inputs":[{"name":"id","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"submitDeliveryProof","inputs":[{"name":"id","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"autoComplete","inputs":[{"name":"id","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"openDispute","inputs":[{"name":"id","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"createWallet","inputs":[{"name":"dailyLimit","type":"uint256"},{"name":"whitelistEnabled","type":"bool"}],"outputs":[{"name":"id","type":"uint256"}]},
	{"type":"function","name":"agentTransfer","inputs":[{"name":"walletId","type":"uint256"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"event","name":"EscrowCreated","inputs":[{"indexed":true,"name":"id","type":"uint256"},{"indexed":true,"name":"buyer","type":"address"},{"indexed":true,"name":"seller","type":"address"},{"indexed":false,"name":"amount","type":"uint256"}]},
	{"type":"event","name":"EscrowCompleted","inputs":[{"indexed":true,"name":"id","type":"uint256"}]},
	{"type":"event","name":"EscrowCancelled","inputs":[{"indexed":true,"name":"id","type":"uint256"}]},
	{"type":"event","name":"DeliveryProofSubmitted","inputs":[{"indexed":true,"name":"id","type":"uint256"},{"indexed":true,"name":"seller","type":"address"}]},
	{"type":"event","name":"DisputeOpened","inputs":[{"indexed":true,"name":"id","type":"uint256"},{"indexed":true,"name":"initiator","type":"address"}]},
	{"type":"event","name":"WalletCreated","inputs":[{"indexed":true,"name":"id","type":"uint256"},{"indexed":true,"name":"owner","type":"address"}]},
	{"type":"event","name":"AgentTransfer","inputs":[{"indexed":true,"name":"walletId","type":"uint256"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"amount","type":"uint256"}]}
]`

const (
	DefaultGasLimit            = uint64(300000)
	DefaultConfirmationTimeout = 60 * time.Second
	ConfirmationPollInterval   = 2 * time.Second
)

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

// Receipt describes a confirmed contract call.
type Receipt struct {
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
	GasUsed     uint64 `json:"gasUsed"`
	Event       string `json:"event"`
	EventID     int64  `json:"eventId"` // first indexed uint256 of the event
}

// Config for the chain adapter.
type Config struct {
	RPCURL     string
	PrivateKey string // hex, with or without 0x prefix
	ChainID    int64
	Contract   string
}

// Option configures the adapter.
type Option func(*Adapter)

// WithClient sets a custom Ethereum client. Used by tests.
func WithClient(client EthClient) Option {
	return func(a *Adapter) {
		a.client = client
	}
}

// Adapter signs and submits settlement contract calls.
type Adapter struct {
	client     EthClient
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	contract   common.Address
	abi        abi.ABI
}

// New creates a chain adapter.
func New(cfg Config, opts ...Option) (*Adapter, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}

	parsedABI, err := abi.JSON(strings.NewReader(settlementABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse settlement ABI: %w", err)
	}

	a := &Adapter{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(*publicKey),
		chainID:    big.NewInt(cfg.ChainID),
		contract:   common.HexToAddress(cfg.Contract),
		abi:        parsedABI,
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		a.client = client
	}
	return a, nil
}

func validateConfig(cfg Config) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return errors.New("chain: chain ID required")
	}
	if cfg.Contract == "" {
		return errors.New("chain: contract address required")
	}
	return nil
}

// Address returns the signer address.
func (a *Adapter) Address() string {
	return a.address.Hex()
}

// Close closes the client connection.
func (a *Adapter) Close() error {
	if a.client != nil {
		a.client.Close()
	}
	return nil
}

// submit packs, signs, and broadcasts one contract call, returning the
// transaction hash. The read-only preparation calls (nonce, gas price) are
// retried with backoff; once SendTransaction has been attempted a hash
// exists, so no step after that point is ever retried here.
func (a *Adapter) submit(ctx context.Context, method string, args ...interface{}) (string, error) {
	data, err := a.abi.Pack(method, args...)
	if err != nil {
		return "", &SubmitError{Op: "pack " + method, Err: err}
	}

	var nonce uint64
	if err := retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		var rerr error
		nonce, rerr = a.client.PendingNonceAt(ctx, a.address)
		return rerr
	}); err != nil {
		return "", &SubmitError{Op: "nonce", Err: err}
	}

	var gasPrice *big.Int
	if err := retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		var rerr error
		gasPrice, rerr = a.client.SuggestGasPrice(ctx)
		return rerr
	}); err != nil {
		return "", &SubmitError{Op: "gas_price", Err: err}
	}

	gasLimit, err := a.client.EstimateGas(ctx, ethereum.CallMsg{
		From: a.address,
		To:   &a.contract,
		Data: data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, a.contract, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(a.chainID), a.privateKey)
	if err != nil {
		return "", &SubmitError{Op: "sign " + method, Err: err}
	}

	if err := a.client.SendTransaction(ctx, signedTx); err != nil {
		return "", &SubmitError{Op: "send " + method, TxHash: signedTx.Hash().Hex(), Err: err}
	}
	return signedTx.Hash().Hex(), nil
}

// WaitConfirmed polls for the receipt of txHash and verifies the named event
// is present. Timeout surfaces as ErrConfirmTimeout (unknown outcome), a
// reverted receipt as ErrTxReverted, and a successful receipt without the
// event as ErrEventNotFound.
func (a *Adapter) WaitConfirmed(ctx context.Context, txHash, event string, timeout time.Duration) (*Receipt, error) {
	if timeout <= 0 {
		timeout = DefaultConfirmationTimeout
	}
	hash := common.HexToHash(txHash)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(ConfirmationPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: tx %s", ErrConfirmTimeout, txHash)
			}
			return nil, ctx.Err()

		case <-ticker.C:
			receipt, err := a.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// Not mined yet.
				continue
			}
			return a.checkReceipt(receipt, txHash, event)
		}
	}
}

// CheckConfirmed performs a single receipt lookup without waiting. Used by
// the reconciler to resolve transactions whose first confirmation attempt
// timed out.
func (a *Adapter) CheckConfirmed(ctx context.Context, txHash, event string) (*Receipt, error) {
	receipt, err := a.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		return nil, fmt.Errorf("%w: tx %s not yet mined: %v", ErrConfirmTimeout, txHash, err)
	}
	return a.checkReceipt(receipt, txHash, event)
}

func (a *Adapter) checkReceipt(receipt *types.Receipt, txHash, event string) (*Receipt, error) {
	if receipt.Status == 0 {
		return nil, fmt.Errorf("%w: tx %s", ErrTxReverted, txHash)
	}

	ev, ok := a.abi.Events[event]
	if !ok {
		return nil, fmt.Errorf("chain: unknown event %q", event)
	}

	for _, log := range receipt.Logs {
		if log.Address != a.contract {
			continue
		}
		if len(log.Topics) == 0 || log.Topics[0] != ev.ID {
			continue
		}

		r := &Receipt{
			TxHash:      txHash,
			BlockNumber: receipt.BlockNumber.Uint64(),
			GasUsed:     receipt.GasUsed,
			Event:       event,
		}
		if len(log.Topics) > 1 {
			r.EventID = new(big.Int).SetBytes(log.Topics[1].Bytes()).Int64()
		}
		return r, nil
	}

	return nil, fmt.Errorf("%w: %s in tx %s", ErrEventNotFound, event, txHash)
}

// FundEscrow submits createEscrow and returns the transaction hash.
func (a *Adapter) FundEscrow(ctx context.Context, seller string, amount *big.Int) (string, error) {
	return a.submit(ctx, "createEscrow", common.HexToAddress(seller), amount)
}

// ReleaseEscrow submits confirmDelivery for the on-chain escrow ID.
func (a *Adapter) ReleaseEscrow(ctx context.Context, onChainID int64) (string, error) {
	return a.submit(ctx, "confirmDelivery", big.NewInt(onChainID))
}

// CancelEscrow submits cancelEscrow.
func (a *Adapter) CancelEscrow(ctx context.Context, onChainID int64) (string, error) {
	return a.submit(ctx, "cancelEscrow", big.NewInt(onChainID))
}

// SubmitDeliveryProof submits submitDeliveryProof.
func (a *Adapter) SubmitDeliveryProof(ctx context.Context, onChainID int64) (string, error) {
	return a.submit(ctx, "submitDeliveryProof", big.NewInt(onChainID))
}

// AutoComplete submits autoComplete.
func (a *Adapter) AutoComplete(ctx context.Context, onChainID int64) (string, error) {
	return a.submit(ctx, "autoComplete", big.NewInt(onChainID))
}

// OpenDispute submits openDispute.
func (a *Adapter) OpenDispute(ctx context.Context, onChainID int64) (string, error) {
	return a.submit(ctx, "openDispute", big.NewInt(onChainID))
}

// CreateWallet submits createWallet.
func (a *Adapter) CreateWallet(ctx context.Context, dailyLimit *big.Int, whitelistEnabled bool) (string, error) {
	return a.submit(ctx, "createWallet", dailyLimit, whitelistEnabled)
}

// AgentTransfer submits agentTransfer.
func (a *Adapter) AgentTransfer(ctx context.Context, walletID int64, to string, amount *big.Int) (string, error) {
	return a.submit(ctx, "agentTransfer", big.NewInt(walletID), common.HexToAddress(to), amount)
}
