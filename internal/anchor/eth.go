// Package anchor writes certificate payload hashes to an EVM chain and
// retries anchoring that failed at issuance.
package anchor

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/voltrust/internal/retry"
)

var (
	ErrInvalidPrivateKey = errors.New("anchor: invalid private key")
	ErrRPCConnection     = errors.New("anchor: RPC connection failed")
)

// calldataMagic tags anchor transactions so indexers can find them.
var calldataMagic = []byte("VTC1")

// gasLimit covers a zero-value self transfer with 36 bytes of calldata.
const gasLimit = uint64(30000)

// Client is the subset of ethclient.Client the anchorer needs.
type Client interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	Close()
}

// Config for an EthAnchorer.
type Config struct {
	RPCURL     string
	PrivateKey string // 64 hex chars, 0x optional
	ChainID    int64
}

// Option configures the anchorer.
type Option func(*EthAnchorer)

// WithClient sets the RPC client, mainly for tests.
func WithClient(c Client) Option {
	return func(a *EthAnchorer) { a.client = c }
}

// WithRetry overrides the send retry policy.
func WithRetry(p retry.Policy) Option {
	return func(a *EthAnchorer) { a.retry = p }
}

// EthAnchorer sends a zero-value transaction to its own address whose
// calldata is "VTC1" followed by keccak256(payloadHash).
type EthAnchorer struct {
	client  Client
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
	retry   retry.Policy

	mu sync.Mutex // serializes nonce allocation
}

// New creates an anchorer and dials the RPC endpoint unless a client is
// supplied.
func New(cfg Config, opts ...Option) (*EthAnchorer, error) {
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return nil, fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return nil, errors.New("anchor: chain ID required")
	}
	priv, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	a := &EthAnchorer{
		key:     priv,
		address: crypto.PubkeyToAddress(priv.PublicKey),
		chainID: big.NewInt(cfg.ChainID),
		retry:   retry.Default,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.client == nil {
		if cfg.RPCURL == "" {
			return nil, fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
		}
		c, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		a.client = c
	}
	return a, nil
}

// Address is the anchoring account.
func (a *EthAnchorer) Address() string {
	return a.address.Hex()
}

// Calldata builds the anchor transaction payload for a payload hash.
func Calldata(payloadHash []byte) []byte {
	commitment := crypto.Keccak256(payloadHash)
	return append(append([]byte{}, calldataMagic...), commitment...)
}

// Anchor broadcasts the anchor transaction and returns its hash. It does
// not wait for inclusion.
func (a *EthAnchorer) Anchor(ctx context.Context, payloadHash []byte) (string, error) {
	if len(payloadHash) == 0 {
		return "", errors.New("anchor: empty payload hash")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var txHash string
	err := a.retry.Do(ctx, func(ctx context.Context) error {
		nonce, err := a.client.PendingNonceAt(ctx, a.address)
		if err != nil {
			return fmt.Errorf("anchor: nonce: %w", err)
		}
		gasPrice, err := a.client.SuggestGasPrice(ctx)
		if err != nil {
			return fmt.Errorf("anchor: gas price: %w", err)
		}

		tx := types.NewTransaction(nonce, a.address, big.NewInt(0), gasLimit, gasPrice, Calldata(payloadHash))
		signed, err := types.SignTx(tx, types.NewEIP155Signer(a.chainID), a.key)
		if err != nil {
			return retry.Permanent(fmt.Errorf("anchor: sign: %w", err))
		}
		if err := a.client.SendTransaction(ctx, signed); err != nil {
			return fmt.Errorf("anchor: send %s: %w", signed.Hash().Hex(), err)
		}
		txHash = signed.Hash().Hex()
		return nil
	})
	if err != nil {
		return "", err
	}
	return txHash, nil
}

// Close releases the RPC connection.
func (a *EthAnchorer) Close() {
	a.client.Close()
}
