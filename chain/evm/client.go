// Package evm implements the chain contract against an Ethereum JSON-RPC node:
// deposits are native value transfers carrying the intent memo in their data,
// payouts are legacy transfers signed by the treasury key.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"folio/chain"
)

// Backend is the subset of *ethclient.Client used by Client.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*gethtypes.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
}

// Config tunes the adapter.
type Config struct {
	// ChainID pins the signer; zero asks the node once at construction.
	ChainID int64
	Units   Units
	// GasLimit fixes the payout gas limit; zero estimates per transaction.
	GasLimit uint64
	// RequestTimeout bounds each RPC call.
	RequestTimeout time.Duration
	// RequestsPerSecond throttles RPC traffic; zero disables throttling.
	RequestsPerSecond float64
	Burst             int
}

// Client implements chain.Client.
type Client struct {
	backend  Backend
	key      *ecdsa.PrivateKey
	treasury common.Address
	chainID  *big.Int
	signer   gethtypes.Signer
	units    Units
	gasLimit uint64
	timeout  time.Duration
	limiter  *rate.Limiter
	closeFn  func()
}

// Dial connects to endpoint and builds a client. key may be nil for read-only use.
func Dial(ctx context.Context, endpoint string, key *ecdsa.PrivateKey, cfg Config) (*Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evm: rpc endpoint required")
	}
	rpc, err := ethclient.DialContext(ctx, trimmed)
	if err != nil {
		return nil, fmt.Errorf("evm: dial %s: %w", trimmed, err)
	}
	c, err := New(ctx, rpc, key, cfg)
	if err != nil {
		rpc.Close()
		return nil, err
	}
	c.closeFn = rpc.Close
	return c, nil
}

// Close releases the RPC connection opened by Dial. Clients built with New own
// nothing and Close is a no-op.
func (c *Client) Close() error {
	if c.closeFn != nil {
		c.closeFn()
		c.closeFn = nil
	}
	return nil
}

// New wraps an existing backend.
func New(ctx context.Context, backend Backend, key *ecdsa.PrivateKey, cfg Config) (*Client, error) {
	if backend == nil {
		return nil, fmt.Errorf("evm: backend required")
	}
	if err := cfg.Units.validate(); err != nil {
		return nil, err
	}
	c := &Client{
		backend:  backend,
		key:      key,
		units:    cfg.Units,
		gasLimit: cfg.GasLimit,
		timeout:  cfg.RequestTimeout,
		limiter:  rate.NewLimiter(rate.Inf, 0),
	}
	if c.timeout <= 0 {
		c.timeout = 10 * time.Second
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	if key != nil {
		c.treasury = Address(key)
	}
	if cfg.ChainID > 0 {
		c.chainID = big.NewInt(cfg.ChainID)
	} else {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		id, err := backend.ChainID(callCtx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("evm: fetch chain id: %w", err)
		}
		c.chainID = id
	}
	c.signer = gethtypes.LatestSignerForChainID(c.chainID)
	return c, nil
}

// Treasury returns the payout account address.
func (c *Client) Treasury() string {
	return c.treasury.Hex()
}

// Units exposes the configured conversion.
func (c *Client) Units() Units {
	return c.units
}

// ValidateAddress implements chain.Broadcaster.
func (c *Client) ValidateAddress(address string) error {
	return ValidateAddress(address)
}

// ValidateAddress accepts 0x-prefixed, 20-byte hex addresses other than the zero address.
func ValidateAddress(address string) error {
	trimmed := strings.TrimSpace(address)
	if !strings.HasPrefix(trimmed, "0x") || !common.IsHexAddress(trimmed) {
		return fmt.Errorf("%w: %q", chain.ErrInvalidAddress, address)
	}
	if common.HexToAddress(trimmed) == (common.Address{}) {
		return fmt.Errorf("%w: zero address", chain.ErrInvalidAddress)
	}
	return nil
}

// GetTransaction implements chain.Query. Unknown hashes and mempool
// transactions are reported as pending.
func (c *Client) GetTransaction(ctx context.Context, hash string) (*chain.Transaction, error) {
	txHash, err := parseHash(hash)
	if err != nil {
		return nil, err
	}
	out := &chain.Transaction{Hash: txHash.Hex(), Status: chain.StatusPending}

	tx, isPending, err := c.txByHash(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return out, nil
		}
		return nil, fmt.Errorf("evm: fetch transaction %s: %w", txHash.Hex(), err)
	}
	if tx == nil {
		return out, nil
	}
	sender, err := gethtypes.Sender(c.signer, tx)
	if err != nil {
		return nil, fmt.Errorf("%w: recover sender: %v", chain.ErrMalformed, err)
	}
	amount, err := c.units.FromWei(tx.Value())
	if err != nil {
		return nil, err
	}
	out.Sender = sender.Hex()
	if to := tx.To(); to != nil {
		out.Recipient = to.Hex()
	}
	out.Amount = amount
	out.Memo = decodeMemo(tx.Data())
	if isPending {
		return out, nil
	}

	receipt, err := c.receipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return out, nil
		}
		return nil, fmt.Errorf("evm: fetch receipt %s: %w", txHash.Hex(), err)
	}
	if receipt == nil {
		return out, nil
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.Status == gethtypes.ReceiptStatusSuccessful {
		out.Status = chain.StatusSuccess
	} else {
		out.Status = chain.StatusFailed
	}
	return out, nil
}

// NextNonce implements chain.Broadcaster.
func (c *Client) NextNonce(ctx context.Context) (uint64, error) {
	if c.key == nil {
		return 0, fmt.Errorf("evm: treasury key not configured")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.backend.PendingNonceAt(callCtx, c.treasury)
}

// Broadcast implements chain.Broadcaster.
func (c *Client) Broadcast(ctx context.Context, payout chain.PayoutTx) (string, error) {
	if c.key == nil {
		return "", fmt.Errorf("evm: treasury key not configured")
	}
	if err := ValidateAddress(payout.To); err != nil {
		return "", err
	}
	value, err := c.units.ToWei(payout.Amount)
	if err != nil {
		return "", err
	}
	to := common.HexToAddress(payout.To)
	data := []byte(payout.Memo)

	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	gasPrice, err := c.backend.SuggestGasPrice(callCtx)
	if err != nil {
		return "", fmt.Errorf("evm: suggest gas price: %w", err)
	}
	gas := c.gasLimit
	if gas == 0 {
		gas, err = c.backend.EstimateGas(callCtx, ethereum.CallMsg{From: c.treasury, To: &to, Value: value, Data: data})
		if err != nil {
			return "", classifySendError(fmt.Errorf("evm: estimate gas: %w", err))
		}
	}

	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    payout.Nonce,
		To:       &to,
		Value:    value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := gethtypes.SignTx(tx, c.signer, c.key)
	if err != nil {
		return "", fmt.Errorf("evm: sign payout: %w", err)
	}
	if err := c.backend.SendTransaction(callCtx, signed); err != nil {
		return "", classifySendError(err)
	}
	return signed.Hash().Hex(), nil
}

func (c *Client) txByHash(ctx context.Context, hash common.Hash) (*gethtypes.Transaction, bool, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, false, err
	}
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.backend.TransactionByHash(callCtx, hash)
}

func (c *Client) receipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.backend.TransactionReceipt(callCtx, hash)
}

var nonceErrors = []string{
	"nonce too low",
	"nonce too high",
	"already known",
	"replacement transaction underpriced",
	"invalid nonce",
}

var rejectErrors = []string{
	"insufficient funds",
	"intrinsic gas too low",
	"exceeds block gas limit",
	"execution reverted",
}

// classifySendError maps node error strings onto the chain error taxonomy. RPC
// errors carry no stable codes across clients, so the message is all there is.
func classifySendError(err error) error {
	msg := strings.ToLower(err.Error())
	for _, needle := range nonceErrors {
		if strings.Contains(msg, needle) {
			return fmt.Errorf("%w: %v", chain.ErrNonceConflict, err)
		}
	}
	for _, needle := range rejectErrors {
		if strings.Contains(msg, needle) {
			return &chain.RejectedError{Reason: err.Error()}
		}
	}
	return err
}

func parseHash(raw string) (common.Hash, error) {
	trimmed := strings.TrimSpace(raw)
	if len(trimmed) != 66 || !strings.HasPrefix(trimmed, "0x") {
		return common.Hash{}, fmt.Errorf("%w: hash %q", chain.ErrMalformed, raw)
	}
	for _, r := range trimmed[2:] {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return common.Hash{}, fmt.Errorf("%w: hash %q", chain.ErrMalformed, raw)
		}
	}
	return common.HexToHash(trimmed), nil
}

func decodeMemo(data []byte) string {
	if len(data) == 0 || !utf8.Valid(data) {
		return ""
	}
	return strings.TrimSpace(string(data))
}
