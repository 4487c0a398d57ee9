// Package chain declares the narrow contract the ledger uses to read deposits
// from, and push author payouts to, an external settlement chain.
package chain

import (
	"context"
	"errors"
	"fmt"
)

// Status classifies a transaction as seen by the chain.
type Status string

// Transaction states.
const (
	StatusSuccess Status = "success"
	StatusPending Status = "pending"
	StatusFailed  Status = "failed"
)

var (
	// ErrNonceConflict reports that the node rejected the payout nonce as stale
	// or already used. Callers refresh the nonce and retry once.
	ErrNonceConflict = errors.New("chain: nonce conflict")
	// ErrMalformed reports a hash or transaction that cannot be interpreted.
	ErrMalformed = errors.New("chain: malformed transaction")
	// ErrInvalidAddress reports a recipient the chain cannot pay.
	ErrInvalidAddress = errors.New("chain: invalid address")
)

// RejectedError is returned when the node refuses a payout for a reason that
// retrying with the same parameters will not fix.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("chain: broadcast rejected: %s", e.Reason)
}

// Transaction is the chain-agnostic view of a transfer. Amount is expressed in
// ledger minor units. Unknown transactions are reported as pending.
type Transaction struct {
	Hash        string
	Status      Status
	Sender      string
	Recipient   string
	Amount      int64
	Memo        string
	BlockNumber uint64
}

// PayoutTx is one outbound transfer from the treasury.
type PayoutTx struct {
	To     string
	Amount int64
	Nonce  uint64
	Memo   string
}

// Query reads transactions.
type Query interface {
	GetTransaction(ctx context.Context, hash string) (*Transaction, error)
}

// Broadcaster signs and submits treasury payouts.
type Broadcaster interface {
	NextNonce(ctx context.Context) (uint64, error)
	Broadcast(ctx context.Context, tx PayoutTx) (string, error)
	ValidateAddress(address string) error
}

// Client is a full chain adapter.
type Client interface {
	Query
	Broadcaster
}

// FuncClient adapts callback functions to Client.
type FuncClient struct {
	GetTransactionFunc  func(ctx context.Context, hash string) (*Transaction, error)
	NextNonceFunc       func(ctx context.Context) (uint64, error)
	BroadcastFunc       func(ctx context.Context, tx PayoutTx) (string, error)
	ValidateAddressFunc func(address string) error
}

// GetTransaction delegates to the configured callback.
func (c FuncClient) GetTransaction(ctx context.Context, hash string) (*Transaction, error) {
	if c.GetTransactionFunc == nil {
		return &Transaction{Hash: hash, Status: StatusPending}, nil
	}
	return c.GetTransactionFunc(ctx, hash)
}

// NextNonce delegates to the configured callback.
func (c FuncClient) NextNonce(ctx context.Context) (uint64, error) {
	if c.NextNonceFunc == nil {
		return 0, nil
	}
	return c.NextNonceFunc(ctx)
}

// Broadcast delegates to the configured callback.
func (c FuncClient) Broadcast(ctx context.Context, tx PayoutTx) (string, error) {
	if c.BroadcastFunc == nil {
		return "", &RejectedError{Reason: "broadcast not configured"}
	}
	return c.BroadcastFunc(ctx, tx)
}

// ValidateAddress delegates to the configured callback. Without one every
// non-empty address is accepted.
func (c FuncClient) ValidateAddress(address string) error {
	if c.ValidateAddressFunc == nil {
		if address == "" {
			return ErrInvalidAddress
		}
		return nil
	}
	return c.ValidateAddressFunc(address)
}
