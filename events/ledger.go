package events

import (
	"strconv"
	"strings"
)

const (
	// TypeUnitUnlocked is emitted when a reader pays for a single page or chapter.
	TypeUnitUnlocked = "ledger.unit_unlocked"
	// TypeBundlePurchased is emitted when a bundle debit commits.
	TypeBundlePurchased = "ledger.bundle_purchased"
	// TypeDepositConfirmed is emitted once a deposit intent credits the reader.
	TypeDepositConfirmed = "ledger.deposit_confirmed"
	// TypeWithdrawalRequested is emitted when a reader reserves balance for withdrawal.
	TypeWithdrawalRequested = "ledger.withdrawal_requested"
	// TypeBatchBroadcasted is emitted after a payout transaction is accepted by the node.
	TypeBatchBroadcasted = "settlement.batch_broadcasted"
	// TypeBatchConfirmed is emitted when the payout transaction succeeds on-chain.
	TypeBatchConfirmed = "settlement.batch_confirmed"
	// TypeBatchFailed is emitted when a batch is abandoned and its events requeued.
	TypeBatchFailed = "settlement.batch_failed"
)

// UnitUnlocked reports a flat unit purchase.
type UnitUnlocked struct {
	Reader string
	Author string
	BookID string
	Kind   string
	Unit   int
	Amount int64
}

// EventType satisfies the Event interface.
func (UnitUnlocked) EventType() string { return TypeUnitUnlocked }

// Key partitions by reader.
func (e UnitUnlocked) Key() string { return e.Reader }

// Attributes flattens the payload.
func (e UnitUnlocked) Attributes() map[string]string {
	return compact(map[string]string{
		"reader": e.Reader,
		"author": e.Author,
		"bookId": e.BookID,
		"kind":   e.Kind,
		"unit":   strconv.Itoa(e.Unit),
		"amount": strconv.FormatInt(e.Amount, 10),
	})
}

// BundlePurchased reports a bundle debit and the pages it unlocked.
type BundlePurchased struct {
	Reader    string
	BookID    string
	StartPage int
	EndPage   int
	Pages     int
	Amount    int64
}

// EventType satisfies the Event interface.
func (BundlePurchased) EventType() string { return TypeBundlePurchased }

// Key partitions by reader.
func (e BundlePurchased) Key() string { return e.Reader }

// Attributes flattens the payload.
func (e BundlePurchased) Attributes() map[string]string {
	return compact(map[string]string{
		"reader":    e.Reader,
		"bookId":    e.BookID,
		"startPage": strconv.Itoa(e.StartPage),
		"endPage":   strconv.Itoa(e.EndPage),
		"pages":     strconv.Itoa(e.Pages),
		"amount":    strconv.FormatInt(e.Amount, 10),
	})
}

// DepositConfirmed reports a confirmed top-up.
type DepositConfirmed struct {
	Wallet   string
	IntentID string
	TxHash  string
	Amount  int64
}

// EventType satisfies the Event interface.
func (DepositConfirmed) EventType() string { return TypeDepositConfirmed }

// Key partitions by wallet.
func (e DepositConfirmed) Key() string { return e.Wallet }

// Attributes flattens the payload.
func (e DepositConfirmed) Attributes() map[string]string {
	return compact(map[string]string{
		"wallet":   e.Wallet,
		"intentId": e.IntentID,
		"txHash":   e.TxHash,
		"amount":   strconv.FormatInt(e.Amount, 10),
	})
}

// WithdrawalRequested reports a pending withdrawal.
type WithdrawalRequested struct {
	Wallet      string
	RequestID   string
	Destination string
	Amount      int64
}

// EventType satisfies the Event interface.
func (WithdrawalRequested) EventType() string { return TypeWithdrawalRequested }

// Key partitions by wallet.
func (e WithdrawalRequested) Key() string { return e.Wallet }

// Attributes flattens the payload.
func (e WithdrawalRequested) Attributes() map[string]string {
	return compact(map[string]string{
		"wallet":      e.Wallet,
		"requestId":   e.RequestID,
		"destination": e.Destination,
		"amount":      strconv.FormatInt(e.Amount, 10),
	})
}

// BatchTransition reports a settlement batch changing state. Type selects which
// of the batch event types it is published as.
type BatchTransition struct {
	Type    string
	BatchID string
	Author  string
	Amount  int64
	Events  int
	TxHash  string
	Nonce   *uint64
	Reason  string
}

// EventType satisfies the Event interface.
func (e BatchTransition) EventType() string { return e.Type }

// Key partitions by author so a batch's transitions stay ordered.
func (e BatchTransition) Key() string { return e.Author }

// Attributes flattens the payload.
func (e BatchTransition) Attributes() map[string]string {
	attrs := map[string]string{
		"batchId": e.BatchID,
		"author":  e.Author,
		"amount":  strconv.FormatInt(e.Amount, 10),
		"events":  strconv.Itoa(e.Events),
		"txHash":  e.TxHash,
		"reason":  e.Reason,
	}
	if e.Nonce != nil {
		attrs["nonce"] = strconv.FormatUint(*e.Nonce, 10)
	}
	return compact(attrs)
}

func compact(attrs map[string]string) map[string]string {
	for k, v := range attrs {
		if strings.TrimSpace(v) == "" {
			delete(attrs, k)
		}
	}
	return attrs
}
