package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// LedgerReason enumerates why a balance mutation happened.
type LedgerReason string

// Balance ledger reasons.
const (
	ReasonDeposit         LedgerReason = "deposit"
	ReasonDepositClaim    LedgerReason = "deposit_claim"
	ReasonDeduction       LedgerReason = "deduction"
	ReasonBundleUnlock    LedgerReason = "bundle_unlock"
	ReasonWithdrawRequest LedgerReason = "withdraw_request"
	ReasonWithdrawRefund  LedgerReason = "withdraw_refund"
)

// IsDeposit reports whether the reason funds the account from outside the platform.
func (r LedgerReason) IsDeposit() bool {
	return r == ReasonDeposit || r == ReasonDepositClaim
}

// UnitKind distinguishes the purchasable content grains.
type UnitKind string

// Content unit kinds.
const (
	UnitPage    UnitKind = "page"
	UnitChapter UnitKind = "chapter"
)

// IntentStatus tracks a deposit intent through verification.
type IntentStatus string

// Deposit intent states.
const (
	IntentPending   IntentStatus = "pending"
	IntentConfirmed IntentStatus = "confirmed"
	IntentExpired   IntentStatus = "expired"
	IntentInvalid   IntentStatus = "invalid"
)

// IntentFailure records why an intent became invalid, independent of the
// human-readable reason.
type IntentFailure string

// Invalid intent causes.
const (
	IntentFailureDuplicateTx IntentFailure = "duplicate_tx"
	IntentFailureMismatch    IntentFailure = "mismatch"
)

// SettlementStatus tracks a revenue event through the payout pipeline.
type SettlementStatus string

// Revenue event settlement states.
const (
	SettlementPending    SettlementStatus = "pending"
	SettlementProcessing SettlementStatus = "processing"
	SettlementSettled    SettlementStatus = "settled"
)

// BatchStatus tracks a grouped payout transaction.
type BatchStatus string

// Settlement batch states.
const (
	BatchCreated     BatchStatus = "created"
	BatchBroadcasted BatchStatus = "broadcasted"
	BatchConfirmed   BatchStatus = "confirmed"
	BatchFailed      BatchStatus = "failed"
)

// WithdrawalStatus tracks a reader withdrawal request.
type WithdrawalStatus string

// Withdrawal request states.
const (
	WithdrawalPending   WithdrawalStatus = "pending"
	WithdrawalCompleted WithdrawalStatus = "completed"
	WithdrawalRejected  WithdrawalStatus = "rejected"
)

// ReaderAccount holds the prepaid counters for one wallet.
type ReaderAccount struct {
	Wallet           string `gorm:"primaryKey;size:128"`
	AvailableBalance int64  `gorm:"not null;default:0"`
	TotalDeposited   int64  `gorm:"not null;default:0"`
	TotalSpent       int64  `gorm:"not null;default:0"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// TableName pins the table name.
func (ReaderAccount) TableName() string { return "reader_accounts" }

// BalanceLedgerEntry is the append-only audit row written for every balance mutation.
type BalanceLedgerEntry struct {
	ID             uuid.UUID    `gorm:"type:uuid;primaryKey"`
	Wallet         string       `gorm:"size:128;index"`
	Delta          int64        `gorm:"not null"`
	BalanceAfter   int64        `gorm:"not null"`
	Reason         LedgerReason `gorm:"size:32;index"`
	BookID         *string      `gorm:"size:128"`
	UnitKind       *UnitKind    `gorm:"size:16"`
	Unit           *int
	ExternalTxHash *string `gorm:"size:128"`
	// DepositSource is only populated for deposit credits; the unique index keeps a
	// chain transaction from funding two credits.
	DepositSource *string `gorm:"size:128;uniqueIndex"`
	CreatedAt     time.Time
}

// TableName pins the table name.
func (BalanceLedgerEntry) TableName() string { return "balance_ledger" }

// DepositIntent is a reader's announced top-up awaiting an on-chain payment.
type DepositIntent struct {
	ID              uuid.UUID     `gorm:"type:uuid;primaryKey"`
	Wallet          string        `gorm:"size:128;index"`
	Amount          int64         `gorm:"not null"`
	Memo            string        `gorm:"size:64;uniqueIndex"`
	ExpiresAt       time.Time     `gorm:"index"`
	Status          IntentStatus  `gorm:"size:16;index"`
	SubmittedTxHash string        `gorm:"size:128"`
	TxHash          *string       `gorm:"size:128;uniqueIndex"`
	Reason          string        `gorm:"size:255"`
	FailureCode     IntentFailure `gorm:"size:32"`
	ConfirmedAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TableName pins the table name.
func (DepositIntent) TableName() string { return "credit_deposit_intents" }

// UnlockEntitlement grants a wallet a coalesced, inclusive page range of a book.
type UnlockEntitlement struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey"`
	Wallet        string     `gorm:"size:128;index:idx_entitlement_owner"`
	BookID        string     `gorm:"size:128;index:idx_entitlement_owner"`
	StartPage     int        `gorm:"not null"`
	EndPage       int        `gorm:"not null"`
	ChapterID     *string    `gorm:"size:128"`
	Cost          int64      `gorm:"not null"`
	LedgerEntryID *uuid.UUID `gorm:"type:uuid"`
	CreatedAt     time.Time
}

// TableName pins the table name.
func (UnlockEntitlement) TableName() string { return "unlock_entitlements" }

// Covers reports whether page falls inside the entitlement range.
func (e UnlockEntitlement) Covers(page int) bool {
	return page >= e.StartPage && page <= e.EndPage
}

// UnitUnlock is the per-unit unlock row written by flat purchases. The composite
// unique index is what resolves two concurrent purchases of the same unit.
type UnitUnlock struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey"`
	Wallet        string     `gorm:"size:128;uniqueIndex:idx_unit_unlock"`
	BookID        string     `gorm:"size:128;uniqueIndex:idx_unit_unlock"`
	UnitKind      UnitKind   `gorm:"size:16;uniqueIndex:idx_unit_unlock"`
	Unit          int        `gorm:"uniqueIndex:idx_unit_unlock"`
	Amount        int64      `gorm:"not null"`
	LedgerEntryID *uuid.UUID `gorm:"type:uuid"`
	CreatedAt     time.Time
}

// TableName pins the table name.
func (UnitUnlock) TableName() string { return "unit_unlocks" }

// RevenueEvent records author income generated by one paid unit.
type RevenueEvent struct {
	ID                  uuid.UUID        `gorm:"type:uuid;primaryKey"`
	AuthorWallet        string           `gorm:"size:128;index"`
	ReaderWallet        string           `gorm:"size:128;index:idx_revenue_reader"`
	BookID              string           `gorm:"size:128;index:idx_revenue_reader"`
	UnitKind            UnitKind         `gorm:"size:16"`
	Unit                int              `gorm:"not null"`
	Amount              int64            `gorm:"not null"`
	SettlementStatus    SettlementStatus `gorm:"size:16;index"`
	SettlementBatchID   *uuid.UUID       `gorm:"type:uuid;index"`
	ClaimToken          *uuid.UUID       `gorm:"type:uuid;index"`
	PayoutTxHash        *string          `gorm:"size:128"`
	PayoutAttempts      int              `gorm:"not null;default:0"`
	ProcessingStartedAt *time.Time
	LastError           string `gorm:"size:512"`
	SettledAt           *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// TableName pins the table name.
func (RevenueEvent) TableName() string { return "author_revenue_events" }

// SettlementBatch aggregates revenue events for one author into one payout.
type SettlementBatch struct {
	ID            uuid.UUID   `gorm:"type:uuid;primaryKey"`
	AuthorWallet  string      `gorm:"size:128;index"`
	TotalAmount   int64       `gorm:"not null"`
	EventCount    int         `gorm:"not null"`
	Network       string      `gorm:"size:64"`
	Status        BatchStatus `gorm:"size:16;index"`
	PayoutTxHash  *string     `gorm:"size:128"`
	Nonce         *uint64
	LastError     string `gorm:"size:512"`
	BroadcastedAt *time.Time
	ConfirmedAt   *time.Time
	FailedAt      *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TableName pins the table name.
func (SettlementBatch) TableName() string { return "author_settlement_batches" }

// WithdrawalRequest captures a reader asking for unspent balance back.
type WithdrawalRequest struct {
	ID            uuid.UUID        `gorm:"type:uuid;primaryKey"`
	Wallet        string           `gorm:"size:128;index"`
	Amount        int64            `gorm:"not null"`
	Destination   string           `gorm:"size:128"`
	Status        WithdrawalStatus `gorm:"size:16;index"`
	LedgerEntryID *uuid.UUID       `gorm:"type:uuid"`
	TxHash        *string          `gorm:"size:128"`
	Reason        string           `gorm:"size:255"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TableName pins the table name.
func (WithdrawalRequest) TableName() string { return "withdrawal_requests" }

// Book is the persisted pricing metadata read by the catalog store.
type Book struct {
	ID           string `gorm:"primaryKey;size:128"`
	AuthorWallet string `gorm:"size:128"`
	Title        string `gorm:"size:255"`
	TotalPages   int    `gorm:"not null"`
	PagePrice    int64  `gorm:"not null"`
	Chapters     []Chapter
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TableName pins the table name.
func (Book) TableName() string { return "catalog_books" }

// Chapter is a contiguous page range of a book sold at a flat price.
type Chapter struct {
	ID        string `gorm:"primaryKey;size:128"`
	BookID    string `gorm:"size:128;index"`
	Number    int    `gorm:"not null"`
	Title     string `gorm:"size:255"`
	StartPage int    `gorm:"not null"`
	EndPage   int    `gorm:"not null"`
	Price     int64  `gorm:"not null"`
}

// TableName pins the table name.
func (Chapter) TableName() string { return "catalog_chapters" }

// AutoMigrate performs all schema migrations for the ledger.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&ReaderAccount{},
		&BalanceLedgerEntry{},
		&DepositIntent{},
		&UnlockEntitlement{},
		&UnitUnlock{},
		&RevenueEvent{},
		&SettlementBatch{},
		&WithdrawalRequest{},
		&Book{},
		&Chapter{},
	)
}
