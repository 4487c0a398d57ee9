// Package balance owns the prepaid reader accounts and the append-only balance
// ledger. Every mutation locks the account row and writes one ledger entry in the
// same transaction.
package balance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"folio/ledger/models"
	"folio/observability"
)

var (
	// ErrInvalidAmount is returned for zero or negative mutation amounts.
	ErrInvalidAmount = errors.New("balance: amount must be positive")
	// ErrWalletRequired is returned when the wallet is blank.
	ErrWalletRequired = errors.New("balance: wallet required")
	// ErrReasonRequired is returned when a mutation carries no ledger reason.
	ErrReasonRequired = errors.New("balance: reason required")
	// ErrDuplicateDepositSource indicates the external transaction already funded a credit.
	ErrDuplicateDepositSource = errors.New("balance: deposit source already credited")
	// ErrRefundExceedsSpent guards the deposited-minus-spent invariant for non-deposit credits.
	ErrRefundExceedsSpent = errors.New("balance: refund exceeds total spent")
)

// InsufficientBalanceError reports a debit larger than the available balance.
type InsufficientBalanceError struct {
	Wallet    string
	Required  int64
	Available int64
	Shortfall int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("balance: insufficient balance for %s: required %d, available %d", e.Wallet, e.Required, e.Available)
}

// Balance is a read-only snapshot of an account.
type Balance struct {
	Wallet         string
	Available      int64
	TotalDeposited int64
	TotalSpent     int64
}

// CreditRequest describes an increase of a reader's balance.
type CreditRequest struct {
	Wallet         string
	Amount         int64
	Reason         models.LedgerReason
	ExternalTxHash string
	// DepositSource marks the credit as funded by the given chain transaction.
	// Only meaningful for deposit reasons; the column is unique.
	DepositSource string
}

// DebitRequest describes a spend against a reader's balance.
type DebitRequest struct {
	Wallet   string
	Amount   int64
	Reason   models.LedgerReason
	BookID   string
	UnitKind models.UnitKind
	Unit     int
}

// Store mutates reader accounts.
type Store struct {
	db      *gorm.DB
	now     func() time.Time
	metrics *observability.LedgerMetrics
}

// NewStore constructs a balance store backed by db.
func NewStore(db *gorm.DB, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{db: db, now: now, metrics: observability.Ledger()}
}

// NormalizeWallet canonicalises wallet identifiers the way they are stored.
func NormalizeWallet(wallet string) string {
	return strings.ToLower(strings.TrimSpace(wallet))
}

// GetBalance returns the account snapshot, creating the row on first touch.
func (s *Store) GetBalance(ctx context.Context, wallet string) (Balance, error) {
	if s == nil || s.db == nil {
		return Balance{}, fmt.Errorf("balance: store not configured")
	}
	wallet = NormalizeWallet(wallet)
	if wallet == "" {
		return Balance{}, ErrWalletRequired
	}
	if err := ensureAccount(s.db.WithContext(ctx), wallet, s.now()); err != nil {
		return Balance{}, err
	}
	var account models.ReaderAccount
	if err := s.db.WithContext(ctx).First(&account, "wallet = ?", wallet).Error; err != nil {
		return Balance{}, err
	}
	return snapshot(account), nil
}

// Credit increases the balance in its own transaction.
func (s *Store) Credit(ctx context.Context, req CreditRequest) (*models.BalanceLedgerEntry, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("balance: store not configured")
	}
	var entry *models.BalanceLedgerEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		entry, err = s.CreditTx(tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Debit spends balance in its own transaction.
func (s *Store) Debit(ctx context.Context, req DebitRequest) (*models.BalanceLedgerEntry, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("balance: store not configured")
	}
	var entry *models.BalanceLedgerEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		entry, err = s.DebitTx(tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// LockAccount takes the exclusive row lock on the wallet's account inside tx,
// creating the row if needed.
func (s *Store) LockAccount(tx *gorm.DB, wallet string) (*models.ReaderAccount, error) {
	wallet = NormalizeWallet(wallet)
	if wallet == "" {
		return nil, ErrWalletRequired
	}
	if err := ensureAccount(tx, wallet, s.now()); err != nil {
		return nil, err
	}
	var account models.ReaderAccount
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&account, "wallet = ?", wallet).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

// CreditTx applies a credit inside the caller's transaction.
func (s *Store) CreditTx(tx *gorm.DB, req CreditRequest) (*models.BalanceLedgerEntry, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if req.Reason == "" {
		return nil, ErrReasonRequired
	}
	account, err := s.LockAccount(tx, req.Wallet)
	if err != nil {
		return nil, err
	}

	now := s.now()
	account.AvailableBalance += req.Amount
	if req.Reason.IsDeposit() {
		account.TotalDeposited += req.Amount
	} else {
		if account.TotalSpent < req.Amount {
			return nil, ErrRefundExceedsSpent
		}
		account.TotalSpent -= req.Amount
	}
	account.UpdatedAt = now

	entry := &models.BalanceLedgerEntry{
		ID:             uuid.New(),
		Wallet:         account.Wallet,
		Delta:          req.Amount,
		BalanceAfter:   account.AvailableBalance,
		Reason:         req.Reason,
		ExternalTxHash: optional(req.ExternalTxHash),
		CreatedAt:      now,
	}
	if req.Reason.IsDeposit() {
		entry.DepositSource = optional(strings.ToLower(strings.TrimSpace(req.DepositSource)))
	}
	if err := tx.Create(entry).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateDepositSource
		}
		return nil, err
	}
	if err := saveAccount(tx, account); err != nil {
		return nil, err
	}
	s.metrics.RecordMutation("credit", string(req.Reason), req.Amount)
	return entry, nil
}

// DebitTx applies a debit inside the caller's transaction. An
// *InsufficientBalanceError leaves the account untouched.
func (s *Store) DebitTx(tx *gorm.DB, req DebitRequest) (*models.BalanceLedgerEntry, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if req.Reason == "" {
		return nil, ErrReasonRequired
	}
	account, err := s.LockAccount(tx, req.Wallet)
	if err != nil {
		return nil, err
	}
	if req.Amount > account.AvailableBalance {
		return nil, &InsufficientBalanceError{
			Wallet:    account.Wallet,
			Required:  req.Amount,
			Available: account.AvailableBalance,
			Shortfall: req.Amount - account.AvailableBalance,
		}
	}

	now := s.now()
	account.AvailableBalance -= req.Amount
	account.TotalSpent += req.Amount
	account.UpdatedAt = now

	entry := &models.BalanceLedgerEntry{
		ID:           uuid.New(),
		Wallet:       account.Wallet,
		Delta:        -req.Amount,
		BalanceAfter: account.AvailableBalance,
		Reason:       req.Reason,
		BookID:       optional(req.BookID),
		CreatedAt:    now,
	}
	if req.UnitKind != "" {
		kind := req.UnitKind
		unit := req.Unit
		entry.UnitKind = &kind
		entry.Unit = &unit
	}
	if err := tx.Create(entry).Error; err != nil {
		return nil, err
	}
	if err := saveAccount(tx, account); err != nil {
		return nil, err
	}
	s.metrics.RecordMutation("debit", string(req.Reason), req.Amount)
	return entry, nil
}

// Entries lists the wallet's ledger entries, newest first.
func (s *Store) Entries(ctx context.Context, wallet string, limit int) ([]models.BalanceLedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []models.BalanceLedgerEntry
	err := s.db.WithContext(ctx).
		Where("wallet = ?", NormalizeWallet(wallet)).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

func ensureAccount(tx *gorm.DB, wallet string, now time.Time) error {
	account := models.ReaderAccount{Wallet: wallet, CreatedAt: now, UpdatedAt: now}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&account).Error
}

func saveAccount(tx *gorm.DB, account *models.ReaderAccount) error {
	return tx.Model(&models.ReaderAccount{}).
		Where("wallet = ?", account.Wallet).
		Updates(map[string]any{
			"available_balance": account.AvailableBalance,
			"total_deposited":   account.TotalDeposited,
			"total_spent":       account.TotalSpent,
			"updated_at":        account.UpdatedAt,
		}).Error
}

func snapshot(account models.ReaderAccount) Balance {
	return Balance{
		Wallet:         account.Wallet,
		Available:      account.AvailableBalance,
		TotalDeposited: account.TotalDeposited,
		TotalSpent:     account.TotalSpent,
	}
}

func optional(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}
