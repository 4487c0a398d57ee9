// Package deposit turns reader-submitted chain transactions into balance credits.
// A reader first opens an intent carrying a memo, pays the treasury with that
// memo, and then asks for the intent to be settled against the transaction.
package deposit

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"lukechampine.com/blake3"

	"folio/chain"
	"folio/events"
	"folio/ledger/balance"
	"folio/ledger/models"
	"folio/observability"
	"folio/observability/logging"
)

var (
	// ErrIntentNotFound is returned for unknown intents or intents owned by another wallet.
	ErrIntentNotFound = errors.New("deposit: intent not found")
	// ErrAmountOutOfBounds is returned when an intent amount falls outside the configured limits.
	ErrAmountOutOfBounds = errors.New("deposit: amount out of bounds")
	// ErrDuplicateTransactionUse marks a transaction that already settled another intent.
	ErrDuplicateTransactionUse = errors.New("deposit: transaction already used")
	// ErrIntentMismatch marks a transaction whose sender, recipient, amount or memo disagree with the intent.
	ErrIntentMismatch = errors.New("deposit: transaction does not match intent")

	errAlreadyUsed = errors.New("deposit: duplicate detected under lock")
)

// Config parameterises the verifier.
type Config struct {
	// TreasuryAddress is the only accepted deposit recipient.
	TreasuryAddress string
	IntentTTL       time.Duration
	MinAmount       int64
	// MaxAmount of zero means unbounded.
	MaxAmount int64
}

// SettleRequest references an intent and, optionally, the transaction that pays it.
// An empty TxHash reuses the hash submitted on a previous attempt.
type SettleRequest struct {
	Wallet   string
	IntentID uuid.UUID
	TxHash   string
}

// SettleResult is the reader-facing outcome of SettleIntent.
type SettleResult struct {
	Intent   models.DepositIntent
	Status   models.IntentStatus
	Reason   string
	Credited int64
	// Err carries the typed cause for invalid outcomes.
	Err error
}

// Verifier creates and settles deposit intents.
type Verifier struct {
	db       *gorm.DB
	balances *balance.Store
	chain    chain.Query
	cfg      Config
	emitter  events.Emitter
	logger   *slog.Logger
	metrics  *observability.LedgerMetrics
	now      func() time.Time
}

// NewVerifier constructs a deposit verifier.
func NewVerifier(db *gorm.DB, balances *balance.Store, query chain.Query, cfg Config, emitter events.Emitter, logger *slog.Logger, now func() time.Time) (*Verifier, error) {
	if db == nil || balances == nil || query == nil {
		return nil, fmt.Errorf("deposit: db, balance store and chain query are required")
	}
	if strings.TrimSpace(cfg.TreasuryAddress) == "" {
		return nil, fmt.Errorf("deposit: treasury address required")
	}
	if cfg.IntentTTL <= 0 {
		cfg.IntentTTL = 30 * time.Minute
	}
	if cfg.MinAmount <= 0 {
		cfg.MinAmount = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Verifier{
		db:       db,
		balances: balances,
		chain:    query,
		cfg:      cfg,
		emitter:  events.OrNoop(emitter),
		logger:   logger,
		metrics:  observability.Ledger(),
		now:      now,
	}, nil
}

// Memo derives the payment memo for an intent. It is stable for a given intent
// and wallet, and short enough for any chain's memo field.
func Memo(intentID uuid.UUID, wallet string) string {
	h := blake3.New(16, nil)
	_, _ = h.Write(intentID[:])
	_, _ = h.Write([]byte(balance.NormalizeWallet(wallet)))
	return "folio-" + hex.EncodeToString(h.Sum(nil))
}

// CreateIntent opens a pending intent for amount.
func (v *Verifier) CreateIntent(ctx context.Context, wallet string, amount int64) (*models.DepositIntent, error) {
	wallet = balance.NormalizeWallet(wallet)
	if wallet == "" {
		return nil, balance.ErrWalletRequired
	}
	if amount < v.cfg.MinAmount || (v.cfg.MaxAmount > 0 && amount > v.cfg.MaxAmount) {
		return nil, fmt.Errorf("%w: %d", ErrAmountOutOfBounds, amount)
	}
	now := v.now()
	id := uuid.New()
	intent := &models.DepositIntent{
		ID:        id,
		Wallet:    wallet,
		Amount:    amount,
		Memo:      Memo(id, wallet),
		ExpiresAt: now.Add(v.cfg.IntentTTL),
		Status:    models.IntentPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := v.db.WithContext(ctx).Create(intent).Error; err != nil {
		return nil, err
	}
	return intent, nil
}

// Intent loads an intent for its owner.
func (v *Verifier) Intent(ctx context.Context, wallet string, id uuid.UUID) (*models.DepositIntent, error) {
	var intent models.DepositIntent
	err := v.db.WithContext(ctx).First(&intent, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrIntentNotFound
		}
		return nil, err
	}
	if wallet != "" && intent.Wallet != balance.NormalizeWallet(wallet) {
		return nil, ErrIntentNotFound
	}
	return &intent, nil
}

// SettleIntent verifies the referenced transaction and credits the reader once.
// The chain is queried without holding any row lock; the intent is re-locked
// and re-checked before crediting.
func (v *Verifier) SettleIntent(ctx context.Context, req SettleRequest) (SettleResult, error) {
	intent, err := v.Intent(ctx, req.Wallet, req.IntentID)
	if err != nil {
		return SettleResult{}, err
	}
	if intent.Status != models.IntentPending {
		return resultFor(*intent, 0, nil), nil
	}

	txHash := normalizeHash(req.TxHash)
	if txHash == "" {
		txHash = intent.SubmittedTxHash
	}
	now := v.now()
	if txHash == "" {
		if now.After(intent.ExpiresAt) {
			return v.finish(ctx, intent, models.IntentExpired, "intent expired before a transaction was submitted", nil)
		}
		return pending(*intent, "awaiting transaction"), nil
	}
	if txHash != intent.SubmittedTxHash {
		res := v.db.WithContext(ctx).Model(&models.DepositIntent{}).
			Where("id = ? AND status = ?", intent.ID, models.IntentPending).
			Updates(map[string]any{"submitted_tx_hash": txHash, "updated_at": now})
		if res.Error != nil {
			return SettleResult{}, res.Error
		}
		intent.SubmittedTxHash = txHash
	}

	used, err := v.hashUsedElsewhere(v.db.WithContext(ctx), intent.ID, txHash)
	if err != nil {
		return SettleResult{}, err
	}
	if used {
		return v.finish(ctx, intent, models.IntentInvalid, "transaction already settled another deposit", ErrDuplicateTransactionUse)
	}

	tx, err := v.chain.GetTransaction(ctx, txHash)
	if err != nil {
		if errors.Is(err, chain.ErrMalformed) {
			return v.finish(ctx, intent, models.IntentInvalid, err.Error(), ErrIntentMismatch)
		}
		v.logger.WarnContext(ctx, "deposit lookup failed; leaving intent pending",
			slog.String("intent_id", intent.ID.String()), slog.String("tx_hash", txHash), slog.Any("error", err))
		v.metrics.RecordDeposit(string(models.IntentPending))
		return pending(*intent, "transaction lookup unavailable"), nil
	}
	switch tx.Status {
	case chain.StatusPending:
		v.metrics.RecordDeposit(string(models.IntentPending))
		return pending(*intent, "transaction not yet confirmed"), nil
	case chain.StatusFailed:
		return v.finish(ctx, intent, models.IntentInvalid, "transaction failed on-chain", ErrIntentMismatch)
	}
	if reason := v.mismatch(intent, tx); reason != "" {
		return v.finish(ctx, intent, models.IntentInvalid, reason, ErrIntentMismatch)
	}
	return v.confirm(ctx, intent.ID, txHash)
}

func (v *Verifier) confirm(ctx context.Context, id uuid.UUID, txHash string) (SettleResult, error) {
	var (
		locked   models.DepositIntent
		credited int64
	)
	err := v.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&locked, "id = ?", id).Error; err != nil {
			return err
		}
		if locked.Status != models.IntentPending {
			return nil
		}
		used, err := v.hashUsedElsewhere(tx, locked.ID, txHash)
		if err != nil {
			return err
		}
		if used {
			return errAlreadyUsed
		}
		if _, err := v.balances.CreditTx(tx, balance.CreditRequest{
			Wallet:         locked.Wallet,
			Amount:         locked.Amount,
			Reason:         models.ReasonDeposit,
			ExternalTxHash: txHash,
			DepositSource:  txHash,
		}); err != nil {
			if errors.Is(err, balance.ErrDuplicateDepositSource) {
				return errAlreadyUsed
			}
			return err
		}
		now := v.now()
		hash := txHash
		locked.Status = models.IntentConfirmed
		locked.TxHash = &hash
		locked.SubmittedTxHash = txHash
		locked.ConfirmedAt = &now
		locked.Reason = ""
		locked.UpdatedAt = now
		if err := tx.Save(&locked).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return errAlreadyUsed
			}
			return err
		}
		credited = locked.Amount
		return nil
	})
	if errors.Is(err, errAlreadyUsed) {
		intent, loadErr := v.Intent(ctx, "", id)
		if loadErr != nil {
			return SettleResult{}, loadErr
		}
		return v.finish(ctx, intent, models.IntentInvalid, "transaction already settled another deposit", ErrDuplicateTransactionUse)
	}
	if err != nil {
		return SettleResult{}, err
	}
	if credited > 0 {
		v.metrics.RecordDeposit(string(models.IntentConfirmed))
		v.logger.InfoContext(ctx, "deposit confirmed",
			slog.String("intent_id", locked.ID.String()),
			logging.Wallet("wallet", locked.Wallet),
			slog.String("tx_hash", txHash),
			slog.Int64("amount", credited))
		v.emitter.Emit(events.DepositConfirmed{
			Wallet:   locked.Wallet,
			IntentID: locked.ID.String(),
			TxHash:   txHash,
			Amount:   credited,
		})
	}
	return resultFor(locked, credited, nil), nil
}

// finish moves a still-pending intent into a terminal state. A concurrent
// settlement that got there first wins and its state is returned instead.
func (v *Verifier) finish(ctx context.Context, intent *models.DepositIntent, status models.IntentStatus, reason string, cause error) (SettleResult, error) {
	now := v.now()
	res := v.db.WithContext(ctx).Model(&models.DepositIntent{}).
		Where("id = ? AND status = ?", intent.ID, models.IntentPending).
		Updates(map[string]any{"status": status, "reason": reason, "failure_code": failureCode(cause), "updated_at": now})
	if res.Error != nil {
		return SettleResult{}, res.Error
	}
	current, err := v.Intent(ctx, "", intent.ID)
	if err != nil {
		return SettleResult{}, err
	}
	if res.RowsAffected == 0 {
		return resultFor(*current, 0, nil), nil
	}
	v.metrics.RecordDeposit(string(status))
	if status == models.IntentInvalid {
		v.logger.WarnContext(ctx, "deposit rejected",
			slog.String("intent_id", intent.ID.String()),
			slog.String("tx_hash", intent.SubmittedTxHash),
			slog.String("reason", reason))
	}
	return resultFor(*current, 0, cause), nil
}

func (v *Verifier) hashUsedElsewhere(db *gorm.DB, id uuid.UUID, txHash string) (bool, error) {
	var intents int64
	if err := db.Model(&models.DepositIntent{}).Where("tx_hash = ? AND id <> ?", txHash, id).Count(&intents).Error; err != nil {
		return false, err
	}
	if intents > 0 {
		return true, nil
	}
	var credits int64
	if err := db.Model(&models.BalanceLedgerEntry{}).Where("deposit_source = ?", txHash).Count(&credits).Error; err != nil {
		return false, err
	}
	return credits > 0, nil
}

func (v *Verifier) mismatch(intent *models.DepositIntent, tx *chain.Transaction) string {
	switch {
	case !strings.EqualFold(strings.TrimSpace(tx.Recipient), strings.TrimSpace(v.cfg.TreasuryAddress)):
		return "recipient is not the treasury"
	case !strings.EqualFold(strings.TrimSpace(tx.Sender), intent.Wallet):
		return "sender does not match the intent wallet"
	case tx.Amount != intent.Amount:
		return fmt.Sprintf("amount %d does not match intent amount %d", tx.Amount, intent.Amount)
	case tx.Memo != intent.Memo:
		return "memo does not match the intent"
	}
	return ""
}

func resultFor(intent models.DepositIntent, credited int64, cause error) SettleResult {
	res := SettleResult{Intent: intent, Status: intent.Status, Reason: intent.Reason, Credited: credited, Err: cause}
	if res.Err == nil && intent.Status == models.IntentInvalid {
		res.Err = ErrIntentMismatch
		if intent.FailureCode == models.IntentFailureDuplicateTx {
			res.Err = ErrDuplicateTransactionUse
		}
	}
	return res
}

func failureCode(cause error) models.IntentFailure {
	switch {
	case cause == nil:
		return ""
	case errors.Is(cause, ErrDuplicateTransactionUse):
		return models.IntentFailureDuplicateTx
	default:
		return models.IntentFailureMismatch
	}
}

func pending(intent models.DepositIntent, reason string) SettleResult {
	return SettleResult{Intent: intent, Status: models.IntentPending, Reason: reason}
}

func normalizeHash(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
