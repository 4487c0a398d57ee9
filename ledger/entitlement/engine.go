// Package entitlement decides what a reader may read and charges for it: flat
// per-unit unlocks, bundle options with proration, and the ownership check that
// spans every place a grant can be recorded.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"folio/events"
	"folio/ledger/balance"
	"folio/ledger/catalog"
	"folio/ledger/models"
	"folio/observability"
	"folio/observability/logging"
)

var (
	// ErrUnitOutOfRange is returned for pages or chapters the book does not have.
	ErrUnitOutOfRange = errors.New("entitlement: unit out of range")
	// ErrUnsupportedUnit is returned for unknown unit kinds.
	ErrUnsupportedUnit = errors.New("entitlement: unsupported unit kind")
	// ErrOptionUnavailable is returned when the requested bundle cannot be built from the current page.
	ErrOptionUnavailable = errors.New("entitlement: bundle option unavailable")

	// errUnlockRace marks a lost unique insert on unit_unlocks; it never leaves the package.
	errUnlockRace = errors.New("entitlement: concurrent unlock")
)

// Config parameterises the engine. Zero values fall back to defaults.
type Config struct {
	Pricing Pricing
	// DepositAddress is shown to readers as the top-up recipient.
	DepositAddress string
	// TopUpIncrement rounds suggested top-ups up to a multiple of this amount.
	TopUpIncrement int64
	// MinTopUp is the smallest suggested top-up.
	MinTopUp int64
}

// Insufficient is the payment-required payload returned instead of charging.
type Insufficient struct {
	Required       int64
	Available      int64
	Shortfall      int64
	Recipient      string
	SuggestedTopUp int64
}

// UnitRequest identifies one page or chapter.
type UnitRequest struct {
	Wallet string
	BookID string
	Kind   models.UnitKind
	Unit   int
}

// UnlockResult describes the outcome of ChargeForUnit.
type UnlockResult struct {
	Charged            int64
	Free               bool
	UsedExistingUnlock bool
	Balance            int64
	LedgerEntryID      *uuid.UUID
	RevenueEventID     *uuid.UUID
	Insufficient       *Insufficient
}

// Granted reports whether the reader may now read the unit.
func (r UnlockResult) Granted() bool { return r.Insufficient == nil }

// BundleRequest selects one of the options BuildOptions offers at CurrentPage.
type BundleRequest struct {
	Wallet      string
	BookID      string
	CurrentPage int
	Option      OptionKind
}

// BundleResult describes the outcome of PurchaseBundle.
type BundleResult struct {
	Option        BundleOption
	Charged       int64
	UnlockedPages []int
	AlreadyOwned  int
	EntitlementID *uuid.UUID
	Balance       int64
	Insufficient  *Insufficient
}

// Engine implements flat and bundle unlocks on top of the balance store.
type Engine struct {
	db        *gorm.DB
	balances  *balance.Store
	catalog   catalog.Catalog
	ownership Ownership
	cfg       Config
	emitter   events.Emitter
	logger    *slog.Logger
	metrics   *observability.LedgerMetrics
	now       func() time.Time
}

// Option customises an Engine.
type Option func(*Engine)

// WithEmitter publishes unlock events.
func WithEmitter(e events.Emitter) Option {
	return func(en *Engine) { en.emitter = events.OrNoop(e) }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(en *Engine) {
		if l != nil {
			en.logger = l
		}
	}
}

// WithOwnership replaces the ownership sources consulted before charging.
func WithOwnership(o Ownership) Option {
	return func(en *Engine) {
		if len(o) > 0 {
			en.ownership = o
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(en *Engine) {
		if now != nil {
			en.now = now
		}
	}
}

// NewEngine wires an entitlement engine.
func NewEngine(db *gorm.DB, balances *balance.Store, cat catalog.Catalog, cfg Config, opts ...Option) (*Engine, error) {
	if db == nil || balances == nil || cat == nil {
		return nil, fmt.Errorf("entitlement: db, balance store and catalog are required")
	}
	if cfg.Pricing == (Pricing{}) {
		cfg.Pricing = DefaultPricing()
	}
	if cfg.TopUpIncrement <= 0 {
		cfg.TopUpIncrement = 1
	}
	en := &Engine{
		db:        db,
		balances:  balances,
		catalog:   cat,
		ownership: DefaultOwnership(),
		cfg:       cfg,
		emitter:   events.NoopEmitter{},
		logger:    slog.Default(),
		metrics:   observability.Ledger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(en)
	}
	return en, nil
}

// ChargeForUnit unlocks a single page or chapter at its flat price. Unit 1 is
// free, owned units cost nothing, and a lost insert race is reported as an
// existing unlock after the debit rolls back.
func (e *Engine) ChargeForUnit(ctx context.Context, req UnitRequest) (UnlockResult, error) {
	wallet := balance.NormalizeWallet(req.Wallet)
	if wallet == "" {
		return UnlockResult{}, balance.ErrWalletRequired
	}
	book, err := e.catalog.Book(ctx, req.BookID)
	if err != nil {
		return UnlockResult{}, err
	}
	price, err := unitPrice(book, req.Kind, req.Unit)
	if err != nil {
		return UnlockResult{}, err
	}
	kind := string(req.Kind)

	if req.Unit == 1 || price <= 0 {
		e.metrics.RecordUnlock(kind, "free")
		bal, err := e.balances.GetBalance(ctx, wallet)
		if err != nil {
			return UnlockResult{}, err
		}
		return UnlockResult{Free: true, Balance: bal.Available}, nil
	}

	var result UnlockResult
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := e.balances.LockAccount(tx, wallet)
		if err != nil {
			return err
		}
		owned, err := e.ownership.Owns(tx, wallet, book, req.Kind, req.Unit)
		if err != nil {
			return err
		}
		if owned {
			result = UnlockResult{UsedExistingUnlock: true, Balance: account.AvailableBalance}
			return nil
		}

		entry, err := e.balances.DebitTx(tx, balance.DebitRequest{
			Wallet:   wallet,
			Amount:   price,
			Reason:   models.ReasonDeduction,
			BookID:   book.ID,
			UnitKind: req.Kind,
			Unit:     req.Unit,
		})
		if err != nil {
			return err
		}

		now := e.now()
		unlock := models.UnitUnlock{
			ID:            uuid.New(),
			Wallet:        wallet,
			BookID:        book.ID,
			UnitKind:      req.Kind,
			Unit:          req.Unit,
			Amount:        price,
			LedgerEntryID: &entry.ID,
			CreatedAt:     now,
		}
		insert := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&unlock)
		if insert.Error != nil {
			return insert.Error
		}
		if insert.RowsAffected == 0 {
			return errUnlockRace
		}

		revenue := newRevenueEvent(book, wallet, req.Kind, req.Unit, price, now)
		if err := tx.Create(&revenue).Error; err != nil {
			return err
		}
		result = UnlockResult{
			Charged:        price,
			Balance:        entry.BalanceAfter,
			LedgerEntryID:  &entry.ID,
			RevenueEventID: &revenue.ID,
		}
		return nil
	})

	var insufficient *balance.InsufficientBalanceError
	switch {
	case err == nil:
	case errors.Is(err, errUnlockRace):
		e.metrics.RecordUnlock(kind, "existing")
		e.logger.InfoContext(ctx, "unlock race resolved as existing grant",
			logging.Wallet("wallet", wallet), slog.String("book_id", book.ID), slog.Int("unit", req.Unit))
		bal, err := e.balances.GetBalance(ctx, wallet)
		if err != nil {
			return UnlockResult{}, err
		}
		return UnlockResult{UsedExistingUnlock: true, Balance: bal.Available}, nil
	case errors.As(err, &insufficient):
		e.metrics.RecordUnlock(kind, "insufficient")
		return UnlockResult{Balance: insufficient.Available, Insufficient: e.insufficient(insufficient)}, nil
	default:
		return UnlockResult{}, err
	}

	if result.UsedExistingUnlock {
		e.metrics.RecordUnlock(kind, "existing")
		return result, nil
	}
	e.metrics.RecordUnlock(kind, "charged")
	e.emitter.Emit(events.UnitUnlocked{
		Reader: wallet,
		Author: book.AuthorWallet,
		BookID: book.ID,
		Kind:   kind,
		Unit:   req.Unit,
		Amount: price,
	})
	return result, nil
}

// BuildOptions returns the bundle options for a book at currentPage.
func (e *Engine) BuildOptions(ctx context.Context, bookID string, currentPage int) ([]BundleOption, error) {
	book, err := e.catalog.Book(ctx, bookID)
	if err != nil {
		return nil, err
	}
	return e.cfg.Pricing.BuildOptions(book, currentPage), nil
}

// PurchaseBundle buys the requested option, charging only for pages the reader
// does not already own. The entitlement spans the newly unlocked pages and each
// of them gets its share of the charge as a revenue event.
func (e *Engine) PurchaseBundle(ctx context.Context, req BundleRequest) (BundleResult, error) {
	wallet := balance.NormalizeWallet(req.Wallet)
	if wallet == "" {
		return BundleResult{}, balance.ErrWalletRequired
	}
	book, err := e.catalog.Book(ctx, req.BookID)
	if err != nil {
		return BundleResult{}, err
	}

	var result BundleResult
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := e.balances.LockAccount(tx, wallet)
		if err != nil {
			return err
		}
		option, ok := e.pickOption(book, req.CurrentPage, req.Option)
		if !ok {
			return ErrOptionUnavailable
		}
		result = BundleResult{Option: option, Balance: account.AvailableBalance}

		owned, err := e.ownership.Owned(tx, OwnershipQuery{
			Wallet: wallet,
			Book:   book,
			Kind:   models.UnitPage,
			From:   option.StartPage,
			To:     option.EndPage,
		})
		if err != nil {
			return err
		}
		var unowned []int
		for p := option.StartPage; p <= option.EndPage; p++ {
			if _, ok := owned[p]; !ok {
				unowned = append(unowned, p)
			}
		}
		result.AlreadyOwned = option.Pages - len(unowned)
		if len(unowned) == 0 {
			return nil
		}

		cost := Prorate(option.Price, option.Pages, len(unowned))
		now := e.now()
		var ledgerEntryID *uuid.UUID
		if cost > 0 {
			entry, err := e.balances.DebitTx(tx, balance.DebitRequest{
				Wallet: wallet,
				Amount: cost,
				Reason: models.ReasonBundleUnlock,
				BookID: book.ID,
			})
			if err != nil {
				return err
			}
			ledgerEntryID = &entry.ID
			result.Balance = entry.BalanceAfter
		}

		grant := models.UnlockEntitlement{
			ID:            uuid.New(),
			Wallet:        wallet,
			BookID:        book.ID,
			StartPage:     unowned[0],
			EndPage:       unowned[len(unowned)-1],
			Cost:          cost,
			LedgerEntryID: ledgerEntryID,
			CreatedAt:     now,
		}
		if option.ChapterID != "" {
			chapterID := option.ChapterID
			grant.ChapterID = &chapterID
		}
		if err := tx.Create(&grant).Error; err != nil {
			return err
		}

		for i, share := range SplitAmount(cost, len(unowned)) {
			if share == 0 {
				continue
			}
			revenue := newRevenueEvent(book, wallet, models.UnitPage, unowned[i], share, now)
			if err := tx.Create(&revenue).Error; err != nil {
				return err
			}
		}

		result.Charged = cost
		result.UnlockedPages = unowned
		result.EntitlementID = &grant.ID
		return nil
	})

	var insufficient *balance.InsufficientBalanceError
	switch {
	case err == nil:
	case errors.As(err, &insufficient):
		e.metrics.RecordUnlock("bundle", "insufficient")
		result.Charged = 0
		result.UnlockedPages = nil
		result.EntitlementID = nil
		result.Balance = insufficient.Available
		result.Insufficient = e.insufficient(insufficient)
		return result, nil
	default:
		return BundleResult{}, err
	}

	if len(result.UnlockedPages) == 0 {
		e.metrics.RecordUnlock("bundle", "existing")
		return result, nil
	}
	e.metrics.RecordUnlock("bundle", "charged")
	e.emitter.Emit(events.BundlePurchased{
		Reader:    wallet,
		BookID:    book.ID,
		StartPage: result.UnlockedPages[0],
		EndPage:   result.UnlockedPages[len(result.UnlockedPages)-1],
		Pages:     len(result.UnlockedPages),
		Amount:    result.Charged,
	})
	return result, nil
}

// IsOwned reports whether the wallet may read the unit without paying.
func (e *Engine) IsOwned(ctx context.Context, wallet, bookID string, kind models.UnitKind, unit int) (bool, error) {
	book, err := e.catalog.Book(ctx, bookID)
	if err != nil {
		return false, err
	}
	if _, err := unitPrice(book, kind, unit); err != nil {
		return false, err
	}
	if unit == 1 {
		return true, nil
	}
	return e.ownership.Owns(e.db.WithContext(ctx), balance.NormalizeWallet(wallet), book, kind, unit)
}

func (e *Engine) pickOption(book *catalog.Book, page int, kind OptionKind) (BundleOption, bool) {
	for _, opt := range e.cfg.Pricing.candidates(book, page) {
		if opt.Kind == kind {
			return opt, true
		}
	}
	return BundleOption{}, false
}

func (e *Engine) insufficient(err *balance.InsufficientBalanceError) *Insufficient {
	return &Insufficient{
		Required:       err.Required,
		Available:      err.Available,
		Shortfall:      err.Shortfall,
		Recipient:      e.cfg.DepositAddress,
		SuggestedTopUp: SuggestTopUp(err.Shortfall, e.cfg.TopUpIncrement, e.cfg.MinTopUp),
	}
}

// SuggestTopUp rounds shortfall up to the next multiple of increment, never below minimum.
func SuggestTopUp(shortfall, increment, minimum int64) int64 {
	if shortfall <= 0 {
		return 0
	}
	if increment <= 0 {
		increment = 1
	}
	amount := (shortfall + increment - 1) / increment * increment
	return max(amount, minimum)
}

func unitPrice(book *catalog.Book, kind models.UnitKind, unit int) (int64, error) {
	switch kind {
	case models.UnitPage:
		if unit < 1 || unit > book.TotalPages {
			return 0, ErrUnitOutOfRange
		}
		return book.PagePrice, nil
	case models.UnitChapter:
		ch, ok := book.ChapterByNumber(unit)
		if !ok {
			return 0, ErrUnitOutOfRange
		}
		return ch.Price, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedUnit, strings.TrimSpace(string(kind)))
	}
}

func newRevenueEvent(book *catalog.Book, reader string, kind models.UnitKind, unit int, amount int64, now time.Time) models.RevenueEvent {
	return models.RevenueEvent{
		ID:               uuid.New(),
		AuthorWallet:     balance.NormalizeWallet(book.AuthorWallet),
		ReaderWallet:     reader,
		BookID:           book.ID,
		UnitKind:         kind,
		Unit:             unit,
		Amount:           amount,
		SettlementStatus: models.SettlementPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}
