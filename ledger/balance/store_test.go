package balance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"folio/ledger/models"
	"folio/storage/storagetest"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	db := storagetest.NewDB(t)
	fixed := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	return NewStore(db, func() time.Time { return fixed })
}

func TestGetBalanceCreatesAccount(t *testing.T) {
	store := newStore(t)
	bal, err := store.GetBalance(context.Background(), "  0xABCDEF ")
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if bal.Wallet != "0xabcdef" || bal.Available != 0 {
		t.Fatalf("unexpected snapshot %+v", bal)
	}
	var count int64
	if err := store.db.Model(&models.ReaderAccount{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one account row, got %d", count)
	}
}

func TestCreditThenDebit(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	if _, err := store.Credit(ctx, CreditRequest{Wallet: "0xreader", Amount: 500_000, Reason: models.ReasonDeposit, DepositSource: "0xtx1"}); err != nil {
		t.Fatalf("credit: %v", err)
	}
	entry, err := store.Debit(ctx, DebitRequest{Wallet: "0xreader", Amount: 100_000, Reason: models.ReasonDeduction, BookID: "book-1", UnitKind: models.UnitPage, Unit: 2})
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if entry.Delta != -100_000 || entry.BalanceAfter != 400_000 {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if entry.Unit == nil || *entry.Unit != 2 {
		t.Fatalf("unit not recorded: %+v", entry)
	}

	bal, err := store.GetBalance(ctx, "0xreader")
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if bal.Available != 400_000 || bal.TotalDeposited != 500_000 || bal.TotalSpent != 100_000 {
		t.Fatalf("unexpected balance %+v", bal)
	}
	if bal.Available != bal.TotalDeposited-bal.TotalSpent {
		t.Fatalf("invariant broken: %+v", bal)
	}
}

func TestDebitInsufficientLeavesAccountUntouched(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	if _, err := store.Credit(ctx, CreditRequest{Wallet: "0xreader", Amount: 50, Reason: models.ReasonDeposit}); err != nil {
		t.Fatalf("credit: %v", err)
	}
	_, err := store.Debit(ctx, DebitRequest{Wallet: "0xreader", Amount: 80, Reason: models.ReasonDeduction})
	var insufficient *InsufficientBalanceError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientBalanceError, got %v", err)
	}
	if insufficient.Required != 80 || insufficient.Available != 50 || insufficient.Shortfall != 30 {
		t.Fatalf("unexpected error fields %+v", insufficient)
	}
	bal, _ := store.GetBalance(ctx, "0xreader")
	if bal.Available != 50 || bal.TotalSpent != 0 {
		t.Fatalf("balance changed after failed debit: %+v", bal)
	}
	entries, err := store.Entries(ctx, "0xreader", 10)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the credit entry, got %d", len(entries))
	}
}

func TestRefundCreditReducesSpent(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	mustCredit(t, store, CreditRequest{Wallet: "0xr", Amount: 100, Reason: models.ReasonDeposit})
	if _, err := store.Debit(ctx, DebitRequest{Wallet: "0xr", Amount: 60, Reason: models.ReasonWithdrawRequest}); err != nil {
		t.Fatalf("debit: %v", err)
	}
	mustCredit(t, store, CreditRequest{Wallet: "0xr", Amount: 60, Reason: models.ReasonWithdrawRefund})

	bal, _ := store.GetBalance(ctx, "0xr")
	if bal.Available != 100 || bal.TotalDeposited != 100 || bal.TotalSpent != 0 {
		t.Fatalf("unexpected balance after refund %+v", bal)
	}
	if _, err := store.Credit(ctx, CreditRequest{Wallet: "0xr", Amount: 1, Reason: models.ReasonWithdrawRefund}); !errors.Is(err, ErrRefundExceedsSpent) {
		t.Fatalf("expected ErrRefundExceedsSpent, got %v", err)
	}
}

func TestDuplicateDepositSourceRejected(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	mustCredit(t, store, CreditRequest{Wallet: "0xa", Amount: 10, Reason: models.ReasonDeposit, DepositSource: "0xHASH"})
	_, err := store.Credit(ctx, CreditRequest{Wallet: "0xb", Amount: 10, Reason: models.ReasonDeposit, DepositSource: "0xhash"})
	if !errors.Is(err, ErrDuplicateDepositSource) {
		t.Fatalf("expected ErrDuplicateDepositSource, got %v", err)
	}
	bal, _ := store.GetBalance(ctx, "0xb")
	if bal.Available != 0 {
		t.Fatalf("second credit applied: %+v", bal)
	}
}

func TestValidation(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	if _, err := store.Credit(ctx, CreditRequest{Wallet: "0xa", Amount: 0, Reason: models.ReasonDeposit}); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := store.Debit(ctx, DebitRequest{Wallet: " ", Amount: 1, Reason: models.ReasonDeduction}); !errors.Is(err, ErrWalletRequired) {
		t.Fatalf("expected ErrWalletRequired, got %v", err)
	}
	if _, err := store.Debit(ctx, DebitRequest{Wallet: "0xa", Amount: 1}); !errors.Is(err, ErrReasonRequired) {
		t.Fatalf("expected ErrReasonRequired, got %v", err)
	}
}

func TestConcurrentDebitsSerialise(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	mustCredit(t, store, CreditRequest{Wallet: "0xr", Amount: 500, Reason: models.ReasonDeposit})

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Debit(ctx, DebitRequest{Wallet: "0xr", Amount: 100, Reason: models.ReasonDeduction})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			var insufficient *InsufficientBalanceError
			if !errors.As(err, &insufficient) {
				t.Errorf("unexpected debit error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 5 {
		t.Fatalf("expected 5 successful debits, got %d", succeeded)
	}
	bal, _ := store.GetBalance(ctx, "0xr")
	if bal.Available != 0 || bal.TotalSpent != 500 {
		t.Fatalf("unexpected final balance %+v", bal)
	}
}

func mustCredit(t *testing.T, store *Store, req CreditRequest) {
	t.Helper()
	if _, err := store.Credit(context.Background(), req); err != nil {
		t.Fatalf("credit: %v", err)
	}
}
