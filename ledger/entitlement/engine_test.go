package entitlement

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"folio/events"
	"folio/ledger/balance"
	"folio/ledger/catalog"
	"folio/ledger/models"
	"folio/storage/storagetest"
)

const reader = "0xreader"

type fixture struct {
	db       *gorm.DB
	balances *balance.Store
	engine   *Engine
	events   *events.Recorder
}

func testBook() catalog.Book {
	return catalog.Book{
		ID:           "book-1",
		AuthorWallet: "0xAuthor",
		TotalPages:   40,
		PagePrice:    100,
		Chapters: []catalog.Chapter{
			{ID: "ch1", Number: 1, StartPage: 1, EndPage: 20, Price: 1500},
			{ID: "ch2", Number: 2, StartPage: 21, EndPage: 40, Price: 1500},
		},
	}
}

func newFixture(t *testing.T, books []catalog.Book, opts ...Option) *fixture {
	t.Helper()
	db := storagetest.NewDB(t)
	now := func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) }
	balances := balance.NewStore(db, now)
	cat, err := catalog.NewStatic(books...)
	require.NoError(t, err)
	rec := &events.Recorder{}
	opts = append([]Option{WithEmitter(rec), WithClock(now)}, opts...)
	engine, err := NewEngine(db, balances, cat, Config{
		DepositAddress: "0xtreasury",
		TopUpIncrement: 1000,
		MinTopUp:       5000,
	}, opts...)
	require.NoError(t, err)
	return &fixture{db: db, balances: balances, engine: engine, events: rec}
}

func (f *fixture) deposit(t *testing.T, amount int64) {
	t.Helper()
	_, err := f.balances.Credit(context.Background(), balance.CreditRequest{
		Wallet:        reader,
		Amount:        amount,
		Reason:        models.ReasonDeposit,
		DepositSource: uuid.NewString(),
	})
	require.NoError(t, err)
}

func (f *fixture) revenue(t *testing.T) []models.RevenueEvent {
	t.Helper()
	var rows []models.RevenueEvent
	require.NoError(t, f.db.Order("unit ASC").Find(&rows).Error)
	return rows
}

func TestChargeForUnitDebitsAndRecordsRevenue(t *testing.T) {
	book := testBook()
	book.PagePrice = 100_000
	f := newFixture(t, []catalog.Book{book})
	f.deposit(t, 500_000)

	res, err := f.engine.ChargeForUnit(context.Background(), UnitRequest{Wallet: reader, BookID: "book-1", Kind: models.UnitPage, Unit: 2})
	require.NoError(t, err)
	require.True(t, res.Granted())
	require.Equal(t, int64(100_000), res.Charged)
	require.Equal(t, int64(400_000), res.Balance)

	bal, err := f.balances.GetBalance(context.Background(), reader)
	require.NoError(t, err)
	require.Equal(t, int64(400_000), bal.Available)

	rows := f.revenue(t)
	require.Len(t, rows, 1)
	require.Equal(t, int64(100_000), rows[0].Amount)
	require.Equal(t, models.SettlementPending, rows[0].SettlementStatus)
	require.Equal(t, "0xauthor", rows[0].AuthorWallet)
	require.Len(t, f.events.OfType(events.TypeUnitUnlocked), 1)
}

func TestChargeForUnitIsIdempotent(t *testing.T) {
	f := newFixture(t, []catalog.Book{testBook()})
	f.deposit(t, 1_000)
	ctx := context.Background()
	req := UnitRequest{Wallet: reader, BookID: "book-1", Kind: models.UnitPage, Unit: 5}

	first, err := f.engine.ChargeForUnit(ctx, req)
	require.NoError(t, err)
	require.Equal(t, int64(100), first.Charged)

	second, err := f.engine.ChargeForUnit(ctx, req)
	require.NoError(t, err)
	require.True(t, second.UsedExistingUnlock)
	require.Zero(t, second.Charged)
	require.Equal(t, int64(900), second.Balance)

	bal, _ := f.balances.GetBalance(ctx, reader)
	require.Equal(t, int64(100), bal.TotalSpent)
	require.Len(t, f.revenue(t), 1)
}

func TestFirstUnitIsFree(t *testing.T) {
	f := newFixture(t, []catalog.Book{testBook()})
	res, err := f.engine.ChargeForUnit(context.Background(), UnitRequest{Wallet: reader, BookID: "book-1", Kind: models.UnitPage, Unit: 1})
	require.NoError(t, err)
	require.True(t, res.Free)
	require.Zero(t, res.Charged)
	require.Empty(t, f.revenue(t))
}

func TestInsufficientBalanceReturnsPaymentRequired(t *testing.T) {
	f := newFixture(t, []catalog.Book{testBook()})
	f.deposit(t, 40)
	res, err := f.engine.ChargeForUnit(context.Background(), UnitRequest{Wallet: reader, BookID: "book-1", Kind: models.UnitPage, Unit: 3})
	require.NoError(t, err)
	require.False(t, res.Granted())
	require.Equal(t, &Insufficient{
		Required:       100,
		Available:      40,
		Shortfall:      60,
		Recipient:      "0xtreasury",
		SuggestedTopUp: 5000,
	}, res.Insufficient)

	bal, _ := f.balances.GetBalance(context.Background(), reader)
	require.Equal(t, int64(40), bal.Available)
	require.Empty(t, f.revenue(t))
}

func TestUnlockRaceRollsBackDebit(t *testing.T) {
	// Without the unit_unlocks source the engine cannot see the existing row and
	// only the unique index stops the second charge.
	f := newFixture(t, []catalog.Book{testBook()}, WithOwnership(Ownership{RangeEntitlements{}}))
	f.deposit(t, 1_000)
	require.NoError(t, f.db.Create(&models.UnitUnlock{
		ID:       uuid.New(),
		Wallet:   reader,
		BookID:   "book-1",
		UnitKind: models.UnitPage,
		Unit:     7,
		Amount:   100,
	}).Error)

	res, err := f.engine.ChargeForUnit(context.Background(), UnitRequest{Wallet: reader, BookID: "book-1", Kind: models.UnitPage, Unit: 7})
	require.NoError(t, err)
	require.True(t, res.UsedExistingUnlock)
	require.Zero(t, res.Charged)
	require.Equal(t, int64(1_000), res.Balance)

	var entries int64
	require.NoError(t, f.db.Model(&models.BalanceLedgerEntry{}).Where("reason = ?", models.ReasonDeduction).Count(&entries).Error)
	require.Zero(t, entries)
	require.Empty(t, f.revenue(t))
}

func TestChapterUnlockCoversPages(t *testing.T) {
	f := newFixture(t, []catalog.Book{testBook()})
	f.deposit(t, 2_000)
	ctx := context.Background()

	res, err := f.engine.ChargeForUnit(ctx, UnitRequest{Wallet: reader, BookID: "book-1", Kind: models.UnitChapter, Unit: 2})
	require.NoError(t, err)
	require.Equal(t, int64(1500), res.Charged)

	owned, err := f.engine.IsOwned(ctx, reader, "book-1", models.UnitPage, 25)
	require.NoError(t, err)
	require.True(t, owned)

	page, err := f.engine.ChargeForUnit(ctx, UnitRequest{Wallet: reader, BookID: "book-1", Kind: models.UnitPage, Unit: 30})
	require.NoError(t, err)
	require.True(t, page.UsedExistingUnlock)

	owned, err = f.engine.IsOwned(ctx, reader, "book-1", models.UnitPage, 19)
	require.NoError(t, err)
	require.False(t, owned)
}

func TestUnitOutOfRange(t *testing.T) {
	f := newFixture(t, []catalog.Book{testBook()})
	_, err := f.engine.ChargeForUnit(context.Background(), UnitRequest{Wallet: reader, BookID: "book-1", Kind: models.UnitPage, Unit: 41})
	require.ErrorIs(t, err, ErrUnitOutOfRange)
	_, err = f.engine.ChargeForUnit(context.Background(), UnitRequest{Wallet: reader, BookID: "book-1", Kind: "verse", Unit: 2})
	require.ErrorIs(t, err, ErrUnsupportedUnit)
}

func TestPurchaseBundleProratesOwnedPages(t *testing.T) {
	f := newFixture(t, []catalog.Book{testBook()})
	f.deposit(t, 10_000)
	ctx := context.Background()

	_, err := f.engine.ChargeForUnit(ctx, UnitRequest{Wallet: reader, BookID: "book-1", Kind: models.UnitPage, Unit: 4})
	require.NoError(t, err)

	res, err := f.engine.PurchaseBundle(ctx, BundleRequest{Wallet: reader, BookID: "book-1", CurrentPage: 3, Option: OptionNextPages})
	require.NoError(t, err)
	require.Nil(t, res.Insufficient)
	require.Equal(t, int64(475), res.Option.Price)
	require.Equal(t, 1, res.AlreadyOwned)
	require.Equal(t, []int{3, 5, 6, 7}, res.UnlockedPages)
	require.Equal(t, int64(380), res.Charged)
	require.Equal(t, int64(10_000-100-380), res.Balance)

	var grant models.UnlockEntitlement
	require.NoError(t, f.db.First(&grant, "id = ?", *res.EntitlementID).Error)
	require.Equal(t, 3, grant.StartPage)
	require.Equal(t, 7, grant.EndPage)
	require.Equal(t, int64(380), grant.Cost)

	var total int64
	for _, row := range f.revenue(t) {
		if row.Unit != 4 {
			require.Equal(t, int64(95), row.Amount)
			total += row.Amount
		}
	}
	require.Equal(t, int64(380), total)

	again, err := f.engine.PurchaseBundle(ctx, BundleRequest{Wallet: reader, BookID: "book-1", CurrentPage: 3, Option: OptionNextPages})
	require.NoError(t, err)
	require.Zero(t, again.Charged)
	require.Empty(t, again.UnlockedPages)
	require.Equal(t, 5, again.AlreadyOwned)
	require.Len(t, f.events.OfType(events.TypeBundlePurchased), 1)
}

func TestPurchaseBundleTreatsFirstPageAsOwned(t *testing.T) {
	f := newFixture(t, []catalog.Book{testBook()})
	f.deposit(t, 1_000)
	res, err := f.engine.PurchaseBundle(context.Background(), BundleRequest{Wallet: reader, BookID: "book-1", CurrentPage: 1, Option: OptionNextPages})
	require.NoError(t, err)
	require.Equal(t, []int{2, 3, 4, 5}, res.UnlockedPages)
	require.Equal(t, int64(380), res.Charged)
}

func TestPurchaseBundleInsufficient(t *testing.T) {
	f := newFixture(t, []catalog.Book{testBook()})
	f.deposit(t, 100)
	res, err := f.engine.PurchaseBundle(context.Background(), BundleRequest{Wallet: reader, BookID: "book-1", CurrentPage: 10, Option: OptionChapter})
	require.NoError(t, err)
	require.NotNil(t, res.Insufficient)
	require.Equal(t, int64(1500), res.Insufficient.Required)
	require.Equal(t, int64(1400), res.Insufficient.Shortfall)
	require.Nil(t, res.EntitlementID)

	var grants int64
	require.NoError(t, f.db.Model(&models.UnlockEntitlement{}).Count(&grants).Error)
	require.Zero(t, grants)
}

func TestPurchaseBundleChapterRecordsChapterID(t *testing.T) {
	f := newFixture(t, []catalog.Book{testBook()})
	f.deposit(t, 5_000)
	res, err := f.engine.PurchaseBundle(context.Background(), BundleRequest{Wallet: reader, BookID: "book-1", CurrentPage: 21, Option: OptionChapter})
	require.NoError(t, err)
	require.Equal(t, int64(1500), res.Charged)
	require.Len(t, res.UnlockedPages, 20)

	owned, err := f.engine.IsOwned(context.Background(), reader, "book-1", models.UnitChapter, 2)
	require.NoError(t, err)
	require.True(t, owned)

	_, err = f.engine.PurchaseBundle(context.Background(), BundleRequest{Wallet: reader, BookID: "book-1", CurrentPage: 40, Option: "unknown"})
	require.ErrorIs(t, err, ErrOptionUnavailable)
}
