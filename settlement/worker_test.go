package settlement

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"folio/chain"
	"folio/events"
	"folio/ledger/models"
)

func TestCycleBroadcastsThenConfirms(t *testing.T) {
	f := newFixture(t)
	f.chain.nonce = 7
	aaa := f.seedRevenue(t, "0xaaa", 10, 15)
	bbb := f.seedRevenue(t, "0xbbb", 40)
	w := f.worker(t, WorkerConfig{Network: "testnet"})

	report, err := w.RunCycle(context.Background())
	require.NoError(t, err)
	require.False(t, report.Skipped)
	require.Equal(t, 3, report.Claimed)
	require.Equal(t, 2, report.Batches)
	require.Equal(t, 2, report.Broadcast.Broadcasted)
	require.Equal(t, 1, f.chain.nonceCalls)

	require.Len(t, f.chain.sent, 2)
	require.Equal(t, chain.PayoutTx{To: "0xaaa", Amount: 25, Nonce: 7, Memo: f.chain.sent[0].Memo}, f.chain.sent[0])
	require.Equal(t, uint64(8), f.chain.sent[1].Nonce)
	require.EqualValues(t, 40, f.chain.sent[1].Amount)

	batchA := f.batchFor(t, "0xaaa")
	require.Equal(t, models.BatchBroadcasted, batchA.Status)
	require.Equal(t, "0xpayout7", *batchA.PayoutTxHash)
	require.Equal(t, uint64(7), *batchA.Nonce)
	require.Equal(t, PayoutMemo(batchA.ID), f.chain.sent[0].Memo)
	for _, id := range aaa {
		ev := f.revenue(t, id)
		require.Equal(t, models.SettlementProcessing, ev.SettlementStatus)
		require.Equal(t, "0xpayout7", *ev.PayoutTxHash)
	}
	require.Len(t, f.events.OfType(events.TypeBatchBroadcasted), 2)

	// Still pending on-chain: nothing moves.
	f.clock = f.clock.Add(time.Minute)
	report, err = w.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, report.Reconcile.Pending)
	require.Zero(t, report.Claimed)

	f.chain.settle("0xpayout7", chain.StatusSuccess)
	f.chain.settle("0xpayout8", chain.StatusSuccess)
	f.clock = f.clock.Add(time.Minute)
	report, err = w.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, report.Reconcile.Confirmed)

	batchA = f.batchFor(t, "0xaaa")
	require.Equal(t, models.BatchConfirmed, batchA.Status)
	require.NotNil(t, batchA.ConfirmedAt)
	for _, id := range append(aaa, bbb...) {
		ev := f.revenue(t, id)
		require.Equal(t, models.SettlementSettled, ev.SettlementStatus)
		require.NotNil(t, ev.SettledAt)
	}
	require.Len(t, f.events.OfType(events.TypeBatchConfirmed), 2)

	// Confirmation is not applied twice.
	report, err = w.RunCycle(context.Background())
	require.NoError(t, err)
	require.Zero(t, report.Reconcile.Confirmed)
}

func TestBroadcastNonceConflictRefreshesOnce(t *testing.T) {
	f := newFixture(t)
	f.chain.nonceSeq = []uint64{3, 9}
	f.chain.broadcastErrs = []error{fmt.Errorf("%w: nonce too low", chain.ErrNonceConflict), nil}
	f.seedRevenue(t, "0xaaa", 50)
	w := f.worker(t, WorkerConfig{})

	report, err := w.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Broadcast.Broadcasted)
	require.Equal(t, 1, report.Broadcast.NonceRefreshes)
	require.Equal(t, 2, f.chain.nonceCalls)

	batch := f.batchFor(t, "0xaaa")
	require.Equal(t, models.BatchBroadcasted, batch.Status)
	require.Equal(t, uint64(9), *batch.Nonce)
}

func TestBroadcastRepeatedNonceConflictFailsBatch(t *testing.T) {
	f := newFixture(t)
	conflict := fmt.Errorf("%w: already known", chain.ErrNonceConflict)
	f.chain.broadcastErrs = []error{conflict, conflict}
	ids := f.seedRevenue(t, "0xaaa", 50)
	w := f.worker(t, WorkerConfig{})

	report, err := w.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Broadcast.Failed)

	batch := f.batchFor(t, "0xaaa")
	require.Equal(t, models.BatchFailed, batch.Status)
	require.Contains(t, batch.LastError, "nonce conflict")
	ev := f.revenue(t, ids[0])
	require.Equal(t, models.SettlementPending, ev.SettlementStatus)
	require.Nil(t, ev.SettlementBatchID)
	require.Len(t, f.events.OfType(events.TypeBatchFailed), 1)
}

func TestBroadcastFailsBatchWhenRefreshedNonceCannotBeStamped(t *testing.T) {
	f := newFixture(t)
	f.chain.nonceSeq = []uint64{3, 9}
	f.chain.broadcastErrs = []error{fmt.Errorf("%w: nonce too low", chain.ErrNonceConflict)}
	ids := f.seedRevenue(t, "0xaaa", 50)
	w := f.worker(t, WorkerConfig{})

	// Reject only the stamp of the refreshed nonce.
	require.NoError(t, f.db.Callback().Update().Before("gorm:update").Register("test:reject_stamp", func(tx *gorm.DB) {
		values, ok := tx.Statement.Dest.(map[string]any)
		if !ok {
			return
		}
		if _, setsStatus := values["status"]; setsStatus {
			return
		}
		if nonce, ok := values["nonce"].(uint64); ok && nonce == 9 {
			tx.AddError(errors.New("disk full"))
		}
	}))

	report, err := w.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Broadcast.Failed)
	require.Zero(t, report.Broadcast.Broadcasted)
	require.Empty(t, f.chain.sent)

	batch := f.batchFor(t, "0xaaa")
	require.Equal(t, models.BatchFailed, batch.Status)
	require.Contains(t, batch.LastError, "stamp refreshed nonce")
	require.Equal(t, models.SettlementPending, f.revenue(t, ids[0]).SettlementStatus)

	f.clock = f.clock.Add(time.Hour)
	reclaim, err := NewReclaimer(f.db, 15*time.Minute, nil, f.now).Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, reclaim.InDoubt)
}

func TestBroadcastValidatesAddressAndThreshold(t *testing.T) {
	f := newFixture(t)
	f.chain.invalid["0xbad"] = true
	bad := f.seedRevenue(t, "0xbad", 500)
	good := f.seedRevenue(t, "0xgood", 200)
	small := f.seedRevenue(t, "0xsmall", 50)
	w := f.worker(t, WorkerConfig{MinPayout: 100})

	report, err := w.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Broadcast.Broadcasted)
	require.Equal(t, 2, report.Broadcast.Failed)
	require.Len(t, f.chain.sent, 1)
	require.Equal(t, "0xgood", f.chain.sent[0].To)
	require.Equal(t, uint64(0), f.chain.sent[0].Nonce)

	require.Equal(t, models.BatchFailed, f.batchFor(t, "0xbad").Status)
	require.Contains(t, f.revenue(t, bad[0]).LastError, ErrInvalidPayoutAddress.Error())
	require.Equal(t, models.SettlementPending, f.revenue(t, bad[0]).SettlementStatus)

	require.Equal(t, models.BatchFailed, f.batchFor(t, "0xsmall").Status)
	require.Contains(t, f.revenue(t, small[0]).LastError, ErrBelowPayoutThreshold.Error())
	require.Equal(t, models.SettlementPending, f.revenue(t, small[0]).SettlementStatus)

	require.Equal(t, models.SettlementProcessing, f.revenue(t, good[0]).SettlementStatus)
}

func TestReconcileFailedPayoutRequeuesEvents(t *testing.T) {
	f := newFixture(t)
	ids := f.seedRevenue(t, "0xaaa", 10, 20)
	w := f.worker(t, WorkerConfig{})

	_, err := w.RunCycle(context.Background())
	require.NoError(t, err)
	f.chain.settle("0xpayout0", chain.StatusFailed)
	// The requeued events are claimed again in the same cycle; drop the
	// next broadcast so the second batch stays visible as failed.
	f.chain.broadcastErrs = []error{&chain.RejectedError{Reason: "insufficient funds"}}

	f.clock = f.clock.Add(time.Minute)
	report, err := w.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Reconcile.Failed)
	require.Equal(t, 2, report.Claimed)

	var failed []models.SettlementBatch
	require.NoError(t, f.db.Where("status = ?", models.BatchFailed).Order("created_at ASC").Find(&failed).Error)
	require.Len(t, failed, 2)
	require.Contains(t, failed[0].LastError, "failed on-chain")
	require.Contains(t, failed[1].LastError, "insufficient funds")

	for _, id := range ids {
		ev := f.revenue(t, id)
		require.Equal(t, models.SettlementPending, ev.SettlementStatus)
		require.Nil(t, ev.SettlementBatchID)
		require.Nil(t, ev.PayoutTxHash)
		require.Nil(t, ev.ProcessingStartedAt)
		require.Equal(t, 2, ev.PayoutAttempts)
	}
}

func TestReconcileLookupErrorLeavesBatch(t *testing.T) {
	f := newFixture(t)
	f.seedRevenue(t, "0xaaa", 10)
	w := f.worker(t, WorkerConfig{})
	_, err := w.RunCycle(context.Background())
	require.NoError(t, err)

	f.chain.lookupErr = errors.New("rpc unavailable")
	// Unreachable RPC is not evidence of a dropped payout, however long it lasts.
	f.clock = f.clock.Add(time.Hour)
	report, err := w.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Reconcile.Pending)
	require.Zero(t, report.Reconcile.Dropped)
	require.Equal(t, models.BatchBroadcasted, f.batchFor(t, "0xaaa").Status)
}

func TestReconcileFailsDroppedPayout(t *testing.T) {
	f := newFixture(t)
	ids := f.seedRevenue(t, "0xaaa", 10, 20)
	w := f.worker(t, WorkerConfig{StaleAfter: 15 * time.Minute})

	_, err := w.RunCycle(context.Background())
	require.NoError(t, err)
	first := f.batchFor(t, "0xaaa")
	require.Equal(t, models.BatchBroadcasted, first.Status)

	// Within the window a pending payout is left alone.
	f.clock = f.clock.Add(10 * time.Minute)
	report, err := w.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Reconcile.Pending)
	require.Zero(t, report.Claimed)

	// The node never mined 0xpayout0: the batch fails and its events are
	// claimed into a fresh batch in the same cycle.
	f.clock = f.clock.Add(10 * time.Minute)
	report, err = w.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Reconcile.Dropped)
	require.Equal(t, 1, report.Reconcile.Failed)
	require.Equal(t, 2, report.Claimed)
	require.Equal(t, 1, report.Broadcast.Broadcasted)

	var dropped models.SettlementBatch
	require.NoError(t, f.db.First(&dropped, "id = ?", first.ID).Error)
	require.Equal(t, models.BatchFailed, dropped.Status)
	require.Contains(t, dropped.LastError, "not mined within 15m0s")
	require.Len(t, f.events.OfType(events.TypeBatchFailed), 1)

	second := f.batchFor(t, "0xaaa")
	require.NotEqual(t, first.ID, second.ID)
	require.Equal(t, models.BatchBroadcasted, second.Status)
	for _, id := range ids {
		ev := f.revenue(t, id)
		require.Equal(t, models.SettlementProcessing, ev.SettlementStatus)
		require.Equal(t, second.ID, *ev.SettlementBatchID)
		require.Equal(t, 2, ev.PayoutAttempts)
	}
}

func TestRunCycleSkipsWhenLockHeld(t *testing.T) {
	f := newFixture(t)
	f.seedRevenue(t, "0xaaa", 10)
	lock := NewLocalLock()
	release, ok, err := lock.TryLock(context.Background(), DefaultLockName)
	require.NoError(t, err)
	require.True(t, ok)
	defer release()

	w, err := NewWorker(f.db, f.chain.client(), lock, WorkerConfig{}, f.events, nil, f.now)
	require.NoError(t, err)
	report, err := w.RunCycle(context.Background())
	require.NoError(t, err)
	require.True(t, report.Skipped)
	require.Zero(t, report.Claimed)
	require.Empty(t, f.chain.sent)
}

func TestReclaimerResetsStaleWork(t *testing.T) {
	f := newFixture(t)
	stale := f.clock.Add(-time.Hour)
	fresh := f.clock.Add(-time.Minute)

	created := models.SettlementBatch{ID: uuid.New(), AuthorWallet: "0xaaa", TotalAmount: 10, EventCount: 1, Status: models.BatchCreated, CreatedAt: stale, UpdatedAt: stale}
	hash := "0xinflight"
	broadcasted := models.SettlementBatch{ID: uuid.New(), AuthorWallet: "0xbbb", TotalAmount: 10, EventCount: 1, Status: models.BatchBroadcasted, PayoutTxHash: &hash, CreatedAt: stale, UpdatedAt: stale}
	stampedNonce := uint64(41)
	stamped := models.SettlementBatch{ID: uuid.New(), AuthorWallet: "0xccc", TotalAmount: 10, EventCount: 1, Status: models.BatchCreated, Nonce: &stampedNonce, CreatedAt: stale, UpdatedAt: stale}
	require.NoError(t, f.db.Create(&created).Error)
	require.NoError(t, f.db.Create(&broadcasted).Error)
	require.NoError(t, f.db.Create(&stamped).Error)

	mk := func(batch *uuid.UUID, started time.Time) uuid.UUID {
		ev := models.RevenueEvent{
			ID:                  uuid.New(),
			AuthorWallet:        "0xaaa",
			ReaderWallet:        "0xreader",
			BookID:              "book-1",
			UnitKind:            models.UnitPage,
			Unit:                2,
			Amount:              10,
			SettlementStatus:    models.SettlementProcessing,
			SettlementBatchID:   batch,
			ProcessingStartedAt: &started,
			PayoutAttempts:      1,
			CreatedAt:           stale,
			UpdatedAt:           stale,
		}
		require.NoError(t, f.db.Create(&ev).Error)
		return ev.ID
	}
	orphan := mk(nil, stale)
	inCreated := mk(&created.ID, stale)
	inFlight := mk(&broadcasted.ID, stale)
	inDoubt := mk(&stamped.ID, stale)
	recent := mk(nil, fresh)

	report, err := NewReclaimer(f.db, 15*time.Minute, nil, f.now).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.OrphanedBatches)
	require.Equal(t, 1, report.Requeued)
	require.Equal(t, 1, report.InDoubt)

	require.Equal(t, models.SettlementPending, f.revenue(t, orphan).SettlementStatus)
	require.Equal(t, models.SettlementPending, f.revenue(t, inCreated).SettlementStatus)
	require.Nil(t, f.revenue(t, inCreated).SettlementBatchID)
	require.Equal(t, models.SettlementProcessing, f.revenue(t, inFlight).SettlementStatus)
	require.Equal(t, models.SettlementProcessing, f.revenue(t, recent).SettlementStatus)
	require.Equal(t, models.BatchFailed, f.batchFor(t, "0xaaa").Status)
	require.Equal(t, models.BatchBroadcasted, f.batchFor(t, "0xbbb").Status)
	require.Equal(t, models.SettlementProcessing, f.revenue(t, inDoubt).SettlementStatus)
	require.Equal(t, models.BatchCreated, f.batchFor(t, "0xccc").Status)
}

func TestNewWorkerRequiresDependencies(t *testing.T) {
	f := newFixture(t)
	_, err := NewWorker(nil, f.chain.client(), NewLocalLock(), WorkerConfig{}, nil, nil, nil)
	require.Error(t, err)
	_, err = NewWorker(f.db, nil, NewLocalLock(), WorkerConfig{}, nil, nil, nil)
	require.Error(t, err)
	_, err = NewWorker(f.db, f.chain.client(), nil, WorkerConfig{}, nil, nil, nil)
	require.Error(t, err)
}
