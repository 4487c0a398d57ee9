package settlement

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"folio/ledger/models"
)

func TestClaimConcurrentCallersNeverOverlap(t *testing.T) {
	f := newFixture(t)
	amounts := make([]int64, 40)
	for i := range amounts {
		amounts[i] = 10
	}
	f.seedRevenue(t, "0xauthor", amounts...)
	q := NewQueue(f.db, f.now)

	var (
		mu   sync.Mutex
		seen = map[uuid.UUID]int{}
		errs []error
		wg   sync.WaitGroup
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := q.Claim(context.Background(), 10)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			for _, ev := range claimed {
				seen[ev.ID]++
			}
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	require.Len(t, seen, 40)
	for id, n := range seen {
		require.Equalf(t, 1, n, "event %s claimed %d times", id, n)
	}
	var pending int64
	require.NoError(t, f.db.Model(&models.RevenueEvent{}).Where("settlement_status = ?", models.SettlementPending).Count(&pending).Error)
	require.Zero(t, pending)
}

func TestClaimStampsProcessingState(t *testing.T) {
	f := newFixture(t)
	ids := f.seedRevenue(t, "0xauthor", 5, 7, 9)
	q := NewQueue(f.db, f.now)

	claimed, err := q.Claim(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	// Oldest first.
	require.Equal(t, ids[0], claimed[0].ID)
	require.Equal(t, ids[1], claimed[1].ID)
	for _, ev := range claimed {
		require.Equal(t, models.SettlementProcessing, ev.SettlementStatus)
		require.Equal(t, 1, ev.PayoutAttempts)
		require.NotNil(t, ev.ClaimToken)
		require.NotNil(t, ev.ProcessingStartedAt)
	}
	require.Equal(t, models.SettlementPending, f.revenue(t, ids[2]).SettlementStatus)

	none, err := q.Claim(context.Background(), 0)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestCreateBatchesGroupsByAuthor(t *testing.T) {
	f := newFixture(t)
	f.seedRevenue(t, "0xbbb", 10, 20)
	f.seedRevenue(t, "0xaaa", 5)
	claimed, err := NewQueue(f.db, f.now).Claim(context.Background(), 10)
	require.NoError(t, err)

	batches, err := NewBatcher(f.db, "testnet", f.now).CreateBatches(context.Background(), claimed)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	require.Equal(t, "0xaaa", batches[0].AuthorWallet)
	require.EqualValues(t, 5, batches[0].TotalAmount)
	require.Equal(t, 1, batches[0].EventCount)
	require.Equal(t, "0xbbb", batches[1].AuthorWallet)
	require.EqualValues(t, 30, batches[1].TotalAmount)
	require.Equal(t, 2, batches[1].EventCount)
	require.Equal(t, models.BatchCreated, batches[1].Status)
	require.Equal(t, "testnet", batches[1].Network)

	var linked int64
	require.NoError(t, f.db.Model(&models.RevenueEvent{}).Where("settlement_batch_id = ?", batches[1].ID).Count(&linked).Error)
	require.EqualValues(t, 2, linked)
}

func TestSnapshotCountsStates(t *testing.T) {
	f := newFixture(t)
	f.seedRevenue(t, "0xaaa", 10, 20)
	f.seedRevenue(t, "0xbbb", 5)
	_, err := NewQueue(f.db, f.now).Claim(context.Background(), 1)
	require.NoError(t, err)

	snap, err := Snapshot(context.Background(), f.db)
	require.NoError(t, err)
	require.EqualValues(t, 2, snap.Revenue[string(models.SettlementPending)])
	require.EqualValues(t, 1, snap.Revenue[string(models.SettlementProcessing)])
	require.Empty(t, snap.Batches)
}
