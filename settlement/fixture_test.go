package settlement

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"folio/chain"
	"folio/events"
	"folio/ledger/models"
	"folio/storage/storagetest"
)

type fakeChain struct {
	mu         sync.Mutex
	nonce      uint64
	nonceSeq   []uint64
	nonceCalls int
	statuses   map[string]chain.Status
	sent       []chain.PayoutTx
	// broadcastErrs is consumed one entry per Broadcast call; nil entries succeed.
	broadcastErrs []error
	lookupErr     error
	invalid       map[string]bool
}

func newFakeChain() *fakeChain {
	return &fakeChain{statuses: map[string]chain.Status{}, invalid: map[string]bool{}}
}

func (f *fakeChain) client() chain.FuncClient {
	return chain.FuncClient{
		GetTransactionFunc: func(_ context.Context, hash string) (*chain.Transaction, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			if f.lookupErr != nil {
				return nil, f.lookupErr
			}
			status, ok := f.statuses[hash]
			if !ok {
				status = chain.StatusPending
			}
			return &chain.Transaction{Hash: hash, Status: status}, nil
		},
		NextNonceFunc: func(context.Context) (uint64, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.nonceCalls++
			if len(f.nonceSeq) > 0 {
				f.nonce, f.nonceSeq = f.nonceSeq[0], f.nonceSeq[1:]
			}
			return f.nonce, nil
		},
		BroadcastFunc: func(_ context.Context, tx chain.PayoutTx) (string, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			if len(f.broadcastErrs) > 0 {
				err := f.broadcastErrs[0]
				f.broadcastErrs = f.broadcastErrs[1:]
				if err != nil {
					return "", err
				}
			}
			f.sent = append(f.sent, tx)
			return fmt.Sprintf("0xpayout%d", tx.Nonce), nil
		},
		ValidateAddressFunc: func(address string) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			if address == "" || f.invalid[address] {
				return chain.ErrInvalidAddress
			}
			return nil
		},
	}
}

func (f *fakeChain) settle(hash string, status chain.Status) {
	f.mu.Lock()
	f.statuses[hash] = status
	f.mu.Unlock()
}

type fixture struct {
	db     *gorm.DB
	chain  *fakeChain
	events *events.Recorder
	clock  time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{
		db:     storagetest.NewDB(t),
		chain:  newFakeChain(),
		events: &events.Recorder{},
		clock:  time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (f *fixture) now() time.Time { return f.clock }

func (f *fixture) worker(t *testing.T, cfg WorkerConfig) *Worker {
	t.Helper()
	w, err := NewWorker(f.db, f.chain.client(), NewLocalLock(), cfg, f.events, nil, f.now)
	require.NoError(t, err)
	return w
}

func (f *fixture) seedRevenue(t *testing.T, author string, amounts ...int64) []uuid.UUID {
	t.Helper()
	ids := make([]uuid.UUID, 0, len(amounts))
	for i, amount := range amounts {
		ev := models.RevenueEvent{
			ID:               uuid.New(),
			AuthorWallet:     author,
			ReaderWallet:     "0xreader",
			BookID:           "book-1",
			UnitKind:         models.UnitPage,
			Unit:             i + 2,
			Amount:           amount,
			SettlementStatus: models.SettlementPending,
			CreatedAt:        f.clock.Add(-time.Duration(len(amounts)-i) * time.Second),
			UpdatedAt:        f.clock,
		}
		require.NoError(t, f.db.Create(&ev).Error)
		ids = append(ids, ev.ID)
	}
	return ids
}

func (f *fixture) revenue(t *testing.T, id uuid.UUID) models.RevenueEvent {
	t.Helper()
	var ev models.RevenueEvent
	require.NoError(t, f.db.First(&ev, "id = ?", id).Error)
	return ev
}

func (f *fixture) batchFor(t *testing.T, author string) models.SettlementBatch {
	t.Helper()
	var batch models.SettlementBatch
	require.NoError(t, f.db.Where("author_wallet = ?", author).Order("created_at DESC").First(&batch).Error)
	return batch
}
