package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"folio/chain"
	"folio/events"
	"folio/ledger/models"
	"folio/observability"
	"folio/observability/logging"
)

// BroadcasterConfig tunes payout submission.
type BroadcasterConfig struct {
	// MinPayout is the smallest batch total worth a transaction.
	MinPayout int64
}

// BroadcastReport summarises one broadcaster run.
type BroadcastReport struct {
	Broadcasted    int
	Failed         int
	NonceRefreshes int
}

// Broadcaster turns created batches into signed payout transactions.
type Broadcaster struct {
	db      *gorm.DB
	chain   chain.Broadcaster
	cfg     BroadcasterConfig
	now     func() time.Time
	logger  *slog.Logger
	emitter events.Emitter
	metrics *observability.SettlementMetrics
}

// NewBroadcaster constructs a payout broadcaster.
func NewBroadcaster(db *gorm.DB, client chain.Broadcaster, cfg BroadcasterConfig, emitter events.Emitter, logger *slog.Logger, now func() time.Time) *Broadcaster {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		db:      db,
		chain:   client,
		cfg:     cfg,
		now:     now,
		logger:  logger,
		emitter: events.OrNoop(emitter),
		metrics: observability.Settlement(),
	}
}

// Run broadcasts each batch in order. The treasury nonce is fetched once and
// advanced locally after every accepted transaction; a nonce conflict refreshes
// it and retries that batch once. No database transaction is open while a
// chain call is in flight. Per-batch failures fail the batch and are not
// returned as errors.
func (b *Broadcaster) Run(ctx context.Context, batches []models.SettlementBatch) (BroadcastReport, error) {
	var (
		report    BroadcastReport
		nonce     uint64
		haveNonce bool
	)
	for i := range batches {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		batch := &batches[i]
		log := b.logger.With(slog.String("batch_id", batch.ID.String()), logging.Wallet("author", batch.AuthorWallet))

		if err := b.chain.ValidateAddress(batch.AuthorWallet); err != nil {
			b.fail(ctx, batch, fmt.Errorf("%w: %v", ErrInvalidPayoutAddress, err), "invalid_address", &report)
			continue
		}
		if batch.TotalAmount < b.cfg.MinPayout {
			b.fail(ctx, batch, fmt.Errorf("%w: %d < %d", ErrBelowPayoutThreshold, batch.TotalAmount, b.cfg.MinPayout), "below_threshold", &report)
			continue
		}
		if !haveNonce {
			n, err := b.chain.NextNonce(ctx)
			if err != nil {
				b.fail(ctx, batch, fmt.Errorf("settlement: fetch nonce: %w", err), "nonce_fetch", &report)
				continue
			}
			nonce, haveNonce = n, true
		}

		payout := chain.PayoutTx{
			To:     batch.AuthorWallet,
			Amount: batch.TotalAmount,
			Nonce:  nonce,
			Memo:   PayoutMemo(batch.ID),
		}
		if err := b.stampAttempt(ctx, batch, nonce); err != nil {
			log.Error("stamp payout attempt", slog.Uint64("nonce", nonce), slog.Any("error", err))
			b.metrics.RecordError("broadcast", "persist")
			continue
		}
		hash, err := b.chain.Broadcast(ctx, payout)
		if errors.Is(err, chain.ErrNonceConflict) {
			report.NonceRefreshes++
			b.metrics.RecordNonceRefresh()
			log.Warn("nonce conflict; refreshing", slog.Uint64("nonce", nonce), slog.Any("error", err))
			fresh, ferr := b.chain.NextNonce(ctx)
			if ferr != nil {
				haveNonce = false
				b.fail(ctx, batch, fmt.Errorf("settlement: refresh nonce: %w", ferr), "nonce_fetch", &report)
				continue
			}
			nonce = fresh
			payout.Nonce = nonce
			// The first attempt was refused, so nothing is on the wire yet.
			if err := b.stampAttempt(ctx, batch, nonce); err != nil {
				b.fail(ctx, batch, fmt.Errorf("settlement: stamp refreshed nonce: %w", err), "persist", &report)
				continue
			}
			hash, err = b.chain.Broadcast(ctx, payout)
		}
		if err != nil {
			if errors.Is(err, chain.ErrNonceConflict) {
				haveNonce = false
			}
			b.fail(ctx, batch, err, broadcastFailureReason(err), &report)
			continue
		}

		if err := b.markBroadcasted(ctx, batch, hash, nonce); err != nil {
			// The payout is on its way; only the bookkeeping failed.
			log.Error("record broadcast failed", slog.String("tx_hash", hash), slog.Uint64("nonce", nonce), slog.Any("error", err))
			b.metrics.RecordError("broadcast", "persist")
		} else {
			report.Broadcasted++
			b.metrics.RecordBatch(string(models.BatchBroadcasted))
			b.metrics.SetNonce(nonce)
			log.Info("payout broadcast", slog.String("tx_hash", hash), slog.Uint64("nonce", nonce), slog.Int64("amount", batch.TotalAmount))
			n := nonce
			b.emitter.Emit(events.BatchTransition{
				Type:    events.TypeBatchBroadcasted,
				BatchID: batch.ID.String(),
				Author:  batch.AuthorWallet,
				Amount:  batch.TotalAmount,
				Events:  batch.EventCount,
				TxHash:  hash,
				Nonce:   &n,
			})
		}
		nonce++
	}
	return report, nil
}

// stampAttempt records the nonce on a created batch before it goes on the
// wire. A stamped batch that never reaches broadcasted is in doubt: the
// reclaimer leaves it and its events alone.
func (b *Broadcaster) stampAttempt(ctx context.Context, batch *models.SettlementBatch, nonce uint64) error {
	res := b.db.WithContext(ctx).Model(&models.SettlementBatch{}).
		Where("id = ? AND status = ?", batch.ID, models.BatchCreated).
		Updates(map[string]any{"nonce": nonce, "updated_at": b.now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("settlement: batch %s is no longer created", batch.ID)
	}
	n := nonce
	batch.Nonce = &n
	return nil
}

func (b *Broadcaster) markBroadcasted(ctx context.Context, batch *models.SettlementBatch, hash string, nonce uint64) error {
	now := b.now()
	return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.SettlementBatch{}).
			Where("id = ? AND status = ?", batch.ID, models.BatchCreated).
			Updates(map[string]any{
				"status":         models.BatchBroadcasted,
				"payout_tx_hash": hash,
				"nonce":          nonce,
				"broadcasted_at": now,
				"updated_at":     now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("settlement: batch %s left created state before broadcast was recorded", batch.ID)
		}
		if err := tx.Model(&models.RevenueEvent{}).
			Where("settlement_batch_id = ?", batch.ID).
			Updates(map[string]any{"payout_tx_hash": hash, "updated_at": now}).Error; err != nil {
			return err
		}
		batch.Status = models.BatchBroadcasted
		batch.PayoutTxHash = &hash
		batch.Nonce = &nonce
		batch.BroadcastedAt = &now
		return nil
	})
}

func (b *Broadcaster) fail(ctx context.Context, batch *models.SettlementBatch, cause error, reason string, report *BroadcastReport) {
	report.Failed++
	b.metrics.RecordError("broadcast", reason)
	var failed bool
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		failed, err = failBatch(tx, batch.ID, cause.Error(), b.now())
		return err
	})
	if err != nil {
		b.logger.Error("fail batch", slog.String("batch_id", batch.ID.String()), slog.Any("error", err))
		return
	}
	if !failed {
		return
	}
	batch.Status = models.BatchFailed
	batch.LastError = truncate(cause.Error())
	b.metrics.RecordBatch(string(models.BatchFailed))
	b.logger.Warn("payout batch failed",
		slog.String("batch_id", batch.ID.String()),
		logging.Wallet("author", batch.AuthorWallet),
		slog.String("reason", reason),
		slog.Any("error", cause))
	b.emitter.Emit(events.BatchTransition{
		Type:    events.TypeBatchFailed,
		BatchID: batch.ID.String(),
		Author:  batch.AuthorWallet,
		Amount:  batch.TotalAmount,
		Events:  batch.EventCount,
		Reason:  cause.Error(),
	})
}

// PayoutMemo is the memo attached to a batch payout so it can be traced back.
func PayoutMemo(batchID uuid.UUID) string {
	return "folio-payout-" + batchID.String()
}

func broadcastFailureReason(err error) string {
	var rejected *chain.RejectedError
	switch {
	case errors.Is(err, chain.ErrNonceConflict):
		return "nonce_conflict"
	case errors.As(err, &rejected):
		return "rejected"
	case errors.Is(err, chain.ErrInvalidAddress):
		return "invalid_address"
	default:
		return "transport"
	}
}
