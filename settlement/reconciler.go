package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"folio/chain"
	"folio/events"
	"folio/ledger/models"
	"folio/observability"
)

// ReconcileReport summarises one reconciliation pass.
type ReconcileReport struct {
	Confirmed int
	Failed    int
	Pending   int
	// Dropped counts failed batches whose payout was never mined within the
	// stale window. They are included in Failed.
	Dropped int
}

// Reconciler finalises broadcasted batches once the chain has an answer.
type Reconciler struct {
	db        *gorm.DB
	query     chain.Query
	batchSize  int
	staleAfter time.Duration
	now        func() time.Time
	logger    *slog.Logger
	emitter   events.Emitter
	metrics   *observability.SettlementMetrics
}

// NewReconciler constructs a reconciler polling up to batchSize batches per
// run. A batch whose payout still reads pending staleAfter after broadcast is
// treated as dropped and failed.
func NewReconciler(db *gorm.DB, query chain.Query, batchSize int, staleAfter time.Duration, emitter events.Emitter, logger *slog.Logger, now func() time.Time) *Reconciler {
	if batchSize <= 0 {
		batchSize = 100
	}
	if staleAfter <= 0 {
		staleAfter = 15 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		db:         db,
		query:      query,
		batchSize:  batchSize,
		staleAfter: staleAfter,
		now:        now,
		logger:     logger,
		emitter:    events.OrNoop(emitter),
		metrics:    observability.Settlement(),
	}
}

// Run polls the chain for every broadcasted batch. Lookup errors leave the
// batch for the next pass. A pending answer does too, until the batch has been
// broadcasted for longer than the stale window; then it is failed and its
// events requeued.
func (r *Reconciler) Run(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	var batches []models.SettlementBatch
	if err := r.db.WithContext(ctx).
		Where("status = ?", models.BatchBroadcasted).
		Order("broadcasted_at ASC").
		Limit(r.batchSize).
		Find(&batches).Error; err != nil {
		return report, fmt.Errorf("settlement: load broadcasted batches: %w", err)
	}
	for i := range batches {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		batch := batches[i]
		if batch.PayoutTxHash == nil || *batch.PayoutTxHash == "" {
			report.Pending++
			continue
		}
		hash := *batch.PayoutTxHash
		txn, err := r.query.GetTransaction(ctx, hash)
		if err != nil {
			r.metrics.RecordError("reconcile", "lookup")
			r.logger.Warn("payout lookup failed",
				slog.String("batch_id", batch.ID.String()),
				slog.String("tx_hash", hash),
				slog.Any("error", err))
			report.Pending++
			continue
		}
		status := chain.StatusPending
		if txn != nil {
			status = txn.Status
		}
		switch status {
		case chain.StatusSuccess:
			ok, err := r.confirm(ctx, batch)
			if err != nil {
				return report, err
			}
			if ok {
				report.Confirmed++
			}
		case chain.StatusFailed:
			ok, err := r.fail(ctx, batch)
			if err != nil {
				return report, err
			}
			if ok {
				report.Failed++
			}
		default:
			if !r.dropped(batch) {
				report.Pending++
				continue
			}
			ok, err := r.drop(ctx, batch)
			if err != nil {
				return report, err
			}
			if ok {
				report.Failed++
				report.Dropped++
			}
		}
	}
	return report, nil
}

func (r *Reconciler) confirm(ctx context.Context, batch models.SettlementBatch) (bool, error) {
	now := r.now()
	var applied bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.SettlementBatch{}).
			Where("id = ? AND status = ?", batch.ID, models.BatchBroadcasted).
			Updates(map[string]any{
				"status":       models.BatchConfirmed,
				"confirmed_at": now,
				"updated_at":   now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		applied = true
		return tx.Model(&models.RevenueEvent{}).
			Where("settlement_batch_id = ? AND settlement_status = ?", batch.ID, models.SettlementProcessing).
			Updates(map[string]any{
				"settlement_status": models.SettlementSettled,
				"settled_at":        now,
				"claim_token":       nil,
				"last_error":        "",
				"updated_at":        now,
			}).Error
	})
	if err != nil {
		return false, fmt.Errorf("settlement: confirm batch %s: %w", batch.ID, err)
	}
	if !applied {
		return false, nil
	}
	r.metrics.RecordBatch(string(models.BatchConfirmed))
	r.metrics.RecordConfirmedPayout(batch.TotalAmount)
	r.logger.Info("payout confirmed",
		slog.String("batch_id", batch.ID.String()),
		slog.String("tx_hash", *batch.PayoutTxHash),
		slog.Int64("amount", batch.TotalAmount))
	r.emitter.Emit(events.BatchTransition{
		Type:    events.TypeBatchConfirmed,
		BatchID: batch.ID.String(),
		Author:  batch.AuthorWallet,
		Amount:  batch.TotalAmount,
		Events:  batch.EventCount,
		TxHash:  *batch.PayoutTxHash,
		Nonce:   batch.Nonce,
	})
	return true, nil
}

func (r *Reconciler) dropped(batch models.SettlementBatch) bool {
	if batch.BroadcastedAt == nil {
		return false
	}
	return r.now().Sub(*batch.BroadcastedAt) > r.staleAfter
}

func (r *Reconciler) fail(ctx context.Context, batch models.SettlementBatch) (bool, error) {
	reason := fmt.Sprintf("payout transaction %s failed on-chain", *batch.PayoutTxHash)
	return r.failWith(ctx, batch, reason, "tx_failed")
}

func (r *Reconciler) drop(ctx context.Context, batch models.SettlementBatch) (bool, error) {
	reason := fmt.Sprintf("payout transaction %s not mined within %s", *batch.PayoutTxHash, r.staleAfter)
	return r.failWith(ctx, batch, reason, "tx_dropped")
}

func (r *Reconciler) failWith(ctx context.Context, batch models.SettlementBatch, reason, metric string) (bool, error) {
	var applied bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		applied, err = failBatch(tx, batch.ID, reason, r.now())
		return err
	})
	if err != nil {
		return false, fmt.Errorf("settlement: fail batch %s: %w", batch.ID, err)
	}
	if !applied {
		return false, nil
	}
	r.metrics.RecordBatch(string(models.BatchFailed))
	r.metrics.RecordError("reconcile", metric)
	r.logger.Warn("payout failed; events requeued",
		slog.String("batch_id", batch.ID.String()),
		slog.String("tx_hash", *batch.PayoutTxHash),
		slog.String("reason", reason))
	r.emitter.Emit(events.BatchTransition{
		Type:    events.TypeBatchFailed,
		BatchID: batch.ID.String(),
		Author:  batch.AuthorWallet,
		Amount:  batch.TotalAmount,
		Events:  batch.EventCount,
		TxHash:  *batch.PayoutTxHash,
		Reason:  reason,
	})
	return true, nil
}
