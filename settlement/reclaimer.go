package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"folio/ledger/models"
	"folio/observability"
)

// ReclaimReport summarises one reclaim pass.
type ReclaimReport struct {
	OrphanedBatches int
	Requeued        int
	// InDoubt counts stale created batches that were stamped with a nonce
	// before their broadcast outcome was recorded.
	InDoubt int
}

// Reclaimer returns work abandoned by crashed workers to the queue.
type Reclaimer struct {
	db         *gorm.DB
	staleAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger
	metrics    *observability.SettlementMetrics
}

// NewReclaimer constructs a reclaimer treating processing work older than
// staleAfter as abandoned.
func NewReclaimer(db *gorm.DB, staleAfter time.Duration, logger *slog.Logger, now func() time.Time) *Reclaimer {
	if staleAfter <= 0 {
		staleAfter = 15 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reclaimer{db: db, staleAfter: staleAfter, now: now, logger: logger, metrics: observability.Settlement()}
}

// Run fails unstamped created batches older than the stale window, then resets
// stale processing events whose batch is missing, unstamped or failed. Events
// of a broadcasted batch stay with it; the reconciler fails the batch once its
// payout is confirmed failed or still unmined after the same window.
func (r *Reclaimer) Run(ctx context.Context) (ReclaimReport, error) {
	var report ReclaimReport
	now := r.now()
	cutoff := now.Add(-r.staleAfter)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var orphaned []models.SettlementBatch
		if err := tx.Where("status = ? AND created_at < ? AND nonce IS NULL", models.BatchCreated, cutoff).
			Find(&orphaned).Error; err != nil {
			return err
		}
		var inDoubt int64
		if err := tx.Model(&models.SettlementBatch{}).
			Where("status = ? AND created_at < ? AND nonce IS NOT NULL", models.BatchCreated, cutoff).
			Count(&inDoubt).Error; err != nil {
			return err
		}
		report.InDoubt = int(inDoubt)
		for _, batch := range orphaned {
			ok, err := failBatch(tx, batch.ID, "batch abandoned before broadcast", now)
			if err != nil {
				return err
			}
			if ok {
				report.OrphanedBatches++
			}
		}

		live := tx.Model(&models.SettlementBatch{}).
			Select("id").
			Where("status IN ? OR (status = ? AND nonce IS NOT NULL)",
				[]models.BatchStatus{models.BatchBroadcasted, models.BatchConfirmed}, models.BatchCreated)
		res := tx.Model(&models.RevenueEvent{}).
			Where("settlement_status = ? AND processing_started_at < ?", models.SettlementProcessing, cutoff).
			Where("settlement_batch_id IS NULL OR settlement_batch_id NOT IN (?)", live).
			Updates(map[string]any{
				"settlement_status":     models.SettlementPending,
				"settlement_batch_id":   nil,
				"claim_token":           nil,
				"payout_tx_hash":        nil,
				"processing_started_at": nil,
				"last_error":            "reclaimed after stale processing",
				"updated_at":            now,
			})
		if res.Error != nil {
			return res.Error
		}
		report.Requeued = int(res.RowsAffected)
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("settlement: reclaim: %w", err)
	}
	for i := 0; i < report.OrphanedBatches; i++ {
		r.metrics.RecordBatch(string(models.BatchFailed))
	}
	r.metrics.RecordReclaimed(report.Requeued)
	if report.InDoubt > 0 {
		r.logger.Error("payout batches stuck between broadcast and record; check treasury history",
			slog.Int("in_doubt_batches", report.InDoubt))
	}
	if report.OrphanedBatches > 0 || report.Requeued > 0 {
		r.logger.Warn("reclaimed stale settlement work",
			slog.Int("orphaned_batches", report.OrphanedBatches),
			slog.Int("requeued_events", report.Requeued))
	}
	return report, nil
}
