// Package settlement moves author revenue from the ledger to the chain. Pending
// revenue events are claimed, grouped into one batch per author, paid out in a
// single transaction per batch and finalised once the chain confirms.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"folio/ledger/models"
	"folio/observability"
	"folio/storage"
)

var (
	// ErrInvalidPayoutAddress marks a batch whose author cannot be paid on-chain.
	ErrInvalidPayoutAddress = errors.New("settlement: invalid payout address")
	// ErrBelowPayoutThreshold marks a batch smaller than the minimum payout.
	ErrBelowPayoutThreshold = errors.New("settlement: below payout threshold")
)

// Queue is the admission point into the payout pipeline.
type Queue struct {
	db      *gorm.DB
	now     func() time.Time
	metrics *observability.SettlementMetrics
}

// NewQueue constructs a revenue queue.
func NewQueue(db *gorm.DB, now func() time.Time) *Queue {
	if now == nil {
		now = time.Now
	}
	return &Queue{db: db, now: now, metrics: observability.Settlement()}
}

// Claim moves up to limit pending events to processing and returns them. On
// PostgreSQL rows locked by another claimer are skipped; on every dialect the
// status flip is a compare-and-set stamped with a per-call token, so concurrent
// callers never receive the same event.
func (q *Queue) Claim(ctx context.Context, limit int) ([]models.RevenueEvent, error) {
	if limit <= 0 {
		return nil, nil
	}
	token := uuid.New()
	var claimed []models.RevenueEvent
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sel := tx.Model(&models.RevenueEvent{}).
			Where("settlement_status = ?", models.SettlementPending).
			Order("created_at ASC").
			Limit(limit)
		if storage.IsPostgres(tx) {
			sel = sel.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		var ids []uuid.UUID
		if err := sel.Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		now := q.now()
		res := tx.Model(&models.RevenueEvent{}).
			Where("id IN ? AND settlement_status = ?", ids, models.SettlementPending).
			Updates(map[string]any{
				"settlement_status":     models.SettlementProcessing,
				"claim_token":           token,
				"processing_started_at": now,
				"payout_attempts":       gorm.Expr("payout_attempts + 1"),
				"updated_at":            now,
			})
		if res.Error != nil {
			return res.Error
		}
		return tx.Where("claim_token = ? AND settlement_status = ?", token, models.SettlementProcessing).
			Order("created_at ASC").
			Find(&claimed).Error
	})
	if err != nil {
		return nil, fmt.Errorf("settlement: claim: %w", err)
	}
	q.metrics.RecordClaimed(len(claimed))
	return claimed, nil
}

// Batcher groups claimed events into one batch per author.
type Batcher struct {
	db      *gorm.DB
	network string
	now     func() time.Time
	metrics *observability.SettlementMetrics
}

// NewBatcher constructs a batcher that stamps batches with network.
func NewBatcher(db *gorm.DB, network string, now func() time.Time) *Batcher {
	if now == nil {
		now = time.Now
	}
	return &Batcher{db: db, network: network, now: now, metrics: observability.Settlement()}
}

// CreateBatches persists one created batch per author and links the events to it.
// Batches are returned ordered by author.
func (b *Batcher) CreateBatches(ctx context.Context, claimed []models.RevenueEvent) ([]models.SettlementBatch, error) {
	if len(claimed) == 0 {
		return nil, nil
	}
	groups := make(map[string][]uuid.UUID)
	totals := make(map[string]int64)
	for _, ev := range claimed {
		groups[ev.AuthorWallet] = append(groups[ev.AuthorWallet], ev.ID)
		totals[ev.AuthorWallet] += ev.Amount
	}
	authors := make([]string, 0, len(groups))
	for author := range groups {
		authors = append(authors, author)
	}
	sort.Strings(authors)

	batches := make([]models.SettlementBatch, 0, len(authors))
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := b.now()
		for _, author := range authors {
			batch := models.SettlementBatch{
				ID:           uuid.New(),
				AuthorWallet: author,
				TotalAmount:  totals[author],
				EventCount:   len(groups[author]),
				Network:      b.network,
				Status:       models.BatchCreated,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			if err := tx.Create(&batch).Error; err != nil {
				return err
			}
			res := tx.Model(&models.RevenueEvent{}).
				Where("id IN ? AND settlement_status = ?", groups[author], models.SettlementProcessing).
				Updates(map[string]any{"settlement_batch_id": batch.ID, "updated_at": now})
			if res.Error != nil {
				return res.Error
			}
			batches = append(batches, batch)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("settlement: create batches: %w", err)
	}
	for range batches {
		b.metrics.RecordBatch(string(models.BatchCreated))
	}
	return batches, nil
}

// failBatch marks a batch failed and returns its in-flight events to the queue.
// It only acts on batches that have not already reached a terminal state and
// reports whether it did.
func failBatch(tx *gorm.DB, batchID uuid.UUID, reason string, now time.Time) (bool, error) {
	res := tx.Model(&models.SettlementBatch{}).
		Where("id = ? AND status IN ?", batchID, []models.BatchStatus{models.BatchCreated, models.BatchBroadcasted}).
		Updates(map[string]any{
			"status":     models.BatchFailed,
			"last_error": truncate(reason),
			"failed_at":  now,
			"updated_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	return true, requeueEvents(tx.Where("settlement_batch_id = ?", batchID), reason, now)
}

// requeueEvents resets processing events selected by scope back to pending.
func requeueEvents(scope *gorm.DB, reason string, now time.Time) error {
	return scope.Model(&models.RevenueEvent{}).
		Where("settlement_status = ?", models.SettlementProcessing).
		Updates(map[string]any{
			"settlement_status":     models.SettlementPending,
			"settlement_batch_id":   nil,
			"claim_token":           nil,
			"payout_tx_hash":        nil,
			"processing_started_at": nil,
			"last_error":            truncate(reason),
			"updated_at":            now,
		}).Error
}

func truncate(s string) string {
	if len(s) > 512 {
		return s[:512]
	}
	return s
}
