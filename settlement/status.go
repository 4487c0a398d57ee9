package settlement

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"folio/ledger/models"
)

// StatusSnapshot counts revenue events and batches per state.
type StatusSnapshot struct {
	Revenue       map[string]int64 `json:"revenue"`
	Batches       map[string]int64 `json:"batches"`
	PendingAmount int64            `json:"pending_amount"`
}

type statusCount struct {
	Status string
	Count  int64
}

// Snapshot reads the current pipeline state.
func Snapshot(ctx context.Context, db *gorm.DB) (StatusSnapshot, error) {
	snap := StatusSnapshot{Revenue: map[string]int64{}, Batches: map[string]int64{}}
	db = db.WithContext(ctx)

	var rows []statusCount
	if err := db.Model(&models.RevenueEvent{}).
		Select("settlement_status AS status, COUNT(*) AS count").
		Group("settlement_status").
		Scan(&rows).Error; err != nil {
		return snap, fmt.Errorf("settlement: revenue status: %w", err)
	}
	for _, r := range rows {
		snap.Revenue[r.Status] = r.Count
	}

	rows = nil
	if err := db.Model(&models.SettlementBatch{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return snap, fmt.Errorf("settlement: batch status: %w", err)
	}
	for _, r := range rows {
		snap.Batches[r.Status] = r.Count
	}

	var pending struct{ Total int64 }
	if err := db.Model(&models.RevenueEvent{}).
		Select("COALESCE(SUM(amount), 0) AS total").
		Where("settlement_status = ?", models.SettlementPending).
		Scan(&pending).Error; err != nil {
		return snap, fmt.Errorf("settlement: pending amount: %w", err)
	}
	snap.PendingAmount = pending.Total
	return snap, nil
}
