package entitlement

import (
	"gorm.io/gorm"

	"folio/ledger/catalog"
	"folio/ledger/models"
)

// OwnershipQuery asks which units in the inclusive range [From, To] a wallet owns.
type OwnershipQuery struct {
	Wallet string
	Book   *catalog.Book
	Kind   models.UnitKind
	From   int
	To     int
}

// OwnershipSource is one place an entitlement can live. Sources read through the
// caller's transaction so the answer is consistent with the locked account.
type OwnershipSource interface {
	Name() string
	OwnedUnits(tx *gorm.DB, q OwnershipQuery) (map[int]struct{}, error)
}

// Ownership merges several sources into one "is this unit owned" answer.
type Ownership []OwnershipSource

// DefaultOwnership checks every source the ledger writes or has written.
func DefaultOwnership() Ownership {
	return Ownership{RangeEntitlements{}, UnitUnlocks{}, RevenueRecords{}, ChapterUnlocks{}}
}

// Owned returns the union of owned units across all sources. Page 1 is always owned.
func (o Ownership) Owned(tx *gorm.DB, q OwnershipQuery) (map[int]struct{}, error) {
	owned := make(map[int]struct{})
	if q.Kind == models.UnitPage && q.From <= 1 && q.To >= 1 {
		owned[1] = struct{}{}
	}
	for _, src := range o {
		units, err := src.OwnedUnits(tx, q)
		if err != nil {
			return nil, err
		}
		for u := range units {
			if u >= q.From && u <= q.To {
				owned[u] = struct{}{}
			}
		}
	}
	return owned, nil
}

// Owns reports whether a single unit is owned.
func (o Ownership) Owns(tx *gorm.DB, wallet string, book *catalog.Book, kind models.UnitKind, unit int) (bool, error) {
	owned, err := o.Owned(tx, OwnershipQuery{Wallet: wallet, Book: book, Kind: kind, From: unit, To: unit})
	if err != nil {
		return false, err
	}
	_, ok := owned[unit]
	return ok, nil
}

// RangeEntitlements reads coalesced bundle grants.
type RangeEntitlements struct{}

// Name implements OwnershipSource.
func (RangeEntitlements) Name() string { return "range_entitlements" }

// OwnedUnits implements OwnershipSource. Chapter units are owned when an
// entitlement was recorded against the chapter or spans all of its pages.
func (RangeEntitlements) OwnedUnits(tx *gorm.DB, q OwnershipQuery) (map[int]struct{}, error) {
	var rows []models.UnlockEntitlement
	err := tx.Where("wallet = ? AND book_id = ?", q.Wallet, q.Book.ID).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[int]struct{})
	switch q.Kind {
	case models.UnitPage:
		for _, row := range rows {
			from, to := max(row.StartPage, q.From), min(row.EndPage, q.To)
			for p := from; p <= to; p++ {
				out[p] = struct{}{}
			}
		}
	case models.UnitChapter:
		for _, ch := range q.Book.Chapters {
			if ch.Number < q.From || ch.Number > q.To {
				continue
			}
			for _, row := range rows {
				byID := row.ChapterID != nil && *row.ChapterID == ch.ID
				if byID || (row.StartPage <= ch.StartPage && row.EndPage >= ch.EndPage) {
					out[ch.Number] = struct{}{}
					break
				}
			}
		}
	}
	return out, nil
}

// UnitUnlocks reads the per-unit rows written by flat purchases.
type UnitUnlocks struct{}

// Name implements OwnershipSource.
func (UnitUnlocks) Name() string { return "unit_unlocks" }

// OwnedUnits implements OwnershipSource.
func (UnitUnlocks) OwnedUnits(tx *gorm.DB, q OwnershipQuery) (map[int]struct{}, error) {
	var units []int
	err := tx.Model(&models.UnitUnlock{}).
		Where("wallet = ? AND book_id = ? AND unit_kind = ? AND unit BETWEEN ? AND ?", q.Wallet, q.Book.ID, q.Kind, q.From, q.To).
		Pluck("unit", &units).Error
	if err != nil {
		return nil, err
	}
	return toSet(units), nil
}

// RevenueRecords treats an existing revenue event for the unit as proof of
// purchase. It covers unlocks paid before the per-unit table existed.
type RevenueRecords struct{}

// Name implements OwnershipSource.
func (RevenueRecords) Name() string { return "revenue_records" }

// OwnedUnits implements OwnershipSource.
func (RevenueRecords) OwnedUnits(tx *gorm.DB, q OwnershipQuery) (map[int]struct{}, error) {
	var units []int
	err := tx.Model(&models.RevenueEvent{}).
		Where("reader_wallet = ? AND book_id = ? AND unit_kind = ? AND unit BETWEEN ? AND ?", q.Wallet, q.Book.ID, q.Kind, q.From, q.To).
		Distinct().
		Pluck("unit", &units).Error
	if err != nil {
		return nil, err
	}
	return toSet(units), nil
}

// ChapterUnlocks grants every page of a chapter bought as a flat chapter unit.
type ChapterUnlocks struct{}

// Name implements OwnershipSource.
func (ChapterUnlocks) Name() string { return "chapter_unlocks" }

// OwnedUnits implements OwnershipSource.
func (ChapterUnlocks) OwnedUnits(tx *gorm.DB, q OwnershipQuery) (map[int]struct{}, error) {
	out := make(map[int]struct{})
	if q.Kind != models.UnitPage || len(q.Book.Chapters) == 0 {
		return out, nil
	}
	var fromUnlocks, fromRevenue []int
	if err := tx.Model(&models.UnitUnlock{}).
		Where("wallet = ? AND book_id = ? AND unit_kind = ?", q.Wallet, q.Book.ID, models.UnitChapter).
		Pluck("unit", &fromUnlocks).Error; err != nil {
		return nil, err
	}
	if err := tx.Model(&models.RevenueEvent{}).
		Where("reader_wallet = ? AND book_id = ? AND unit_kind = ?", q.Wallet, q.Book.ID, models.UnitChapter).
		Pluck("unit", &fromRevenue).Error; err != nil {
		return nil, err
	}
	numbers := toSet(append(fromUnlocks, fromRevenue...))
	for _, ch := range q.Book.Chapters {
		if _, ok := numbers[ch.Number]; !ok {
			continue
		}
		from, to := max(ch.StartPage, q.From), min(ch.EndPage, q.To)
		for p := from; p <= to; p++ {
			out[p] = struct{}{}
		}
	}
	return out, nil
}

func toSet(units []int) map[int]struct{} {
	out := make(map[int]struct{}, len(units))
	for _, u := range units {
		out[u] = struct{}{}
	}
	return out
}
