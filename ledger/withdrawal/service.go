// Package withdrawal lets readers take unspent balance back out. A request
// reserves the amount immediately; an operator later completes it with the
// payout transaction or rejects it, which refunds the reservation.
package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"folio/events"
	"folio/ledger/balance"
	"folio/ledger/models"
)

var (
	// ErrRequestNotFound is returned for unknown request ids.
	ErrRequestNotFound = errors.New("withdrawal: request not found")
	// ErrRequestFinalised is returned when the request already left pending.
	ErrRequestFinalised = errors.New("withdrawal: request already finalised")
	// ErrInvalidDestination is returned when the payout address is rejected.
	ErrInvalidDestination = errors.New("withdrawal: invalid destination")
)

// Service manages withdrawal requests.
type Service struct {
	db              *gorm.DB
	balances        *balance.Store
	validateAddress func(string) error
	emitter         events.Emitter
	now             func() time.Time
}

// NewService constructs a withdrawal service. validate may be nil to accept any
// non-empty destination.
func NewService(db *gorm.DB, balances *balance.Store, validate func(string) error, emitter events.Emitter, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{db: db, balances: balances, validateAddress: validate, emitter: events.OrNoop(emitter), now: now}
}

// Request debits amount and records a pending withdrawal to destination.
func (s *Service) Request(ctx context.Context, wallet string, amount int64, destination string) (*models.WithdrawalRequest, error) {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return nil, ErrInvalidDestination
	}
	if s.validateAddress != nil {
		if err := s.validateAddress(destination); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDestination, err)
		}
	}
	var req models.WithdrawalRequest
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry, err := s.balances.DebitTx(tx, balance.DebitRequest{
			Wallet: wallet,
			Amount: amount,
			Reason: models.ReasonWithdrawRequest,
		})
		if err != nil {
			return err
		}
		now := s.now()
		req = models.WithdrawalRequest{
			ID:            uuid.New(),
			Wallet:        entry.Wallet,
			Amount:        amount,
			Destination:   destination,
			Status:        models.WithdrawalPending,
			LedgerEntryID: &entry.ID,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		return tx.Create(&req).Error
	})
	if err != nil {
		return nil, err
	}
	s.emitter.Emit(events.WithdrawalRequested{
		Wallet:      req.Wallet,
		RequestID:   req.ID.String(),
		Destination: req.Destination,
		Amount:      req.Amount,
	})
	return &req, nil
}

// Reject refunds a pending request.
func (s *Service) Reject(ctx context.Context, id uuid.UUID, reason string) (*models.WithdrawalRequest, error) {
	return s.finalise(ctx, id, func(tx *gorm.DB, req *models.WithdrawalRequest) error {
		if _, err := s.balances.CreditTx(tx, balance.CreditRequest{
			Wallet: req.Wallet,
			Amount: req.Amount,
			Reason: models.ReasonWithdrawRefund,
		}); err != nil {
			return err
		}
		req.Status = models.WithdrawalRejected
		req.Reason = strings.TrimSpace(reason)
		return nil
	})
}

// Complete records the payout transaction of a pending request.
func (s *Service) Complete(ctx context.Context, id uuid.UUID, txHash string) (*models.WithdrawalRequest, error) {
	txHash = strings.TrimSpace(txHash)
	if txHash == "" {
		return nil, fmt.Errorf("withdrawal: tx hash required")
	}
	return s.finalise(ctx, id, func(_ *gorm.DB, req *models.WithdrawalRequest) error {
		req.Status = models.WithdrawalCompleted
		req.TxHash = &txHash
		return nil
	})
}

// Pending lists requests awaiting an operator, oldest first.
func (s *Service) Pending(ctx context.Context, limit int) ([]models.WithdrawalRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []models.WithdrawalRequest
	err := s.db.WithContext(ctx).
		Where("status = ?", models.WithdrawalPending).
		Order("created_at ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (s *Service) finalise(ctx context.Context, id uuid.UUID, apply func(tx *gorm.DB, req *models.WithdrawalRequest) error) (*models.WithdrawalRequest, error) {
	var req models.WithdrawalRequest
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&req, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRequestNotFound
			}
			return err
		}
		if req.Status != models.WithdrawalPending {
			return ErrRequestFinalised
		}
		if err := apply(tx, &req); err != nil {
			return err
		}
		req.UpdatedAt = s.now()
		return tx.Save(&req).Error
	})
	if err != nil {
		return nil, err
	}
	return &req, nil
}
