package deposit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"folio/ledger/models"
)

// ReconcilerConfig tunes the deposit sweep.
type ReconcilerConfig struct {
	// BatchSize caps the number of submitted intents retried per run.
	BatchSize int
	// SubmittedGrace extends the expiry of intents that carry a transaction hash,
	// leaving time for slow confirmations.
	SubmittedGrace time.Duration
}

// ReconcileReport summarises one sweep.
type ReconcileReport struct {
	Expired   int
	Confirmed int
	Invalid   int
	Pending   int
}

// Reconciler retries pending intents that have a submitted transaction and
// expires intents nobody paid.
type Reconciler struct {
	verifier *Verifier
	cfg      ReconcilerConfig
	logger   *slog.Logger
}

// NewReconciler constructs a sweep around verifier.
func NewReconciler(verifier *Verifier, cfg ReconcilerConfig) (*Reconciler, error) {
	if verifier == nil {
		return nil, fmt.Errorf("deposit: verifier required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.SubmittedGrace <= 0 {
		cfg.SubmittedGrace = 24 * time.Hour
	}
	return &Reconciler{verifier: verifier, cfg: cfg, logger: verifier.logger}, nil
}

// Run performs one sweep. Per-intent failures are logged and counted as pending.
func (r *Reconciler) Run(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	v := r.verifier
	now := v.now()

	res := v.db.WithContext(ctx).Model(&models.DepositIntent{}).
		Where("status = ? AND submitted_tx_hash = ? AND expires_at < ?", models.IntentPending, "", now).
		Updates(map[string]any{
			"status":     models.IntentExpired,
			"reason":     "intent expired before a transaction was submitted",
			"updated_at": now,
		})
	if res.Error != nil {
		return report, fmt.Errorf("deposit: expire intents: %w", res.Error)
	}
	report.Expired = int(res.RowsAffected)

	var intents []models.DepositIntent
	err := v.db.WithContext(ctx).
		Where("status = ? AND submitted_tx_hash <> ?", models.IntentPending, "").
		Order("created_at ASC").
		Limit(r.cfg.BatchSize).
		Find(&intents).Error
	if err != nil {
		return report, fmt.Errorf("deposit: load submitted intents: %w", err)
	}

	for i := range intents {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		intent := &intents[i]
		result, err := v.SettleIntent(ctx, SettleRequest{IntentID: intent.ID})
		if err != nil {
			r.logger.WarnContext(ctx, "deposit sweep settle failed",
				slog.String("intent_id", intent.ID.String()), slog.Any("error", err))
			report.Pending++
			continue
		}
		switch result.Status {
		case models.IntentConfirmed:
			report.Confirmed++
		case models.IntentInvalid:
			report.Invalid++
		case models.IntentExpired:
			report.Expired++
		default:
			if now.After(intent.ExpiresAt.Add(r.cfg.SubmittedGrace)) {
				expired, err := v.finish(ctx, intent, models.IntentExpired, "transaction not confirmed before expiry", nil)
				if err == nil && expired.Status == models.IntentExpired {
					report.Expired++
					continue
				}
			}
			report.Pending++
		}
	}
	if report != (ReconcileReport{}) {
		r.logger.InfoContext(ctx, "deposit sweep complete",
			slog.Int("expired", report.Expired),
			slog.Int("confirmed", report.Confirmed),
			slog.Int("invalid", report.Invalid),
			slog.Int("pending", report.Pending))
	}
	return report, nil
}
