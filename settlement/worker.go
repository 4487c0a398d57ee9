package settlement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"folio/chain"
	"folio/events"
	"folio/observability"
	telemetry "folio/observability/otel"
)

// DefaultLockName is the cycle lock shared by every settlement worker.
const DefaultLockName = "folio-settlement-cycle"

// WorkerConfig tunes one settlement cycle.
type WorkerConfig struct {
	LockName       string
	ClaimLimit     int
	ReconcileLimit int
	StaleAfter     time.Duration
	MinPayout      int64
	Network        string
}

func (c *WorkerConfig) applyDefaults() {
	if c.LockName == "" {
		c.LockName = DefaultLockName
	}
	if c.ClaimLimit <= 0 {
		c.ClaimLimit = 500
	}
	if c.ReconcileLimit <= 0 {
		c.ReconcileLimit = 100
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 15 * time.Minute
	}
}

// CycleReport summarises one settlement cycle.
type CycleReport struct {
	Skipped   bool
	Reclaim   ReclaimReport
	Reconcile ReconcileReport
	Claimed   int
	Batches   int
	Broadcast BroadcastReport
	Duration  time.Duration
}

// Worker drives the settlement pipeline one cycle at a time.
type Worker struct {
	cfg         WorkerConfig
	lock        CycleLock
	queue       *Queue
	batcher     *Batcher
	broadcaster *Broadcaster
	reconciler  *Reconciler
	reclaimer   *Reclaimer
	logger      *slog.Logger
	tracer      trace.Tracer
	metrics     *observability.SettlementMetrics
	now         func() time.Time
}

// NewWorker assembles the pipeline stages around db and client.
func NewWorker(db *gorm.DB, client chain.Client, lock CycleLock, cfg WorkerConfig, emitter events.Emitter, logger *slog.Logger, now func() time.Time) (*Worker, error) {
	if db == nil {
		return nil, errors.New("settlement: database required")
	}
	if client == nil {
		return nil, errors.New("settlement: chain client required")
	}
	if lock == nil {
		return nil, errors.New("settlement: cycle lock required")
	}
	cfg.applyDefaults()
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "settlement"))
	return &Worker{
		cfg:         cfg,
		lock:        lock,
		queue:       NewQueue(db, now),
		batcher:     NewBatcher(db, cfg.Network, now),
		broadcaster: NewBroadcaster(db, client, BroadcasterConfig{MinPayout: cfg.MinPayout}, emitter, logger, now),
		reconciler:  NewReconciler(db, client, cfg.ReconcileLimit, cfg.StaleAfter, emitter, logger, now),
		reclaimer:   NewReclaimer(db, cfg.StaleAfter, logger, now),
		logger:      logger,
		tracer:      telemetry.Tracer("settlement"),
		metrics:     observability.Settlement(),
		now:         now,
	}, nil
}

// RunCycle executes reclaim, reconcile, claim/batch and broadcast under the
// cycle lock. A cycle that finds the lock held is skipped without error.
func (w *Worker) RunCycle(ctx context.Context) (CycleReport, error) {
	var report CycleReport
	ctx, span := w.tracer.Start(ctx, "settlement.cycle")
	defer span.End()

	release, ok, err := w.lock.TryLock(ctx, w.cfg.LockName)
	if err != nil {
		w.metrics.ObserveCycle("failed", 0)
		span.RecordError(err)
		span.SetStatus(codes.Error, "lock")
		return report, err
	}
	if !ok {
		report.Skipped = true
		w.metrics.ObserveCycle("skipped", 0)
		span.SetAttributes(attribute.Bool("settlement.skipped", true))
		w.logger.Debug("settlement cycle skipped; lock held elsewhere", slog.String("lock", w.cfg.LockName))
		return report, nil
	}
	defer release()

	start := w.now()
	if err := w.run(ctx, &report); err != nil {
		w.metrics.ObserveCycle("failed", 0)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return report, err
	}
	report.Duration = w.now().Sub(start)
	w.metrics.ObserveCycle("completed", report.Duration)
	span.SetAttributes(
		attribute.Int("settlement.claimed", report.Claimed),
		attribute.Int("settlement.batches", report.Batches),
		attribute.Int("settlement.broadcasted", report.Broadcast.Broadcasted),
		attribute.Int("settlement.confirmed", report.Reconcile.Confirmed),
	)
	w.logger.Info("settlement cycle completed",
		slog.Int("requeued", report.Reclaim.Requeued),
		slog.Int("confirmed", report.Reconcile.Confirmed),
		slog.Int("reconcile_failed", report.Reconcile.Failed),
		slog.Int("claimed", report.Claimed),
		slog.Int("batches", report.Batches),
		slog.Int("broadcasted", report.Broadcast.Broadcasted),
		slog.Int("broadcast_failed", report.Broadcast.Failed),
		slog.Duration("duration", report.Duration))
	return report, nil
}

func (w *Worker) run(ctx context.Context, report *CycleReport) error {
	var err error
	if report.Reclaim, err = stage(ctx, w.tracer, "reclaim", w.reclaimer.Run); err != nil {
		w.metrics.RecordError("reclaim", "storage")
		return err
	}
	if report.Reconcile, err = stage(ctx, w.tracer, "reconcile", w.reconciler.Run); err != nil {
		w.metrics.RecordError("reconcile", "storage")
		return err
	}

	claimCtx, span := w.tracer.Start(ctx, "settlement.claim")
	claimed, err := w.queue.Claim(claimCtx, w.cfg.ClaimLimit)
	if err != nil {
		span.RecordError(err)
		span.End()
		w.metrics.RecordError("claim", "storage")
		return err
	}
	report.Claimed = len(claimed)
	batches, err := w.batcher.CreateBatches(claimCtx, claimed)
	span.SetAttributes(attribute.Int("settlement.claimed", len(claimed)))
	span.End()
	if err != nil {
		// Claimed events stay in processing and are picked up by the reclaimer.
		w.metrics.RecordError("batch", "storage")
		return err
	}
	report.Batches = len(batches)
	if len(batches) == 0 {
		return nil
	}

	report.Broadcast, err = stage(ctx, w.tracer, "broadcast", func(ctx context.Context) (BroadcastReport, error) {
		return w.broadcaster.Run(ctx, batches)
	})
	return err
}

func stage[T any](ctx context.Context, tracer trace.Tracer, name string, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := tracer.Start(ctx, "settlement."+name)
	defer span.End()
	out, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, name)
	}
	return out, err
}
