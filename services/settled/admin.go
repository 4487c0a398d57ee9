package settled

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"folio/ledger/deposit"
	"folio/settlement"
)

// CycleRunner runs one settlement cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context) (settlement.CycleReport, error)
}

// DepositSweeper runs one deposit reconciliation sweep.
type DepositSweeper interface {
	Run(ctx context.Context) (deposit.ReconcileReport, error)
}

// AdminConfig wires the operator API.
type AdminConfig struct {
	Cycle   CycleRunner
	Sweeper DepositSweeper
	Status  func(ctx context.Context) (settlement.StatusSnapshot, error)
	Health  func(ctx context.Context) error
	Auth    *Authenticator
	Logger  *slog.Logger
	Now     func() time.Time
}

// AdminServer exposes operator triggers, pipeline status and metrics. Scheduled
// runs go through the same RunCycle/RunSweep methods so status reflects them.
type AdminServer struct {
	cfg    AdminConfig
	router chi.Router
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	lastCycle *cycleView
	lastSweep *sweepView
}

type cycleView struct {
	At               time.Time `json:"at"`
	Skipped          bool      `json:"skipped"`
	Requeued         int       `json:"requeued"`
	OrphanedBatches  int       `json:"orphaned_batches"`
	Confirmed        int       `json:"confirmed"`
	ReconcileFailed  int       `json:"reconcile_failed"`
	ReconcilePending int       `json:"reconcile_pending"`
	Dropped          int       `json:"dropped"`
	InDoubt          int       `json:"in_doubt"`
	Claimed          int       `json:"claimed"`
	Batches          int       `json:"batches"`
	Broadcasted      int       `json:"broadcasted"`
	BroadcastFailed  int       `json:"broadcast_failed"`
	NonceRefreshes   int       `json:"nonce_refreshes"`
	DurationMS       int64     `json:"duration_ms"`
	Error            string    `json:"error,omitempty"`
}

type sweepView struct {
	At        time.Time `json:"at"`
	Expired   int       `json:"expired"`
	Confirmed int       `json:"confirmed"`
	Invalid   int       `json:"invalid"`
	Pending   int       `json:"pending"`
	Error     string    `json:"error,omitempty"`
}

type statusResponse struct {
	Pipeline  *settlement.StatusSnapshot `json:"pipeline,omitempty"`
	LastCycle *cycleView                 `json:"last_cycle,omitempty"`
	LastSweep *sweepView                 `json:"last_sweep,omitempty"`
}

// NewAdminServer constructs the router.
func NewAdminServer(cfg AdminConfig) *AdminServer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	s := &AdminServer{cfg: cfg, logger: logger, now: now}

	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth != nil {
			r.Use(cfg.Auth.Middleware)
		}
		r.Post("/settle", s.handleSettle)
		r.Post("/deposits/reconcile", s.handleReconcileDeposits)
		r.Get("/status", s.handleStatus)
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler without tracing.
func (s *AdminServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the traced handler served by the daemon.
func (s *AdminServer) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "settled.admin")
}

// RunCycle runs and records one settlement cycle.
func (s *AdminServer) RunCycle(ctx context.Context) error {
	if s.cfg.Cycle == nil {
		return errUnavailable("settlement worker")
	}
	report, err := s.cfg.Cycle.RunCycle(ctx)
	view := &cycleView{
		At:               s.now().UTC(),
		Skipped:          report.Skipped,
		Requeued:         report.Reclaim.Requeued,
		OrphanedBatches:  report.Reclaim.OrphanedBatches,
		Confirmed:        report.Reconcile.Confirmed,
		ReconcileFailed:  report.Reconcile.Failed,
		ReconcilePending: report.Reconcile.Pending,
		Dropped:          report.Reconcile.Dropped,
		InDoubt:          report.Reclaim.InDoubt,
		Claimed:          report.Claimed,
		Batches:          report.Batches,
		Broadcasted:      report.Broadcast.Broadcasted,
		BroadcastFailed:  report.Broadcast.Failed,
		NonceRefreshes:   report.Broadcast.NonceRefreshes,
		DurationMS:       report.Duration.Milliseconds(),
	}
	if err != nil {
		view.Error = err.Error()
	}
	s.mu.Lock()
	s.lastCycle = view
	s.mu.Unlock()
	return err
}

// RunSweep runs and records one deposit reconciliation sweep.
func (s *AdminServer) RunSweep(ctx context.Context) error {
	if s.cfg.Sweeper == nil {
		return errUnavailable("deposit sweeper")
	}
	report, err := s.cfg.Sweeper.Run(ctx)
	view := &sweepView{
		At:        s.now().UTC(),
		Expired:   report.Expired,
		Confirmed: report.Confirmed,
		Invalid:   report.Invalid,
		Pending:   report.Pending,
	}
	if err != nil {
		view.Error = err.Error()
	}
	s.mu.Lock()
	s.lastSweep = view
	s.mu.Unlock()
	return err
}

func (s *AdminServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Health != nil {
		if err := s.cfg.Health(r.Context()); err != nil {
			s.logger.Warn("health check failed", slog.Any("error", err))
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *AdminServer) handleSettle(w http.ResponseWriter, r *http.Request) {
	err := s.RunCycle(r.Context())
	s.mu.Lock()
	view := s.lastCycle
	s.mu.Unlock()
	if err != nil {
		var unavailable unavailableError
		if errors.As(err, &unavailable) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		s.logger.Error("manual settlement cycle failed", slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, view)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *AdminServer) handleReconcileDeposits(w http.ResponseWriter, r *http.Request) {
	err := s.RunSweep(r.Context())
	s.mu.Lock()
	view := s.lastSweep
	s.mu.Unlock()
	if err != nil {
		var unavailable unavailableError
		if errors.As(err, &unavailable) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		s.logger.Error("manual deposit sweep failed", slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, view)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	var resp statusResponse
	if s.cfg.Status != nil {
		snap, err := s.cfg.Status(r.Context())
		if err != nil {
			s.logger.Error("status snapshot failed", slog.Any("error", err))
			http.Error(w, "status unavailable", http.StatusInternalServerError)
			return
		}
		resp.Pipeline = &snap
	}
	s.mu.Lock()
	resp.LastCycle = s.lastCycle
	resp.LastSweep = s.lastSweep
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, resp)
}

type unavailableError string

func (e unavailableError) Error() string { return string(e) + " not configured" }

func errUnavailable(what string) error { return unavailableError(what) }

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
