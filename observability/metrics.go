package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LedgerMetrics wraps collectors tracking balance mutations, unlocks and deposits.
type LedgerMetrics struct {
	mutations    *prometheus.CounterVec
	volume       *prometheus.CounterVec
	unlocks      *prometheus.CounterVec
	insufficient *prometheus.CounterVec
	deposits     *prometheus.CounterVec
}

// SettlementMetrics wraps collectors tracking the author payout pipeline.
type SettlementMetrics struct {
	claimed       prometheus.Counter
	reclaimed     prometheus.Counter
	batches       *prometheus.CounterVec
	payoutVolume  prometheus.Counter
	errors        *prometheus.CounterVec
	nonceRefresh  prometheus.Counter
	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	lastNonce     prometheus.Gauge
}

var (
	ledgerMetricsOnce sync.Once
	ledgerRegistry    *LedgerMetrics

	settlementMetricsOnce sync.Once
	settlementRegistry    *SettlementMetrics
)

// Ledger returns the lazily-initialised ledger metrics registry.
func Ledger() *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "folio",
				Subsystem: "ledger",
				Name:      "mutations_total",
				Help:      "Balance mutations segmented by direction and reason.",
			}, []string{"direction", "reason"}),
			volume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "folio",
				Subsystem: "ledger",
				Name:      "volume_minor_units_total",
				Help:      "Sum of balance mutation amounts in minor units.",
			}, []string{"direction"}),
			unlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "folio",
				Subsystem: "ledger",
				Name:      "unlocks_total",
				Help:      "Unlock attempts segmented by kind and outcome.",
			}, []string{"kind", "outcome"}),
			insufficient: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "folio",
				Subsystem: "ledger",
				Name:      "insufficient_balance_total",
				Help:      "Unlock attempts rejected for insufficient balance.",
			}, []string{"kind"}),
			deposits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "folio",
				Subsystem: "ledger",
				Name:      "deposit_settlements_total",
				Help:      "Deposit intent settlement attempts segmented by resulting status.",
			}, []string{"status"}),
		}
		prometheus.MustRegister(
			ledgerRegistry.mutations,
			ledgerRegistry.volume,
			ledgerRegistry.unlocks,
			ledgerRegistry.insufficient,
			ledgerRegistry.deposits,
		)
	})
	return ledgerRegistry
}

// RecordMutation counts a credit or debit.
func (m *LedgerMetrics) RecordMutation(direction, reason string, amount int64) {
	if m == nil {
		return
	}
	direction = labelOr(direction, "unknown")
	m.mutations.WithLabelValues(direction, labelOr(reason, "unspecified")).Inc()
	if amount > 0 {
		m.volume.WithLabelValues(direction).Add(float64(amount))
	}
}

// RecordUnlock counts an unlock outcome (charged, existing, free, insufficient).
func (m *LedgerMetrics) RecordUnlock(kind, outcome string) {
	if m == nil {
		return
	}
	m.unlocks.WithLabelValues(labelOr(kind, "unknown"), labelOr(outcome, "unknown")).Inc()
	if outcome == "insufficient" {
		m.insufficient.WithLabelValues(labelOr(kind, "unknown")).Inc()
	}
}

// RecordDeposit counts a deposit settlement outcome.
func (m *LedgerMetrics) RecordDeposit(status string) {
	if m == nil {
		return
	}
	m.deposits.WithLabelValues(labelOr(status, "unknown")).Inc()
}

// Settlement returns the lazily-initialised settlement metrics registry.
func Settlement() *SettlementMetrics {
	settlementMetricsOnce.Do(func() {
		settlementRegistry = &SettlementMetrics{
			claimed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "folio",
				Subsystem: "settlement",
				Name:      "events_claimed_total",
				Help:      "Revenue events moved from pending to processing.",
			}),
			reclaimed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "folio",
				Subsystem: "settlement",
				Name:      "events_reclaimed_total",
				Help:      "Stale processing revenue events returned to pending.",
			}),
			batches: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "folio",
				Subsystem: "settlement",
				Name:      "batches_total",
				Help:      "Settlement batch transitions segmented by resulting status.",
			}, []string{"status"}),
			payoutVolume: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "folio",
				Subsystem: "settlement",
				Name:      "confirmed_payout_minor_units_total",
				Help:      "Sum of confirmed author payouts in minor units.",
			}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "folio",
				Subsystem: "settlement",
				Name:      "errors_total",
				Help:      "Settlement failures segmented by stage and reason.",
			}, []string{"stage", "reason"}),
			nonceRefresh: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "folio",
				Subsystem: "settlement",
				Name:      "nonce_refresh_total",
				Help:      "Treasury nonce refreshes triggered by nonce conflicts.",
			}),
			cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "folio",
				Subsystem: "settlement",
				Name:      "cycles_total",
				Help:      "Settlement cycles segmented by outcome (completed, skipped, failed).",
			}, []string{"outcome"}),
			cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "folio",
				Subsystem: "settlement",
				Name:      "cycle_duration_seconds",
				Help:      "Latency distribution for completed settlement cycles.",
				Buckets:   prometheus.DefBuckets,
			}),
			lastNonce: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "folio",
				Subsystem: "settlement",
				Name:      "treasury_nonce",
				Help:      "Most recent nonce used for a treasury payout broadcast.",
			}),
		}
		prometheus.MustRegister(
			settlementRegistry.claimed,
			settlementRegistry.reclaimed,
			settlementRegistry.batches,
			settlementRegistry.payoutVolume,
			settlementRegistry.errors,
			settlementRegistry.nonceRefresh,
			settlementRegistry.cycles,
			settlementRegistry.cycleDuration,
			settlementRegistry.lastNonce,
		)
	})
	return settlementRegistry
}

// RecordClaimed adds claimed events.
func (m *SettlementMetrics) RecordClaimed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.claimed.Add(float64(n))
}

// RecordReclaimed adds events returned to the queue by the reclaimer.
func (m *SettlementMetrics) RecordReclaimed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reclaimed.Add(float64(n))
}

// RecordBatch counts a batch transition.
func (m *SettlementMetrics) RecordBatch(status string) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(labelOr(status, "unknown")).Inc()
}

// RecordConfirmedPayout adds confirmed payout volume.
func (m *SettlementMetrics) RecordConfirmedPayout(amount int64) {
	if m == nil || amount <= 0 {
		return
	}
	m.payoutVolume.Add(float64(amount))
}

// RecordError increments the error counter for the supplied stage and reason.
func (m *SettlementMetrics) RecordError(stage, reason string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(labelOr(stage, "unknown"), labelOr(reason, "unspecified")).Inc()
}

// RecordNonceRefresh counts a nonce conflict refresh.
func (m *SettlementMetrics) RecordNonceRefresh() {
	if m == nil {
		return
	}
	m.nonceRefresh.Inc()
}

// SetNonce publishes the last nonce used.
func (m *SettlementMetrics) SetNonce(nonce uint64) {
	if m == nil {
		return
	}
	m.lastNonce.Set(float64(nonce))
}

// ObserveCycle records a cycle outcome and, for completed cycles, its latency.
func (m *SettlementMetrics) ObserveCycle(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(labelOr(outcome, "unknown")).Inc()
	if outcome == "completed" {
		m.cycleDuration.Observe(d.Seconds())
	}
}

func labelOr(value, fallback string) string {
	if value = strings.TrimSpace(value); value == "" {
		return fallback
	}
	return strings.ToLower(value)
}
