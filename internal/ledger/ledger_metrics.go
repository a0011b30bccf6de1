package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LedgerOpsTotal counts ledger operations by type.
	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "papermind",
			Name:      "ledger_operations_total",
			Help:      "Total ledger operations by type.",
		},
		[]string{"type"},
	)

	// LedgerOpDuration observes operation latency by type.
	LedgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "papermind",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	consumeOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "papermind",
			Name:      "ledger_consume_outcomes_total",
			Help:      "Consume attempts by outcome (consumed, denied).",
		},
		[]string{"outcome"},
	)

	duplicateEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "papermind",
			Name:      "ledger_duplicate_billing_events_total",
			Help:      "Replayed billing events ignored by replenish.",
		},
	)

	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "papermind",
			Name:      "ledger_balance_cache_lookups_total",
			Help:      "Balance cache lookups by result (hit, miss, stale_fill).",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		LedgerOpsTotal,
		LedgerOpDuration,
		consumeOutcomes,
		duplicateEvents,
		cacheLookups,
	)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(opType string) func() {
	LedgerOpsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		LedgerOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}
