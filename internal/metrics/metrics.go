// Package metrics records business metrics for the core services.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	saleTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticket_sales_total",
			Help: "Ticket sale attempts by channel and result",
		},
		[]string{"channel", "result"},
	)

	saleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ticket_sale_duration_ms",
			Help:    "Ticket sale duration in milliseconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"channel", "result"},
	)

	ledgerTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_apply_total",
			Help: "Ledger applies by kind, path (atomic|saga) and result",
		},
		[]string{"kind", "path", "result"},
	)

	compensationTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_compensations_total",
			Help: "Compensating credits by result",
		},
		[]string{"result"},
	)

	openSagas = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_open_sagas",
		Help: "Forward debits awaiting completion or reconciliation at the last report",
	})

	lotteriesEnded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lotteries_ended_total",
			Help: "Lotteries moved to ended, by reason",
		},
		[]string{"reason"},
	)

	winnerRegistrations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "winner_registrations_total",
			Help: "Winner registrations by mode and result",
		},
		[]string{"mode", "result"},
	)

	auditDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_events_dropped_total",
		Help: "Audit events dropped because the sink buffer was full",
	})
)

// RecordSale records one allocator call. channel is "cash" or "wallet".
func RecordSale(channel, result string, started time.Time) {
	saleTotal.WithLabelValues(channel, result).Inc()
	saleDuration.WithLabelValues(channel, result).Observe(float64(time.Since(started).Milliseconds()))
}

// RecordLedger counts one ledger call. An empty kind is recorded as "unknown".
func RecordLedger(kind, path, result string) {
	if kind == "" {
		kind = "unknown"
	}
	ledgerTotal.WithLabelValues(kind, path, result).Inc()
}

func RecordCompensation(result string) {
	compensationTotal.WithLabelValues(result).Inc()
}

func SetOpenSagas(n int) {
	openSagas.Set(float64(n))
}

func RecordLotteryEnded(reason string) {
	lotteriesEnded.WithLabelValues(reason).Inc()
}

func RecordWinners(mode, result string) {
	winnerRegistrations.WithLabelValues(mode, result).Inc()
}

func RecordAuditDropped() {
	auditDropped.Inc()
}
