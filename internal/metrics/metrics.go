// Package metrics registers the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ReadingsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_readings_processed_total",
		Help: "Oracle readings processed, labelled by outcome (accepted, rejected).",
	}, []string{"outcome"})

	ReadingRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_reading_rejections_total",
		Help: "Rejected oracle readings by reason.",
	}, []string{"reason"})

	AnomalyScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_reading_anomaly_score",
		Help:    "Anomaly score distribution for processed readings.",
		Buckets: []float64{0, 10, 25, 40, 60, 80, 95, 100},
	})

	SettlementsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_settlements_total",
		Help: "Completed meter settlements.",
	})

	SettledEnergy = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_settled_energy_total",
		Help: "Total energy credited through settlement.",
	})

	CertificatesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_certificates_issued_total",
		Help: "Certificates issued.",
	})

	CertificatesRevoked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_certificates_revoked_total",
		Help: "Certificates revoked.",
	})

	OrdersCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_orders_created_total",
		Help: "Orders created, labelled by side.",
	}, []string{"side"})

	TradesExecuted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_trades_executed_total",
		Help: "Matched trades settled.",
	})

	TradeVolume = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_trade_volume_total",
		Help: "Energy volume traded.",
	})

	TxConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_tx_conflicts_total",
		Help: "Transactions that failed on a concurrent modification.",
	})

	EventPublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_event_publish_failures_total",
		Help: "Domain events that could not be published to the broker.",
	})
)
