package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sendOutcomesCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wa_delivery",
			Name:      "send_outcomes_total",
			Help:      "Total send attempts by outcome.",
		},
		[]string{"provider", "outcome", "reason"}, // reason: skip reason or error category
	)

	providerRequestDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "wa_delivery",
			Name:      "provider_request_duration_seconds",
			Help:      "Duration of outbound provider send calls.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	quotaConsumeCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wa_delivery",
			Name:      "quota_consume_total",
			Help:      "Quota ledger consumption attempts after a successful send.",
		},
		[]string{"status"}, // consumed, already_consumed, insufficient, error
	)

	ingestionResultsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wa_delivery",
			Name:      "ingestion_results_total",
			Help:      "Inbound status events by process result.",
		},
		[]string{"provider", "result", "reason"},
	)

	deliveryLatencyHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "wa_delivery",
			Name:      "status_latency_seconds",
			Help:      "Seconds from provider acceptance to delivered or read.",
			Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 3600, 21600, 86400},
		},
		[]string{"provider", "status"},
	)

	orphanReconciliationsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wa_delivery",
			Name:      "orphan_reconciliations_total",
			Help:      "Orphan events examined by the reconciliation sweep.",
		},
		[]string{"result"}, // processed, ignored, still_orphan, already_reconciled, error
	)

	retrySweepCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wa_delivery",
			Name:      "retry_sweep_records_total",
			Help:      "Records re-driven by the retry sweeper, by outcome.",
		},
		[]string{"outcome"},
	)

	natsMessagesReceivedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wa_delivery",
			Name:      "nats_messages_received_total",
			Help:      "Total number of NATS messages received.",
		},
		[]string{"subject_pattern"},
	)

	ruleSnapshotVersionGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "wa_delivery",
			Name:      "blocked_recipient_rules_version",
			Help:      "Version of the blocked-recipient rule snapshot in use.",
		},
	)
)
