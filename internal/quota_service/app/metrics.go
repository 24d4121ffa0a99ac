package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	consumeAttemptsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wa_quota",
			Name:      "consume_attempts_total",
			Help:      "TryConsume calls by resulting status.",
		},
		[]string{"status"},
	)

	consumedUnitsCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "wa_quota",
			Name:      "consumed_units_total",
			Help:      "Quota units debited by first-time consumptions.",
		},
	)

	topUpsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wa_quota",
			Name:      "top_ups_total",
			Help:      "TopUp calls by outcome.",
		},
		[]string{"outcome"},
	)
)
