package services

import "github.com/prometheus/client_golang/prometheus"

var (
	// gateDecisions counts decisions by reason code. The allowed label is
	// derivable from the reason but keeps dashboards simple.
	gateDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_decisions_total",
			Help: "Safety gate decisions by reason code.",
		},
		[]string{"reason", "allowed"},
	)

	gateLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gate_evaluate_duration_seconds",
			Help:    "Duration of safety gate evaluations in seconds.",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	recordedOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_recorded_outcomes_total",
			Help: "Delivery outcomes recorded in the ledger by message type and result.",
		},
		[]string{"message_type", "result"},
	)

	killSwitchGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gate_kill_switch_active",
			Help: "1 when the kill switch was active at the last check.",
		},
	)
)

func init() {
	prometheus.MustRegister(gateDecisions, gateLatency, recordedOutcomes, killSwitchGauge)
}
