package utils

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine counters exposed on /metrics.
var (
	MetricEmailsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailpulse_emails_dispatched_total",
		Help: "Delivery records successfully handed to the mail transport.",
	})
	MetricDispatchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailpulse_dispatch_failures_total",
		Help: "Transport errors during dispatch, including retried attempts.",
	})
	MetricStepsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailpulse_steps_skipped_total",
		Help: "Steps skipped because their engagement conditions were not met.",
	})
	MetricOpensRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailpulse_opens_recorded_total",
		Help: "Unique open events recorded by the pixel beacon.",
	})
	MetricClicksRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailpulse_clicks_recorded_total",
		Help: "Click events recorded by the click beacon.",
	})
	MetricBotHitsFiltered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailpulse_bot_hits_filtered_total",
		Help: "Beacon hits classified as automated traffic and discarded.",
	})
	MetricStatsRecalculations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailpulse_stats_recalculations_total",
		Help: "Campaign stat reconciliations performed.",
	})
)
