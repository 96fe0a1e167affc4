package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "skimmerwatch"

var (
	ItemsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "work_items_consumed_total",
		Help:      "Work items taken off the queue, by processor.",
	}, []string{"processor"})

	MalformedItems = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "work_items_malformed_total",
		Help:      "Queued payloads that could not be decoded.",
	})

	QueueErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_errors_total",
		Help:      "Failed queue operations, by backend and operation.",
	}, []string{"backend", "op"})

	Throttles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_throttled_total",
		Help:      "Backend throttle responses that triggered a cool-down.",
	}, []string{"backend"})

	PluginFaults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "plugin_faults_total",
		Help:      "Errors and panics raised by plugins.",
	}, []string{"kind", "plugin"})

	RuleHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rule_hits_total",
		Help:      "Samples a rule fired on.",
	}, []string{"rule"})

	SamplesEvaluated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "samples_evaluated_total",
		Help:      "Content samples run through the rule engine, by processor.",
	}, []string{"processor"})

	Findings = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "findings_total",
		Help:      "Findings produced, by processor.",
	}, []string{"processor"})

	FetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fetch_errors_total",
		Help:      "Failed outbound fetches, by processor.",
	}, []string{"processor"})

	ProcessDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "process_duration_seconds",
		Help:      "Time spent processing one work item.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
	}, []string{"processor"})

	BatchesPosted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "batches_posted_total",
		Help:      "Work items posted by producers, by input.",
	}, []string{"input"})

	OutputsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outputs_sent_total",
		Help:      "Finding sets delivered, by output and result.",
	}, []string{"output", "result"})
)
