// Package observability exposes the Prometheus metrics for the agent.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks the number of entries in the task queue.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "paperscout_queue_depth",
		Help: "Current number of task queue entries.",
	})

	// CyclesTotal counts finished processing cycles by outcome.
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperscout_cycles_total",
		Help: "Processing cycles finished, labeled by outcome.",
	}, []string{"outcome"})

	// CycleDuration observes wall-clock seconds per processing cycle.
	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "paperscout_cycle_duration_seconds",
		Help:    "Duration of one processing cycle.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	// SourceRequests counts adapter page fetches by source and result.
	SourceRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperscout_source_requests_total",
		Help: "Search adapter requests, labeled by source and result.",
	}, []string{"source", "result"})

	// LLMCalls counts gateway calls by agent and result.
	LLMCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperscout_llm_calls_total",
		Help: "LLM gateway calls, labeled by agent and result.",
	}, []string{"agent", "result"})

	// LLMRetries counts retry attempts in the LLM gateway.
	LLMRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paperscout_llm_retries_total",
		Help: "Retried LLM gateway attempts.",
	})

	// NotificationsTotal counts outbound messages enqueued by kind.
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperscout_notifications_total",
		Help: "Outbound messages enqueued, labeled by kind.",
	}, []string{"kind"})
)
