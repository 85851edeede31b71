// Package metrics exposes Prometheus collectors for codeloom monitoring.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds every Prometheus collector codeloom registers.
type Metrics struct {
	GenerationsStarted   prometheus.Counter
	GenerationsCompleted prometheus.Counter
	GenerationsFailed    prometheus.Counter
	GenerationTurns      prometheus.Histogram
	ToolCallsTotal       *prometheus.CounterVec

	SandboxesCreated prometheus.Counter
	SandboxesSwept   prometheus.Counter
	FilesFlushed     prometheus.Counter

	WebhooksReceived *prometheus.CounterVec
	WebhooksRejected prometheus.Counter
	TasksTransitions *prometheus.CounterVec

	CommitsBuilt   prometheus.Counter
	CommitConflict prometheus.Counter
}

// Get returns the singleton Metrics instance.
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	m := &Metrics{}

	m.GenerationsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "codeloom", Subsystem: "generation", Name: "started_total",
		Help: "Generations started",
	})
	m.GenerationsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "codeloom", Subsystem: "generation", Name: "completed_total",
		Help: "Generations completed successfully",
	})
	m.GenerationsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "codeloom", Subsystem: "generation", Name: "failed_total",
		Help: "Generations that ended without a complete event",
	})
	m.GenerationTurns = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "codeloom", Subsystem: "generation", Name: "turns",
		Help:    "Model turns per generation",
		Buckets: prometheus.LinearBuckets(1, 4, 10),
	})
	m.ToolCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codeloom", Subsystem: "generation", Name: "tool_calls_total",
		Help: "Tool invocations by tool name and outcome",
	}, []string{"tool", "outcome"})

	m.SandboxesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "codeloom", Subsystem: "sandbox", Name: "created_total",
		Help: "Sandboxes provisioned",
	})
	m.SandboxesSwept = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "codeloom", Subsystem: "sandbox", Name: "swept_total",
		Help: "Sandboxes removed by the TTL sweeper",
	})
	m.FilesFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "codeloom", Subsystem: "sandbox", Name: "files_flushed_total",
		Help: "Staged files flushed into sandboxes",
	})

	m.WebhooksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codeloom", Subsystem: "webhook", Name: "received_total",
		Help: "Webhook deliveries by action",
	}, []string{"action"})
	m.WebhooksRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "codeloom", Subsystem: "webhook", Name: "rejected_total",
		Help: "Webhook deliveries rejected for invalid signatures",
	})
	m.TasksTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codeloom", Subsystem: "task", Name: "transitions_total",
		Help: "Task state transitions by event",
	}, []string{"event"})

	m.CommitsBuilt = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "codeloom", Subsystem: "git", Name: "commits_total",
		Help: "Commits constructed and fast-forwarded",
	})
	m.CommitConflict = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "codeloom", Subsystem: "git", Name: "conflicts_total",
		Help: "Fast-forward ref updates rejected because the branch moved",
	})

	return m
}
