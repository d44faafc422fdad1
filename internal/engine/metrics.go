package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the workflow counters exposed on the dashboard.
type Metrics struct {
	CyclesTotal      prometheus.Counter
	TasksMergedTotal prometheus.Counter
	IterationsTotal  prometheus.Counter
	CIVerdictsTotal  *prometheus.CounterVec
	RecoveriesTotal  prometheus.Counter
	TaskDuration     prometheus.Histogram
}

// NewMetrics registers the workflow metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CyclesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "autodev",
			Name:      "cycles_total",
			Help:      "Scheduling cycles executed.",
		}),
		TasksMergedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "autodev",
			Name:      "tasks_merged_total",
			Help:      "Tasks completed with a merged pull request.",
		}),
		IterationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "autodev",
			Name:      "iterations_total",
			Help:      "Patch generation iterations executed.",
		}),
		CIVerdictsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autodev",
			Name:      "ci_verdicts_total",
			Help:      "Reconciled CI verdicts by outcome.",
		}, []string{"outcome"}),
		RecoveriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "autodev",
			Name:      "recoveries_total",
			Help:      "Workflow executions routed to recovery.",
		}),
		TaskDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "autodev",
			Name:      "task_duration_seconds",
			Help:      "Wall-clock duration of task executions.",
			Buckets:   prometheus.ExponentialBuckets(30, 2, 10),
		}),
	}
}
