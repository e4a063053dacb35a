// Package metrics exposes engine and pull-query counters to Prometheus.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "rill"

var (
	RecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Source records handled per query by result.",
		},
		[]string{"query", "result"},
	)
	LateDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "late_dropped_total",
			Help:      "Events dropped because every window they belong to had closed.",
		},
		[]string{"query"},
	)
	ChangelogEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "changelog_entries_total",
			Help:      "Changelog entries written per table.",
		},
		[]string{"table"},
	)
	EvictedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "windows_evicted_total",
			Help:      "Windows evicted past retention per table.",
		},
		[]string{"table"},
	)
	ResubscribesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resubscribes_total",
			Help:      "Log resubscriptions after an unavailable log.",
		},
		[]string{"query"},
	)
	QueryHalted = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "query_halted",
			Help:      "1 when a query stopped on a fatal error.",
		},
		[]string{"query"},
	)
	StreamTime = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_time_ms",
			Help:      "Maximum event time observed per query (ms).",
		},
		[]string{"query"},
	)
	LastOffset = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_offset",
			Help:      "Last processed offset per query/partition.",
		},
		[]string{"query", "partition"},
	)
	LookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookups_total",
			Help:      "Pull query lookups by table and result.",
		},
		[]string{"table", "result"},
	)
	LookupLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lookup_latency_ms",
			Help:      "Pull query latency in milliseconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 50, 250, 1000},
		},
		[]string{"table"},
	)
	PushSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "push_subscribers",
		Help:      "Open push query subscriptions.",
	})
)

// Record results.
const (
	ResultApplied   = "applied"
	ResultFiltered  = "filtered"
	ResultLate      = "late"
	ResultMalformed = "malformed"
	ResultSkipped   = "skipped"
)

func init() {
	prometheus.MustRegister(
		RecordsTotal,
		LateDroppedTotal,
		ChangelogEntriesTotal,
		EvictedTotal,
		ResubscribesTotal,
		QueryHalted,
		StreamTime,
		LastOffset,
		LookupsTotal,
		LookupLatency,
		PushSubscribers,
	)
}
