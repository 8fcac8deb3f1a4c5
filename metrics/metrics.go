// Package metrics exposes the counters and gauges spec.md §6 names as
// observable outputs, wired through github.com/prometheus/client_golang
// rather than a hand-rolled registry, matching the teacher's own
// reliance on a Prometheus client library (metrics/prometheus in the
// pack) instead of ad hoc counters.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry holds every metric the executor core emits. It is safe for
// concurrent use; Prometheus collectors are themselves concurrency-safe.
type Registry struct {
	ThreadsTriggered prometheus.Counter
	TxsSubmitted     prometheus.Counter
	TxsConfirmed     prometheus.Counter
	TxsFailed        prometheus.Counter

	PendingCheckSize    prometheus.Gauge
	PendingScheduleSize prometheus.Gauge
	ActiveWorkers       prometheus.Gauge

	CacheEntries  prometheus.Gauge
	CacheEvicted  prometheus.Counter
	CacheHits     prometheus.Counter
	CacheMisses   prometheus.Counter

	WorkerAttempts prometheus.Histogram
}

// New registers and returns a Registry against the given Prometheus
// registerer. Passing prometheus.NewRegistry() keeps metrics isolated
// per test; passing prometheus.DefaultRegisterer wires into the process
// default exporter.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		ThreadsTriggered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "automaton",
			Name:      "threads_triggered_total",
			Help:      "Number of threads observed as ready to execute.",
		}),
		TxsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "automaton",
			Name:      "txs_submitted_total",
			Help:      "Number of execution transactions submitted to the chain.",
		}),
		TxsConfirmed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "automaton",
			Name:      "txs_confirmed_total",
			Help:      "Number of execution transactions confirmed on-chain.",
		}),
		TxsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "automaton",
			Name:      "txs_failed_total",
			Help:      "Number of execution transactions that failed terminally.",
		}),
		PendingCheckSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "automaton",
			Name:      "staging_pending_ready",
			Help:      "Ready threads queued for processor admission.",
		}),
		PendingScheduleSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "automaton",
			Name:      "processor_pending_queue",
			Help:      "Ready threads waiting on a worker permit.",
		}),
		ActiveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "automaton",
			Name:      "processor_active_workers",
			Help:      "Worker actors currently executing a thread.",
		}),
		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "automaton",
			Name:      "cache_entries",
			Help:      "Accounts currently held in the account cache.",
		}),
		CacheEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "automaton",
			Name:      "cache_evicted_total",
			Help:      "Accounts evicted from the account cache.",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "automaton",
			Name:      "cache_hits_total",
			Help:      "Account cache lookups that found an entry.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "automaton",
			Name:      "cache_misses_total",
			Help:      "Account cache lookups that found nothing.",
		}),
		WorkerAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "automaton",
			Name:      "worker_attempts",
			Help:      "Number of attempts a worker needed to reach a terminal outcome.",
			Buckets:   prometheus.LinearBuckets(1, 1, 5),
		}),
	}

	if reg != nil {
		reg.MustRegister(
			r.ThreadsTriggered, r.TxsSubmitted, r.TxsConfirmed, r.TxsFailed,
			r.PendingCheckSize, r.PendingScheduleSize, r.ActiveWorkers,
			r.CacheEntries, r.CacheEvicted, r.CacheHits, r.CacheMisses,
			r.WorkerAttempts,
		)
	}
	return r
}

// Noop returns a Registry whose metrics are never registered against any
// registerer, useful for tests and for callers who don't want Prometheus
// wired in at all.
func Noop() *Registry {
	return New(nil)
}
