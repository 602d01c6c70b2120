// Package metrics exposes the Prometheus instrumentation for the tracking
// runtime, adapted from the teacher's internal/metrics package: package-level
// collectors registered once via promauto, one Register call from main, and
// a small set of recording helpers the rest of the module calls instead of
// touching prometheus directly.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AllocationsTotal counts every alloc event the hook has observed, by
	// tracker strategy and whether it carried a var_name.
	AllocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memscope_allocations_total",
			Help: "Total allocation events observed by the hook",
		},
		[]string{"strategy", "classification"},
	)

	// DeallocationsTotal counts dealloc events, including orphan
	// deallocs (ptr not found live).
	DeallocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memscope_deallocations_total",
			Help: "Total deallocation events observed by the hook",
		},
		[]string{"strategy", "outcome"}, // outcome: matched | orphan
	)

	// ActiveBytes is the live byte count of the active tracker backend.
	ActiveBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "memscope_active_bytes",
		Help: "Bytes currently live across all tracked allocations",
	})

	// PeakBytes is the high-water mark of ActiveBytes for the session.
	PeakBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "memscope_peak_bytes",
		Help: "Peak observed active_bytes for the session",
	})

	// SamplingDropsTotal counts system records the lock-free/async
	// tracker intentionally did not record (spec.md §4.4).
	SamplingDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memscope_sampling_drops_total",
		Help: "Allocation events dropped by sampling (never a user record)",
	})

	// SlabEvictionsTotal counts ring-buffer overwrites under pressure.
	SlabEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memscope_slab_evictions_total",
		Help: "Records overwritten because a per-goroutine slab was full",
	})

	// HistoryEvictionsTotal counts precise-tracker bounded-history drops.
	HistoryEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memscope_history_evictions_total",
		Help: "Retired records dropped by the bounded-history policy",
	})

	// ClassificationMissesTotal counts pending registrations that expired
	// before a matching alloc event arrived (spec.md §4.2).
	ClassificationMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memscope_classification_misses_total",
		Help: "Identity registrations that expired before a matching alloc",
	})

	// ExportDuration observes wall-clock time of Export calls by outcome.
	ExportDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "memscope_export_duration_seconds",
			Help:    "Time spent serializing a session to a .memscope file",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"}, // ok | canceled | error
	)

	// ParseDuration observes wall-clock time of Parse calls.
	ParseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "memscope_parse_duration_seconds",
			Help:    "Time spent parsing a .memscope file into JSON families",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"}, // ok | dirty | error
	)

	// PassportsOpenGauge tracks MemoryPassports still awaiting
	// reclamation or shutdown orphaning (spec.md §4.9).
	PassportsOpenGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "memscope_passports_open",
		Help: "Foreign-boundary memory passports not yet reclaimed",
	})

	// DispatcherState exposes the dispatcher's lifecycle state
	// (spec.md §4.6) as a label on a constant-1 gauge per active state.
	DispatcherState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "memscope_dispatcher_state",
			Help: "1 for the dispatcher's current lifecycle state, 0 otherwise",
		},
		[]string{"state"},
	)
)

// SetDispatcherState zeroes every known state and sets only the current one,
// so the gauge vector always has exactly one "1" at a time.
func SetDispatcherState(current string) {
	for _, s := range []string{"uninitialized", "active", "finalizing", "finalized"} {
		if s == current {
			DispatcherState.WithLabelValues(s).Set(1)
		} else {
			DispatcherState.WithLabelValues(s).Set(0)
		}
	}
}
