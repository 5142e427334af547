package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PositionsCreated counts accepted creation requests.
var PositionsCreated = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "leverbot",
		Subsystem: "engine",
		Name:      "positions_created_total",
		Help:      "Positions accepted by the engine",
	},
	[]string{"direction", "order_kind"},
)

// CreateRejected counts creation requests rejected before insert.
var CreateRejected = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "leverbot",
		Subsystem: "engine",
		Name:      "create_rejected_total",
		Help:      "Creation requests rejected, by reason",
	},
	[]string{"reason"},
)

// LifecycleEvents counts committed status changes and margin calls.
var LifecycleEvents = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "leverbot",
		Subsystem: "engine",
		Name:      "lifecycle_events_total",
		Help:      "Committed position lifecycle events",
	},
	[]string{"event"},
)

// CASConflicts counts status writes that lost a compare-and-swap.
var CASConflicts = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "leverbot",
		Subsystem: "engine",
		Name:      "cas_conflicts_total",
		Help:      "Status transitions that found the position already moved",
	},
	[]string{"operation"},
)

// SamplerWindows counts finished sampling windows by phase and outcome.
var SamplerWindows = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "leverbot",
		Subsystem: "engine",
		Name:      "sampler_windows_total",
		Help:      "Sampling windows completed, by phase and outcome",
	},
	[]string{"phase", "outcome"},
)

// SamplesPerWindow records how many prices a window gathered.
var SamplesPerWindow = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "leverbot",
		Subsystem: "engine",
		Name:      "samples_per_window",
		Help:      "Price samples gathered per sampling window",
		Buckets:   []float64{0, 1, 2, 3, 4, 5, 6, 8, 12},
	},
)

// ActiveTasks tracks in-flight sampling windows.
var ActiveTasks = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "leverbot",
		Subsystem: "engine",
		Name:      "active_sampler_tasks",
		Help:      "Sampling windows currently running",
	},
)

// ValuationTickDuration times one full pass of the valuation loop.
var ValuationTickDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "leverbot",
		Subsystem: "engine",
		Name:      "valuation_tick_seconds",
		Help:      "Duration of a valuation loop pass",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	},
)

// ValuationErrors counts per-position failures isolated by the loop.
var ValuationErrors = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "leverbot",
		Subsystem: "engine",
		Name:      "valuation_errors_total",
		Help:      "Per-position valuation failures",
	},
	[]string{"stage"},
)

// TicksReceived counts price ticks accepted into the cache.
var TicksReceived = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "leverbot",
		Subsystem: "feed",
		Name:      "ticks_total",
		Help:      "Price ticks written to the cache",
	},
	[]string{"instrument"},
)
