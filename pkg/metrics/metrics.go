// Package metrics wires github.com/prometheus/client_golang into the
// engine's ambient stack, per SPEC_FULL.md's Metrics section: a single
// Registry struct holding every counter/gauge the engine publishes,
// with label sets precomputed at construction so the hot commit path
// never allocates.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	stoerrors "github.com/silokv/silokv/pkg/errors"
)

// Registry bundles every metric the engine exports. Database.Metrics()
// returns one so a host can register it with its own Registerer.
type Registry struct {
	reg *prometheus.Registry

	GlobalEpoch prometheus.Gauge

	committed  *prometheus.CounterVec // label: protocol
	aborted    *prometheus.CounterVec // labels: protocol, reason
	committedByProtocol map[string]prometheus.Counter
	abortedByReason     map[string]map[string]prometheus.Counter

	PointIndexRehashes prometheus.Counter
	PointIndexLoad     prometheus.Gauge

	RangeIndexDrainBacklog prometheus.Gauge

	WALBytesWritten  prometheus.Counter
	WALBytesTruncated prometheus.Counter

	CheckpointDuration prometheus.Histogram
	CheckpointSize     prometheus.Gauge

	ThreadPoolQueueDepth prometheus.Gauge
	ThreadPoolSteals     prometheus.Counter
}

// protocols and reasons are enumerated up front so every label
// combination's Counter is allocated once, at New, never on the hot path.
var protocols = []string{"silo", "silonwr", "twopl"}

var reasons = []stoerrors.ConflictReason{
	stoerrors.AntiDependency,
	stoerrors.WriteConflict,
	stoerrors.UniqueViolation,
	stoerrors.NotNullViolation,
	stoerrors.PhantomConflict,
	stoerrors.KeyExists,
}

// New builds a Registry backed by a fresh prometheus.Registry.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		GlobalEpoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "silokv", Name: "global_epoch", Help: "Current global epoch number.",
		}),
		committed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "silokv", Name: "transactions_committed_total", Help: "Committed transactions by CC protocol.",
		}, []string{"protocol"}),
		aborted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "silokv", Name: "transactions_aborted_total", Help: "Aborted transactions by CC protocol and reason.",
		}, []string{"protocol", "reason"}),
		PointIndexRehashes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "silokv", Name: "point_index_rehashes_total", Help: "Point-index rehash operations.",
		}),
		PointIndexLoad: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "silokv", Name: "point_index_load_factor", Help: "Current point-index load factor.",
		}),
		RangeIndexDrainBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "silokv", Name: "range_index_drain_backlog", Help: "Pending per-epoch predicate/mutation lists awaiting drain.",
		}),
		WALBytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "silokv", Name: "wal_bytes_written_total", Help: "Bytes appended to per-thread log files.",
		}),
		WALBytesTruncated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "silokv", Name: "wal_bytes_truncated_total", Help: "Bytes dropped from log files on truncation.",
		}),
		CheckpointDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "silokv", Name: "checkpoint_duration_seconds", Help: "Wall-clock duration of each checkpoint cycle.",
		}),
		CheckpointSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "silokv", Name: "checkpoint_snapshot_bytes", Help: "Size of the most recently published checkpoint.",
		}),
		ThreadPoolQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "silokv", Name: "thread_pool_queue_depth", Help: "Approximate total queued jobs across workers.",
		}),
		ThreadPoolSteals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "silokv", Name: "thread_pool_steals_total", Help: "Jobs executed via work-stealing rather than a worker's own queue.",
		}),
	}

	r.committedByProtocol = make(map[string]prometheus.Counter, len(protocols))
	r.abortedByReason = make(map[string]map[string]prometheus.Counter, len(protocols))
	for _, p := range protocols {
		r.committedByProtocol[p] = r.committed.WithLabelValues(p)
		byReason := make(map[string]prometheus.Counter, len(reasons))
		for _, reason := range reasons {
			byReason[reason.String()] = r.aborted.WithLabelValues(p, reason.String())
		}
		r.abortedByReason[p] = byReason
	}

	reg.MustRegister(
		r.GlobalEpoch, r.committed, r.aborted,
		r.PointIndexRehashes, r.PointIndexLoad, r.RangeIndexDrainBacklog,
		r.WALBytesWritten, r.WALBytesTruncated,
		r.CheckpointDuration, r.CheckpointSize,
		r.ThreadPoolQueueDepth, r.ThreadPoolSteals,
	)
	return r
}

// Gatherer exposes the underlying prometheus.Registry for a host to
// register with its own exporter (e.g. via prometheus.Registerer.Register
// or by serving it directly through promhttp).
func (r *Registry) Gatherer() *prometheus.Registry { return r.reg }

// RecordCommit increments the committed counter for protocol, with no
// further allocation — the label's Counter was resolved once at New.
func (r *Registry) RecordCommit(protocol string) {
	if c, ok := r.committedByProtocol[protocol]; ok {
		c.Inc()
	}
}

// RecordAbort increments the aborted counter for (protocol, reason).
func (r *Registry) RecordAbort(protocol string, reason stoerrors.ConflictReason) {
	if byReason, ok := r.abortedByReason[protocol]; ok {
		if c, ok := byReason[reason.String()]; ok {
			c.Inc()
		}
	}
}
