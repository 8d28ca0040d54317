// Package metrics declares chunktree's Prometheus instrumentation,
// following the namespaced-metric idiom the teacher's own
// utils.PrometheusObserveDuration helper is built around (one shared
// namespace constant, metrics registered once at package init).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace is the prefix every chunktree metric is registered under.
const Namespace = "chunktree"

var (
	// ChunksStored counts leaf chunks successfully written to a backend,
	// labeled by backend kind (memory, infile, kv).
	ChunksStored = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "chunks_stored_total",
		Help:      "Number of distinct leaf chunks written to a storage backend.",
	}, []string{"backend"})

	// BytesDeduplicated counts bytes a StoreLeaf call skipped writing
	// because the chunk's digest already had at least one populated
	// on-disk location.
	BytesDeduplicated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "bytes_deduplicated_total",
		Help:      "Bytes not rewritten because an identical chunk was already stored.",
	}, []string{"backend"})

	// ActiveBatchers tracks how many stream.Batch/stream.Debatch
	// goroutines are currently running.
	ActiveBatchers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "active_batchers",
		Help:      "Number of batcher/debatcher goroutines currently running.",
	})

	// TreeBuildDuration observes how long Build/BuildTree takes per call,
	// labeled by input size bucket ("small", "large") so a slow chunker
	// doesn't get averaged away by a flood of tiny inserts.
	TreeBuildDuration = prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Namespace: Namespace,
		Name:      "tree_build_duration_seconds",
		Help:      "Time spent splitting and folding a byte slice into a hash tree.",
	}, []string{"size_bucket"})
)

func init() {
	prometheus.MustRegister(ChunksStored, BytesDeduplicated, ActiveBatchers, TreeBuildDuration)
}

// ObserveTreeBuild records the duration since start against bucket,
// mirroring the teacher's PrometheusObserveDuration(t, metric, labels...)
// call shape.
func ObserveTreeBuild(start time.Time, bucket string) {
	TreeBuildDuration.WithLabelValues(bucket).Observe(time.Since(start).Seconds())
}
