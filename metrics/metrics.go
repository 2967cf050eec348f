// Package metrics exposes prometheus gauges/counters for the tick loop
// and hash/disk pipeline, the way the teacher gates its own expvar
// counters behind a debugMetricsEnabled flag (peer.go's ChunksReceived).
// Unlike expvar, these are real time-series exported for host scraping.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ChunksReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "torrentcore",
		Name:      "chunks_received_total",
		Help:      "PIECE chunks received, partitioned by disposition.",
	}, []string{"disposition"})

	TicksRun = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "torrentcore",
		Name:      "ticks_total",
		Help:      "Number of scheduling-domain ticks run.",
	})

	HashQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "torrentcore",
		Name:      "hash_queue_depth",
		Help:      "Pieces currently queued for hashing.",
	})

	PendingWrites = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "torrentcore",
		Name:      "pending_writes",
		Help:      "Verified writes submitted but not yet completed.",
	})

	BufferedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "torrentcore",
		Name:      "active_piece_buffered_bytes",
		Help:      "Bytes pinned in ActivePiece buffers across all torrents.",
	})

	PiecesVerified = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "torrentcore",
		Name:      "pieces_verified_total",
		Help:      "Pieces that finished hashing, partitioned by result.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(ChunksReceived, TicksRun, HashQueueDepth, PendingWrites, BufferedBytes, PiecesVerified)
}
