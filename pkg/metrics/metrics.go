// Package metrics holds the process's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Block layer
	BlocksOnDisk = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "strata_blocks_on_disk",
		Help: "Number of block files present in the local data directory.",
	})

	BlockPutBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "strata_block_put_bytes_total",
		Help: "Total plaintext bytes written through BlockManager.Put.",
	})

	BlockGetDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "strata_block_get_duration_seconds",
		Help:    "Latency of BlockManager.GetBytes, including remote fetch.",
		Buckets: prometheus.DefBuckets,
	})

	BlockCorruptionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "strata_block_corruptions_total",
		Help: "Total blocks quarantined after a hash mismatch.",
	})

	ResyncQueueLength = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "strata_resync_queue_length",
		Help: "Approximate number of pending resync queue entries.",
	})

	ScrubDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "strata_scrub_sweep_duration_seconds",
		Help:    "Duration of a full scrub sweep over the data directory.",
		Buckets: []float64{1, 10, 60, 600, 3600, 21600, 86400},
	})

	// Table layer
	TableMerkleUpdatesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_table_merkle_updates_total",
		Help: "Total merkle_todo entries drained into the merkle tree, by table.",
	}, []string{"table"})

	TableSyncItemsSentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_table_sync_items_sent_total",
		Help: "Total items pushed by the anti-entropy syncer, by table.",
	}, []string{"table"})

	TableGcTombstonesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_table_gc_tombstones_total",
		Help: "Total tombstones collected, by table.",
	}, []string{"table"})

	TableInsertDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "strata_table_insert_duration_seconds",
		Help:    "Duration of Table.Insert quorum writes, by table.",
		Buckets: prometheus.DefBuckets,
	}, []string{"table"})

	TableGetDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "strata_table_get_duration_seconds",
		Help:    "Duration of Table.Get quorum reads, by table.",
		Buckets: prometheus.DefBuckets,
	}, []string{"table"})

	// RPC layer
	RpcRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_rpc_requests_total",
		Help: "Total RPC requests sent, by endpoint and outcome.",
	}, []string{"endpoint", "outcome"})

	RpcRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "strata_rpc_request_duration_seconds",
		Help:    "Duration of outgoing RPC calls, by endpoint.",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	// Repair driver
	RepairPassDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "strata_repair_pass_duration_seconds",
		Help:    "Duration of a repair driver pass, by pass name.",
		Buckets: prometheus.DefBuckets,
	}, []string{"pass"})

	RepairRowsFixedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_repair_rows_fixed_total",
		Help: "Total rows corrected by the repair driver, by pass name.",
	}, []string{"pass"})
)

func init() {
	prometheus.MustRegister(
		BlocksOnDisk,
		BlockPutBytesTotal,
		BlockGetDuration,
		BlockCorruptionsTotal,
		ResyncQueueLength,
		ScrubDuration,
		TableMerkleUpdatesTotal,
		TableSyncItemsSentTotal,
		TableGcTombstonesTotal,
		TableInsertDuration,
		TableGetDuration,
		RpcRequestsTotal,
		RpcRequestDuration,
		RepairPassDuration,
		RepairRowsFixedTotal,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an operation for later observation against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time against histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time against a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
