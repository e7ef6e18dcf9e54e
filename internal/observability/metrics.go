// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Ingestion metrics
	BlocksProcessed     prometheus.Counter
	SwapEventsProcessed prometheus.Counter
	LogsRejected        *prometheus.CounterVec

	// Reorg metrics
	ReorgsDetected     prometheus.Counter
	ReorgDepth         prometheus.Histogram
	CandlesCorrected   prometheus.Counter
	FinalityViolations prometheus.Counter

	// Candle metrics
	CandlesClosed   *prometheus.CounterVec
	OpenBuckets     prometheus.Gauge
	CandleWrites    *prometheus.CounterVec
	SinkWriteErrors *prometheus.CounterVec

	// Chain metrics
	HighestBlockSeen prometheus.Gauge
	FinalizedBlock   prometheus.Gauge
	RPCCallLatency   *prometheus.HistogramVec

	// Backfill metrics
	BackfillBlocksProcessed prometheus.Counter
	BackfillDuration        prometheus.Histogram

	// Health metrics
	LastSuccessfulIngestion prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "dexfeed"
	}

	return &Metrics{
		// Ingestion metrics
		BlocksProcessed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "blocks_processed_total",
			Help:      "Total number of blocks accepted and processed",
		}),
		SwapEventsProcessed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "swap_events_processed_total",
			Help:      "Total number of swap events folded into candles",
		}),
		LogsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "logs_rejected_total",
			Help:      "Total number of raw logs rejected by reason",
		}, []string{"reason"}),

		// Reorg metrics
		ReorgsDetected: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reorg",
			Name:      "detected_total",
			Help:      "Total number of chain reorganizations reconciled",
		}),
		ReorgDepth: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reorg",
			Name:      "depth_blocks",
			Help:      "Reorg depth in blocks",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 34},
		}),
		CandlesCorrected: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reorg",
			Name:      "candles_corrected_total",
			Help:      "Total number of candle keys invalidated by reorgs",
		}),
		FinalityViolations: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reorg",
			Name:      "finality_violations_total",
			Help:      "Total number of reorgs reaching below the finality depth",
		}),

		// Candle metrics
		CandlesClosed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "candles",
			Name:      "closed_total",
			Help:      "Total number of candles closed by timeframe",
		}, []string{"timeframe"}),
		OpenBuckets: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "candles",
			Name:      "open_buckets",
			Help:      "Current number of open candle buckets",
		}),
		CandleWrites: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "candle_writes_total",
			Help:      "Total number of candle writes by timeframe",
		}, []string{"timeframe"}),
		SinkWriteErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "write_errors_total",
			Help:      "Total number of sink delivery errors by operation",
		}, []string{"operation"}),

		// Chain metrics
		HighestBlockSeen: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "highest_block_seen",
			Help:      "Highest block number accepted",
		}),
		FinalizedBlock: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "finalized_block",
			Help:      "Current finalized block watermark",
		}),
		RPCCallLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "rpc_call_latency_seconds",
			Help:      "Node RPC call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),

		// Backfill metrics
		BackfillBlocksProcessed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backfill",
			Name:      "blocks_processed_total",
			Help:      "Total number of blocks processed during backfill",
		}),
		BackfillDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backfill",
			Name:      "duration_seconds",
			Help:      "Backfill execution duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}),

		// Health metrics
		LastSuccessfulIngestion: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_ingestion_timestamp",
			Help:      "Unix timestamp of last successful block ingestion",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordBlockProcessed increments the block counter and refreshes health.
func RecordBlockProcessed(blockNumber int64, nowUnix int64) {
	DefaultMetrics.BlocksProcessed.Inc()
	DefaultMetrics.HighestBlockSeen.Set(float64(blockNumber))
	DefaultMetrics.LastSuccessfulIngestion.Set(float64(nowUnix))
}

// RecordSwapProcessed increments the swap events processed counter.
func RecordSwapProcessed() {
	DefaultMetrics.SwapEventsProcessed.Inc()
}

// RecordLogRejected records a rejected raw log.
func RecordLogRejected(reason string) {
	DefaultMetrics.LogsRejected.WithLabelValues(reason).Inc()
}

// RecordReorg records a reconciled reorg and its depth.
func RecordReorg(depth int64, correctedKeys int) {
	DefaultMetrics.ReorgsDetected.Inc()
	DefaultMetrics.ReorgDepth.Observe(float64(depth))
	DefaultMetrics.CandlesCorrected.Add(float64(correctedKeys))
}

// RecordCandleClosed increments the closed candle counter for a timeframe.
func RecordCandleClosed(timeframe string) {
	DefaultMetrics.CandlesClosed.WithLabelValues(timeframe).Inc()
}

// RecordSinkWrite records one candle delivery.
func RecordSinkWrite(timeframe string, err error) {
	DefaultMetrics.CandleWrites.WithLabelValues(timeframe).Inc()
	if err != nil {
		DefaultMetrics.SinkWriteErrors.WithLabelValues("write").Inc()
	}
}

// UpdateOpenBuckets updates the open bucket gauge.
func UpdateOpenBuckets(n int) {
	DefaultMetrics.OpenBuckets.Set(float64(n))
}

// UpdateFinalizedBlock updates the finalized watermark gauge.
func UpdateFinalizedBlock(block int64) {
	DefaultMetrics.FinalizedBlock.Set(float64(block))
}

// RecordRPCLatency records RPC call latency.
func RecordRPCLatency(method string, seconds float64) {
	DefaultMetrics.RPCCallLatency.WithLabelValues(method).Observe(seconds)
}
