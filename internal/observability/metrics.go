// Package observability provides the engine's Prometheus counters and
// gauges. Metrics are package-level and registered eagerly; if no metrics
// endpoint is exposed the registration is harmless.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// FlushTotal counts buffer flushes (swap-outs), including flushes with
	// no destination configured and flushes whose destination write fails.
	FlushTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "buffer_flush_total",
		Help: "Total number of buffer flushes",
	})

	// ErrorOnFlushTotal counts destination write failures during flush.
	ErrorOnFlushTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "buffer_error_on_flush_total",
		Help: "Total number of destination write failures during flush",
	})

	// PassedAllMinThresholdsTotal counts threshold checks that fired
	// because time, rows, and bytes all passed their minimums.
	PassedAllMinThresholdsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "buffer_passed_all_min_thresholds_total",
		Help: "Threshold checks that fired with all minimum thresholds passed",
	})

	// PassedTimeMaxThresholdTotal counts checks that fired on buffer age.
	PassedTimeMaxThresholdTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "buffer_passed_time_max_threshold_total",
		Help: "Threshold checks that fired on the maximum time threshold",
	})

	// PassedRowsMaxThresholdTotal counts checks that fired on row count.
	PassedRowsMaxThresholdTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "buffer_passed_rows_max_threshold_total",
		Help: "Threshold checks that fired on the maximum rows threshold",
	})

	// PassedBytesMaxThresholdTotal counts checks that fired on byte size.
	PassedBytesMaxThresholdTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "buffer_passed_bytes_max_threshold_total",
		Help: "Threshold checks that fired on the maximum bytes threshold",
	})

	// BufferRows tracks the number of rows currently resident in shards.
	BufferRows = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "buffer_rows",
		Help: "Rows currently held in buffer shards",
	})

	// BufferBytes tracks the bytes currently resident in shards.
	BufferBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "buffer_bytes",
		Help: "Bytes currently held in buffer shards",
	})
)

func init() {
	prometheus.MustRegister(
		FlushTotal,
		ErrorOnFlushTotal,
		PassedAllMinThresholdsTotal,
		PassedTimeMaxThresholdTotal,
		PassedRowsMaxThresholdTotal,
		PassedBytesMaxThresholdTotal,
		BufferRows,
		BufferBytes,
	)
}
