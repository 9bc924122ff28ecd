// Package buffer implements the sharded in-memory write-buffering table
// engine. Writers insert column-oriented blocks into per-shard
// accumulators; the engine flushes shards to a destination table when
// size or time thresholds are crossed, and readers see the union of
// buffered and already-flushed rows.
package buffer

import (
	"github.com/arkilian/buffertable/internal/observability"
)

// Thresholds is a (time, rows, bytes) triple. Two sets — minimums and
// maximums — together define the flush predicate.
type Thresholds struct {
	TimeSeconds int64
	Rows        uint64
	Bytes       uint64
}

// thresholdsExceeded reports whether a buffer of the given size and age
// must be flushed: either all three minimums are passed, or any single
// maximum is. Comparisons are strict. Each branch increments its own
// counter.
func thresholdsExceeded(min, max Thresholds, rows, bytes uint64, ageSeconds int64) bool {
	if ageSeconds > min.TimeSeconds && rows > min.Rows && bytes > min.Bytes {
		observability.PassedAllMinThresholdsTotal.Inc()
		return true
	}
	if ageSeconds > max.TimeSeconds {
		observability.PassedTimeMaxThresholdTotal.Inc()
		return true
	}
	if rows > max.Rows {
		observability.PassedRowsMaxThresholdTotal.Inc()
		return true
	}
	if bytes > max.Bytes {
		observability.PassedBytesMaxThresholdTotal.Inc()
		return true
	}
	return false
}
