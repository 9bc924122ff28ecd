package buffer

import (
	"sync"

	"github.com/arkilian/buffertable/internal/block"
)

// shard is one of the engine's independent accumulators. The mutex
// protects both fields. data is nil until the first write establishes the
// block structure; firstWrite is the wall-clock second data became
// non-empty and is zero exactly when the shard holds no rows.
type shard struct {
	mu         sync.Mutex
	data       *block.Block
	firstWrite int64
}

// rows returns the buffered row count. Caller must hold mu.
func (s *shard) rows() int {
	return s.data.Rows()
}

// bytes returns the buffered byte count. Caller must hold mu.
func (s *shard) bytes() uint64 {
	return s.data.Bytes()
}

// age returns seconds since the first write, or 0 if the shard is empty.
// Caller must hold mu.
func (s *shard) age(now int64) int64 {
	if s.firstWrite == 0 {
		return 0
	}
	return now - s.firstWrite
}
