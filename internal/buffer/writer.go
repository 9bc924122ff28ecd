package buffer

import (
	"context"
	"fmt"
	"log"
	"time"
	_ "unsafe"

	"github.com/arkilian/buffertable/internal/block"
	berrors "github.com/arkilian/buffertable/internal/errors"
	"github.com/arkilian/buffertable/internal/observability"
)

// The start shard is derived from the identity of the executing thread so
// concurrent writers spread across shards. Go exposes no stable goroutine
// id; the scheduler P id is the closest equivalent.

//go:linkname runtime_procPin runtime.procPin
func runtime_procPin() int

//go:linkname runtime_procUnpin runtime.procUnpin
func runtime_procUnpin()

func startShardIndex(numShards int) int {
	pid := runtime_procPin()
	runtime_procUnpin()
	return pid % numShards
}

// Write admits a block into exactly one shard, or bypasses the buffer
// entirely for blocks already over the maximum thresholds.
func (e *Engine) Write(ctx context.Context, b *block.Block) error {
	if b == nil || b.Rows() == 0 {
		return nil
	}

	unlock, err := e.structLock.LockShared(defaultLockTimeout)
	if err != nil {
		return err
	}
	defer unlock()

	if err := e.checkBlockStructure(b); err != nil {
		return err
	}

	dest, err := e.resolveDestination()
	if err != nil {
		return err
	}

	rows := uint64(b.Rows())
	bytes := b.Bytes()

	// A block already over the maximum limits skips the buffer: admitting
	// it would trigger an immediate flush and double the memory use.
	if rows > e.maxThresholds.Rows || bytes > e.maxThresholds.Bytes {
		if !e.destinationID.IsEmpty() {
			log.Printf("buffer %s: writing block with %d rows, %d bytes directly", e.ref, rows, bytes)
			return e.writeBlockToDestination(ctx, b, dest)
		}
		return nil
	}

	if err := e.insertIntoShard(ctx, b); err != nil {
		return err
	}

	e.scheduler.Reschedule()
	return nil
}

// checkBlockStructure verifies the block matches the table structure:
// every block column must exist in the schema with the same kind, and
// every writable column must be present. Caller holds the structure lock.
func (e *Engine) checkBlockStructure(b *block.Block) error {
	writable := e.schema
	if !e.allowMaterialized {
		writable = e.schema.NonMaterialized()
	}
	if b.Columns() != len(writable.Columns) {
		return berrors.NewLogicalError(fmt.Sprintf(
			"block has %d columns, table %s expects %d", b.Columns(), e.ref, len(writable.Columns)))
	}
	for i := 0; i < b.Columns(); i++ {
		def, ok := writable.Column(b.Name(i))
		if !ok {
			return berrors.NewLogicalError(fmt.Sprintf(
				"there is no column %q in table %s", b.Name(i), e.ref))
		}
		if def.Kind != b.ColumnAt(i).Kind() {
			return berrors.NewLogicalError(fmt.Sprintf(
				"column %q has kind %s, table %s expects %s",
				b.Name(i), b.ColumnAt(i).Kind(), e.ref, def.Kind))
		}
	}
	return nil
}

// insertIntoShard picks the least-loaded lockable shard and appends the
// block to it.
func (e *Engine) insertIntoShard(ctx context.Context, b *block.Block) error {
	numShards := len(e.shards)
	start := startShardIndex(numShards)

	// Walk the shards once, try-locking each. Keep the lock on the shard
	// with the fewest rows seen so far; drop the rest as the walk moves on.
	var winner *shard
	var winnerRows int

	idx := start
	for try := 0; try < numShards; try++ {
		s := e.shards[idx]
		if s.mu.TryLock() {
			rows := s.rows()
			if winner == nil || rows < winnerRows {
				if winner != nil {
					winner.mu.Unlock()
				}
				winner = s
				winnerRows = rows
			} else {
				s.mu.Unlock()
			}
		}
		idx = (idx + 1) % numShards
	}

	// Nothing lockable in one lap: wait on the start shard.
	if winner == nil {
		winner = e.shards[start]
		winner.mu.Lock()
	}
	defer winner.mu.Unlock()

	return e.appendToShard(ctx, winner, b)
}

// appendToShard inserts the block into a locked shard, flushing it inline
// first if the insert would push it over the thresholds.
func (e *Engine) appendToShard(ctx context.Context, s *shard, b *block.Block) error {
	now := time.Now().Unix()

	// Sort the columns so blocks from different sources concatenate.
	sorted := b.SortColumns()

	if s.data == nil || s.data.Columns() == 0 {
		s.data = sorted.CloneEmpty()
	} else if thresholdsExceeded(e.minThresholds, e.maxThresholds,
		uint64(s.rows())+uint64(sorted.Rows()), s.bytes()+sorted.Bytes(), s.age(now)) {
		// The buffer would exceed the limits after this insert, so flush it
		// first. If the destination cannot be written, the error propagates
		// and the new data is not admitted, bounding memory use.
		if err := e.flushShard(ctx, s, false, true); err != nil {
			return err
		}
	}

	if s.firstWrite == 0 {
		s.firstWrite = now
	}

	if err := block.Append(sorted, s.data); err != nil {
		if s.rows() == 0 {
			s.firstWrite = 0
		}
		return err
	}

	observability.BufferRows.Add(float64(sorted.Rows()))
	observability.BufferBytes.Add(float64(sorted.Bytes()))
	return nil
}
