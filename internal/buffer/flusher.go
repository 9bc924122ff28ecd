package buffer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/arkilian/buffertable/internal/block"
	"github.com/arkilian/buffertable/internal/destination"
	berrors "github.com/arkilian/buffertable/internal/errors"
	"github.com/arkilian/buffertable/internal/observability"
)

// flushAll flushes every shard. All shards are attempted; the combined
// error is returned.
func (e *Engine) flushAll(ctx context.Context, checkThresholds bool) error {
	var errs []error
	for i, s := range e.shards {
		if err := e.flushShard(ctx, s, checkThresholds, false); err != nil {
			errs = append(errs, fmt.Errorf("shard %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// flushShard moves the shard's accumulated block out, resets the shard,
// and writes the block to the destination. On destination failure the
// block is swapped back so the next attempt retries the same rows.
//
// The shard mutex is held for the entire destination write. Releasing it
// mid-write would let concurrent inserts observe phantom emptiness and
// force a second merge on rollback; the cost is that a slow destination
// stalls inserts into this shard only.
func (e *Engine) flushShard(ctx context.Context, s *shard, checkThresholds, locked bool) error {
	if !locked {
		s.mu.Lock()
		defer s.mu.Unlock()
	}

	now := time.Now().Unix()
	rows := uint64(s.rows())
	bytes := s.bytes()
	age := s.age(now)

	if checkThresholds {
		if !thresholdsExceeded(e.minThresholds, e.maxThresholds, rows, bytes, age) {
			return nil
		}
	} else if rows == 0 {
		return nil
	}
	if s.data == nil {
		return nil
	}

	blockToWrite := s.data
	s.data = blockToWrite.CloneEmpty()
	s.firstWrite = 0

	observability.BufferRows.Sub(float64(rows))
	observability.BufferBytes.Sub(float64(bytes))
	observability.FlushTotal.Inc()

	log.Printf("buffer %s: flushing %d rows, %d bytes, age %d seconds", e.ref, rows, bytes, age)

	if e.destinationID.IsEmpty() {
		return nil
	}

	dest, err := e.resolveDestination()
	if err == nil {
		err = e.writeBlockToDestination(ctx, blockToWrite, dest)
	}
	if err != nil {
		observability.ErrorOnFlushTotal.Inc()

		// Return the block to its place in the buffer.
		observability.BufferRows.Add(float64(rows))
		observability.BufferBytes.Add(float64(bytes))
		s.data = blockToWrite
		if s.firstWrite == 0 {
			s.firstWrite = now
		}

		// The next flush attempt will retry the same rows.
		return berrors.NewDestinationFailure(
			fmt.Sprintf("failed to flush buffer %s to %s", e.ref, e.destinationID), err)
	}
	return nil
}

// writeBlockToDestination writes the intersection of the block's columns
// and the destination's structure. This supports some (not all) cases
// where the two structures have drifted apart: missing columns are
// discarded with a warning, kind mismatches are converted.
func (e *Engine) writeBlockToDestination(ctx context.Context, b *block.Block, dest destination.Table) error {
	if e.destinationID.IsEmpty() || b == nil || b.Rows() == 0 {
		return nil
	}
	if dest == nil {
		log.Printf("buffer %s: destination table %s doesn't exist, block of data is discarded",
			e.ref, e.destinationID)
		return nil
	}

	var structure *block.Block
	var err error
	if e.allowMaterialized {
		structure, err = dest.SampleBlock()
	} else {
		structure, err = dest.SampleBlockNonMaterialized()
	}
	if err != nil {
		return err
	}

	cols := make([]block.NamedColumn, 0, structure.Columns())
	for i := 0; i < structure.Columns(); i++ {
		name := structure.Name(i)
		col, ok := b.ColumnByName(name)
		if !ok {
			continue
		}
		wantKind := structure.ColumnAt(i).Kind()
		if col.Kind() != wantKind {
			log.Printf("buffer %s: destination table %s has different kind of column %s (%s != %s), column is converted",
				e.ref, e.destinationID, name, wantKind, col.Kind())
			col, err = block.CastColumn(col, wantKind)
			if err != nil {
				return err
			}
		}
		cols = append(cols, block.NamedColumn{Name: name, Col: col})
	}

	if len(cols) == 0 {
		log.Printf("buffer %s: destination table %s has no common columns with block in buffer, block of data is discarded",
			e.ref, e.destinationID)
		return nil
	}
	if len(cols) != b.Columns() {
		log.Printf("buffer %s: not all columns from block in buffer exist in destination table %s, some columns are discarded",
			e.ref, e.destinationID)
	}

	blockToWrite, err := block.FromColumns(cols)
	if err != nil {
		return err
	}
	return dest.Write(ctx, blockToWrite)
}
