package buffer

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/arkilian/buffertable/internal/block"
	"github.com/arkilian/buffertable/internal/destination"
	berrors "github.com/arkilian/buffertable/internal/errors"
	"github.com/arkilian/buffertable/internal/pipeline"
	"github.com/arkilian/buffertable/pkg/types"
)

// Read produces one pipe per data source: the destination's pipes first,
// then one per shard. Each shard pipe emits a single chunk equal to the
// shard's contents at the moment its mutex was taken; snapshots across
// shards are not mutually consistent, and no global ordering is
// guaranteed.
func (e *Engine) Read(ctx context.Context, cols []string, info pipeline.QueryInfo) ([]pipeline.Pipe, error) {
	unlock, err := e.structLock.LockShared(lockTimeout(info))
	if err != nil {
		return nil, err
	}
	defer unlock()

	schema := e.schema
	for _, name := range cols {
		if _, ok := schema.Column(name); !ok {
			return nil, berrors.NewLogicalError(fmt.Sprintf(
				"there is no column %q in table %s", name, e.ref))
		}
	}

	var pipes []pipeline.Pipe
	if !e.destinationID.IsEmpty() {
		destPipes, err := e.readFromDestination(ctx, cols, info)
		if err != nil {
			return nil, err
		}
		pipes = append(pipes, destPipes...)
	}

	// Buffer branch: one single-chunk source per shard. The chunk shares
	// column storage with the shard; columns are append-only, so inserts
	// after the snapshot never surface through it.
	for _, s := range e.shards {
		s.mu.Lock()
		var chunk *block.Block
		if s.data != nil && s.data.Rows() > 0 {
			chunk, err = s.data.Project(cols)
		}
		s.mu.Unlock()
		if err != nil {
			closePipes(pipes)
			return nil, err
		}

		p := pipeline.NewOneShot(chunk)
		if info.Prewhere != nil {
			pw := info.Prewhere
			p = pipeline.Map(p, func(b *block.Block) (*block.Block, error) {
				return pipeline.ApplyPrewhere(b, pw)
			})
		}
		// Past FetchColumns the shard sources get the same downstream
		// processing as the destination pipes so the union is at one stage.
		if info.Stage > pipeline.StageFetchColumns && info.Transform != nil {
			p = pipeline.Map(p, info.Transform)
		}
		pipes = append(pipes, p)
	}

	return pipes, nil
}

// readFromDestination produces the destination's pipes, compensating for
// structure drift between the buffer and the destination: requested
// columns the destination lacks are emitted as defaults, kind mismatches
// are converted. The destination's structure lock is attached to the
// pipes so it outlives the read.
func (e *Engine) readFromDestination(ctx context.Context, cols []string, info pipeline.QueryInfo) ([]pipeline.Pipe, error) {
	dest := e.registry.TryGet(e.destinationID)
	if dest == nil {
		return nil, berrors.NewDestinationFailure(
			fmt.Sprintf("destination table %s doesn't exist", e.destinationID), nil)
	}
	if same, err := e.isSelf(dest); same {
		return nil, err
	}

	unlock, err := dest.LockStructureShared(lockTimeout(info))
	if err != nil {
		return nil, err
	}

	destSchema := dest.Columns()
	var common []string
	var missing []string
	drifted := false
	for _, name := range cols {
		destDef, ok := destSchema.Column(name)
		if !ok {
			missing = append(missing, name)
			drifted = true
			continue
		}
		engDef, _ := e.schema.Column(name)
		if destDef.Kind != engDef.Kind {
			drifted = true
		}
		common = append(common, name)
	}

	for _, name := range missing {
		log.Printf("buffer %s: destination table %s has no column %s, it is filled with default values",
			e.ref, e.destinationID, name)
	}

	if len(common) == 0 {
		log.Printf("buffer %s: destination table %s has none of the requested columns, skipping destination read",
			e.ref, e.destinationID)
		unlock()
		return nil, nil
	}

	destPipes, err := dest.Read(ctx, common, info)
	if err != nil {
		unlock()
		return nil, err
	}
	if len(destPipes) == 0 {
		unlock()
		return nil, nil
	}

	// The shared structure lock is released when the last pipe closes.
	remaining := int32(len(destPipes))
	release := func() {
		if atomic.AddInt32(&remaining, -1) == 0 {
			unlock()
		}
	}

	engSchema := e.schema
	out := make([]pipeline.Pipe, 0, len(destPipes))
	for _, p := range destPipes {
		wrapped := p
		if drifted {
			wrapped = pipeline.Map(wrapped, func(b *block.Block) (*block.Block, error) {
				return compensateDrift(b, cols, engSchema, destSchema)
			})
		}
		out = append(out, pipeline.WithClose(wrapped, release))
	}
	return out, nil
}

// compensateDrift rebuilds a destination chunk to the requested column
// set in the buffer's structure: absent columns become defaults, kind
// mismatches are converted.
func compensateDrift(b *block.Block, cols []string, engSchema, destSchema types.Schema) (*block.Block, error) {
	rows := b.Rows()
	named := make([]block.NamedColumn, 0, len(cols))
	for _, name := range cols {
		engDef, _ := engSchema.Column(name)
		col, ok := b.ColumnByName(name)
		if !ok {
			def, err := block.DefaultColumn(engDef.Kind, rows)
			if err != nil {
				return nil, err
			}
			named = append(named, block.NamedColumn{Name: name, Col: def})
			continue
		}
		if col.Kind() != engDef.Kind {
			converted, err := block.CastColumn(col, engDef.Kind)
			if err != nil {
				return nil, err
			}
			col = converted
		}
		named = append(named, block.NamedColumn{Name: name, Col: col})
	}
	return block.FromColumns(named)
}

func lockTimeout(info pipeline.QueryInfo) time.Duration {
	if info.LockTimeout > 0 {
		return info.LockTimeout
	}
	return defaultLockTimeout
}

func closePipes(pipes []pipeline.Pipe) {
	for _, p := range pipes {
		p.Close()
	}
}

var _ destination.Table = (*Engine)(nil)
