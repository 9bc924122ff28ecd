// Package pipeline provides the block-stream primitives shared by the
// buffer engine and destination tables: pipes, query descriptors,
// processing stages, and the prewhere filter transform.
package pipeline

import (
	"io"
	"time"

	"github.com/arkilian/buffertable/internal/block"
)

// Stage identifies how far a read pipeline has been processed.
type Stage int

const (
	// StageFetchColumns means pipes emit raw column data.
	StageFetchColumns Stage = iota

	// StageWithMergeableState means pipes have had per-source processing
	// applied and their outputs can be merged.
	StageWithMergeableState

	// StageComplete means pipes emit final results.
	StageComplete
)

// Pipe is a pull-based stream of blocks. Next returns io.EOF when the
// stream is exhausted. Close releases any resources held open for the
// stream's lifetime, such as a destination structure lock.
type Pipe interface {
	Next() (*block.Block, error)
	Close() error
}

// RowPredicate decides whether row i of a block passes a filter.
type RowPredicate func(b *block.Block, i int) (bool, error)

// Prewhere describes a filter applied to each pipe before the union.
type Prewhere struct {
	// Predicate selects the rows to keep.
	Predicate RowPredicate

	// Alias, if set, is applied to each chunk before the predicate runs,
	// e.g. to materialize an aliased sub-expression the predicate reads.
	Alias func(*block.Block) (*block.Block, error)

	// RemoveColumns lists columns to drop from the output after filtering.
	RemoveColumns []string
}

// QueryInfo carries the per-read parameters.
type QueryInfo struct {
	Stage        Stage
	MaxBlockSize int
	Streams      int

	// LockTimeout bounds acquisition of the destination structure lock.
	LockTimeout time.Duration

	Prewhere *Prewhere

	// Transform is the downstream processing a source is wrapped in when
	// the query stage is past FetchColumns, so buffered and destination
	// chunks are unioned at the same stage.
	Transform func(*block.Block) (*block.Block, error)
}

// oneShot emits a single block and then terminates.
type oneShot struct {
	b    *block.Block
	done bool
}

// NewOneShot returns a pipe emitting b once. A nil or empty block yields
// an immediately exhausted pipe.
func NewOneShot(b *block.Block) Pipe {
	if b == nil || b.Rows() == 0 {
		return &oneShot{done: true}
	}
	return &oneShot{b: b}
}

func (p *oneShot) Next() (*block.Block, error) {
	if p.done {
		return nil, io.EOF
	}
	p.done = true
	return p.b, nil
}

func (p *oneShot) Close() error { return nil }

// slicePipe emits a fixed sequence of blocks.
type slicePipe struct {
	blocks []*block.Block
	pos    int
}

// NewSlice returns a pipe emitting the given blocks in order.
func NewSlice(blocks []*block.Block) Pipe {
	return &slicePipe{blocks: blocks}
}

func (p *slicePipe) Next() (*block.Block, error) {
	for p.pos < len(p.blocks) {
		b := p.blocks[p.pos]
		p.pos++
		if b != nil && b.Rows() > 0 {
			return b, nil
		}
	}
	return nil, io.EOF
}

func (p *slicePipe) Close() error { return nil }

// mapPipe applies fn to each emitted block.
type mapPipe struct {
	inner Pipe
	fn    func(*block.Block) (*block.Block, error)
}

// Map wraps p so every emitted block passes through fn. Blocks that come
// out empty are skipped.
func Map(p Pipe, fn func(*block.Block) (*block.Block, error)) Pipe {
	return &mapPipe{inner: p, fn: fn}
}

func (p *mapPipe) Next() (*block.Block, error) {
	for {
		b, err := p.inner.Next()
		if err != nil {
			return nil, err
		}
		out, err := p.fn(b)
		if err != nil {
			return nil, err
		}
		if out != nil && out.Rows() > 0 {
			return out, nil
		}
	}
}

func (p *mapPipe) Close() error { return p.inner.Close() }

// closePipe runs fn once when the pipe is closed.
type closePipe struct {
	inner  Pipe
	fn     func()
	closed bool
}

// WithClose attaches fn to p's Close. Used to tie a destination structure
// lock to the lifetime of the pipes produced under it.
func WithClose(p Pipe, fn func()) Pipe {
	return &closePipe{inner: p, fn: fn}
}

func (p *closePipe) Next() (*block.Block, error) { return p.inner.Next() }

func (p *closePipe) Close() error {
	err := p.inner.Close()
	if !p.closed {
		p.closed = true
		if p.fn != nil {
			p.fn()
		}
	}
	return err
}

// ApplyPrewhere filters one chunk: alias expansion, predicate, then
// column removal.
func ApplyPrewhere(b *block.Block, pw *Prewhere) (*block.Block, error) {
	if pw == nil {
		return b, nil
	}
	cur := b
	if pw.Alias != nil {
		var err error
		cur, err = pw.Alias(cur)
		if err != nil {
			return nil, err
		}
	}
	if pw.Predicate != nil {
		keep := make([]bool, cur.Rows())
		for i := 0; i < cur.Rows(); i++ {
			ok, err := pw.Predicate(cur, i)
			if err != nil {
				return nil, err
			}
			keep[i] = ok
		}
		var err error
		cur, err = cur.Filter(keep)
		if err != nil {
			return nil, err
		}
	}
	if len(pw.RemoveColumns) > 0 {
		cur = cur.WithoutColumns(pw.RemoveColumns)
	}
	return cur, nil
}

// Drain reads every pipe to exhaustion and closes them all, returning the
// emitted blocks. Used by the HTTP query handler and tests.
func Drain(pipes []Pipe) ([]*block.Block, error) {
	var out []*block.Block
	var firstErr error
	for _, p := range pipes {
		for firstErr == nil {
			b, err := p.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				firstErr = err
				break
			}
			out = append(out, b)
		}
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}
