package destination

import (
	"context"
	"fmt"
	"time"

	"sync"

	"github.com/arkilian/buffertable/internal/block"
	"github.com/arkilian/buffertable/internal/pipeline"
	"github.com/arkilian/buffertable/pkg/types"
)

// MemoryTable is an in-memory destination. It keeps every written block
// and serves reads from them. Used as a lightweight destination and
// throughout the tests.
type MemoryTable struct {
	ref    types.TableRef
	schema types.Schema

	structLock StructLock

	mu     sync.Mutex
	blocks []*block.Block
	rows   uint64
}

// NewMemoryTable creates an empty in-memory table.
func NewMemoryTable(ref types.TableRef, schema types.Schema) *MemoryTable {
	return &MemoryTable{ref: ref, schema: schema.Clone()}
}

func (t *MemoryTable) Ref() types.TableRef   { return t.ref }
func (t *MemoryTable) Columns() types.Schema { return t.schema }

func (t *MemoryTable) SampleBlock() (*block.Block, error) {
	return block.New(t.schema)
}

func (t *MemoryTable) SampleBlockNonMaterialized() (*block.Block, error) {
	return block.New(t.schema.NonMaterialized())
}

// Write stores a snapshot of the block.
func (t *MemoryTable) Write(ctx context.Context, b *block.Block) error {
	if b == nil || b.Rows() == 0 {
		return nil
	}
	snap := b.Snapshot()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blocks = append(t.blocks, snap)
	t.rows += uint64(snap.Rows())
	return nil
}

// Read emits the stored blocks projected to cols, one pipe per stream of
// at most one: the memory table always produces a single pipe.
func (t *MemoryTable) Read(ctx context.Context, cols []string, info pipeline.QueryInfo) ([]pipeline.Pipe, error) {
	t.mu.Lock()
	stored := make([]*block.Block, len(t.blocks))
	copy(stored, t.blocks)
	t.mu.Unlock()

	projected := make([]*block.Block, 0, len(stored))
	for _, b := range stored {
		p, err := b.Project(cols)
		if err != nil {
			return nil, fmt.Errorf("memory table %s: %w", t.ref, err)
		}
		projected = append(projected, p)
	}

	pipe := pipeline.NewSlice(projected)
	if info.Prewhere != nil {
		pw := info.Prewhere
		pipe = pipeline.Map(pipe, func(b *block.Block) (*block.Block, error) {
			return pipeline.ApplyPrewhere(b, pw)
		})
	}
	return []pipeline.Pipe{pipe}, nil
}

func (t *MemoryTable) LockStructureShared(timeout time.Duration) (UnlockFunc, error) {
	return t.structLock.LockShared(timeout)
}

func (t *MemoryTable) MayBenefitFromIndexForIn(column string) bool { return false }

func (t *MemoryTable) TotalRows() (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rows, true
}
