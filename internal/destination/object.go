package destination

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arkilian/buffertable/internal/block"
	"github.com/arkilian/buffertable/internal/pipeline"
	"github.com/arkilian/buffertable/internal/storage"
	"github.com/arkilian/buffertable/pkg/types"
)

// ObjectTable is a destination that persists each flushed block as an
// encoded segment in object storage. Segments are immutable; reads list
// and decode every segment under the table's prefix.
type ObjectTable struct {
	ref    types.TableRef
	schema types.Schema
	store  storage.ObjectStorage

	structLock StructLock

	mu   sync.Mutex
	rows uint64
}

// NewObjectTable creates an object-store destination. Existing segments
// under the table prefix are counted so TotalRows reflects prior runs.
func NewObjectTable(ctx context.Context, store storage.ObjectStorage, ref types.TableRef, schema types.Schema) (*ObjectTable, error) {
	t := &ObjectTable{ref: ref, schema: schema.Clone(), store: store}

	paths, err := store.ListObjects(ctx, t.prefix())
	if err != nil {
		return nil, fmt.Errorf("object destination: failed to list segments: %w", err)
	}
	for _, p := range paths {
		data, err := store.Get(ctx, p)
		if err != nil {
			return nil, err
		}
		b, err := block.DecodeSegment(data)
		if err != nil {
			log.Printf("object destination: skipping unreadable segment %s: %v", p, err)
			continue
		}
		t.rows += uint64(b.Rows())
	}
	return t, nil
}

func (t *ObjectTable) prefix() string {
	return fmt.Sprintf("segments/%s/%s/", t.ref.Database, t.ref.Table)
}

func (t *ObjectTable) Ref() types.TableRef   { return t.ref }
func (t *ObjectTable) Columns() types.Schema { return t.schema }

func (t *ObjectTable) SampleBlock() (*block.Block, error) {
	return block.New(t.schema)
}

func (t *ObjectTable) SampleBlockNonMaterialized() (*block.Block, error) {
	return block.New(t.schema.NonMaterialized())
}

// Write encodes the block and uploads it as a new segment.
func (t *ObjectTable) Write(ctx context.Context, b *block.Block) error {
	if b == nil || b.Rows() == 0 {
		return nil
	}
	data, err := block.EncodeSegment(b)
	if err != nil {
		return fmt.Errorf("object destination: failed to encode segment: %w", err)
	}
	path := fmt.Sprintf("%s%s.seg", t.prefix(), uuid.New().String())
	if err := t.store.Put(ctx, path, data); err != nil {
		return fmt.Errorf("object destination: failed to upload segment: %w", err)
	}
	t.mu.Lock()
	t.rows += uint64(b.Rows())
	t.mu.Unlock()
	return nil
}

// Read downloads and decodes every segment, projecting to cols.
func (t *ObjectTable) Read(ctx context.Context, cols []string, info pipeline.QueryInfo) ([]pipeline.Pipe, error) {
	paths, err := t.store.ListObjects(ctx, t.prefix())
	if err != nil {
		return nil, fmt.Errorf("object destination: failed to list segments: %w", err)
	}

	var blocks []*block.Block
	for _, p := range paths {
		data, err := t.store.Get(ctx, p)
		if err != nil {
			return nil, err
		}
		b, err := block.DecodeSegment(data)
		if err != nil {
			return nil, fmt.Errorf("object destination: failed to decode segment %s: %w", p, err)
		}
		projected, err := b.Project(cols)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, projected)
	}

	pipe := pipeline.NewSlice(blocks)
	if info.Prewhere != nil {
		pw := info.Prewhere
		pipe = pipeline.Map(pipe, func(b *block.Block) (*block.Block, error) {
			return pipeline.ApplyPrewhere(b, pw)
		})
	}
	return []pipeline.Pipe{pipe}, nil
}

func (t *ObjectTable) LockStructureShared(timeout time.Duration) (UnlockFunc, error) {
	return t.structLock.LockShared(timeout)
}

func (t *ObjectTable) MayBenefitFromIndexForIn(column string) bool { return false }

func (t *ObjectTable) TotalRows() (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rows, true
}
