// Package destination provides the table interface the buffer engine
// flushes into and reads through, a registry resolving tables by name,
// and the memory, SQLite, and object-store implementations.
package destination

import (
	"context"
	"time"

	"github.com/arkilian/buffertable/internal/block"
	"github.com/arkilian/buffertable/internal/pipeline"
	"github.com/arkilian/buffertable/pkg/types"
)

// UnlockFunc releases a structure lock. Safe to call once.
type UnlockFunc func()

// Table is the interface every table participating in the system exposes:
// destination tables and the buffer engine itself.
type Table interface {
	// Ref returns the table's identity in the registry.
	Ref() types.TableRef

	// Columns returns the table's current schema.
	Columns() types.Schema

	// SampleBlock returns an empty block with the table's full structure.
	SampleBlock() (*block.Block, error)

	// SampleBlockNonMaterialized returns an empty block restricted to
	// columns a client may write.
	SampleBlockNonMaterialized() (*block.Block, error)

	// Read produces one pipe per data source, each emitting blocks
	// projected to cols.
	Read(ctx context.Context, cols []string, info pipeline.QueryInfo) ([]pipeline.Pipe, error)

	// Write appends a block to the table.
	Write(ctx context.Context, b *block.Block) error

	// LockStructureShared takes a shared lock preventing concurrent schema
	// changes, waiting at most timeout.
	LockStructureShared(timeout time.Duration) (UnlockFunc, error)

	// MayBenefitFromIndexForIn reports whether an IN filter on the column
	// could use an index.
	MayBenefitFromIndexForIn(column string) bool

	// TotalRows returns the table's row count. ok is false when the count
	// is unknown.
	TotalRows() (rows uint64, ok bool)
}
