package buffer

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/arkilian/buffertable/internal/block"
	"github.com/arkilian/buffertable/internal/destination"
	berrors "github.com/arkilian/buffertable/internal/errors"
	"github.com/arkilian/buffertable/internal/pipeline"
	"github.com/arkilian/buffertable/pkg/types"
)

// defaultLockTimeout bounds structure-lock acquisition when the caller
// does not configure one.
const defaultLockTimeout = 60 * time.Second

// Config holds the engine's construction parameters. All fields except
// the schema are immutable after construction; the schema changes only
// through Alter.
type Config struct {
	// Ref is the buffer table's own identity in the registry.
	Ref types.TableRef

	// Schema is the buffer table's column structure.
	Schema types.Schema

	// Registry resolves the destination at each use.
	Registry *destination.Registry

	// Destination identifies the table flushes are written to. Empty
	// means flushed data is dropped.
	Destination types.TableRef

	// NumShards is the number of independent accumulators (> 0).
	NumShards int

	// MinThresholds and MaxThresholds define the flush predicate.
	MinThresholds Thresholds
	MaxThresholds Thresholds

	// AllowMaterialized permits writing materialized destination columns.
	AllowMaterialized bool
}

// Engine is the sharded write-buffering table. It implements
// destination.Table so it can itself be registered and used as a table.
type Engine struct {
	ref               types.TableRef
	destinationID     types.TableRef
	registry          *destination.Registry
	allowMaterialized bool

	minThresholds Thresholds
	maxThresholds Thresholds

	shards []*shard

	// structLock guards the schema: shared for reads and writes,
	// exclusive for ALTER.
	structLock destination.StructLock
	schema     types.Schema

	scheduler *flushScheduler
}

// New creates an engine. The background flush task is not started until
// Startup.
func New(cfg Config) (*Engine, error) {
	if cfg.NumShards < 1 {
		return nil, berrors.New(berrors.ErrCategoryValidation, berrors.CodeInvalidArgument,
			fmt.Sprintf("num_shards must be positive, got %d", cfg.NumShards))
	}
	if len(cfg.Schema.Columns) == 0 {
		return nil, berrors.New(berrors.ErrCategoryValidation, berrors.CodeInvalidArgument,
			"buffer table requires at least one column")
	}
	for _, c := range cfg.Schema.Columns {
		if !c.Kind.Valid() {
			return nil, berrors.New(berrors.ErrCategoryValidation, berrors.CodeInvalidArgument,
				fmt.Sprintf("column %q has unsupported kind %q", c.Name, c.Kind))
		}
	}
	if cfg.Registry == nil {
		return nil, berrors.New(berrors.ErrCategoryValidation, berrors.CodeInvalidArgument,
			"registry is required")
	}

	e := &Engine{
		ref:               cfg.Ref,
		destinationID:     cfg.Destination,
		registry:          cfg.Registry,
		allowMaterialized: cfg.AllowMaterialized,
		minThresholds:     cfg.MinThresholds,
		maxThresholds:     cfg.MaxThresholds,
		schema:            cfg.Schema.Clone(),
		shards:            make([]*shard, cfg.NumShards),
	}
	for i := range e.shards {
		e.shards[i] = &shard{}
	}
	e.scheduler = newFlushScheduler(e)
	return e, nil
}

// Ref returns the buffer table's identity.
func (e *Engine) Ref() types.TableRef { return e.ref }

// Columns returns the current schema.
func (e *Engine) Columns() types.Schema {
	unlock, err := e.structLock.LockShared(defaultLockTimeout)
	if err != nil {
		// An ALTER holding the lock for longer than the default timeout
		// means a stuck drain; return the last known schema.
		return e.schema
	}
	defer unlock()
	return e.schema.Clone()
}

// SampleBlock returns an empty block with the table's full structure.
func (e *Engine) SampleBlock() (*block.Block, error) {
	return block.New(e.Columns())
}

// SampleBlockNonMaterialized returns an empty block restricted to
// writable columns.
func (e *Engine) SampleBlockNonMaterialized() (*block.Block, error) {
	return block.New(e.Columns().NonMaterialized())
}

// LockStructureShared takes the engine's structure lock shared.
func (e *Engine) LockStructureShared(timeout time.Duration) (destination.UnlockFunc, error) {
	return e.structLock.LockShared(timeout)
}

// Startup registers and immediately schedules the background flush task.
// If the process is configured read-only the engine logs a warning; Write
// does not consult the flag.
func (e *Engine) Startup(readonly bool) {
	if readonly {
		log.Printf("buffer %s: running with readonly settings", e.ref)
	}
	e.scheduler.Start()
}

// Shutdown deactivates the background task, then drains all shards.
// Errors are logged, not rethrown.
func (e *Engine) Shutdown() {
	e.scheduler.Stop()
	if err := e.flushAll(context.Background(), false); err != nil {
		log.Printf("buffer %s: error draining on shutdown: %v", e.ref, err)
	}
}

// OptimizeOptions carries the OPTIMIZE statement's modifiers, none of
// which the buffer engine supports.
type OptimizeOptions struct {
	Partition   string
	Final       bool
	Deduplicate bool
}

// Optimize drains all shards to the destination.
//
// NOTE Optimize does not guarantee that all data is in the destination at
// the time of the next read: a background flush already mid-write sees
// its shard empty here and returns quickly, while the write it carries
// may not have completed yet, so a read immediately after Optimize can
// miss rows a later read will see.
func (e *Engine) Optimize(ctx context.Context, opts OptimizeOptions) error {
	if opts.Partition != "" {
		return berrors.NewNotImplemented("partition cannot be specified when optimizing a Buffer table")
	}
	if opts.Final {
		return berrors.NewNotImplemented("FINAL cannot be specified when optimizing a Buffer table")
	}
	if opts.Deduplicate {
		return berrors.NewNotImplemented("DEDUPLICATE cannot be specified when optimizing a Buffer table")
	}
	return e.flushAll(ctx, false)
}

// AlterOp identifies a schema alteration.
type AlterOp string

const (
	AlterAddColumn     AlterOp = "ADD_COLUMN"
	AlterModifyColumn  AlterOp = "MODIFY_COLUMN"
	AlterDropColumn    AlterOp = "DROP_COLUMN"
	AlterCommentColumn AlterOp = "COMMENT_COLUMN"
)

// AlterCommand is a single schema alteration.
type AlterCommand struct {
	Op AlterOp

	// Column carries the definition for ADD and MODIFY, and the name for
	// DROP and COMMENT.
	Column types.ColumnDef

	// Comment is the new comment for COMMENT_COLUMN.
	Comment string
}

// Alter applies schema alterations. Only column-level alterations are
// supported. Shards are drained first so no in-flight shard carries the
// old schema.
func (e *Engine) Alter(ctx context.Context, cmds []AlterCommand) error {
	for _, cmd := range cmds {
		switch cmd.Op {
		case AlterAddColumn, AlterModifyColumn, AlterDropColumn, AlterCommentColumn:
		default:
			return berrors.NewNotImplemented(
				fmt.Sprintf("alter of type %q is not supported by Buffer tables", cmd.Op))
		}
	}

	unlock := e.structLock.LockExclusive()
	defer unlock()

	if err := e.flushAll(ctx, false); err != nil {
		return fmt.Errorf("buffer %s: drain before alter failed: %w", e.ref, err)
	}

	schema := e.schema.Clone()
	for _, cmd := range cmds {
		idx := schema.ColumnIndex(cmd.Column.Name)
		switch cmd.Op {
		case AlterAddColumn:
			if idx >= 0 {
				return berrors.NewLogicalError(fmt.Sprintf("column %q already exists", cmd.Column.Name))
			}
			if !cmd.Column.Kind.Valid() {
				return berrors.New(berrors.ErrCategoryValidation, berrors.CodeInvalidArgument,
					fmt.Sprintf("column %q has unsupported kind %q", cmd.Column.Name, cmd.Column.Kind))
			}
			schema.Columns = append(schema.Columns, cmd.Column)
		case AlterModifyColumn:
			if idx < 0 {
				return berrors.NewLogicalError(fmt.Sprintf("no column %q to modify", cmd.Column.Name))
			}
			if !cmd.Column.Kind.Valid() {
				return berrors.New(berrors.ErrCategoryValidation, berrors.CodeInvalidArgument,
					fmt.Sprintf("column %q has unsupported kind %q", cmd.Column.Name, cmd.Column.Kind))
			}
			schema.Columns[idx] = cmd.Column
		case AlterDropColumn:
			if idx < 0 {
				return berrors.NewLogicalError(fmt.Sprintf("no column %q to drop", cmd.Column.Name))
			}
			schema.Columns = append(schema.Columns[:idx], schema.Columns[idx+1:]...)
		case AlterCommentColumn:
			if idx < 0 {
				return berrors.NewLogicalError(fmt.Sprintf("no column %q to comment", cmd.Column.Name))
			}
			schema.Columns[idx].Comment = cmd.Comment
		}
	}
	e.schema = schema
	return nil
}

// TotalRows returns buffered rows plus the destination's reported rows.
// ok is false when a destination is configured but its count is unknown.
func (e *Engine) TotalRows() (uint64, bool) {
	var total uint64
	for _, s := range e.shards {
		s.mu.Lock()
		total += uint64(s.rows())
		s.mu.Unlock()
	}
	if e.destinationID.IsEmpty() {
		return total, true
	}
	dest := e.registry.TryGet(e.destinationID)
	if dest == nil {
		return 0, false
	}
	destRows, ok := dest.TotalRows()
	if !ok {
		return 0, false
	}
	return total + destRows, true
}

// TotalBytes returns the bytes held in shards. Destination bytes are
// excluded: the buffer's memory footprint is what this reports.
func (e *Engine) TotalBytes() uint64 {
	var total uint64
	for _, s := range e.shards {
		s.mu.Lock()
		total += s.bytes()
		s.mu.Unlock()
	}
	return total
}

// stageProvider is implemented by tables that know their query
// processing stage; the buffer engine delegates to its destination.
type stageProvider interface {
	GetQueryProcessingStage(info pipeline.QueryInfo) pipeline.Stage
}

// GetQueryProcessingStage delegates to the destination when one is set,
// otherwise reads stop at fetching columns.
func (e *Engine) GetQueryProcessingStage(info pipeline.QueryInfo) pipeline.Stage {
	if e.destinationID.IsEmpty() {
		return pipeline.StageFetchColumns
	}
	dest := e.registry.TryGet(e.destinationID)
	if sp, ok := dest.(stageProvider); ok {
		return sp.GetQueryProcessingStage(info)
	}
	return pipeline.StageFetchColumns
}

// MayBenefitFromIndexForIn delegates to the destination, or reports false
// without one.
func (e *Engine) MayBenefitFromIndexForIn(column string) bool {
	if e.destinationID.IsEmpty() {
		return false
	}
	dest := e.registry.TryGet(e.destinationID)
	if dest == nil {
		return false
	}
	if same, _ := e.isSelf(dest); same {
		// Checked here too: answering would recurse on read.
		return false
	}
	return dest.MayBenefitFromIndexForIn(column)
}

// isSelf reports whether the resolved destination is this engine.
func (e *Engine) isSelf(dest destination.Table) (bool, error) {
	if other, ok := dest.(*Engine); ok && other == e {
		return true, berrors.NewInfiniteLoop(
			fmt.Sprintf("destination table %s is myself", e.destinationID))
	}
	return false, nil
}

// resolveDestination resolves the configured destination, rejecting
// self-reference before any I/O. Returns nil with no error when no
// destination is configured or the destination is currently absent.
func (e *Engine) resolveDestination() (destination.Table, error) {
	if e.destinationID.IsEmpty() {
		return nil, nil
	}
	dest := e.registry.TryGet(e.destinationID)
	if dest == nil {
		return nil, nil
	}
	if same, err := e.isSelf(dest); same {
		return nil, err
	}
	return dest, nil
}
