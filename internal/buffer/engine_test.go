package buffer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkilian/buffertable/internal/block"
	"github.com/arkilian/buffertable/internal/destination"
	berrors "github.com/arkilian/buffertable/internal/errors"
	"github.com/arkilian/buffertable/internal/observability"
	"github.com/arkilian/buffertable/internal/pipeline"
	"github.com/arkilian/buffertable/pkg/types"
)

var (
	bufRef  = types.TableRef{Database: "default", Table: "buf"}
	destRef = types.TableRef{Database: "default", Table: "dest"}
)

func testSchema() types.Schema {
	return types.Schema{Columns: []types.ColumnDef{
		{Name: "id", Kind: types.KindInt64},
		{Name: "name", Kind: types.KindString},
	}}
}

// scenarioThresholds are the reference thresholds used across the tests:
// min {1s, 10 rows, 100 bytes}, max {60s, 100 rows, 10000 bytes}.
func scenarioThresholds() (Thresholds, Thresholds) {
	return Thresholds{TimeSeconds: 1, Rows: 10, Bytes: 100},
		Thresholds{TimeSeconds: 60, Rows: 100, Bytes: 10000}
}

// quietThresholds never trigger on their own.
func quietThresholds() (Thresholds, Thresholds) {
	return Thresholds{TimeSeconds: 1 << 30, Rows: 1 << 40, Bytes: 1 << 50},
		Thresholds{TimeSeconds: 1 << 30, Rows: 1 << 40, Bytes: 1 << 50}
}

func makeBlock(t *testing.T, n int, startID int64) *block.Block {
	t.Helper()
	b, err := block.New(testSchema())
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		require.NoError(t, b.AppendValues([]any{startID + int64(i), fmt.Sprintf("row-%d", startID+int64(i))}))
	}
	return b
}

func newTestEngine(t *testing.T, numShards int, min, max Thresholds) (*Engine, *destination.MemoryTable) {
	t.Helper()
	registry := destination.NewRegistry()
	dest := destination.NewMemoryTable(destRef, testSchema())
	registry.Register(dest)

	e, err := New(Config{
		Ref:           bufRef,
		Schema:        testSchema(),
		Registry:      registry,
		Destination:   destRef,
		NumShards:     numShards,
		MinThresholds: min,
		MaxThresholds: max,
	})
	require.NoError(t, err)
	registry.Register(e)
	return e, dest
}

func destRows(dest *destination.MemoryTable) uint64 {
	n, _ := dest.TotalRows()
	return n
}

// failingTable wraps a memory table and fails writes on demand.
type failingTable struct {
	*destination.MemoryTable
	fail atomic.Bool
}

func (f *failingTable) Write(ctx context.Context, b *block.Block) error {
	if f.fail.Load() {
		return fmt.Errorf("injected destination failure")
	}
	return f.MemoryTable.Write(ctx, b)
}

func TestWrite_BuffersBelowThresholds(t *testing.T) {
	min, max := scenarioThresholds()
	e, dest := newTestEngine(t, 2, min, max)

	require.NoError(t, e.Write(context.Background(), makeBlock(t, 5, 0)))

	assert.Equal(t, uint64(0), destRows(dest), "no flush below thresholds")
	total, ok := e.TotalRows()
	require.True(t, ok)
	assert.Equal(t, uint64(5), total)
	assert.Greater(t, e.TotalBytes(), uint64(0))
}

func TestWrite_OversizeBypass(t *testing.T) {
	min, max := scenarioThresholds()
	e, dest := newTestEngine(t, 2, min, max)

	flushesBefore := testutil.ToFloat64(observability.FlushTotal)

	// 150 rows is over max.rows=100: the block goes straight to the
	// destination and no shard is touched.
	require.NoError(t, e.Write(context.Background(), makeBlock(t, 150, 0)))

	assert.Equal(t, uint64(150), destRows(dest))
	assert.Equal(t, uint64(0), e.TotalBytes(), "shards stay empty")
	assert.Equal(t, flushesBefore, testutil.ToFloat64(observability.FlushTotal),
		"bypass is not a flush")
}

func TestWrite_OversizeWithoutDestinationIsDropped(t *testing.T) {
	min, max := scenarioThresholds()
	registry := destination.NewRegistry()
	e, err := New(Config{
		Ref:           bufRef,
		Schema:        testSchema(),
		Registry:      registry,
		NumShards:     2,
		MinThresholds: min,
		MaxThresholds: max,
	})
	require.NoError(t, err)

	require.NoError(t, e.Write(context.Background(), makeBlock(t, 150, 0)))
	assert.Equal(t, uint64(0), e.TotalBytes())
}

func TestWrite_InlineFlushBeforeAppend(t *testing.T) {
	min, max := scenarioThresholds()
	// One shard so both inserts land together.
	e, dest := newTestEngine(t, 1, min, max)

	require.NoError(t, e.Write(context.Background(), makeBlock(t, 30, 0)))
	time.Sleep(2 * time.Second)

	// All three min thresholds pass on the second insert (age > 1s,
	// rows 60 > 10, bytes > 100): the shard is flushed before the new
	// block is appended, so the destination receives the first 30 rows
	// and the shard ends holding the second 30.
	require.NoError(t, e.Write(context.Background(), makeBlock(t, 30, 1000)))

	assert.Equal(t, uint64(30), destRows(dest))
	total, ok := e.TotalRows()
	require.True(t, ok)
	assert.Equal(t, uint64(60), total)
}

func TestFlush_RollbackOnDestinationFailure(t *testing.T) {
	min, max := scenarioThresholds()
	registry := destination.NewRegistry()
	ft := &failingTable{MemoryTable: destination.NewMemoryTable(destRef, testSchema())}
	registry.Register(ft)

	e, err := New(Config{
		Ref:           bufRef,
		Schema:        testSchema(),
		Registry:      registry,
		Destination:   destRef,
		NumShards:     1,
		MinThresholds: min,
		MaxThresholds: max,
	})
	require.NoError(t, err)

	require.NoError(t, e.Write(context.Background(), makeBlock(t, 30, 0)))

	errorsBefore := testutil.ToFloat64(observability.ErrorOnFlushTotal)

	ft.fail.Store(true)
	err = e.Optimize(context.Background(), OptimizeOptions{})
	require.Error(t, err)
	assert.True(t, berrors.IsRetryable(err))

	// Shard contents equal the pre-flush contents.
	total, ok := e.TotalRows()
	require.True(t, ok)
	assert.Equal(t, uint64(30), total)
	assert.Equal(t, errorsBefore+1, testutil.ToFloat64(observability.ErrorOnFlushTotal))

	// The next attempt retries the same rows.
	ft.fail.Store(false)
	require.NoError(t, e.Optimize(context.Background(), OptimizeOptions{}))
	assert.Equal(t, uint64(30), destRows(ft.MemoryTable))
	assert.Equal(t, uint64(0), e.TotalBytes())
}

func TestOptimize_DrainsAllShards(t *testing.T) {
	min, max := quietThresholds()
	e, dest := newTestEngine(t, 4, min, max)

	for i := 0; i < 10; i++ {
		require.NoError(t, e.Write(context.Background(), makeBlock(t, 7, int64(i*100))))
	}

	require.NoError(t, e.Optimize(context.Background(), OptimizeOptions{}))
	assert.Equal(t, uint64(70), destRows(dest))
	total, ok := e.TotalRows()
	require.True(t, ok)
	assert.Equal(t, uint64(70), total, "all rows moved to destination")
	assert.Equal(t, uint64(0), e.TotalBytes())
}

func TestOptimize_RejectsUnsupportedOptions(t *testing.T) {
	min, max := scenarioThresholds()
	e, _ := newTestEngine(t, 2, min, max)

	notImplemented := berrors.NewNotImplemented("")
	for _, opts := range []OptimizeOptions{
		{Partition: "p1"},
		{Final: true},
		{Deduplicate: true},
	} {
		err := e.Optimize(context.Background(), opts)
		require.Error(t, err)
		assert.ErrorIs(t, err, notImplemented)
	}
}

func TestWrite_RejectsMismatchedStructure(t *testing.T) {
	min, max := scenarioThresholds()
	e, _ := newTestEngine(t, 2, min, max)

	wrong, err := block.New(types.Schema{Columns: []types.ColumnDef{
		{Name: "other", Kind: types.KindInt64},
		{Name: "name", Kind: types.KindString},
	}})
	require.NoError(t, err)
	require.NoError(t, wrong.AppendValues([]any{int64(1), "x"}))

	err = e.Write(context.Background(), wrong)
	require.Error(t, err)
	assert.Equal(t, berrors.CodeLogicalError, berrors.GetCode(err))
}

func TestAlter_DrainsThenChangesSchema(t *testing.T) {
	min, max := quietThresholds()
	e, dest := newTestEngine(t, 2, min, max)

	require.NoError(t, e.Write(context.Background(), makeBlock(t, 12, 0)))

	err := e.Alter(context.Background(), []AlterCommand{{
		Op:     AlterAddColumn,
		Column: types.ColumnDef{Name: "score", Kind: types.KindFloat64},
	}})
	require.NoError(t, err)

	// The drain ran before the schema changed.
	assert.Equal(t, uint64(12), destRows(dest))
	assert.Equal(t, 3, len(e.Columns().Columns))

	// An old-schema block no longer passes the structure check.
	err = e.Write(context.Background(), makeBlock(t, 1, 0))
	require.Error(t, err)
	assert.Equal(t, berrors.CodeLogicalError, berrors.GetCode(err))
}

func TestAlter_RejectsUnsupportedOps(t *testing.T) {
	min, max := scenarioThresholds()
	e, _ := newTestEngine(t, 2, min, max)

	err := e.Alter(context.Background(), []AlterCommand{{Op: AlterOp("RENAME_COLUMN")}})
	require.Error(t, err)
	assert.Equal(t, berrors.CodeNotImplemented, berrors.GetCode(err))
}

func TestAlter_DropAndCommentColumn(t *testing.T) {
	min, max := scenarioThresholds()
	e, _ := newTestEngine(t, 2, min, max)

	require.NoError(t, e.Alter(context.Background(), []AlterCommand{{
		Op:      AlterCommentColumn,
		Column:  types.ColumnDef{Name: "name"},
		Comment: "display name",
	}}))
	def, ok := e.Columns().Column("name")
	require.True(t, ok)
	assert.Equal(t, "display name", def.Comment)

	require.NoError(t, e.Alter(context.Background(), []AlterCommand{{
		Op:     AlterDropColumn,
		Column: types.ColumnDef{Name: "name"},
	}}))
	assert.Equal(t, 1, len(e.Columns().Columns))
}

func TestWrite_SelfDestinationFailsWithInfiniteLoop(t *testing.T) {
	min, max := scenarioThresholds()
	registry := destination.NewRegistry()
	e, err := New(Config{
		Ref:           bufRef,
		Schema:        testSchema(),
		Registry:      registry,
		Destination:   bufRef, // points at itself
		NumShards:     2,
		MinThresholds: min,
		MaxThresholds: max,
	})
	require.NoError(t, err)
	registry.Register(e)

	err = e.Write(context.Background(), makeBlock(t, 1, 0))
	require.Error(t, err)
	assert.Equal(t, berrors.CodeInfiniteLoop, berrors.GetCode(err))

	_, err = e.Read(context.Background(), []string{"id"}, pipeline.QueryInfo{})
	require.Error(t, err)
	assert.Equal(t, berrors.CodeInfiniteLoop, berrors.GetCode(err))

	assert.False(t, e.MayBenefitFromIndexForIn("id"))
}

func TestConcurrentWrites_EveryInsertAdmittedOnce(t *testing.T) {
	min, max := quietThresholds()
	e, dest := newTestEngine(t, 2, min, max)

	const writers = 8
	const insertsPerWriter = 50
	const rowsPerInsert = 5

	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < insertsPerWriter; i++ {
				b := makeBlock(t, rowsPerInsert, int64(w*1000000+i*100))
				if err := e.Write(context.Background(), b); err != nil {
					errCh <- err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	want := uint64(writers * insertsPerWriter * rowsPerInsert)
	total, ok := e.TotalRows()
	require.True(t, ok)
	assert.Equal(t, want, total, "sum of shard rows equals total admitted")

	require.NoError(t, e.Optimize(context.Background(), OptimizeOptions{}))
	assert.Equal(t, want, destRows(dest))
}

func TestRoundTrip_WritesEqualDestinationAfterOptimize(t *testing.T) {
	min, max := scenarioThresholds()
	e, _ := newTestEngine(t, 2, min, max)

	written := map[int64]bool{}
	for i := 0; i < 6; i++ {
		b := makeBlock(t, 8, int64(i*10000))
		for r := 0; r < 8; r++ {
			written[int64(i*10000+r)] = true
		}
		require.NoError(t, e.Write(context.Background(), b))
	}
	require.NoError(t, e.Optimize(context.Background(), OptimizeOptions{}))

	pipes, err := e.Read(context.Background(), []string{"id"}, pipeline.QueryInfo{})
	require.NoError(t, err)
	blocks, err := pipeline.Drain(pipes)
	require.NoError(t, err)

	got := map[int64]bool{}
	for _, b := range blocks {
		col, okCol := b.ColumnByName("id")
		require.True(t, okCol)
		for i := 0; i < col.Size(); i++ {
			got[col.Value(i).(int64)] = true
		}
	}
	assert.Equal(t, written, got)
}

func TestBackgroundFlush_FlushesAgedShard(t *testing.T) {
	// min {1s, 1 row, 1 byte}: two buffered rows pass all minimums once
	// the shard is older than a second.
	min := Thresholds{TimeSeconds: 1, Rows: 1, Bytes: 1}
	max := Thresholds{TimeSeconds: 60, Rows: 1 << 30, Bytes: 1 << 40}
	e, dest := newTestEngine(t, 2, min, max)

	e.Startup(false)
	defer e.Shutdown()

	require.NoError(t, e.Write(context.Background(), makeBlock(t, 2, 0)))

	require.Eventually(t, func() bool {
		return destRows(dest) == 2
	}, 5*time.Second, 100*time.Millisecond, "background task flushes the aged shard")
}

func TestTotalRows_UnknownWhenDestinationMissing(t *testing.T) {
	min, max := scenarioThresholds()
	registry := destination.NewRegistry()
	e, err := New(Config{
		Ref:           bufRef,
		Schema:        testSchema(),
		Registry:      registry,
		Destination:   destRef, // never registered
		NumShards:     2,
		MinThresholds: min,
		MaxThresholds: max,
	})
	require.NoError(t, err)

	_, ok := e.TotalRows()
	assert.False(t, ok)
}

func TestFlush_MissingDestinationDiscardsBlock(t *testing.T) {
	min, max := quietThresholds()
	registry := destination.NewRegistry()
	e, err := New(Config{
		Ref:           bufRef,
		Schema:        testSchema(),
		Registry:      registry,
		Destination:   destRef, // never registered
		NumShards:     1,
		MinThresholds: min,
		MaxThresholds: max,
	})
	require.NoError(t, err)

	require.NoError(t, e.Write(context.Background(), makeBlock(t, 3, 0)))
	require.NoError(t, e.Optimize(context.Background(), OptimizeOptions{}))
	assert.Equal(t, uint64(0), e.TotalBytes())
}

func TestShutdown_DrainsShards(t *testing.T) {
	min, max := quietThresholds()
	e, dest := newTestEngine(t, 2, min, max)

	e.Startup(false)
	require.NoError(t, e.Write(context.Background(), makeBlock(t, 9, 0)))
	e.Shutdown()

	assert.Equal(t, uint64(9), destRows(dest))
}
