package destination

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkilian/buffertable/internal/block"
	"github.com/arkilian/buffertable/internal/pipeline"
	"github.com/arkilian/buffertable/pkg/types"
)

func eventSchema() types.Schema {
	return types.Schema{Columns: []types.ColumnDef{
		{Name: "id", Kind: types.KindInt64},
		{Name: "name", Kind: types.KindString},
		{Name: "score", Kind: types.KindFloat64},
		{Name: "payload", Kind: types.KindBytes},
	}}
}

func eventBlock(t *testing.T, n int) *block.Block {
	t.Helper()
	b, err := block.New(eventSchema())
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		require.NoError(t, b.AppendValues([]any{
			int64(i), "event", float64(i) / 2, []byte{byte(i)},
		}))
	}
	return b
}

func TestSQLiteTable_WriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "dest.sqlite")
	ref := types.TableRef{Database: "default", Table: "events"}

	table, err := NewSQLiteTable(ctx, path, ref, eventSchema())
	require.NoError(t, err)
	defer table.Close()

	require.NoError(t, table.Write(ctx, eventBlock(t, 10)))
	require.NoError(t, table.Write(ctx, eventBlock(t, 5)))

	rows, ok := table.TotalRows()
	require.True(t, ok)
	assert.Equal(t, uint64(15), rows)

	pipes, err := table.Read(ctx, []string{"id", "score"}, pipeline.QueryInfo{})
	require.NoError(t, err)
	blocks, err := pipeline.Drain(pipes)
	require.NoError(t, err)

	total := 0
	for _, b := range blocks {
		assert.Equal(t, 2, b.Columns())
		total += b.Rows()
	}
	assert.Equal(t, 15, total)
}

func TestSQLiteTable_ReadChunksByMaxBlockSize(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "dest.sqlite")
	ref := types.TableRef{Database: "default", Table: "events"}

	table, err := NewSQLiteTable(ctx, path, ref, eventSchema())
	require.NoError(t, err)
	defer table.Close()

	require.NoError(t, table.Write(ctx, eventBlock(t, 10)))

	pipes, err := table.Read(ctx, []string{"id"}, pipeline.QueryInfo{MaxBlockSize: 4})
	require.NoError(t, err)
	blocks, err := pipeline.Drain(pipes)
	require.NoError(t, err)

	require.Len(t, blocks, 3)
	assert.Equal(t, 4, blocks[0].Rows())
	assert.Equal(t, 2, blocks[2].Rows())
}

func TestSQLiteTable_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "dest.sqlite")
	ref := types.TableRef{Database: "default", Table: "events"}

	table, err := NewSQLiteTable(ctx, path, ref, eventSchema())
	require.NoError(t, err)
	require.NoError(t, table.Write(ctx, eventBlock(t, 3)))
	require.NoError(t, table.Close())

	reopened, err := NewSQLiteTable(ctx, path, ref, eventSchema())
	require.NoError(t, err)
	defer reopened.Close()

	rows, ok := reopened.TotalRows()
	require.True(t, ok)
	assert.Equal(t, uint64(3), rows)
}

func TestSQLiteTable_UnknownColumnFails(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "dest.sqlite")
	ref := types.TableRef{Database: "default", Table: "events"}

	table, err := NewSQLiteTable(ctx, path, ref, eventSchema())
	require.NoError(t, err)
	defer table.Close()

	_, err = table.Read(ctx, []string{"missing"}, pipeline.QueryInfo{})
	assert.Error(t, err)
}
