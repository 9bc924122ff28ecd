package block

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkilian/buffertable/pkg/types"
)

func testSchema() types.Schema {
	return types.Schema{Columns: []types.ColumnDef{
		{Name: "id", Kind: types.KindInt64},
		{Name: "name", Kind: types.KindString},
		{Name: "score", Kind: types.KindFloat64},
	}}
}

func testBlock(t *testing.T, rows ...[]any) *Block {
	t.Helper()
	b, err := New(testSchema())
	require.NoError(t, err)
	for _, r := range rows {
		require.NoError(t, b.AppendValues(r))
	}
	return b
}

func TestBlock_RowsAndBytes(t *testing.T) {
	b := testBlock(t,
		[]any{int64(1), "alpha", 1.5},
		[]any{int64(2), "beta", 2.5},
	)
	assert.Equal(t, 2, b.Rows())
	assert.Equal(t, 3, b.Columns())
	assert.Greater(t, b.Bytes(), uint64(0))
}

func TestBlock_StructureEquals(t *testing.T) {
	a := testBlock(t)
	b := testBlock(t, []any{int64(1), "x", 0.5})
	assert.True(t, a.StructureEquals(b))

	other, err := New(types.Schema{Columns: []types.ColumnDef{
		{Name: "id", Kind: types.KindInt64},
	}})
	require.NoError(t, err)
	assert.False(t, a.StructureEquals(other))

	renamed, err := New(types.Schema{Columns: []types.ColumnDef{
		{Name: "id", Kind: types.KindInt64},
		{Name: "label", Kind: types.KindString},
		{Name: "score", Kind: types.KindFloat64},
	}})
	require.NoError(t, err)
	assert.False(t, a.StructureEquals(renamed))
}

func TestBlock_CloneEmpty(t *testing.T) {
	b := testBlock(t, []any{int64(1), "x", 0.5})
	clone := b.CloneEmpty()
	assert.Equal(t, 0, clone.Rows())
	assert.True(t, b.StructureEquals(clone))
}

func TestBlock_SortColumns(t *testing.T) {
	cols := []NamedColumn{
		{Name: "zz", Col: &Int64Column{}},
		{Name: "aa", Col: &StringColumn{}},
		{Name: "mm", Col: &Float64Column{}},
	}
	b, err := FromColumns(cols)
	require.NoError(t, err)

	sorted := b.SortColumns()
	assert.Equal(t, "aa", sorted.Name(0))
	assert.Equal(t, "mm", sorted.Name(1))
	assert.Equal(t, "zz", sorted.Name(2))

	// The receiver is untouched.
	assert.Equal(t, "zz", b.Name(0))
}

func TestAppend_Basic(t *testing.T) {
	to := testBlock(t, []any{int64(1), "a", 1.0})
	from := testBlock(t, []any{int64(2), "b", 2.0}, []any{int64(3), "c", 3.0})

	require.NoError(t, Append(from, to))
	assert.Equal(t, 3, to.Rows())

	id, _ := to.ColumnByName("id")
	assert.Equal(t, int64(1), id.Value(0))
	assert.Equal(t, int64(2), id.Value(1))
	assert.Equal(t, int64(3), id.Value(2))

	// The source is unchanged.
	assert.Equal(t, 2, from.Rows())
}

func TestAppend_StructureMismatch(t *testing.T) {
	to := testBlock(t)
	other, err := New(types.Schema{Columns: []types.ColumnDef{
		{Name: "id", Kind: types.KindInt64},
	}})
	require.NoError(t, err)

	err = Append(other, to)
	assert.Error(t, err)
}

func TestAppend_ToEmptyBlock(t *testing.T) {
	from := testBlock(t, []any{int64(1), "a", 1.0})
	err := Append(from, &Block{})
	assert.Error(t, err)
}

func TestAppend_RollbackOnRaggedSource(t *testing.T) {
	to := testBlock(t, []any{int64(1), "a", 1.0}, []any{int64(2), "b", 2.0})

	// Build a source whose second column is one row short. Append fails on
	// that column and the target is rolled back to its prior row count.
	ragged := &Block{cols: []NamedColumn{
		{Name: "id", Col: &Int64Column{vals: []int64{10, 11}}},
		{Name: "name", Col: &StringColumn{vals: []string{"only-one"}}},
		{Name: "score", Col: &Float64Column{vals: []float64{0.1, 0.2}}},
	}}

	err := Append(ragged, to)
	assert.Error(t, err)
	assert.Equal(t, 2, to.Rows())
	for i := 0; i < to.Columns(); i++ {
		assert.Equal(t, 2, to.ColumnAt(i).Size(), "column %s", to.Name(i))
	}
	id, _ := to.ColumnByName("id")
	assert.Equal(t, int64(2), id.Value(1))
}

func TestSnapshot_DoesNotSeeLaterAppends(t *testing.T) {
	b := testBlock(t, []any{int64(1), "a", 1.0})
	snap := b.Snapshot()

	more := testBlock(t, []any{int64(2), "b", 2.0})
	require.NoError(t, Append(more, b))

	assert.Equal(t, 2, b.Rows())
	assert.Equal(t, 1, snap.Rows())
	id, _ := snap.ColumnByName("id")
	assert.Equal(t, int64(1), id.Value(0))
}

func TestProject(t *testing.T) {
	b := testBlock(t, []any{int64(7), "x", 0.5})

	p, err := b.Project([]string{"score", "id"})
	require.NoError(t, err)
	assert.Equal(t, 2, p.Columns())
	assert.Equal(t, "score", p.Name(0))
	assert.Equal(t, "id", p.Name(1))
	assert.Equal(t, int64(7), p.ColumnAt(1).Value(0))

	_, err = b.Project([]string{"missing"})
	assert.Error(t, err)
}

func TestFilter(t *testing.T) {
	b := testBlock(t,
		[]any{int64(1), "keep", 1.0},
		[]any{int64(2), "drop", 2.0},
		[]any{int64(3), "keep", 3.0},
	)
	out, err := b.Filter([]bool{true, false, true})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Rows())
	id, _ := out.ColumnByName("id")
	assert.Equal(t, int64(1), id.Value(0))
	assert.Equal(t, int64(3), id.Value(1))
}

func TestCastColumn(t *testing.T) {
	ints := &Int64Column{vals: []int64{1, 2, 3}}

	floats, err := CastColumn(ints, types.KindFloat64)
	assert.NoError(t, err)
	assert.Equal(t, float64(2), floats.Value(1))

	strs, err := CastColumn(ints, types.KindString)
	assert.NoError(t, err)
	assert.Equal(t, "3", strs.Value(2))

	_, err = CastColumn(&BytesColumn{vals: [][]byte{{1}}}, types.KindInt64)
	assert.Error(t, err)
}
