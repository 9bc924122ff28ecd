package block

import (
	"fmt"
	"log"
	"sort"

	berrors "github.com/arkilian/buffertable/internal/errors"
	"github.com/arkilian/buffertable/pkg/types"
)

// NamedColumn pairs a column with its name.
type NamedColumn struct {
	Name string
	Col  Column
}

// Block is an in-memory columnar batch: a sequence of equally-long named
// columns.
type Block struct {
	cols []NamedColumn
}

// New creates an empty block with the columns of the given schema.
func New(schema types.Schema) (*Block, error) {
	b := &Block{cols: make([]NamedColumn, 0, len(schema.Columns))}
	for _, def := range schema.Columns {
		col, err := NewColumn(def.Kind)
		if err != nil {
			return nil, err
		}
		b.cols = append(b.cols, NamedColumn{Name: def.Name, Col: col})
	}
	return b, nil
}

// FromColumns builds a block from pre-built columns. All columns must have
// the same number of rows.
func FromColumns(cols []NamedColumn) (*Block, error) {
	b := &Block{cols: cols}
	if len(cols) > 0 {
		n := cols[0].Col.Size()
		for _, c := range cols[1:] {
			if c.Col.Size() != n {
				return nil, berrors.NewLogicalError(
					fmt.Sprintf("column %q has %d rows, expected %d", c.Name, c.Col.Size(), n))
			}
		}
	}
	return b, nil
}

// Rows returns the number of rows in the block.
func (b *Block) Rows() int {
	if b == nil || len(b.cols) == 0 {
		return 0
	}
	return b.cols[0].Col.Size()
}

// Bytes returns the approximate memory footprint of the block's data.
func (b *Block) Bytes() uint64 {
	if b == nil {
		return 0
	}
	var total uint64
	for _, c := range b.cols {
		total += c.Col.SizeBytes()
	}
	return total
}

// Columns returns the number of columns.
func (b *Block) Columns() int {
	if b == nil {
		return 0
	}
	return len(b.cols)
}

// Name returns the name of column i.
func (b *Block) Name(i int) string { return b.cols[i].Name }

// ColumnAt returns the column at position i.
func (b *Block) ColumnAt(i int) Column { return b.cols[i].Col }

// ColumnByName returns the named column.
func (b *Block) ColumnByName(name string) (Column, bool) {
	for _, c := range b.cols {
		if c.Name == name {
			return c.Col, true
		}
	}
	return nil, false
}

// Has reports whether the block contains the named column.
func (b *Block) Has(name string) bool {
	_, ok := b.ColumnByName(name)
	return ok
}

// Schema derives the schema of the block.
func (b *Block) Schema() types.Schema {
	s := types.Schema{Columns: make([]types.ColumnDef, 0, len(b.cols))}
	for _, c := range b.cols {
		s.Columns = append(s.Columns, types.ColumnDef{Name: c.Name, Kind: c.Col.Kind()})
	}
	return s
}

// StructureEquals reports whether both blocks have the same column names,
// order, and kinds.
func (b *Block) StructureEquals(o *Block) bool {
	if b.Columns() != o.Columns() {
		return false
	}
	for i := range b.cols {
		if b.cols[i].Name != o.cols[i].Name || b.cols[i].Col.Kind() != o.cols[i].Col.Kind() {
			return false
		}
	}
	return true
}

// CloneEmpty returns a block with the same structure and zero rows.
func (b *Block) CloneEmpty() *Block {
	out := &Block{cols: make([]NamedColumn, 0, len(b.cols))}
	for _, c := range b.cols {
		out.cols = append(out.cols, NamedColumn{Name: c.Name, Col: c.Col.CloneEmpty()})
	}
	return out
}

// SortColumns returns a block with columns reordered lexicographically by
// name, so that blocks from different sources with the same schema can be
// appended to each other. Column storage is shared with the receiver.
func (b *Block) SortColumns() *Block {
	out := &Block{cols: make([]NamedColumn, len(b.cols))}
	copy(out.cols, b.cols)
	sort.SliceStable(out.cols, func(i, j int) bool {
		return out.cols[i].Name < out.cols[j].Name
	})
	return out
}

// Snapshot returns a block whose columns are fixed at the current row
// count. Storage is shared; appends to the receiver after the snapshot are
// not visible through it.
func (b *Block) Snapshot() *Block {
	out := &Block{cols: make([]NamedColumn, 0, len(b.cols))}
	for _, c := range b.cols {
		out.cols = append(out.cols, NamedColumn{Name: c.Name, Col: c.Col.Cut(c.Col.Size())})
	}
	return out
}

// Project returns a snapshot restricted to the requested columns, in
// request order.
func (b *Block) Project(names []string) (*Block, error) {
	out := &Block{cols: make([]NamedColumn, 0, len(names))}
	for _, name := range names {
		col, ok := b.ColumnByName(name)
		if !ok {
			return nil, berrors.NewLogicalError(fmt.Sprintf("no column %q in block", name))
		}
		out.cols = append(out.cols, NamedColumn{Name: name, Col: col.Cut(col.Size())})
	}
	return out, nil
}

// AppendValues appends one row. Values are given in column order.
func (b *Block) AppendValues(vals []any) error {
	if len(vals) != len(b.cols) {
		return berrors.NewLogicalError(
			fmt.Sprintf("row has %d values, block has %d columns", len(vals), len(b.cols)))
	}
	for i, v := range vals {
		if err := b.cols[i].Col.AppendValue(v); err != nil {
			return err
		}
	}
	return nil
}

// Filter returns a block holding only the rows for which keep is true.
// len(keep) must equal the row count.
func (b *Block) Filter(keep []bool) (*Block, error) {
	out := b.CloneEmpty()
	for i, k := range keep {
		if !k {
			continue
		}
		for c := range b.cols {
			if err := out.cols[c].Col.AppendValue(b.cols[c].Col.Value(i)); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// WithoutColumns returns a block with the named columns removed.
func (b *Block) WithoutColumns(names []string) *Block {
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}
	out := &Block{}
	for _, c := range b.cols {
		if !drop[c.Name] {
			out.cols = append(out.cols, c)
		}
	}
	return out
}

// Append appends all rows of from into to, in place. On any column failure
// every column of to is rolled back to its prior row count, so to is never
// left with columns of unequal lengths.
func Append(from, to *Block) error {
	if to.Columns() == 0 {
		return berrors.NewLogicalError("cannot append to an empty block")
	}
	if !from.StructureEquals(to) {
		return berrors.NewLogicalError(fmt.Sprintf(
			"block structure mismatch: cannot append %v to %v", from.Schema(), to.Schema()))
	}

	oldRows := to.Rows()
	rows := from.Rows()

	for i := range to.cols {
		if err := to.cols[i].Col.AppendRange(from.cols[i].Col, 0, rows); err != nil {
			rollbackAppend(to, oldRows)
			return berrors.NewLogicalError(
				fmt.Sprintf("append failed at column %q: %v", to.cols[i].Name, err))
		}
	}
	return nil
}

// rollbackAppend truncates every column of to back to oldRows. Leaving a
// block with unequal column lengths in a shard is worse than crashing, so
// an impossible truncation terminates the process.
func rollbackAppend(to *Block, oldRows int) {
	for i := range to.cols {
		if to.cols[i].Col.Size() != oldRows {
			to.cols[i].Col = to.cols[i].Col.Cut(oldRows)
		}
		if to.cols[i].Col.Size() != oldRows {
			log.Fatalf("block: rollback of column %q failed, terminating", to.cols[i].Name)
		}
	}
}
