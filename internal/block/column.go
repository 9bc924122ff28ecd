// Package block provides the in-memory columnar batch the buffer engine
// accumulates and flushes. A Block is a sequence of equally-long named
// columns. Column storage is append-only: a snapshot taken with Cut keeps
// its own slice header, so rows appended later are never visible through
// it and no copy is needed.
package block

import (
	"fmt"

	"github.com/arkilian/buffertable/pkg/types"
)

// Column is an opaque column handle. All implementations are append-only.
type Column interface {
	// Kind returns the physical type of the column.
	Kind() types.ColumnKind

	// Size returns the number of rows.
	Size() int

	// SizeBytes returns the approximate memory footprint of the column data.
	SizeBytes() uint64

	// Cut returns a column holding the first n rows. Storage is shared with
	// the receiver; the result never observes rows appended afterwards.
	Cut(n int) Column

	// AppendRange appends rows [from, to) of src. src must be of the same kind.
	AppendRange(src Column, from, to int) error

	// AppendValue appends a single Go value of the column's kind.
	AppendValue(v any) error

	// Value returns the value at row i.
	Value(i int) any

	// CloneEmpty returns a new column of the same kind with zero rows.
	CloneEmpty() Column
}

// NewColumn creates an empty column of the given kind.
func NewColumn(kind types.ColumnKind) (Column, error) {
	switch kind {
	case types.KindInt64:
		return &Int64Column{}, nil
	case types.KindFloat64:
		return &Float64Column{}, nil
	case types.KindString:
		return &StringColumn{}, nil
	case types.KindBytes:
		return &BytesColumn{}, nil
	default:
		return nil, fmt.Errorf("block: unsupported column kind %q", kind)
	}
}

// DefaultColumn creates a column of the given kind filled with n zero values.
// The reader uses it to emit columns the destination does not have.
func DefaultColumn(kind types.ColumnKind, n int) (Column, error) {
	col, err := NewColumn(kind)
	if err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		if err := col.AppendValue(zeroValue(kind)); err != nil {
			return nil, err
		}
	}
	return col, nil
}

func zeroValue(kind types.ColumnKind) any {
	switch kind {
	case types.KindInt64:
		return int64(0)
	case types.KindFloat64:
		return float64(0)
	case types.KindString:
		return ""
	default:
		return []byte(nil)
	}
}

// Int64Column holds 64-bit signed integers.
type Int64Column struct {
	vals []int64
}

func (c *Int64Column) Kind() types.ColumnKind { return types.KindInt64 }
func (c *Int64Column) Size() int              { return len(c.vals) }
func (c *Int64Column) SizeBytes() uint64      { return uint64(len(c.vals)) * 8 }
func (c *Int64Column) Cut(n int) Column       { return &Int64Column{vals: c.vals[:n]} }
func (c *Int64Column) CloneEmpty() Column     { return &Int64Column{} }
func (c *Int64Column) Value(i int) any        { return c.vals[i] }

func (c *Int64Column) AppendRange(src Column, from, to int) error {
	s, ok := src.(*Int64Column)
	if !ok {
		return fmt.Errorf("block: cannot append %s column into INT64 column", src.Kind())
	}
	if to > len(s.vals) || from < 0 || from > to {
		return fmt.Errorf("block: append range [%d, %d) out of bounds for column of %d rows", from, to, len(s.vals))
	}
	c.vals = append(c.vals, s.vals[from:to]...)
	return nil
}

func (c *Int64Column) AppendValue(v any) error {
	i, ok := v.(int64)
	if !ok {
		return fmt.Errorf("block: expected int64, got %T", v)
	}
	c.vals = append(c.vals, i)
	return nil
}

// Int64Values exposes the raw values; used by the segment codec.
func (c *Int64Column) Int64Values() []int64 { return c.vals }

// Float64Column holds 64-bit floats.
type Float64Column struct {
	vals []float64
}

func (c *Float64Column) Kind() types.ColumnKind { return types.KindFloat64 }
func (c *Float64Column) Size() int              { return len(c.vals) }
func (c *Float64Column) SizeBytes() uint64      { return uint64(len(c.vals)) * 8 }
func (c *Float64Column) Cut(n int) Column       { return &Float64Column{vals: c.vals[:n]} }
func (c *Float64Column) CloneEmpty() Column     { return &Float64Column{} }
func (c *Float64Column) Value(i int) any        { return c.vals[i] }

func (c *Float64Column) AppendRange(src Column, from, to int) error {
	s, ok := src.(*Float64Column)
	if !ok {
		return fmt.Errorf("block: cannot append %s column into FLOAT64 column", src.Kind())
	}
	if to > len(s.vals) || from < 0 || from > to {
		return fmt.Errorf("block: append range [%d, %d) out of bounds for column of %d rows", from, to, len(s.vals))
	}
	c.vals = append(c.vals, s.vals[from:to]...)
	return nil
}

func (c *Float64Column) AppendValue(v any) error {
	f, ok := v.(float64)
	if !ok {
		return fmt.Errorf("block: expected float64, got %T", v)
	}
	c.vals = append(c.vals, f)
	return nil
}

// Float64Values exposes the raw values; used by the segment codec.
func (c *Float64Column) Float64Values() []float64 { return c.vals }

// stringOverhead approximates the per-value header cost of a Go string.
const stringOverhead = 16

// StringColumn holds UTF-8 strings.
type StringColumn struct {
	vals  []string
	bytes uint64
}

func (c *StringColumn) Kind() types.ColumnKind { return types.KindString }
func (c *StringColumn) Size() int              { return len(c.vals) }
func (c *StringColumn) SizeBytes() uint64      { return c.bytes }
func (c *StringColumn) CloneEmpty() Column     { return &StringColumn{} }
func (c *StringColumn) Value(i int) any        { return c.vals[i] }

func (c *StringColumn) Cut(n int) Column {
	var b uint64
	for _, v := range c.vals[:n] {
		b += uint64(len(v)) + stringOverhead
	}
	return &StringColumn{vals: c.vals[:n], bytes: b}
}

func (c *StringColumn) AppendRange(src Column, from, to int) error {
	s, ok := src.(*StringColumn)
	if !ok {
		return fmt.Errorf("block: cannot append %s column into STRING column", src.Kind())
	}
	if to > len(s.vals) || from < 0 || from > to {
		return fmt.Errorf("block: append range [%d, %d) out of bounds for column of %d rows", from, to, len(s.vals))
	}
	for _, v := range s.vals[from:to] {
		c.bytes += uint64(len(v)) + stringOverhead
	}
	c.vals = append(c.vals, s.vals[from:to]...)
	return nil
}

func (c *StringColumn) AppendValue(v any) error {
	s, ok := v.(string)
	if !ok {
		return fmt.Errorf("block: expected string, got %T", v)
	}
	c.vals = append(c.vals, s)
	c.bytes += uint64(len(s)) + stringOverhead
	return nil
}

// StringValues exposes the raw values; used by the segment codec.
func (c *StringColumn) StringValues() []string { return c.vals }

// bytesOverhead approximates the per-value header cost of a byte slice.
const bytesOverhead = 24

// BytesColumn holds opaque byte slices.
type BytesColumn struct {
	vals  [][]byte
	bytes uint64
}

func (c *BytesColumn) Kind() types.ColumnKind { return types.KindBytes }
func (c *BytesColumn) Size() int              { return len(c.vals) }
func (c *BytesColumn) SizeBytes() uint64      { return c.bytes }
func (c *BytesColumn) CloneEmpty() Column     { return &BytesColumn{} }
func (c *BytesColumn) Value(i int) any        { return c.vals[i] }

func (c *BytesColumn) Cut(n int) Column {
	var b uint64
	for _, v := range c.vals[:n] {
		b += uint64(len(v)) + bytesOverhead
	}
	return &BytesColumn{vals: c.vals[:n], bytes: b}
}

func (c *BytesColumn) AppendRange(src Column, from, to int) error {
	s, ok := src.(*BytesColumn)
	if !ok {
		return fmt.Errorf("block: cannot append %s column into BYTES column", src.Kind())
	}
	if to > len(s.vals) || from < 0 || from > to {
		return fmt.Errorf("block: append range [%d, %d) out of bounds for column of %d rows", from, to, len(s.vals))
	}
	for _, v := range s.vals[from:to] {
		c.bytes += uint64(len(v)) + bytesOverhead
	}
	c.vals = append(c.vals, s.vals[from:to]...)
	return nil
}

func (c *BytesColumn) AppendValue(v any) error {
	b, ok := v.([]byte)
	if !ok && v != nil {
		return fmt.Errorf("block: expected []byte, got %T", v)
	}
	c.vals = append(c.vals, b)
	c.bytes += uint64(len(b)) + bytesOverhead
	return nil
}

// BytesValues exposes the raw values; used by the segment codec.
func (c *BytesColumn) BytesValues() [][]byte { return c.vals }
