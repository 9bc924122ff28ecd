package block

import (
	"fmt"
	"strconv"

	"github.com/arkilian/buffertable/pkg/types"
)

// CastColumn converts a column to the target kind. Used to compensate for
// schema drift between the buffer and its destination. Conversions
// supported: numeric widening/narrowing between INT64 and FLOAT64,
// STRING/BYTES reinterpretation, and numeric-to-string formatting.
func CastColumn(col Column, to types.ColumnKind) (Column, error) {
	if col.Kind() == to {
		return col, nil
	}
	out, err := NewColumn(to)
	if err != nil {
		return nil, err
	}
	for i := 0; i < col.Size(); i++ {
		v, err := castValue(col.Value(i), col.Kind(), to)
		if err != nil {
			return nil, err
		}
		if err := out.AppendValue(v); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func castValue(v any, from, to types.ColumnKind) (any, error) {
	switch from {
	case types.KindInt64:
		i := v.(int64)
		switch to {
		case types.KindFloat64:
			return float64(i), nil
		case types.KindString:
			return strconv.FormatInt(i, 10), nil
		}
	case types.KindFloat64:
		f := v.(float64)
		switch to {
		case types.KindInt64:
			return int64(f), nil
		case types.KindString:
			return strconv.FormatFloat(f, 'g', -1, 64), nil
		}
	case types.KindString:
		s := v.(string)
		switch to {
		case types.KindBytes:
			return []byte(s), nil
		}
	case types.KindBytes:
		b := v.([]byte)
		switch to {
		case types.KindString:
			return string(b), nil
		}
	}
	return nil, fmt.Errorf("block: cannot convert %s column to %s", from, to)
}
