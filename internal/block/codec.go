package block

import (
	"encoding/binary"
	"math"
	"fmt"

	"github.com/golang/snappy"
	"github.com/spaolacci/murmur3"

	"github.com/arkilian/buffertable/pkg/types"
)

// Segment format, used by the object-store destination:
//
//	[4]  magic "BSEG"
//	[1]  version
//	[8]  murmur3-64 checksum of the compressed payload
//	[4]  compressed payload length
//	[n]  snappy-compressed payload
//
// Payload:
//
//	[4] column count
//	per column: name (u32-framed), kind (u32-framed), row count u32, values
//	values: INT64/FLOAT64 fixed 8 bytes LE; STRING/BYTES u32-framed each.

var segmentMagic = [4]byte{'B', 'S', 'E', 'G'}

const segmentVersion = 1

// EncodeSegment serializes a block into a checksummed, compressed segment.
func EncodeSegment(b *Block) ([]byte, error) {
	payload := make([]byte, 0, 256)
	payload = binary.LittleEndian.AppendUint32(payload, uint32(b.Columns()))

	for i := 0; i < b.Columns(); i++ {
		col := b.ColumnAt(i)
		payload = appendFramed(payload, []byte(b.Name(i)))
		payload = appendFramed(payload, []byte(col.Kind()))
		payload = binary.LittleEndian.AppendUint32(payload, uint32(col.Size()))

		switch c := col.(type) {
		case *Int64Column:
			for _, v := range c.Int64Values() {
				payload = binary.LittleEndian.AppendUint64(payload, uint64(v))
			}
		case *Float64Column:
			for _, v := range c.Float64Values() {
				payload = binary.LittleEndian.AppendUint64(payload, math.Float64bits(v))
			}
		case *StringColumn:
			for _, v := range c.StringValues() {
				payload = appendFramed(payload, []byte(v))
			}
		case *BytesColumn:
			for _, v := range c.BytesValues() {
				payload = appendFramed(payload, v)
			}
		default:
			return nil, fmt.Errorf("block: cannot encode column kind %s", col.Kind())
		}
	}

	compressed := snappy.Encode(nil, payload)
	sum := murmur3.Sum64(compressed)

	out := make([]byte, 0, len(compressed)+17)
	out = append(out, segmentMagic[:]...)
	out = append(out, segmentVersion)
	out = binary.LittleEndian.AppendUint64(out, sum)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(compressed)))
	out = append(out, compressed...)
	return out, nil
}

// DecodeSegment deserializes a segment produced by EncodeSegment.
func DecodeSegment(data []byte) (*Block, error) {
	if len(data) < 17 {
		return nil, fmt.Errorf("block: segment too short (%d bytes)", len(data))
	}
	if [4]byte(data[:4]) != segmentMagic {
		return nil, fmt.Errorf("block: bad segment magic")
	}
	if data[4] != segmentVersion {
		return nil, fmt.Errorf("block: unsupported segment version %d", data[4])
	}
	sum := binary.LittleEndian.Uint64(data[5:13])
	clen := binary.LittleEndian.Uint32(data[13:17])
	if int(clen) != len(data)-17 {
		return nil, fmt.Errorf("block: segment length mismatch")
	}
	compressed := data[17:]
	if murmur3.Sum64(compressed) != sum {
		return nil, fmt.Errorf("block: segment checksum mismatch")
	}

	payload, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("block: segment decompression failed: %w", err)
	}

	r := &byteReader{buf: payload}
	numCols, err := r.uint32()
	if err != nil {
		return nil, err
	}

	cols := make([]NamedColumn, 0, numCols)
	for i := uint32(0); i < numCols; i++ {
		name, err := r.framed()
		if err != nil {
			return nil, err
		}
		kindBytes, err := r.framed()
		if err != nil {
			return nil, err
		}
		kind := types.ColumnKind(kindBytes)
		rows, err := r.uint32()
		if err != nil {
			return nil, err
		}

		col, err := NewColumn(kind)
		if err != nil {
			return nil, err
		}
		for j := uint32(0); j < rows; j++ {
			switch kind {
			case types.KindInt64:
				u, err := r.uint64()
				if err != nil {
					return nil, err
				}
				if err := col.AppendValue(int64(u)); err != nil {
					return nil, err
				}
			case types.KindFloat64:
				u, err := r.uint64()
				if err != nil {
					return nil, err
				}
				if err := col.AppendValue(math.Float64frombits(u)); err != nil {
					return nil, err
				}
			case types.KindString:
				v, err := r.framed()
				if err != nil {
					return nil, err
				}
				if err := col.AppendValue(string(v)); err != nil {
					return nil, err
				}
			case types.KindBytes:
				v, err := r.framed()
				if err != nil {
					return nil, err
				}
				cp := make([]byte, len(v))
				copy(cp, v)
				if err := col.AppendValue(cp); err != nil {
					return nil, err
				}
			}
		}
		cols = append(cols, NamedColumn{Name: string(name), Col: col})
	}

	return FromColumns(cols)
}

func appendFramed(dst, v []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(v)))
	return append(dst, v...)
}

type byteReader struct {
	buf []byte
	off int
}

func (r *byteReader) uint32() (uint32, error) {
	if r.off+4 > len(r.buf) {
		return 0, fmt.Errorf("block: truncated segment payload")
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *byteReader) uint64() (uint64, error) {
	if r.off+8 > len(r.buf) {
		return 0, fmt.Errorf("block: truncated segment payload")
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

func (r *byteReader) framed() ([]byte, error) {
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if r.off+int(n) > len(r.buf) {
		return nil, fmt.Errorf("block: truncated segment payload")
	}
	v := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return v, nil
}
