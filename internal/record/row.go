package record

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"

	"github.com/minisql-go/minisql/internal/errkind"
	"github.com/minisql-go/minisql/internal/storage/page"
)

// RowID is a tuple address, stable for the life of a row: (page_id, slot).
type RowID struct {
	PageID page.ID
	Slot   uint32
}

// MarshalRowID encodes a RowID as an 8-byte big-endian key, matching the
// teacher's RowKey big-endian convention so lexicographic byte comparison
// orders RowIDs the same as (page_id, slot) pair comparison.
func MarshalRowID(rid RowID) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint32(buf[0:4], uint32(rid.PageID))
	binary.BigEndian.PutUint32(buf[4:8], rid.Slot)
	return buf[:]
}

// UnmarshalRowID decodes an 8-byte RowID key.
func UnmarshalRowID(buf []byte) RowID {
	return RowID{
		PageID: page.ID(binary.BigEndian.Uint32(buf[0:4])),
		Slot:   binary.BigEndian.Uint32(buf[4:8]),
	}
}

// CompareRowID orders RowIDs by page id then slot, after original_source's
// generic_key.h RowId comparator. The B+ tree and the free-space map do not
// call it: the tree compares encoded keys bytewise and the map scans its
// entries in insertion order.
func CompareRowID(a, b RowID) int {
	if a.PageID != b.PageID {
		if a.PageID < b.PageID {
			return -1
		}
		return 1
	}
	switch {
	case a.Slot < b.Slot:
		return -1
	case a.Slot > b.Slot:
		return 1
	default:
		return 0
	}
}

// Field is a tagged union over one row value. Null is authoritative when
// true; the other members are unspecified in that case.
type Field struct {
	Null  bool
	Int   int32
	Float float32
	Char  string
}

// Row is an ordered sequence of fields matching a Schema.
type Row struct {
	Fields []Field
}

// Equals reports deep value equality, used by table-heap round-trip tests
// (spec.md §8 scenario 2's `row.Equals`).
func (r Row) Equals(o Row) bool {
	if len(r.Fields) != len(o.Fields) {
		return false
	}
	for i := range r.Fields {
		a, b := r.Fields[i], o.Fields[i]
		if a.Null != b.Null {
			return false
		}
		if a.Null {
			continue
		}
		if a.Int != b.Int || a.Float != b.Float || a.Char != b.Char {
			return false
		}
	}
	return true
}

// MarshalRow encodes magic u32, field_count u32, null_bitmap u32, then
// each field's type-tagged payload (spec.md §6). The null bitmap limits a
// row to 32 columns, matching the single-u32 field spec.md specifies.
func MarshalRow(schema *Schema, r Row) ([]byte, error) {
	if len(r.Fields) != len(schema.Columns) {
		return nil, errors.Errorf("row: field count %d != schema column count %d", len(r.Fields), len(schema.Columns))
	}
	if len(r.Fields) > 32 {
		return nil, errors.New("row: more than 32 fields exceeds the single-u32 null bitmap")
	}

	var bitmap uint32
	var body []byte
	for i, f := range r.Fields {
		if f.Null {
			bitmap |= 1 << uint(i)
			continue
		}
		col := schema.Columns[i]
		switch col.Type {
		case ColInt:
			var b [4]byte
			binary.LittleEndian.PutUint32(b[:], uint32(f.Int))
			body = append(body, b[:]...)
		case ColFloat:
			var b [4]byte
			binary.LittleEndian.PutUint32(b[:], math.Float32bits(f.Float))
			body = append(body, b[:]...)
		case ColChar:
			chars := []byte(f.Char)
			if uint32(len(chars)) > col.Length {
				chars = chars[:col.Length]
			}
			var lenBuf [4]byte
			binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(chars)))
			body = append(body, lenBuf[:]...)
			body = append(body, chars...)
		default:
			return nil, errors.Errorf("row: unknown column type %d", col.Type)
		}
	}

	buf := make([]byte, 12+len(body))
	binary.LittleEndian.PutUint32(buf[0:4], rowMagic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(r.Fields)))
	binary.LittleEndian.PutUint32(buf[8:12], bitmap)
	copy(buf[12:], body)
	return buf, nil
}

// UnmarshalRow decodes a Row previously produced by MarshalRow.
func UnmarshalRow(schema *Schema, buf []byte) (Row, error) {
	if len(buf) < 12 {
		return Row{}, errors.Wrap(errkind.ErrCorrupt, "row: truncated")
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != rowMagic {
		return Row{}, errors.Wrap(errkind.ErrCorrupt, "row: bad magic")
	}
	fieldCount := int(binary.LittleEndian.Uint32(buf[4:8]))
	bitmap := binary.LittleEndian.Uint32(buf[8:12])
	if fieldCount != len(schema.Columns) {
		return Row{}, errors.Errorf("row: field count %d != schema column count %d", fieldCount, len(schema.Columns))
	}

	off := 12
	fields := make([]Field, fieldCount)
	for i := 0; i < fieldCount; i++ {
		if bitmap&(1<<uint(i)) != 0 {
			fields[i] = Field{Null: true}
			continue
		}
		col := schema.Columns[i]
		switch col.Type {
		case ColInt:
			if off+4 > len(buf) {
				return Row{}, errors.Wrap(errkind.ErrCorrupt, "row: truncated int field")
			}
			fields[i] = Field{Int: int32(binary.LittleEndian.Uint32(buf[off:]))}
			off += 4
		case ColFloat:
			if off+4 > len(buf) {
				return Row{}, errors.Wrap(errkind.ErrCorrupt, "row: truncated float field")
			}
			fields[i] = Field{Float: math.Float32frombits(binary.LittleEndian.Uint32(buf[off:]))}
			off += 4
		case ColChar:
			if off+4 > len(buf) {
				return Row{}, errors.Wrap(errkind.ErrCorrupt, "row: truncated char length")
			}
			l := int(binary.LittleEndian.Uint32(buf[off:]))
			off += 4
			if off+l > len(buf) {
				return Row{}, errors.Wrap(errkind.ErrCorrupt, "row: truncated char body")
			}
			fields[i] = Field{Char: string(buf[off : off+l])}
			off += l
		default:
			return Row{}, errors.Errorf("row: unknown column type %d", col.Type)
		}
	}
	return Row{Fields: fields}, nil
}

// SerializedSize returns the exact encoded length of r under schema,
// without allocating, used by the table heap to check free space before
// inserting.
func SerializedSize(schema *Schema, r Row) int {
	size := 12
	for i, f := range r.Fields {
		if f.Null {
			continue
		}
		switch schema.Columns[i].Type {
		case ColInt, ColFloat:
			size += 4
		case ColChar:
			n := len(f.Char)
			if uint32(n) > schema.Columns[i].Length {
				n = int(schema.Columns[i].Length)
			}
			size += 4 + n
		}
	}
	return size
}
