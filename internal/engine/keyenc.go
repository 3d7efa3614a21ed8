package engine

import (
	"encoding/binary"
	"math"

	"github.com/minisql-go/minisql/internal/record"
)

// fixedKeySize returns the fixed on-disk width of col's value when used as
// an index key: 4 bytes for int/float, the declared Length for char.
func fixedKeySize(col record.Column) int {
	if col.Type == record.ColChar {
		return int(col.Length)
	}
	return 4
}

// encodeField renders one field as a fixed-width, order-preserving key
// fragment. Integers are biased by flipping the sign bit so big-endian
// byte comparison matches signed comparison, matching the convention
// original_source's generic_key.h documents for B+ tree keys.
func encodeField(col record.Column, f record.Field) []byte {
	buf := make([]byte, fixedKeySize(col))
	switch col.Type {
	case record.ColInt:
		binary.BigEndian.PutUint32(buf, uint32(f.Int)^0x80000000)
	case record.ColFloat:
		bits := math.Float32bits(f.Float)
		if f.Float < 0 {
			bits = ^bits
		} else {
			bits ^= 0x80000000
		}
		binary.BigEndian.PutUint32(buf, bits)
	case record.ColChar:
		copy(buf, []byte(f.Char))
	}
	return buf
}

// encodeKey concatenates the fixed-width encodings of the given column
// positions, forming a composite index key.
func encodeKey(schema *record.Schema, row record.Row, colIdxs []int) []byte {
	out := make([]byte, 0, 16)
	for _, ci := range colIdxs {
		out = append(out, encodeField(schema.Columns[ci], row.Fields[ci])...)
	}
	return out
}

func rowIDArray(rid record.RowID) [8]byte {
	var arr [8]byte
	copy(arr[:], record.MarshalRowID(rid))
	return arr
}
