// Package record implements the Column/Schema/Row layer of spec.md §3/§6:
// ordered typed fields matching a schema, with exact magic-numbered binary
// serialization. Grounded in original_source/src/record/{column,schema,row}.cpp
// for wire-level field conventions; the teacher's pager.row_codec.go encodes
// a dynamic SQL []any value model and was dropped as a poor fit.
package record

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/text/cases"

	"github.com/minisql-go/minisql/internal/errkind"
)

// ColType enumerates the three field types spec.md names.
type ColType uint32

const (
	ColInt ColType = iota + 1
	ColFloat
	ColChar
)

const (
	schemaMagic uint32 = 0x53434D31 // "SCM1"
	columnMagic uint32 = 0x434F4C31 // "COL1"
	rowMagic    uint32 = 0x524F5731 // "ROW1"
)

var foldCaser = cases.Fold()

// foldName normalizes an identifier for case-insensitive comparison,
// grounded in the DOMAIN STACK's golang.org/x/text wiring (SPEC_FULL.md §7/§8).
func foldName(s string) string { return foldCaser.String(s) }

// Column describes one field of a Schema.
type Column struct {
	Name       string
	Type       ColType
	Length     uint32 // meaningful for ColChar only
	TableIndex uint32
	Nullable   bool
	Unique     bool
}

// Schema is an ordered sequence of columns.
type Schema struct {
	Columns []Column
}

// ColumnIndex resolves a column name to its position, case-insensitively.
func (s *Schema) ColumnIndex(name string) (int, error) {
	folded := foldName(name)
	for i, c := range s.Columns {
		if foldName(c.Name) == folded {
			return i, nil
		}
	}
	return -1, errors.Wrapf(errkind.ErrColumnNotFound, "column %q", name)
}

// FixedFieldSize returns the on-page payload size of column i: 4 bytes for
// int/float, or the declared Length for char fields (length-prefixed
// separately in the row encoding — see MarshalRow).
func (c Column) FixedFieldSize() uint32 {
	if c.Type == ColChar {
		return c.Length
	}
	return 4
}

// MarshalColumn encodes one column per spec.md §6's schema column layout:
// magic u32, name_len u32, name bytes, type u32, length u32, table_index
// u32, nullable u32, unique u32.
func MarshalColumn(c Column) []byte {
	nameBytes := []byte(c.Name)
	buf := make([]byte, 4+4+len(nameBytes)+4+4+4+4+4)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], columnMagic)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(nameBytes)))
	off += 4
	copy(buf[off:], nameBytes)
	off += len(nameBytes)
	binary.LittleEndian.PutUint32(buf[off:], uint32(c.Type))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], c.Length)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], c.TableIndex)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], boolToU32(c.Nullable))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], boolToU32(c.Unique))
	return buf
}

// UnmarshalColumn decodes one column and returns the number of bytes
// consumed from buf.
func UnmarshalColumn(buf []byte) (Column, int, error) {
	if len(buf) < 8 {
		return Column{}, 0, errors.Wrap(errkind.ErrCorrupt, "column: truncated")
	}
	magic := binary.LittleEndian.Uint32(buf[0:4])
	if magic != columnMagic {
		return Column{}, 0, errors.Wrap(errkind.ErrCorrupt, "column: bad magic")
	}
	nameLen := int(binary.LittleEndian.Uint32(buf[4:8]))
	off := 8
	if len(buf) < off+nameLen+20 {
		return Column{}, 0, errors.Wrap(errkind.ErrCorrupt, "column: truncated body")
	}
	name := string(buf[off : off+nameLen])
	off += nameLen
	typ := ColType(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	length := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	tableIndex := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	nullable := binary.LittleEndian.Uint32(buf[off:]) != 0
	off += 4
	unique := binary.LittleEndian.Uint32(buf[off:]) != 0
	off += 4
	return Column{Name: name, Type: typ, Length: length, TableIndex: tableIndex, Nullable: nullable, Unique: unique}, off, nil
}

// MarshalSchema encodes magic u32, column_count u32, then each column.
func MarshalSchema(s *Schema) []byte {
	var body [][]byte
	total := 8
	for _, c := range s.Columns {
		b := MarshalColumn(c)
		body = append(body, b)
		total += len(b)
	}
	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0:4], schemaMagic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(s.Columns)))
	off := 8
	for _, b := range body {
		copy(buf[off:], b)
		off += len(b)
	}
	return buf
}

// UnmarshalSchema decodes a Schema and returns the number of bytes consumed.
func UnmarshalSchema(buf []byte) (*Schema, int, error) {
	if len(buf) < 8 {
		return nil, 0, errors.Wrap(errkind.ErrCorrupt, "schema: truncated")
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != schemaMagic {
		return nil, 0, errors.Wrap(errkind.ErrCorrupt, "schema: bad magic")
	}
	count := int(binary.LittleEndian.Uint32(buf[4:8]))
	off := 8
	cols := make([]Column, 0, count)
	for i := 0; i < count; i++ {
		c, n, err := UnmarshalColumn(buf[off:])
		if err != nil {
			return nil, 0, err
		}
		cols = append(cols, c)
		off += n
	}
	return &Schema{Columns: cols}, off, nil
}

func boolToU32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
