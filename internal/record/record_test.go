package record

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleSchema() *Schema {
	return &Schema{Columns: []Column{
		{Name: "id", Type: ColInt, TableIndex: 0},
		{Name: "name", Type: ColChar, Length: 64, TableIndex: 1},
		{Name: "account", Type: ColFloat, TableIndex: 2, Nullable: true},
	}}
}

func TestSchemaRoundTrip(t *testing.T) {
	s := sampleSchema()
	buf := MarshalSchema(s)
	got, n, err := UnmarshalSchema(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, s, got)
}

func TestColumnRoundTrip(t *testing.T) {
	c := Column{Name: "account", Type: ColFloat, TableIndex: 2, Nullable: true, Unique: false}
	buf := MarshalColumn(c)
	got, n, err := UnmarshalColumn(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, c, got)
}

func TestRowRoundTrip(t *testing.T) {
	s := sampleSchema()
	r := Row{Fields: []Field{
		{Int: 42},
		{Char: "Ada Lovelace"},
		{Null: true},
	}}
	buf, err := MarshalRow(s, r)
	require.NoError(t, err)
	require.Equal(t, len(buf), SerializedSize(s, r))

	got, err := UnmarshalRow(s, buf)
	require.NoError(t, err)
	require.True(t, r.Equals(got))
}

func TestRowIDRoundTrip(t *testing.T) {
	rid := RowID{PageID: 17, Slot: 3}
	buf := MarshalRowID(rid)
	require.Equal(t, rid, UnmarshalRowID(buf))
	require.Equal(t, 0, CompareRowID(rid, rid))
}

func TestColumnIndexCaseInsensitive(t *testing.T) {
	s := sampleSchema()
	idx, err := s.ColumnIndex("NAME")
	require.NoError(t, err)
	require.Equal(t, 1, idx)

	_, err = s.ColumnIndex("missing")
	require.Error(t, err)
}
