package record

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func driversSchema() Schema {
	return Schema{Cols: []Column{
		{Name: "driverId", Type: ColInt, PrimaryKey: true, Index: "hash"},
		{Name: "surname", Type: ColVarchar, Size: 60},
		{Name: "rating", Type: ColFloat},
		{Name: "joined", Type: ColDate},
		{Name: "base", Type: ColPoint, Index: "rtree"},
	}}
}

func TestSchema_Validate(t *testing.T) {
	s := driversSchema()
	require.NoError(t, s.Validate())
	require.Equal(t, 8+60+8+8+16, s.RecordSize())
	require.Equal(t, 0, s.PrimaryKeyIndex())

	noPK := Schema{Cols: []Column{{Name: "x", Type: ColInt}}}
	require.Error(t, noPK.Validate())

	noSize := Schema{Cols: []Column{{Name: "x", Type: ColVarchar, PrimaryKey: true}}}
	require.Error(t, noSize.Validate())

	badSpatial := Schema{Cols: []Column{
		{Name: "id", Type: ColInt, PrimaryKey: true},
		{Name: "loc", Type: ColPoint, Index: "btree"},
	}}
	require.Error(t, badSpatial.Validate())
}

func TestCodec_RoundTrip(t *testing.T) {
	s := driversSchema()
	c := NewCodec(s)

	joined, err := ParseDate("2024-01-01")
	require.NoError(t, err)

	row := []any{int64(20), "Hamilton", 4.5, joined, [2]float64{-12.06, -77.03}}
	buf, err := c.Encode(row)
	require.NoError(t, err)
	require.Len(t, buf, s.RecordSize())

	got, err := c.Decode(buf)
	require.NoError(t, err)
	require.Equal(t, row, got)
}

func TestCodec_VarcharTooLong(t *testing.T) {
	s := Schema{Cols: []Column{{Name: "s", Type: ColVarchar, Size: 4, PrimaryKey: true}}}
	c := NewCodec(s)
	_, err := c.Encode([]any{"too long"})
	require.Error(t, err)
}

func TestCoerce(t *testing.T) {
	intCol := Column{Name: "n", Type: ColInt}
	v, err := Coerce(intCol, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)

	_, err = Coerce(intCol, "nope")
	require.Error(t, err)

	floatCol := Column{Name: "f", Type: ColFloat}
	v, err = Coerce(floatCol, int64(3))
	require.NoError(t, err)
	assert.Equal(t, 3.0, v)

	dateCol := Column{Name: "d", Type: ColDate}
	v, err = Coerce(dateCol, "1970-01-02")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestCompareKeys(t *testing.T) {
	assert.Equal(t, -1, CompareKeys(int64(1), int64(2)))
	assert.Equal(t, 0, CompareKeys(int64(2), int64(2)))
	assert.Equal(t, 1, CompareKeys("b", "a"))
	assert.Equal(t, -1, CompareKeys(1.5, 2.5))
}

func TestDateRoundTrip(t *testing.T) {
	d, err := ParseDate("2024-02-29")
	require.NoError(t, err)
	assert.Equal(t, "2024-02-29", FormatDate(d))
}
