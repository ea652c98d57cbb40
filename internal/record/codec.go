package record

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/polydb/polydb/internal/dberr"
)

// Codec encodes rows of one schema into fixed-length byte records.
// Layout is the concatenation of the fixed-width column encodings:
//
//	INT/DATE  int64 LE
//	FLOAT     float64 bits LE
//	VARCHAR   Size bytes, NUL padded
//	ARRAY     two float64 bits LE (x, y)
type Codec struct {
	Schema Schema
}

func NewCodec(s Schema) Codec { return Codec{Schema: s} }

func (c Codec) Size() int { return c.Schema.RecordSize() }

// Encode serializes row (already coerced, schema order) into a fresh buffer.
func (c Codec) Encode(row []any) ([]byte, error) {
	if len(row) != c.Schema.NumCols() {
		return nil, dberr.Schemaf("row has %d values, schema has %d columns", len(row), c.Schema.NumCols())
	}
	buf := make([]byte, 0, c.Size())
	for i, col := range c.Schema.Cols {
		field, err := EncodeField(col, row[i])
		if err != nil {
			return nil, err
		}
		buf = append(buf, field...)
	}
	return buf, nil
}

// Decode parses one record back into a row.
func (c Codec) Decode(buf []byte) ([]any, error) {
	if len(buf) < c.Size() {
		return nil, dberr.Storagef("record buffer %d shorter than schema size %d", len(buf), c.Size())
	}
	row := make([]any, c.Schema.NumCols())
	off := 0
	for i, col := range c.Schema.Cols {
		row[i] = DecodeField(col, buf[off:off+col.Width()])
		off += col.Width()
	}
	return row, nil
}

// EncodeField serializes a single coerced value for col.
func EncodeField(col Column, v any) ([]byte, error) {
	switch col.Type {
	case ColInt, ColDate:
		x, ok := v.(int64)
		if !ok {
			return nil, typeMismatch(col, v)
		}
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(x))
		return b[:], nil

	case ColFloat:
		x, ok := v.(float64)
		if !ok {
			return nil, typeMismatch(col, v)
		}
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(x))
		return b[:], nil

	case ColVarchar:
		s, ok := v.(string)
		if !ok {
			return nil, typeMismatch(col, v)
		}
		if len(s) > col.Size {
			return nil, dberr.Schemaf("column %q: value longer than VARCHAR[%d]", col.Name, col.Size)
		}
		b := make([]byte, col.Size)
		copy(b, s)
		return b, nil

	case ColPoint:
		p, ok := v.([2]float64)
		if !ok {
			return nil, typeMismatch(col, v)
		}
		var b [16]byte
		binary.LittleEndian.PutUint64(b[0:], math.Float64bits(p[0]))
		binary.LittleEndian.PutUint64(b[8:], math.Float64bits(p[1]))
		return b[:], nil
	}
	return nil, dberr.Schemaf("column %q: unknown type", col.Name)
}

// DecodeField parses a single field; buf must be exactly col.Width() bytes.
func DecodeField(col Column, buf []byte) any {
	switch col.Type {
	case ColInt, ColDate:
		return int64(binary.LittleEndian.Uint64(buf))
	case ColFloat:
		return math.Float64frombits(binary.LittleEndian.Uint64(buf))
	case ColVarchar:
		return string(bytes.TrimRight(buf, "\x00"))
	case ColPoint:
		return [2]float64{
			math.Float64frombits(binary.LittleEndian.Uint64(buf[0:])),
			math.Float64frombits(binary.LittleEndian.Uint64(buf[8:])),
		}
	}
	return nil
}

// KeyWidth is the fixed byte width of col when used as an index key.
func KeyWidth(col Column) int { return col.Width() }

// EncodeKey serializes a key value for col into its fixed key width.
func EncodeKey(col Column, v any) ([]byte, error) {
	return EncodeField(col, v)
}

// DecodeKey parses a key back into its runtime value.
func DecodeKey(col Column, buf []byte) any {
	return DecodeField(col, buf[:col.Width()])
}
