// Package record defines table schemas and the fixed-layout codec that turns
// typed rows into constant-size byte records. Record length is derivable from
// the schema alone, which is what lets every index structure address entries
// by arithmetic instead of parsing.
package record

import (
	"github.com/polydb/polydb/internal/dberr"
)

// ColumnType enumerates the supported field types.
type ColumnType uint8

const (
	ColInt   ColumnType = iota + 1 // int64
	ColFloat                       // float64
	ColVarchar
	ColDate  // ordinal day count, int64
	ColPoint // coordinate pair, two float64
)

func (t ColumnType) String() string {
	switch t {
	case ColInt:
		return "INT"
	case ColFloat:
		return "FLOAT"
	case ColVarchar:
		return "VARCHAR"
	case ColDate:
		return "DATE"
	case ColPoint:
		return "ARRAY"
	default:
		return "UNKNOWN"
	}
}

// Column describes one field. Index holds the declared index kind name
// ("avl", "btree", "hash", "isam", "seq", "rtree") or "" for none; the
// catalog validates kind names against the column type.
type Column struct {
	Name       string `json:"name"`
	Type       ColumnType `json:"type"`
	Size       int    `json:"size,omitempty"` // VARCHAR byte width
	PrimaryKey bool   `json:"primary_key,omitempty"`
	Index      string `json:"index,omitempty"`
}

// Width returns the encoded byte width of the column.
func (c Column) Width() int {
	switch c.Type {
	case ColInt, ColFloat, ColDate:
		return 8
	case ColVarchar:
		return c.Size
	case ColPoint:
		return 16
	default:
		return 0
	}
}

// Schema is an ordered, immutable column list with exactly one primary key.
type Schema struct {
	Cols []Column `json:"cols"`
}

// Validate checks structural schema rules: exactly one PRIMARY KEY,
// VARCHAR sizes mandatory, no duplicate column names, spatial columns only
// indexable by the spatial tree.
func (s Schema) Validate() error {
	if len(s.Cols) == 0 {
		return dberr.Schemaf("table needs at least one column")
	}
	seen := map[string]bool{}
	pk := 0
	for _, c := range s.Cols {
		if c.Name == "" {
			return dberr.Schemaf("column with empty name")
		}
		if seen[c.Name] {
			return dberr.Schemaf("duplicate column %q", c.Name)
		}
		seen[c.Name] = true

		switch c.Type {
		case ColVarchar:
			if c.Size <= 0 {
				return dberr.Schemaf("column %q: VARCHAR requires a size", c.Name)
			}
		case ColInt, ColFloat, ColDate:
		case ColPoint:
			if c.Index != "" && c.Index != "rtree" {
				return dberr.Schemaf("column %q: ARRAY columns only support INDEX RTREE", c.Name)
			}
			if c.PrimaryKey {
				return dberr.Schemaf("column %q: ARRAY cannot be the primary key", c.Name)
			}
		default:
			return dberr.Schemaf("column %q: unknown type", c.Name)
		}

		if c.Type != ColPoint && c.Index == "rtree" {
			return dberr.Schemaf("column %q: INDEX RTREE requires an ARRAY column", c.Name)
		}

		if c.PrimaryKey {
			pk++
		}
	}
	if pk == 0 {
		return dberr.Schemaf("missing PRIMARY KEY column")
	}
	if pk > 1 {
		return dberr.Schemaf("more than one PRIMARY KEY column")
	}
	return nil
}

// RecordSize is the constant encoded length of a row.
func (s Schema) RecordSize() int {
	n := 0
	for _, c := range s.Cols {
		n += c.Width()
	}
	return n
}

// ColIndex returns the position of the named column, or -1.
func (s Schema) ColIndex(name string) int {
	for i := range s.Cols {
		if s.Cols[i].Name == name {
			return i
		}
	}
	return -1
}

// PrimaryKeyIndex returns the position of the PRIMARY KEY column.
func (s Schema) PrimaryKeyIndex() int {
	for i := range s.Cols {
		if s.Cols[i].PrimaryKey {
			return i
		}
	}
	return -1
}

func (s Schema) NumCols() int { return len(s.Cols) }
