package planner

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/polydb/polydb/internal/catalog"
	"github.com/polydb/polydb/internal/dberr"
	"github.com/polydb/polydb/internal/index"
	"github.com/polydb/polydb/internal/record"
	"github.com/polydb/polydb/internal/sql/parser"
)

func testMeta() *catalog.TableMeta {
	return &catalog.TableMeta{
		Name: "drivers",
		Schema: record.Schema{Cols: []record.Column{
			{Name: "driverId", Type: record.ColInt, PrimaryKey: true, Index: "hash"},
			{Name: "rating", Type: record.ColFloat, Index: "btree"},
			{Name: "age", Type: record.ColInt, Index: "avl"},
			{Name: "season", Type: record.ColInt, Index: "isam"},
			{Name: "surname", Type: record.ColVarchar, Size: 40},
			{Name: "base", Type: record.ColPoint, Index: "rtree"},
		}},
	}
}

func TestChoose_NoPredicateIsSeqScan(t *testing.T) {
	p, err := Choose(testMeta(), nil)
	require.NoError(t, err)
	require.Equal(t, SeqScan, p.Access)
	require.Equal(t, 1000, p.Cost)
}

func TestChoose_EqualityPerKind(t *testing.T) {
	cases := []struct {
		col    string
		access Access
		kind   index.Kind
		cost   int
	}{
		{"driverId", HashLookup, index.KindHash, 1},
		{"rating", BTreeLookup, index.KindBTree, 3},
		{"age", AVLLookup, index.KindAVL, 3},
		{"season", ISAMLookup, index.KindISAM, 5},
	}
	for _, tc := range cases {
		p, err := Choose(testMeta(), &parser.Predicate{Col: tc.col, Op: parser.PredEq, Value: int64(1)})
		require.NoError(t, err)
		require.Equal(t, tc.access, p.Access, tc.col)
		require.Equal(t, tc.kind, p.IndexKind, tc.col)
		require.Equal(t, tc.cost, p.Cost, tc.col)
	}
}

func TestChoose_RangePerKind(t *testing.T) {
	for col, want := range map[string]Access{
		"rating": BTreeRange,
		"age":    AVLRange,
		"season": ISAMRange,
	} {
		p, err := Choose(testMeta(), &parser.Predicate{Col: col, Op: parser.PredBetween, Lo: int64(1), Hi: int64(2)})
		require.NoError(t, err)
		require.Equal(t, want, p.Access, col)
	}
}

func TestChoose_HashNeverServesRange(t *testing.T) {
	p, err := Choose(testMeta(), &parser.Predicate{Col: "driverId", Op: parser.PredBetween, Lo: int64(1), Hi: int64(5)})
	require.NoError(t, err)
	require.Equal(t, SeqFilter, p.Access)
	require.Equal(t, 500, p.Cost)
}

func TestChoose_UnindexedColumnFilters(t *testing.T) {
	p, err := Choose(testMeta(), &parser.Predicate{Col: "surname", Op: parser.PredEq, Value: "Sainz"})
	require.NoError(t, err)
	require.Equal(t, SeqFilter, p.Access)
}

func TestChoose_Spatial(t *testing.T) {
	p, err := Choose(testMeta(), &parser.Predicate{Col: "base", Op: parser.PredWithin, Radius: 2})
	require.NoError(t, err)
	require.Equal(t, RTreeSpatial, p.Access)
	require.Equal(t, 20, p.Cost)
}

func TestChoose_UnknownColumnIsSchemaError(t *testing.T) {
	_, err := Choose(testMeta(), &parser.Predicate{Col: "nope", Op: parser.PredEq, Value: int64(1)})
	require.True(t, errors.Is(err, dberr.ErrSchema))
}
