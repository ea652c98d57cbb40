package executor

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/polydb/polydb/internal/catalog"
	"github.com/polydb/polydb/internal/dberr"
	"github.com/polydb/polydb/internal/pagestore"
	"github.com/polydb/polydb/internal/record"
	"github.com/polydb/polydb/internal/sql/parser"
	"github.com/polydb/polydb/internal/sql/planner"
)

func driversSchema() record.Schema {
	return record.Schema{Cols: []record.Column{
		{Name: "driverId", Type: record.ColInt, PrimaryKey: true, Index: "btree"},
		{Name: "surname", Type: record.ColVarchar, Size: 40, Index: "hash"},
		{Name: "rating", Type: record.ColFloat, Index: "avl"},
		{Name: "joined", Type: record.ColDate},
		{Name: "base", Type: record.ColPoint, Index: "rtree"},
	}}
}

func newTestTable(t *testing.T) *Table {
	t.Helper()

	dir := t.TempDir()
	cat, err := catalog.Open(dir)
	require.NoError(t, err)
	meta, err := cat.Create("drivers", driversSchema())
	require.NoError(t, err)

	tb, err := OpenTable(dir, meta, pagestore.Options{PageSize: 1024})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tb.Close() })
	return tb
}

func mustInsert(t *testing.T, tb *Table, sql string) *Result {
	t.Helper()

	stmt, err := parser.Parse(sql)
	require.NoError(t, err)
	res, err := Insert(tb, stmt.(*parser.InsertStmt))
	require.NoError(t, err)
	return res
}

func runSelect(t *testing.T, tb *Table, sql string) (*Result, error) {
	t.Helper()

	stmt, err := parser.Parse(sql)
	require.NoError(t, err)
	sel := stmt.(*parser.SelectStmt)
	plan, err := planner.Choose(tb.Meta, sel.Where)
	if err != nil {
		return nil, err
	}
	return Select(tb, sel, plan)
}

func runDelete(t *testing.T, tb *Table, sql string) (*Result, error) {
	t.Helper()

	stmt, err := parser.Parse(sql)
	require.NoError(t, err)
	del := stmt.(*parser.DeleteStmt)
	plan, err := planner.Choose(tb.Meta, del.Where)
	if err != nil {
		return nil, err
	}
	return Delete(tb, del, plan)
}

func seedDrivers(t *testing.T, tb *Table, n int) {
	t.Helper()

	for i := 1; i <= n; i++ {
		sql := fmt.Sprintf(
			`INSERT INTO drivers VALUES (%d, 'driver_%d', %d.5, '2020-01-01', ARRAY[%d.0, %d.0])`,
			i, i, i%5, i%10, i/10,
		)
		mustInsert(t, tb, sql)
	}
}

func TestInsertSelect_PrimaryKeyLookup(t *testing.T) {
	tb := newTestTable(t)
	seedDrivers(t, tb, 50)

	res, err := runSelect(t, tb, "SELECT * FROM drivers WHERE driverId = 7")
	require.NoError(t, err)
	require.Equal(t, 1, res.Count)
	require.Equal(t, []string{"driverId", "surname", "rating", "joined", "base"}, res.Columns)
	require.Equal(t, int64(7), res.Rows[0][0])
	require.Equal(t, "driver_7", res.Rows[0][1])
	require.Equal(t, "2020-01-01", res.Rows[0][3]) // dates come back formatted
	require.Equal(t, planner.BTreeLookup, res.Explain.Access)
	require.Greater(t, res.Explain.PageReads, uint64(0))
}

func TestInsert_DuplicatePrimaryKey(t *testing.T) {
	tb := newTestTable(t)
	seedDrivers(t, tb, 3)

	stmt, err := parser.Parse(`INSERT INTO drivers VALUES (2, 'dup', 1.0, '2020-01-01', ARRAY[0.0, 0.0])`)
	require.NoError(t, err)
	_, err = Insert(tb, stmt.(*parser.InsertStmt))
	require.True(t, errors.Is(err, dberr.ErrConstraint))

	// The failed insert left nothing behind.
	res, err := runSelect(t, tb, "SELECT * FROM drivers")
	require.NoError(t, err)
	require.Equal(t, 3, res.Count)
}

func TestInsert_ColumnListReorders(t *testing.T) {
	tb := newTestTable(t)

	mustInsert(t, tb, `INSERT INTO drivers (surname, driverId, base, joined, rating)
		VALUES ('Sainz', 55, ARRAY[1.0, 2.0], '2021-03-28', 4.5)`)

	res, err := runSelect(t, tb, "SELECT driverId, surname, rating FROM drivers WHERE driverId = 55")
	require.NoError(t, err)
	require.Equal(t, []any{int64(55), "Sainz", 4.5}, res.Rows[0])
}

func TestInsert_TypeMismatchIsSchemaError(t *testing.T) {
	tb := newTestTable(t)

	stmt, err := parser.Parse(`INSERT INTO drivers VALUES ('notANumber', 'x', 1.0, '2020-01-01', ARRAY[0.0, 0.0])`)
	require.NoError(t, err)
	_, err = Insert(tb, stmt.(*parser.InsertStmt))
	require.True(t, errors.Is(err, dberr.ErrSchema))
}

func TestSelect_BetweenOnPrimaryBTree(t *testing.T) {
	tb := newTestTable(t)
	seedDrivers(t, tb, 100)

	res, err := runSelect(t, tb, "SELECT * FROM drivers WHERE driverId BETWEEN 10 AND 15")
	require.NoError(t, err)
	require.Equal(t, 6, res.Count)
	for i, row := range res.Rows {
		require.Equal(t, int64(10+i), row[0]) // ascending key order
	}
	require.Equal(t, planner.BTreeRange, res.Explain.Access)
}

func TestSelect_HashEquality(t *testing.T) {
	tb := newTestTable(t)
	seedDrivers(t, tb, 30)

	res, err := runSelect(t, tb, "SELECT surname FROM drivers WHERE surname = 'driver_12'")
	require.NoError(t, err)
	require.Equal(t, 1, res.Count)
	require.Equal(t, planner.HashLookup, res.Explain.Access)
}

func TestSelect_AVLRangeWithDuplicates(t *testing.T) {
	tb := newTestTable(t)
	seedDrivers(t, tb, 20) // ratings cycle 0.5..4.5

	res, err := runSelect(t, tb, "SELECT driverId, rating FROM drivers WHERE rating BETWEEN 2.5 AND 3.5")
	require.NoError(t, err)
	require.Equal(t, 8, res.Count) // ratings 2.5 and 3.5, four drivers each
	require.Equal(t, planner.AVLRange, res.Explain.Access)
}

func TestSelect_UnindexedFilter(t *testing.T) {
	tb := newTestTable(t)
	seedDrivers(t, tb, 10)

	res, err := runSelect(t, tb, "SELECT * FROM drivers WHERE joined = '2020-01-01'")
	require.NoError(t, err)
	require.Equal(t, 10, res.Count)
	require.Equal(t, planner.SeqFilter, res.Explain.Access)
}

func TestSelect_SpatialRadius(t *testing.T) {
	tb := newTestTable(t)
	seedDrivers(t, tb, 100) // bases on a 10x10 grid

	res, err := runSelect(t, tb, "SELECT driverId FROM drivers WHERE base IN (POINT[5.0, 5.0], 1.0)")
	require.NoError(t, err)
	require.Equal(t, 5, res.Count) // center plus four axis neighbors
	require.Equal(t, planner.RTreeSpatial, res.Explain.Access)
}

func TestSelect_UnknownColumn(t *testing.T) {
	tb := newTestTable(t)
	seedDrivers(t, tb, 3)

	_, err := runSelect(t, tb, "SELECT nope FROM drivers")
	require.True(t, errors.Is(err, dberr.ErrSchema))

	_, err = runSelect(t, tb, "SELECT * FROM drivers WHERE nope = 1")
	require.True(t, errors.Is(err, dberr.ErrSchema))
}

func TestDelete_RemovesFromEveryIndex(t *testing.T) {
	tb := newTestTable(t)
	seedDrivers(t, tb, 20)

	res, err := runDelete(t, tb, "DELETE FROM drivers WHERE driverId = 5")
	require.NoError(t, err)
	require.Equal(t, 1, res.Count)

	// Gone through every access path.
	for _, q := range []string{
		"SELECT * FROM drivers WHERE driverId = 5",
		"SELECT * FROM drivers WHERE surname = 'driver_5'",
		"SELECT * FROM drivers WHERE base IN (POINT[5.0, 0.0], 0)",
	} {
		res, err := runSelect(t, tb, q)
		require.NoError(t, err, q)
		require.Equal(t, 0, res.Count, q)
	}

	// Deleting again affects zero rows without error.
	res, err = runDelete(t, tb, "DELETE FROM drivers WHERE driverId = 5")
	require.NoError(t, err)
	require.Equal(t, 0, res.Count)

	// The key is free for reuse.
	mustInsert(t, tb, `INSERT INTO drivers VALUES (5, 'returning', 3.0, '2024-06-01', ARRAY[5.0, 0.0])`)
	got, err := runSelect(t, tb, "SELECT surname FROM drivers WHERE driverId = 5")
	require.NoError(t, err)
	require.Equal(t, "returning", got.Rows[0][0])
}

func TestDelete_AllRows(t *testing.T) {
	tb := newTestTable(t)
	seedDrivers(t, tb, 15)

	res, err := runDelete(t, tb, "DELETE FROM drivers")
	require.NoError(t, err)
	require.Equal(t, 15, res.Count)

	got, err := runSelect(t, tb, "SELECT * FROM drivers")
	require.NoError(t, err)
	require.Equal(t, 0, got.Count)
}

func TestMultiRowInsert(t *testing.T) {
	tb := newTestTable(t)

	res := mustInsert(t, tb, `INSERT INTO drivers VALUES
		(1, 'a', 1.0, '2020-01-01', ARRAY[0.0, 0.0]),
		(2, 'b', 2.0, '2020-01-02', ARRAY[1.0, 1.0]),
		(3, 'c', 3.0, '2020-01-03', ARRAY[2.0, 2.0])`)
	require.Equal(t, 3, res.Count)

	got, err := runSelect(t, tb, "SELECT * FROM drivers WHERE driverId BETWEEN 1 AND 3")
	require.NoError(t, err)
	require.Equal(t, 3, got.Count)
}

func TestTable_ReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	cat, err := catalog.Open(dir)
	require.NoError(t, err)
	meta, err := cat.Create("drivers", driversSchema())
	require.NoError(t, err)

	tb, err := OpenTable(dir, meta, pagestore.Options{PageSize: 1024})
	require.NoError(t, err)
	for i := 1; i <= 10; i++ {
		sql := fmt.Sprintf(`INSERT INTO drivers VALUES (%d, 's%d', 1.0, '2020-01-01', ARRAY[0.0, 0.0])`, i, i)
		mustInsert(t, tb, sql)
	}
	require.NoError(t, tb.Close())

	tb2, err := OpenTable(dir, meta, pagestore.Options{PageSize: 1024})
	require.NoError(t, err)
	defer tb2.Close()

	res, err := runSelect(t, tb2, "SELECT * FROM drivers WHERE driverId BETWEEN 1 AND 10")
	require.NoError(t, err)
	require.Equal(t, 10, res.Count)
}
