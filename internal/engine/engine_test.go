package engine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/polydb/polydb/internal/pagestore"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()

	db, err := Open(t.TempDir(), pagestore.Options{PageSize: 1024})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func mustExec(t *testing.T, db *Database, sql string) *Response {
	t.Helper()

	res := db.Execute(sql)
	require.True(t, res.Success, "%s: %s", sql, res.Error)
	return res
}

const createDrivers = `CREATE TABLE drivers (
	driverId INT PRIMARY KEY INDEX BTREE,
	surname VARCHAR[40] INDEX HASH,
	rating FLOAT INDEX AVL,
	joined DATE,
	base ARRAY INDEX RTREE
)`

func seed(t *testing.T, db *Database, n int) {
	t.Helper()

	for i := 1; i <= n; i++ {
		mustExec(t, db, fmt.Sprintf(
			`INSERT INTO drivers VALUES (%d, 'driver_%d', %d.5, '2020-01-01', ARRAY[%d.0, %d.0])`,
			i, i, i%5, i%10, i/10,
		))
	}
}

func TestExecute_FullLifecycle(t *testing.T) {
	db := newTestDB(t)

	mustExec(t, db, createDrivers)
	seed(t, db, 30)

	res := mustExec(t, db, "SELECT * FROM drivers WHERE driverId BETWEEN 5 AND 8")
	require.Equal(t, 4, res.Count)
	require.Equal(t, "btree_range", string(res.Explain.Access))
	require.GreaterOrEqual(t, res.TimeMs, 0.0)

	res = mustExec(t, db, "DELETE FROM drivers WHERE driverId = 6")
	require.Equal(t, 1, res.Count)

	res = mustExec(t, db, "SELECT * FROM drivers WHERE driverId BETWEEN 5 AND 8")
	require.Equal(t, 3, res.Count)

	mustExec(t, db, "DROP TABLE drivers")
	tables, err := db.ListTables()
	require.NoError(t, err)
	require.Empty(t, tables)
}

func TestExecute_ErrorKinds(t *testing.T) {
	db := newTestDB(t)
	mustExec(t, db, createDrivers)
	seed(t, db, 1)

	cases := []struct {
		sql  string
		kind string
	}{
		{"SELEKT * FROM drivers", "syntax"},
		{"SELECT * FROM nope", "not_found"},
		{"SELECT missing FROM drivers", "schema"},
		{`INSERT INTO drivers VALUES (1, 'dup', 1.0, '2020-01-01', ARRAY[0.0, 0.0])`, "constraint"},
		{"DROP TABLE nope", "not_found"},
		{"CREATE TABLE bad (x INT)", "schema"},
		{"CREATE TABLE bad (id INT PRIMARY KEY, x FLOAT INDEX RTREE)", "schema"},
	}
	for _, tc := range cases {
		res := db.Execute(tc.sql)
		require.False(t, res.Success, tc.sql)
		require.Equal(t, tc.kind, res.ErrorKind, tc.sql)
		require.NotEmpty(t, res.Error, tc.sql)
	}
}

func TestExecute_PrimaryKeyDefaultsToOrderedIndex(t *testing.T) {
	db := newTestDB(t)

	mustExec(t, db, "CREATE TABLE plain (id INT PRIMARY KEY, name VARCHAR[10])")
	mustExec(t, db, "INSERT INTO plain VALUES (3, 'c'), (1, 'a'), (2, 'b')")

	res := mustExec(t, db, "SELECT * FROM plain WHERE id = 2")
	require.Equal(t, 1, res.Count)
	require.Equal(t, "btree_lookup", string(res.Explain.Access))

	info, err := db.DescribeTable("plain")
	require.NoError(t, err)
	require.Equal(t, "btree", info.Columns[0].Index)
}

func TestExplain_DoesNotExecute(t *testing.T) {
	db := newTestDB(t)
	mustExec(t, db, createDrivers)
	seed(t, db, 10)

	ex, err := db.Explain("DELETE FROM drivers WHERE driverId = 3")
	require.NoError(t, err)
	require.Equal(t, "btree_lookup", string(ex.Access))
	require.Equal(t, 3, ex.Cost)
	require.InDelta(t, 0.03, ex.EstimatedMs, 1e-9)

	// The row is still there.
	res := mustExec(t, db, "SELECT * FROM drivers WHERE driverId = 3")
	require.Equal(t, 1, res.Count)

	_, err = db.Explain(createDrivers)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.Validate("SELECT * FROM anything WHERE x = 1"))
	require.Error(t, db.Validate("SELECT FROM"))
}

func TestDescribeTableAndStats(t *testing.T) {
	db := newTestDB(t)
	mustExec(t, db, createDrivers)
	seed(t, db, 10)
	mustExec(t, db, "DELETE FROM drivers WHERE driverId = 1")

	info, err := db.DescribeTable("drivers")
	require.NoError(t, err)
	require.Equal(t, "drivers", info.Name)
	require.Len(t, info.Columns, 5)
	require.Equal(t, "VARCHAR[40]", info.Columns[1].Type)
	require.True(t, info.Columns[0].PrimaryKey)
	require.Equal(t, uint64(9), info.LiveRows)
	require.Equal(t, uint64(10), info.TotalRows)
	require.Equal(t, 8+40+8+8+16, info.RecordSize)
	require.Greater(t, info.SizeBytes, int64(0))

	stats, err := db.Stats()
	require.NoError(t, err)
	require.Equal(t, 1, stats.TotalTables)
	require.Equal(t, uint64(9), stats.TotalRecords)
	require.Equal(t, info.SizeBytes, stats.EstimatedSizeBytes)
	require.Len(t, stats.Tables, 1)

	_, err = db.DescribeTable("nope")
	require.Error(t, err)
}

func TestHealth(t *testing.T) {
	db := newTestDB(t)
	mustExec(t, db, createDrivers)

	h := db.Health()
	require.Equal(t, "ok", h.Status)
	require.Equal(t, 1, h.Tables)
	require.NotEmpty(t, h.DataDir)
}

func TestReopen_KeepsTables(t *testing.T) {
	dir := t.TempDir()
	opts := pagestore.Options{PageSize: 1024}

	db, err := Open(dir, opts)
	require.NoError(t, err)
	mustExec(t, db, createDrivers)
	seed(t, db, 5)
	require.NoError(t, db.Close())

	db2, err := Open(dir, opts)
	require.NoError(t, err)
	defer db2.Close()

	tables, err := db2.ListTables()
	require.NoError(t, err)
	require.Len(t, tables, 1)
	require.Equal(t, "drivers", tables[0].Name)
	require.Equal(t, uint64(5), tables[0].RowCount)
	require.Equal(t, 5, tables[0].ColumnCount)
	res := mustExec(t, db2, "SELECT * FROM drivers WHERE driverId BETWEEN 1 AND 5")
	require.Equal(t, 5, res.Count)
}

func TestDropTable_RemovesFiles(t *testing.T) {
	db := newTestDB(t)
	mustExec(t, db, createDrivers)
	seed(t, db, 3)
	mustExec(t, db, "DROP TABLE drivers")

	// The name is immediately reusable with a different shape.
	mustExec(t, db, "CREATE TABLE drivers (id INT PRIMARY KEY)")
	res := mustExec(t, db, "SELECT * FROM drivers")
	require.Equal(t, 0, res.Count)
}

func TestExecute_SpatialEndToEnd(t *testing.T) {
	db := newTestDB(t)
	mustExec(t, db, createDrivers)
	seed(t, db, 100) // bases on a 10x10 grid

	res := mustExec(t, db, "SELECT driverId FROM drivers WHERE base IN (POINT[5.0, 5.0], 1.0)")
	require.Equal(t, 5, res.Count)
	require.Equal(t, "rtree_spatial", string(res.Explain.Access))
}
