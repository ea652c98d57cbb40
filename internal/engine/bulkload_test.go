package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func writeGzip(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	_, err = gz.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())
	return path
}

const driversCSV = `surname,ignored,driverId,rating,joined,base
Hamilton,x,44,4.8,2007-03-18,"ARRAY[1.0, 2.0]"
Alonso,y,14,4.6,2001-03-04,"ARRAY[3.0, 4.0]"
Sainz,z,55,4.2,2015-03-15,"ARRAY[5.0, 6.0]"
`

func createFromFile(t *testing.T, db *Database, path string) *Response {
	t.Helper()

	return db.Execute(fmt.Sprintf(`CREATE TABLE drivers (
		driverId INT PRIMARY KEY INDEX BTREE,
		surname VARCHAR[40] INDEX HASH,
		rating FLOAT INDEX AVL,
		joined DATE,
		base ARRAY INDEX RTREE
	) FROM FILE '%s'`, path))
}

func TestLoadCSV_HeaderMapsColumns(t *testing.T) {
	db := newTestDB(t)
	path := writeFile(t, "drivers.csv", driversCSV)

	res := createFromFile(t, db, path)
	require.True(t, res.Success, res.Error)
	require.Equal(t, 3, res.Count)

	got := mustExec(t, db, "SELECT surname, joined FROM drivers WHERE driverId = 44")
	require.Equal(t, []any{"Hamilton", "2007-03-18"}, got.Rows[0])

	// Secondary indexes were built too.
	got = mustExec(t, db, "SELECT driverId FROM drivers WHERE surname = 'Alonso'")
	require.Equal(t, 1, got.Count)
	got = mustExec(t, db, "SELECT driverId FROM drivers WHERE base IN (POINT[5.0, 6.0], 0)")
	require.Equal(t, int64(55), got.Rows[0][0])
}

func TestLoadCSV_Gzip(t *testing.T) {
	db := newTestDB(t)
	path := writeGzip(t, "drivers.csv.gz", driversCSV)

	res := createFromFile(t, db, path)
	require.True(t, res.Success, res.Error)
	require.Equal(t, 3, res.Count)
}

func TestLoadCSV_SkipsBadAndDuplicateRows(t *testing.T) {
	db := newTestDB(t)
	csv := `id,name
1,a
notANumber,b
2,c
1,duplicate
3,d
`
	path := writeFile(t, "rows.csv", csv)
	res := db.Execute(fmt.Sprintf(
		`CREATE TABLE rows (id INT PRIMARY KEY, name VARCHAR[20]) FROM FILE '%s'`, path))
	require.True(t, res.Success, res.Error)
	require.Equal(t, 3, res.Count)

	got := mustExec(t, db, "SELECT name FROM rows WHERE id = 1")
	require.Equal(t, "a", got.Rows[0][0]) // first occurrence wins
}

func TestLoadCSV_MissingColumnFailsCleanly(t *testing.T) {
	db := newTestDB(t)
	path := writeFile(t, "bad.csv", "id\n1\n")

	res := db.Execute(fmt.Sprintf(
		`CREATE TABLE rows (id INT PRIMARY KEY, name VARCHAR[20]) FROM FILE '%s'`, path))
	require.False(t, res.Success)
	require.Equal(t, "schema", res.ErrorKind)
	require.Contains(t, res.Error, "name")

	// The half-created table was rolled back.
	tables, err := db.ListTables()
	require.NoError(t, err)
	require.Empty(t, tables)
	res = mustExec(t, db, "CREATE TABLE rows (id INT PRIMARY KEY, name VARCHAR[20])")
	require.True(t, res.Success)
}

func TestLoadCSV_MissingFile(t *testing.T) {
	db := newTestDB(t)

	res := db.Execute(`CREATE TABLE rows (id INT PRIMARY KEY) FROM FILE '/no/such/file.csv'`)
	require.False(t, res.Success)
	require.Equal(t, "storage", res.ErrorKind)
	tables, err := db.ListTables()
	require.NoError(t, err)
	require.Empty(t, tables)
}

func TestLoadCSV_StaticIndexBulkBuild(t *testing.T) {
	db := newTestDB(t)

	var b strings.Builder
	b.WriteString("id,season\n")
	for i := 1; i <= 200; i++ {
		fmt.Fprintf(&b, "%d,%d\n", i, i%20)
	}
	path := writeFile(t, "seasons.csv", b.String())

	res := db.Execute(fmt.Sprintf(
		`CREATE TABLE seasons (id INT PRIMARY KEY, season INT INDEX ISAM) FROM FILE '%s'`, path))
	require.True(t, res.Success, res.Error)
	require.Equal(t, 200, res.Count)

	got := mustExec(t, db, "SELECT id FROM seasons WHERE season BETWEEN 3 AND 4")
	require.Equal(t, 20, got.Count)
	require.Equal(t, "isam_range", string(got.Explain.Access))

	got = mustExec(t, db, "SELECT id FROM seasons WHERE season = 7")
	require.Equal(t, 10, got.Count)
}

func TestLoadCSV_VarcharTruncates(t *testing.T) {
	db := newTestDB(t)
	path := writeFile(t, "t.csv", "id,name\n1,abcdefghij\n")

	res := db.Execute(fmt.Sprintf(
		`CREATE TABLE t (id INT PRIMARY KEY, name VARCHAR[4]) FROM FILE '%s'`, path))
	require.True(t, res.Success, res.Error)

	got := mustExec(t, db, "SELECT name FROM t WHERE id = 1")
	require.Equal(t, "abcd", got.Rows[0][0])
}
