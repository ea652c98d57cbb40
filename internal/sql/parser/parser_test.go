package parser

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/polydb/polydb/internal/dberr"
	"github.com/polydb/polydb/internal/record"
)

func TestParse_CreateTable(t *testing.T) {
	stmt, err := Parse(`CREATE TABLE Drivers (
		driverId INT PRIMARY KEY INDEX hash,
		surname VARCHAR[60] INDEX btree,
		rating FLOAT,
		joined DATE,
		base ARRAY INDEX rtree
	);`)
	require.NoError(t, err)

	ct := stmt.(*CreateTableStmt)
	require.Equal(t, "Drivers", ct.TableName)
	require.Len(t, ct.Columns, 5)
	require.Equal(t, ColumnDef{Name: "driverId", Type: record.ColInt, PrimaryKey: true, IndexKind: "hash"}, ct.Columns[0])
	require.Equal(t, ColumnDef{Name: "surname", Type: record.ColVarchar, Size: 60, IndexKind: "btree"}, ct.Columns[1])
	require.Equal(t, record.ColPoint, ct.Columns[4].Type)
	require.Empty(t, ct.FromFile)
}

func TestParse_CreateTableFromFile(t *testing.T) {
	stmt, err := Parse(`CREATE TABLE Drivers (driverId INT PRIMARY KEY) FROM FILE "data/drivers.csv"`)
	require.NoError(t, err)
	require.Equal(t, "data/drivers.csv", stmt.(*CreateTableStmt).FromFile)
}

func TestParse_CreateTableErrors(t *testing.T) {
	syntax := []string{
		"CREATE TABLE t (x VARCHAR PRIMARY KEY)", // VARCHAR without size
		"CREATE TABLE t (x BLOB PRIMARY KEY)",    // unknown type
		"CREATE TABLE t (x INT PRIMARY KEY",      // unbalanced paren
	}
	for _, sql := range syntax {
		_, err := Parse(sql)
		require.Truef(t, errors.Is(err, dberr.ErrSyntax), "want syntax error for %q, got %v", sql, err)
	}

	schema := []string{
		"CREATE TABLE t (x INT)",                                // no primary key
		"CREATE TABLE t (x INT PRIMARY KEY, y INT PRIMARY KEY)", // two primary keys
	}
	for _, sql := range schema {
		_, err := Parse(sql)
		require.Truef(t, errors.Is(err, dberr.ErrSchema), "want schema error for %q, got %v", sql, err)
	}
}

func TestParse_Insert(t *testing.T) {
	stmt, err := Parse(`INSERT INTO Drivers VALUES (1, 'Hamilton', 4.5, '2020-01-15', ARRAY[-12.06, -77.03])`)
	require.NoError(t, err)

	in := stmt.(*InsertStmt)
	require.Equal(t, "Drivers", in.TableName)
	require.Nil(t, in.Columns)
	require.Len(t, in.Rows, 1)
	require.Equal(t, []any{int64(1), "Hamilton", 4.5, "2020-01-15", [2]float64{-12.06, -77.03}}, in.Rows[0])
}

func TestParse_InsertMultiRowWithColumns(t *testing.T) {
	stmt, err := Parse(`INSERT INTO Drivers (driverId, surname) VALUES (1, 'Sainz'), (2, 'Norris'), (3, 'Alonso')`)
	require.NoError(t, err)

	in := stmt.(*InsertStmt)
	require.Equal(t, []string{"driverId", "surname"}, in.Columns)
	require.Len(t, in.Rows, 3)
	require.Equal(t, []any{int64(2), "Norris"}, in.Rows[1])
}

func TestParse_SelectForms(t *testing.T) {
	stmt, err := Parse("SELECT * FROM Drivers")
	require.NoError(t, err)
	sel := stmt.(*SelectStmt)
	require.Nil(t, sel.Columns)
	require.Nil(t, sel.Where)

	stmt, err = Parse("SELECT surname, rating FROM Drivers WHERE driverId = 7")
	require.NoError(t, err)
	sel = stmt.(*SelectStmt)
	require.Equal(t, []string{"surname", "rating"}, sel.Columns)
	require.Equal(t, &Predicate{Col: "driverId", Op: PredEq, Value: int64(7)}, sel.Where)

	stmt, err = Parse("SELECT * FROM Drivers WHERE driverId BETWEEN 10 AND 15")
	require.NoError(t, err)
	require.Equal(t, &Predicate{Col: "driverId", Op: PredBetween, Lo: int64(10), Hi: int64(15)}, stmt.(*SelectStmt).Where)

	stmt, err = Parse("SELECT * FROM Drivers WHERE base IN (POINT[-12.07, -77.05], 5.0)")
	require.NoError(t, err)
	require.Equal(t, &Predicate{
		Col: "base", Op: PredWithin,
		Center: [2]float64{-12.07, -77.05}, Radius: 5.0,
	}, stmt.(*SelectStmt).Where)
}

func TestParse_Delete(t *testing.T) {
	stmt, err := Parse("DELETE FROM Drivers WHERE driverId = 3;")
	require.NoError(t, err)
	del := stmt.(*DeleteStmt)
	require.Equal(t, "Drivers", del.TableName)
	require.Equal(t, PredEq, del.Where.Op)

	stmt, err = Parse("DELETE FROM Drivers")
	require.NoError(t, err)
	require.Nil(t, stmt.(*DeleteStmt).Where)
}

func TestParse_DropTable(t *testing.T) {
	stmt, err := Parse("DROP TABLE Drivers")
	require.NoError(t, err)
	require.Equal(t, "Drivers", stmt.(*DropTableStmt).TableName)
}

func TestParse_SyntaxErrors(t *testing.T) {
	cases := []string{
		"",
		"SELEC * FROM t",
		"SELECT * FROM t WHERE a = 1 AND b = 2", // compound predicate
		"SELECT * FROM t WHERE a > 1",           // unsupported operator
		"SELECT * FROM t WHERE a BETWEEN 1",     // incomplete BETWEEN
		"INSERT INTO t VALUES (1, 'open",        // unterminated literal
		"SELECT * FROM t extra",                 // trailing input
		"SELECT * FROM t WHERE p IN (POINT[1], 2)",
	}
	for _, sql := range cases {
		_, err := Parse(sql)
		require.Truef(t, errors.Is(err, dberr.ErrSyntax), "want syntax error for %q, got %v", sql, err)
	}
}

func TestParse_CaseInsensitiveKeywords(t *testing.T) {
	_, err := Parse("select * from Drivers where driverId between 1 and 5")
	require.NoError(t, err)

	// Identifiers keep their case.
	stmt, err := Parse("delete from MixedCase where ID = 1")
	require.NoError(t, err)
	require.Equal(t, "MixedCase", stmt.(*DeleteStmt).TableName)
	require.Equal(t, "ID", stmt.(*DeleteStmt).Where.Col)
}
