package catalog

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/polydb/polydb/internal/dberr"
	"github.com/polydb/polydb/internal/index"
	"github.com/polydb/polydb/internal/record"
)

func driversSchema() record.Schema {
	return record.Schema{Cols: []record.Column{
		{Name: "driverId", Type: record.ColInt, PrimaryKey: true, Index: "hash"},
		{Name: "surname", Type: record.ColVarchar, Size: 60, Index: "btree"},
		{Name: "base", Type: record.ColPoint, Index: "rtree"},
	}}
}

func TestCatalog_CreateGetList(t *testing.T) {
	c, err := Open(t.TempDir())
	require.NoError(t, err)

	m, err := c.Create("drivers", driversSchema())
	require.NoError(t, err)
	require.Equal(t, "drivers.heap", m.HeapFile())
	require.Equal(t, "drivers.surname.btree.idx", m.IndexFile("surname", index.KindBTree))
	require.Equal(t, "driverId", m.PrimaryKey().Name)
	require.Len(t, m.IndexedColumns(), 3)

	got, err := c.Get("drivers")
	require.NoError(t, err)
	require.Equal(t, m.Name, got.Name)

	_, err = c.Create("races", driversSchema())
	require.NoError(t, err)
	require.Equal(t, []string{"drivers", "races"}, c.List())
}

func TestCatalog_DuplicateAndInvalid(t *testing.T) {
	c, err := Open(t.TempDir())
	require.NoError(t, err)

	_, err = c.Create("drivers", driversSchema())
	require.NoError(t, err)

	_, err = c.Create("drivers", driversSchema())
	require.True(t, errors.Is(err, dberr.ErrSchema))

	_, err = c.Create("bad name", driversSchema())
	require.True(t, errors.Is(err, dberr.ErrSchema))

	noPK := record.Schema{Cols: []record.Column{{Name: "x", Type: record.ColInt}}}
	_, err = c.Create("t", noPK)
	require.True(t, errors.Is(err, dberr.ErrSchema))

	badKind := record.Schema{Cols: []record.Column{
		{Name: "x", Type: record.ColInt, PrimaryKey: true, Index: "trie"},
	}}
	_, err = c.Create("t", badKind)
	require.True(t, errors.Is(err, dberr.ErrSchema))
}

func TestCatalog_DropReportsFiles(t *testing.T) {
	c, err := Open(t.TempDir())
	require.NoError(t, err)

	_, err = c.Create("drivers", driversSchema())
	require.NoError(t, err)

	files, err := c.Drop("drivers")
	require.NoError(t, err)
	require.Len(t, files, 4) // heap plus three indexes

	_, err = c.Get("drivers")
	require.True(t, errors.Is(err, dberr.ErrNotFound))

	_, err = c.Drop("drivers")
	require.True(t, errors.Is(err, dberr.ErrNotFound))
}

func TestCatalog_ReopenLoadsTables(t *testing.T) {
	dir := t.TempDir()

	c, err := Open(dir)
	require.NoError(t, err)
	_, err = c.Create("drivers", driversSchema())
	require.NoError(t, err)

	c2, err := Open(dir)
	require.NoError(t, err)
	require.Equal(t, []string{"drivers"}, c2.List())

	m, err := c2.Get("drivers")
	require.NoError(t, err)
	require.Equal(t, 3, m.Schema.NumCols())
	require.True(t, m.Schema.Cols[0].PrimaryKey)
}
