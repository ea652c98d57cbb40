package pagestore

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/polydb/polydb/internal/dberr"
)

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()

	st, err := Open(filepath.Join(t.TempDir(), "pages.dat"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestStore_AllocateWriteRead(t *testing.T) {
	st := newTestStore(t, Options{PageSize: 256})

	id, err := st.Allocate()
	require.NoError(t, err)
	require.NotEqual(t, NilPage, id)

	buf := make([]byte, 256)
	copy(buf, "hello pages")
	require.NoError(t, st.Write(id, buf))

	got, err := st.Read(id)
	require.NoError(t, err)
	require.Equal(t, buf, got)
}

func TestStore_FreeReuseAndCorruptRead(t *testing.T) {
	st := newTestStore(t, Options{PageSize: 256})

	a, err := st.Allocate()
	require.NoError(t, err)
	b, err := st.Allocate()
	require.NoError(t, err)

	require.NoError(t, st.Free(a))

	// Reading a freed page is a storage corruption error.
	_, err = st.Read(a)
	require.Error(t, err)
	require.True(t, errors.Is(err, dberr.ErrStorage))

	// Freed page is handed out again before the file grows.
	c, err := st.Allocate()
	require.NoError(t, err)
	require.Equal(t, a, c)
	require.NotEqual(t, b, c)
}

func TestStore_OutOfRangeRead(t *testing.T) {
	st := newTestStore(t, Options{PageSize: 256})

	_, err := st.Read(PageID(42))
	require.True(t, errors.Is(err, dberr.ErrStorage))

	_, err = st.Read(NilPage)
	require.True(t, errors.Is(err, dberr.ErrStorage))
}

func TestStore_MaxPagesExhaustion(t *testing.T) {
	st := newTestStore(t, Options{PageSize: 256, MaxPages: 3})

	_, err := st.Allocate()
	require.NoError(t, err)
	_, err = st.Allocate()
	require.NoError(t, err)

	_, err = st.Allocate()
	require.True(t, errors.Is(err, ErrOutOfSpace))
	require.True(t, errors.Is(err, dberr.ErrStorage))
}

func TestStore_ReopenKeepsFreelist(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pages.dat")

	st, err := Open(path, Options{PageSize: 256})
	require.NoError(t, err)

	a, err := st.Allocate()
	require.NoError(t, err)
	b, err := st.Allocate()
	require.NoError(t, err)

	buf := make([]byte, 256)
	copy(buf, "persist me")
	require.NoError(t, st.Write(b, buf))
	require.NoError(t, st.Free(a))
	require.NoError(t, st.Close())

	st2, err := Open(path, Options{PageSize: 256})
	require.NoError(t, err)
	defer st2.Close()

	_, err = st2.Read(a)
	require.True(t, errors.Is(err, dberr.ErrStorage))

	got, err := st2.Read(b)
	require.NoError(t, err)
	require.Equal(t, buf, got)

	// Freelist survives reopen.
	c, err := st2.Allocate()
	require.NoError(t, err)
	require.Equal(t, a, c)
}

func TestStore_CountersTrackIO(t *testing.T) {
	st := newTestStore(t, Options{PageSize: 256})

	id, err := st.Allocate()
	require.NoError(t, err)
	require.NoError(t, st.Write(id, make([]byte, 256)))

	st.ResetCounters()
	_, err = st.Read(id)
	require.NoError(t, err)
	_, err = st.Read(id)
	require.NoError(t, err)

	c := st.Counters()
	require.Equal(t, uint64(2), c.Reads)
	require.Equal(t, uint64(0), c.Writes)
}
