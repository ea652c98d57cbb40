package bptree

import (
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/polydb/polydb/internal/heap"
	"github.com/polydb/polydb/internal/index"
	"github.com/polydb/polydb/internal/pagestore"
	"github.com/polydb/polydb/internal/record"
)

func intLayout() index.Layout {
	return index.Layout{
		KeyCol:       record.Column{Name: "id", Type: record.ColInt},
		PayloadWidth: heap.RIDWidth,
	}
}

func newTestTree(t *testing.T) *Tree {
	t.Helper()

	// Small pages keep fanout low so splits and merges happen early.
	tr, err := Open(filepath.Join(t.TempDir(), "idx.btree"), intLayout(), pagestore.Options{PageSize: 128})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func rid(n int) []byte {
	return heap.EncodeRID(heap.RID{Page: pagestore.PageID(n + 1), Slot: uint16(n)})
}

func TestTree_InsertSearchAcrossSplits(t *testing.T) {
	tr := newTestTree(t)

	perm := rand.New(rand.NewSource(11)).Perm(500)
	for _, k := range perm {
		require.NoError(t, tr.Insert(int64(k), rid(k)))
	}
	require.Equal(t, 500, tr.Count())
	require.Greater(t, tr.Height(), 1)
	require.NoError(t, tr.Audit())

	for _, k := range []int64{0, 137, 499} {
		hits, err := tr.Search(k)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		require.Equal(t, k, hits[0].Key)
	}

	hits, err := tr.Search(int64(1000))
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestTree_RangeSearchLeafChain(t *testing.T) {
	tr := newTestTree(t)

	for k := 0; k < 300; k++ {
		require.NoError(t, tr.Insert(int64(k), rid(k)))
	}

	hits, err := tr.RangeSearch(int64(50), int64(199))
	require.NoError(t, err)
	require.Len(t, hits, 150)
	for i, e := range hits {
		require.Equal(t, int64(50+i), e.Key)
	}

	// Bounds outside the stored domain clamp naturally.
	hits, err = tr.RangeSearch(int64(-10), int64(5))
	require.NoError(t, err)
	require.Len(t, hits, 6)
}

func TestTree_DuplicateKeys(t *testing.T) {
	tr := newTestTree(t)

	// Enough duplicates to cross leaf boundaries.
	for i := 0; i < 40; i++ {
		require.NoError(t, tr.Insert(int64(7), rid(i)))
	}
	require.NoError(t, tr.Insert(int64(3), rid(100)))
	require.NoError(t, tr.Insert(int64(9), rid(101)))

	hits, err := tr.Search(int64(7))
	require.NoError(t, err)
	require.Len(t, hits, 40)

	n, err := tr.Delete(int64(7), rid(25))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = tr.Delete(int64(7), nil)
	require.NoError(t, err)
	require.Equal(t, 39, n)
	require.NoError(t, tr.Audit())

	hits, err = tr.RangeSearch(int64(0), int64(10))
	require.NoError(t, err)
	require.Len(t, hits, 2)
}

func TestTree_DeleteRebalances(t *testing.T) {
	tr := newTestTree(t)

	for k := 0; k < 400; k++ {
		require.NoError(t, tr.Insert(int64(k), rid(k)))
	}
	require.NoError(t, tr.Audit())

	rng := rand.New(rand.NewSource(3))
	for _, k := range rng.Perm(400)[:350] {
		n, err := tr.Delete(int64(k), nil)
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}
	require.NoError(t, tr.Audit())
	require.Equal(t, 50, tr.Count())
}

func TestTree_DeleteToEmptyCollapsesRoot(t *testing.T) {
	tr := newTestTree(t)

	for k := 0; k < 200; k++ {
		require.NoError(t, tr.Insert(int64(k), rid(k)))
	}
	require.Greater(t, tr.Height(), 1)

	for k := 0; k < 200; k++ {
		n, err := tr.Delete(int64(k), nil)
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}
	require.Equal(t, 0, tr.Count())
	require.Equal(t, 1, tr.Height())
	require.NoError(t, tr.Audit())
}

func TestTree_ClusteredPayloads(t *testing.T) {
	// Clustered mode: the payload is a whole encoded record.
	schema := record.Schema{Cols: []record.Column{
		{Name: "id", Type: record.ColInt, PrimaryKey: true},
		{Name: "name", Type: record.ColVarchar, Size: 12},
	}}
	codec := record.NewCodec(schema)
	layout := index.Layout{
		KeyCol:       schema.Cols[0],
		PayloadWidth: codec.Size(),
		Clustered:    true,
	}

	tr, err := Open(filepath.Join(t.TempDir(), "idx.btree"), layout, pagestore.Options{PageSize: 256})
	require.NoError(t, err)
	defer tr.Close()

	for k := 0; k < 60; k++ {
		rec, err := codec.Encode([]any{int64(k), "row"})
		require.NoError(t, err)
		require.NoError(t, tr.Insert(int64(k), rec))
	}
	require.NoError(t, tr.Audit())

	hits, err := tr.Search(int64(33))
	require.NoError(t, err)
	require.Len(t, hits, 1)
	row, err := codec.Decode(hits[0].Payload)
	require.NoError(t, err)
	require.Equal(t, int64(33), row[0])
}

func TestTree_ReopenPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "idx.btree")

	tr, err := Open(path, intLayout(), pagestore.Options{PageSize: 128})
	require.NoError(t, err)
	for k := 0; k < 100; k++ {
		require.NoError(t, tr.Insert(int64(k), rid(k)))
	}
	require.NoError(t, tr.Close())

	tr2, err := Open(path, intLayout(), pagestore.Options{PageSize: 128})
	require.NoError(t, err)
	defer tr2.Close()

	require.Equal(t, 100, tr2.Count())
	require.NoError(t, tr2.Audit())
	hits, err := tr2.RangeSearch(int64(0), int64(99))
	require.NoError(t, err)
	require.Len(t, hits, 100)
}
