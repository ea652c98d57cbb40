package executor

import (
	"os"
	"path/filepath"

	"github.com/polydb/polydb/internal/catalog"
	"github.com/polydb/polydb/internal/dberr"
	"github.com/polydb/polydb/internal/heap"
	"github.com/polydb/polydb/internal/index"
	"github.com/polydb/polydb/internal/index/avltree"
	"github.com/polydb/polydb/internal/index/bptree"
	"github.com/polydb/polydb/internal/index/exthash"
	"github.com/polydb/polydb/internal/index/isam"
	"github.com/polydb/polydb/internal/index/rtree"
	"github.com/polydb/polydb/internal/pagestore"
	"github.com/polydb/polydb/internal/record"
)

// Table is the open runtime state of one table: the heap record file plus an
// open instance of every declared index. The heap is canonical; keyed
// indexes map column values to record pointers, except the clustered
// primary B-tree whose entries carry the full record followed by its
// pointer.
type Table struct {
	Meta  *catalog.TableMeta
	Heap  *heap.File
	Codec record.Codec

	dir     string
	Keyed   map[string]index.Index
	Spatial map[string]index.Spatial
}

// OpenTable opens the heap and every index file for meta under dir.
func OpenTable(dir string, meta *catalog.TableMeta, opts pagestore.Options) (*Table, error) {
	h, err := heap.Open(filepath.Join(dir, meta.HeapFile()), meta.Schema, opts)
	if err != nil {
		return nil, err
	}

	t := &Table{
		Meta:    meta,
		Heap:    h,
		Codec:   record.NewCodec(meta.Schema),
		dir:     dir,
		Keyed:   make(map[string]index.Index),
		Spatial: make(map[string]index.Spatial),
	}

	for _, col := range meta.IndexedColumns() {
		kind := index.Kind(col.Index)
		path := filepath.Join(dir, meta.IndexFile(col.Name, kind))

		if kind == index.KindRTree {
			sp, err := rtree.Open(path, heap.RIDWidth, opts)
			if err != nil {
				t.Close()
				return nil, err
			}
			t.Spatial[col.Name] = sp
			continue
		}

		layout := index.Layout{KeyCol: col, PayloadWidth: heap.RIDWidth}
		if kind == index.KindBTree && col.PrimaryKey {
			// Clustered organization: record inline plus its pointer.
			layout.PayloadWidth = t.Codec.Size() + heap.RIDWidth
			layout.Clustered = true
		}

		var idx index.Index
		switch kind {
		case index.KindAVL:
			idx, err = avltree.Open(path, layout, opts)
		case index.KindBTree:
			idx, err = bptree.Open(path, layout, opts)
		case index.KindHash:
			idx, err = exthash.Open(path, layout, opts)
		case index.KindISAM:
			idx, err = isam.Open(path, layout, opts)
		default:
			err = dberr.Schemaf("column %q: unsupported index kind %q", col.Name, kind)
		}
		if err != nil {
			t.Close()
			return nil, err
		}
		t.Keyed[col.Name] = idx
	}
	return t, nil
}

// payloadFor builds the index payload for one stored row.
func (t *Table) payloadFor(idx index.Index, rid heap.RID, rec []byte) []byte {
	if bt, ok := idx.(*bptree.Tree); ok && bt.Clustered() {
		p := make([]byte, 0, len(rec)+heap.RIDWidth)
		p = append(p, rec...)
		return append(p, heap.EncodeRID(rid)...)
	}
	return heap.EncodeRID(rid)
}

// resolveEntry turns an index entry back into the row and its pointer.
func (t *Table) resolveEntry(idx index.Index, e index.Entry) (heap.RID, []any, error) {
	if bt, ok := idx.(*bptree.Tree); ok && bt.Clustered() {
		row, err := t.Codec.Decode(e.Payload[:t.Codec.Size()])
		if err != nil {
			return heap.RID{}, nil, err
		}
		return heap.DecodeRID(e.Payload[t.Codec.Size():]), row, nil
	}
	rid := heap.DecodeRID(e.Payload)
	row, err := t.Heap.Get(rid)
	return rid, row, err
}

// PageReads sums read counters across the heap and every index store.
func (t *Table) PageReads() uint64 {
	n := t.Heap.Store().Counters().Reads
	for _, idx := range t.Keyed {
		n += idx.Counters().Reads
	}
	for _, sp := range t.Spatial {
		n += sp.Counters().Reads
	}
	return n
}

// ResetCounters zeroes I/O counters ahead of one measured statement.
func (t *Table) ResetCounters() {
	t.Heap.Store().ResetCounters()
	for _, idx := range t.Keyed {
		idx.ResetCounters()
	}
	for _, sp := range t.Spatial {
		sp.ResetCounters()
	}
}

// SizeBytes sums file sizes of the heap and all index stores.
func (t *Table) SizeBytes() int64 {
	n := t.Heap.Store().SizeBytes()
	for _, col := range t.Meta.IndexedColumns() {
		kind := index.Kind(col.Index)
		if fi, err := os.Stat(filepath.Join(t.dir, t.Meta.IndexFile(col.Name, kind))); err == nil {
			n += fi.Size()
		}
	}
	return n
}

// Close closes the heap and every index file.
func (t *Table) Close() error {
	var first error
	if err := t.Heap.Close(); err != nil {
		first = err
	}
	for _, idx := range t.Keyed {
		if err := idx.Close(); err != nil && first == nil {
			first = err
		}
	}
	for _, sp := range t.Spatial {
		if err := sp.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
