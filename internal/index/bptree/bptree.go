// Package bptree implements the paged B-tree: internal pages carry separator
// keys and child page numbers, leaf pages carry (key, payload) entries and
// are doubly linked for range traversal. The payload is opaque to the tree,
// so the same code serves unclustered indexes (record pointers) and the
// clustered primary organization (full records inline in the leaves).
package bptree

import (
	"bytes"
	"encoding/binary"
	"log/slog"

	"github.com/polydb/polydb/internal/dberr"
	"github.com/polydb/polydb/internal/index"
	"github.com/polydb/polydb/internal/pagestore"
	"github.com/polydb/polydb/internal/record"
)

// meta page layout: root u32 | height u32 | count u64 | firstLeaf u32
const (
	metaRoot      = 0
	metaHeight    = 4
	metaCount     = 8
	metaFirstLeaf = 16
)

// node page layout:
//
//	leaf:     [isLeaf=1 | count u16 | prev u32 | next u32 | entries...]
//	internal: [isLeaf=0 | count u16 | child0 u32 | (key, child u32)...]
const (
	nodeHeader     = 3
	leafHeader     = nodeHeader + 8
	minNodeFanout  = 3
)

// Tree is a paged B-tree over its own page store.
type Tree struct {
	st     *pagestore.Store
	layout index.Layout

	leafCap     int // max entries per leaf
	internalCap int // max separator keys per internal page

	root      pagestore.PageID
	height    uint32 // 1 when the root is a leaf
	count     uint64
	firstLeaf pagestore.PageID
}

type node struct {
	pid  pagestore.PageID
	leaf bool
	keys []any

	payloads [][]byte // leaf only, parallel to keys
	prev     pagestore.PageID
	next     pagestore.PageID

	children []pagestore.PageID // internal only, len(keys)+1
}

// Open opens or creates the tree at path.
func Open(path string, layout index.Layout, opts pagestore.Options) (*Tree, error) {
	st, err := pagestore.Open(path, opts)
	if err != nil {
		return nil, err
	}

	kw := layout.KeyCol.Width()
	t := &Tree{
		st:          st,
		layout:      layout,
		leafCap:     (st.PageSize() - leafHeader) / layout.EntryWidth(),
		internalCap: (st.PageSize() - nodeHeader - 4) / (kw + 4),
	}
	if t.leafCap < minNodeFanout || t.internalCap < minNodeFanout {
		st.Close()
		return nil, dberr.Storagef("btree entry width %d too large for page size %d", layout.EntryWidth(), st.PageSize())
	}

	if st.PageCount() == 0 {
		if _, err := st.Allocate(); err != nil { // meta page
			st.Close()
			return nil, err
		}
		rootPid, err := st.Allocate()
		if err != nil {
			st.Close()
			return nil, err
		}
		if err := t.writeNode(node{pid: rootPid, leaf: true}); err != nil {
			st.Close()
			return nil, err
		}
		t.root = rootPid
		t.height = 1
		t.firstLeaf = rootPid
		if err := t.writeMeta(); err != nil {
			st.Close()
			return nil, err
		}
		return t, nil
	}

	buf, err := st.Read(1)
	if err != nil {
		st.Close()
		return nil, err
	}
	t.root = pagestore.PageID(binary.LittleEndian.Uint32(buf[metaRoot:]))
	t.height = binary.LittleEndian.Uint32(buf[metaHeight:])
	t.count = binary.LittleEndian.Uint64(buf[metaCount:])
	t.firstLeaf = pagestore.PageID(binary.LittleEndian.Uint32(buf[metaFirstLeaf:]))
	return t, nil
}

func (t *Tree) Kind() index.Kind { return index.KindBTree }

// Clustered reports whether leaf payloads carry inline records.
func (t *Tree) Clustered() bool { return t.layout.Clustered }

func (t *Tree) writeMeta() error {
	buf := make([]byte, t.st.PageSize())
	binary.LittleEndian.PutUint32(buf[metaRoot:], uint32(t.root))
	binary.LittleEndian.PutUint32(buf[metaHeight:], t.height)
	binary.LittleEndian.PutUint64(buf[metaCount:], t.count)
	binary.LittleEndian.PutUint32(buf[metaFirstLeaf:], uint32(t.firstLeaf))
	return t.st.Write(1, buf)
}

func (t *Tree) readNode(pid pagestore.PageID) (node, error) {
	buf, err := t.st.Read(pid)
	if err != nil {
		return node{}, err
	}
	n := node{pid: pid, leaf: buf[0] == 1}
	cnt := int(binary.LittleEndian.Uint16(buf[1:]))
	kw := t.layout.KeyCol.Width()

	if n.leaf {
		n.prev = pagestore.PageID(binary.LittleEndian.Uint32(buf[nodeHeader:]))
		n.next = pagestore.PageID(binary.LittleEndian.Uint32(buf[nodeHeader+4:]))
		ew := t.layout.EntryWidth()
		for i := 0; i < cnt; i++ {
			off := leafHeader + i*ew
			n.keys = append(n.keys, record.DecodeKey(t.layout.KeyCol, buf[off:off+kw]))
			n.payloads = append(n.payloads, append([]byte(nil), buf[off+kw:off+ew]...))
		}
		return n, nil
	}

	off := nodeHeader
	n.children = append(n.children, pagestore.PageID(binary.LittleEndian.Uint32(buf[off:])))
	off += 4
	for i := 0; i < cnt; i++ {
		n.keys = append(n.keys, record.DecodeKey(t.layout.KeyCol, buf[off:off+kw]))
		off += kw
		n.children = append(n.children, pagestore.PageID(binary.LittleEndian.Uint32(buf[off:])))
		off += 4
	}
	return n, nil
}

func (t *Tree) writeNode(n node) error {
	buf := make([]byte, t.st.PageSize())
	binary.LittleEndian.PutUint16(buf[1:], uint16(len(n.keys)))
	kw := t.layout.KeyCol.Width()

	if n.leaf {
		buf[0] = 1
		binary.LittleEndian.PutUint32(buf[nodeHeader:], uint32(n.prev))
		binary.LittleEndian.PutUint32(buf[nodeHeader+4:], uint32(n.next))
		ew := t.layout.EntryWidth()
		for i, k := range n.keys {
			kb, err := record.EncodeKey(t.layout.KeyCol, k)
			if err != nil {
				return err
			}
			off := leafHeader + i*ew
			copy(buf[off:], kb)
			copy(buf[off+kw:], n.payloads[i])
		}
		return t.st.Write(n.pid, buf)
	}

	off := nodeHeader
	binary.LittleEndian.PutUint32(buf[off:], uint32(n.children[0]))
	off += 4
	for i, k := range n.keys {
		kb, err := record.EncodeKey(t.layout.KeyCol, k)
		if err != nil {
			return err
		}
		copy(buf[off:], kb)
		off += kw
		binary.LittleEndian.PutUint32(buf[off:], uint32(n.children[i+1]))
		off += 4
	}
	return t.st.Write(n.pid, buf)
}

// lowerBound returns the first position whose key is >= key.
func lowerBound(keys []any, key any) int {
	lo, hi := 0, len(keys)
	for lo < hi {
		mid := (lo + hi) / 2
		if record.CompareKeys(keys[mid], key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// upperBound returns the first position whose key is > key.
func upperBound(keys []any, key any) int {
	lo, hi := 0, len(keys)
	for lo < hi {
		mid := (lo + hi) / 2
		if record.CompareKeys(keys[mid], key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// Insert adds one entry. Equal keys insert after existing ones so duplicate
// order is stable.
func (t *Tree) Insert(key any, payload []byte) error {
	if len(payload) != t.layout.PayloadWidth {
		return dberr.Storagef("btree payload width %d != %d", len(payload), t.layout.PayloadWidth)
	}

	promoted, rightPid, split, err := t.insertAt(t.root, key, payload)
	if err != nil {
		return err
	}
	if split {
		// Grow a new root above the split halves.
		newRoot, err := t.st.Allocate()
		if err != nil {
			return err
		}
		n := node{
			pid:      newRoot,
			keys:     []any{promoted},
			children: []pagestore.PageID{t.root, rightPid},
		}
		if err := t.writeNode(n); err != nil {
			return err
		}
		t.root = newRoot
		t.height++
	}
	t.count++
	slog.Debug("btree.insert", "key", key, "height", t.height)
	return t.writeMeta()
}

// insertAt descends to a leaf and inserts, splitting full nodes on the way
// back up. A leaf split promotes the right half's first key.
func (t *Tree) insertAt(pid pagestore.PageID, key any, payload []byte) (any, pagestore.PageID, bool, error) {
	n, err := t.readNode(pid)
	if err != nil {
		return nil, 0, false, err
	}

	if n.leaf {
		pos := upperBound(n.keys, key)
		n.keys = insertAny(n.keys, pos, key)
		n.payloads = insertBytes(n.payloads, pos, append([]byte(nil), payload...))

		if len(n.keys) <= t.leafCap {
			return nil, 0, false, t.writeNode(n)
		}

		mid := len(n.keys) / 2
		rightPid, err := t.st.Allocate()
		if err != nil {
			return nil, 0, false, err
		}
		right := node{
			pid:      rightPid,
			leaf:     true,
			keys:     append([]any(nil), n.keys[mid:]...),
			payloads: append([][]byte(nil), n.payloads[mid:]...),
			prev:     n.pid,
			next:     n.next,
		}
		if n.next != pagestore.NilPage {
			after, err := t.readNode(n.next)
			if err != nil {
				return nil, 0, false, err
			}
			after.prev = rightPid
			if err := t.writeNode(after); err != nil {
				return nil, 0, false, err
			}
		}
		n.keys = n.keys[:mid]
		n.payloads = n.payloads[:mid]
		n.next = rightPid

		if err := t.writeNode(n); err != nil {
			return nil, 0, false, err
		}
		if err := t.writeNode(right); err != nil {
			return nil, 0, false, err
		}
		return right.keys[0], rightPid, true, nil
	}

	ci := upperBound(n.keys, key)
	promoted, childRight, split, err := t.insertAt(n.children[ci], key, payload)
	if err != nil {
		return nil, 0, false, err
	}
	if !split {
		return nil, 0, false, nil
	}

	n.keys = insertAny(n.keys, ci, promoted)
	n.children = insertPage(n.children, ci+1, childRight)

	if len(n.keys) <= t.internalCap {
		return nil, 0, false, t.writeNode(n)
	}

	// Internal split pushes the middle key up instead of copying it.
	mid := len(n.keys) / 2
	up := n.keys[mid]
	rightPid, err := t.st.Allocate()
	if err != nil {
		return nil, 0, false, err
	}
	right := node{
		pid:      rightPid,
		keys:     append([]any(nil), n.keys[mid+1:]...),
		children: append([]pagestore.PageID(nil), n.children[mid+1:]...),
	}
	n.keys = n.keys[:mid]
	n.children = n.children[:mid+1]

	if err := t.writeNode(n); err != nil {
		return nil, 0, false, err
	}
	if err := t.writeNode(right); err != nil {
		return nil, 0, false, err
	}
	return up, rightPid, true, nil
}

// Search returns all entries with the given key.
func (t *Tree) Search(key any) ([]index.Entry, error) {
	return t.RangeSearch(key, key)
}

// RangeSearch descends to the leaf holding the first key >= lo and walks the
// leaf chain until a key exceeds hi.
func (t *Tree) RangeSearch(lo, hi any) ([]index.Entry, error) {
	pid := t.root
	for level := t.height; level > 1; level-- {
		n, err := t.readNode(pid)
		if err != nil {
			return nil, err
		}
		pid = n.children[lowerBound(n.keys, lo)]
	}

	var out []index.Entry
	for pid != pagestore.NilPage {
		n, err := t.readNode(pid)
		if err != nil {
			return nil, err
		}
		for i := lowerBound(n.keys, lo); i < len(n.keys); i++ {
			if record.CompareKeys(n.keys[i], hi) > 0 {
				return out, nil
			}
			out = append(out, index.Entry{Key: n.keys[i], Payload: n.payloads[i]})
		}
		pid = n.next
	}
	return out, nil
}

// Delete removes entries matching key (all of them, or just the payload
// match), rebalancing by redistribution first and merge second.
func (t *Tree) Delete(key any, payload []byte) (int, error) {
	removed := 0
	for {
		found, err := t.removeOne(t.root, key, payload)
		if err != nil {
			return removed, err
		}
		if !found {
			break
		}
		removed++
		t.count--

		// Collapse an empty internal root one level down.
		rootN, err := t.readNode(t.root)
		if err != nil {
			return removed, err
		}
		if !rootN.leaf && len(rootN.keys) == 0 {
			old := t.root
			t.root = rootN.children[0]
			t.height--
			if err := t.st.Free(old); err != nil {
				return removed, err
			}
		}
		if err := t.writeMeta(); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// removeOne deletes at most one matching entry below pid.
func (t *Tree) removeOne(pid pagestore.PageID, key any, payload []byte) (bool, error) {
	n, err := t.readNode(pid)
	if err != nil {
		return false, err
	}

	if n.leaf {
		for i := lowerBound(n.keys, key); i < len(n.keys); i++ {
			if record.CompareKeys(n.keys[i], key) != 0 {
				break
			}
			if payload != nil && !bytes.Equal(payload, n.payloads[i]) {
				continue
			}
			n.keys = append(n.keys[:i], n.keys[i+1:]...)
			n.payloads = append(n.payloads[:i], n.payloads[i+1:]...)
			return true, t.writeNode(n)
		}
		return false, nil
	}

	// Duplicates of key may sit on either side of an equal separator, so try
	// successive children while separators still equal the key.
	start := lowerBound(n.keys, key)
	for ci := start; ci < len(n.children); ci++ {
		if ci > start && record.CompareKeys(n.keys[ci-1], key) != 0 {
			break
		}
		found, err := t.removeOne(n.children[ci], key, payload)
		if err != nil {
			return false, err
		}
		if found {
			if err := t.fixChild(&n, ci); err != nil {
				return false, err
			}
			return true, t.writeNode(n)
		}
	}
	return false, nil
}

func (t *Tree) minKeys(leaf bool) int {
	if leaf {
		return t.leafCap / 2
	}
	return t.internalCap / 2
}

// fixChild restores minimum fill of parent's ci-th child after a removal,
// borrowing from an adjacent sibling when it can spare an entry, merging
// otherwise.
func (t *Tree) fixChild(parent *node, ci int) error {
	child, err := t.readNode(parent.children[ci])
	if err != nil {
		return err
	}
	if len(child.keys) >= t.minKeys(child.leaf) {
		return nil
	}

	if ci > 0 {
		left, err := t.readNode(parent.children[ci-1])
		if err != nil {
			return err
		}
		if len(left.keys) > t.minKeys(left.leaf) {
			return t.borrowFromLeft(parent, ci, &left, &child)
		}
		return t.merge(parent, ci-1, &left, &child)
	}

	right, err := t.readNode(parent.children[ci+1])
	if err != nil {
		return err
	}
	if len(right.keys) > t.minKeys(right.leaf) {
		return t.borrowFromRight(parent, ci, &child, &right)
	}
	return t.merge(parent, ci, &child, &right)
}

func (t *Tree) borrowFromLeft(parent *node, ci int, left, child *node) error {
	if child.leaf {
		last := len(left.keys) - 1
		child.keys = insertAny(child.keys, 0, left.keys[last])
		child.payloads = insertBytes(child.payloads, 0, left.payloads[last])
		left.keys = left.keys[:last]
		left.payloads = left.payloads[:last]
		parent.keys[ci-1] = child.keys[0]
	} else {
		last := len(left.keys) - 1
		child.keys = insertAny(child.keys, 0, parent.keys[ci-1])
		child.children = insertPage(child.children, 0, left.children[last+1])
		parent.keys[ci-1] = left.keys[last]
		left.keys = left.keys[:last]
		left.children = left.children[:last+1]
	}
	if err := t.writeNode(*left); err != nil {
		return err
	}
	return t.writeNode(*child)
}

func (t *Tree) borrowFromRight(parent *node, ci int, child, right *node) error {
	if child.leaf {
		child.keys = append(child.keys, right.keys[0])
		child.payloads = append(child.payloads, right.payloads[0])
		right.keys = right.keys[1:]
		right.payloads = right.payloads[1:]
		parent.keys[ci] = right.keys[0]
	} else {
		child.keys = append(child.keys, parent.keys[ci])
		child.children = append(child.children, right.children[0])
		parent.keys[ci] = right.keys[0]
		right.keys = right.keys[1:]
		right.children = right.children[1:]
	}
	if err := t.writeNode(*child); err != nil {
		return err
	}
	return t.writeNode(*right)
}

// merge folds right (child si+1) into left (child si) and drops the
// separator between them.
func (t *Tree) merge(parent *node, si int, left, right *node) error {
	if left.leaf {
		left.keys = append(left.keys, right.keys...)
		left.payloads = append(left.payloads, right.payloads...)
		left.next = right.next
		if right.next != pagestore.NilPage {
			after, err := t.readNode(right.next)
			if err != nil {
				return err
			}
			after.prev = left.pid
			if err := t.writeNode(after); err != nil {
				return err
			}
		}
	} else {
		left.keys = append(left.keys, parent.keys[si])
		left.keys = append(left.keys, right.keys...)
		left.children = append(left.children, right.children...)
	}

	parent.keys = append(parent.keys[:si], parent.keys[si+1:]...)
	parent.children = append(parent.children[:si+1], parent.children[si+2:]...)

	if err := t.writeNode(*left); err != nil {
		return err
	}
	return t.st.Free(right.pid)
}

// Count reports stored entries.
func (t *Tree) Count() int { return int(t.count) }

// Height reports tree levels; 1 means the root is a leaf.
func (t *Tree) Height() int { return int(t.height) }

// Audit verifies structural invariants: every leaf at the same depth, fill
// factors at or above minimum on non-root nodes, keys ordered, and the leaf
// chain consistent with the tree order.
func (t *Tree) Audit() error {
	leafDepth := -1
	var prevLeaf pagestore.PageID
	var walk func(pid pagestore.PageID, depth int, isRoot bool) error
	walk = func(pid pagestore.PageID, depth int, isRoot bool) error {
		n, err := t.readNode(pid)
		if err != nil {
			return err
		}
		for i := 1; i < len(n.keys); i++ {
			if record.CompareKeys(n.keys[i-1], n.keys[i]) > 0 {
				return dberr.Storagef("btree page %d keys out of order", pid)
			}
		}
		if !isRoot && len(n.keys) < t.minKeys(n.leaf) {
			return dberr.Storagef("btree page %d underfull: %d keys", pid, len(n.keys))
		}
		if n.leaf {
			if leafDepth == -1 {
				leafDepth = depth
			} else if depth != leafDepth {
				return dberr.Storagef("btree leaf %d at depth %d, expected %d", pid, depth, leafDepth)
			}
			if n.prev != prevLeaf {
				return dberr.Storagef("btree leaf %d prev link %d, expected %d", pid, n.prev, prevLeaf)
			}
			prevLeaf = pid
			return nil
		}
		for _, c := range n.children {
			if err := walk(c, depth+1, false); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(t.root, 1, true)
}

func (t *Tree) Counters() pagestore.Counters { return t.st.Counters() }
func (t *Tree) ResetCounters()               { t.st.ResetCounters() }

func (t *Tree) Close() error { return t.st.Close() }

func insertAny(s []any, i int, v any) []any {
	s = append(s, nil)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func insertBytes(s [][]byte, i int, v []byte) [][]byte {
	s = append(s, nil)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func insertPage(s []pagestore.PageID, i int, v pagestore.PageID) []pagestore.PageID {
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}
