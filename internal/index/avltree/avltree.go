// Package avltree implements the balanced tree file: a disk-resident,
// height-balanced binary search structure with one entry per node. Nodes are
// fixed size, packed several per page, and addressed by ordinal so links are
// plain node numbers resolved through the page store.
package avltree

import (
	"bytes"
	"encoding/binary"
	"log/slog"

	"github.com/polydb/polydb/internal/dberr"
	"github.com/polydb/polydb/internal/index"
	"github.com/polydb/polydb/internal/pagestore"
	"github.com/polydb/polydb/internal/record"
)

const (
	nilNode uint32 = 0

	// meta page layout: root u32 | count u32 | nextNode u32 | freeHead u32
	metaRoot = 0
	metaCount = 4
	metaNext  = 8
	metaFree  = 12
)

// node is the in-memory image of one tree node.
type node struct {
	key     any
	payload []byte
	left    uint32
	right   uint32
	height  uint32
}

// Tree is a balanced tree file over its own page store. Page 1 is the meta
// page; node pages follow and are allocated sequentially so node ordinals
// map to (page, offset) by arithmetic.
type Tree struct {
	st     *pagestore.Store
	layout index.Layout

	nodeSize     int
	nodesPerPage int

	root     uint32
	count    uint32
	nextNode uint32 // next fresh ordinal (1-based)
	freeHead uint32 // freed node chain, linked through left
}

// Open opens or creates the tree at path.
func Open(path string, layout index.Layout, opts pagestore.Options) (*Tree, error) {
	st, err := pagestore.Open(path, opts)
	if err != nil {
		return nil, err
	}

	t := &Tree{
		st:       st,
		layout:   layout,
		nodeSize: layout.EntryWidth() + 12, // left, right, height
		nextNode: 1,
	}
	t.nodesPerPage = st.PageSize() / t.nodeSize
	if t.nodesPerPage < 1 {
		st.Close()
		return nil, dberr.Storagef("avl node size %d does not fit page size %d", t.nodeSize, st.PageSize())
	}

	if st.PageCount() == 0 {
		if _, err := st.Allocate(); err != nil { // meta page
			st.Close()
			return nil, err
		}
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
	t.root = binary.LittleEndian.Uint32(buf[metaRoot:])
	t.count = binary.LittleEndian.Uint32(buf[metaCount:])
	t.nextNode = binary.LittleEndian.Uint32(buf[metaNext:])
	t.freeHead = binary.LittleEndian.Uint32(buf[metaFree:])
	if t.nextNode == 0 {
		t.nextNode = 1
	}
	return t, nil
}

func (t *Tree) Kind() index.Kind { return index.KindAVL }

func (t *Tree) writeMeta() error {
	buf := make([]byte, t.st.PageSize())
	binary.LittleEndian.PutUint32(buf[metaRoot:], t.root)
	binary.LittleEndian.PutUint32(buf[metaCount:], t.count)
	binary.LittleEndian.PutUint32(buf[metaNext:], t.nextNode)
	binary.LittleEndian.PutUint32(buf[metaFree:], t.freeHead)
	return t.st.Write(1, buf)
}

// nodePos maps a 1-based ordinal to its page and byte offset.
func (t *Tree) nodePos(i uint32) (pagestore.PageID, int) {
	page := pagestore.PageID(2 + (i-1)/uint32(t.nodesPerPage))
	off := int((i - 1) % uint32(t.nodesPerPage)) * t.nodeSize
	return page, off
}

func (t *Tree) readNode(i uint32) (node, error) {
	page, off := t.nodePos(i)
	buf, err := t.st.Read(page)
	if err != nil {
		return node{}, err
	}
	kw := t.layout.KeyCol.Width()
	n := node{
		key:     record.DecodeKey(t.layout.KeyCol, buf[off:off+kw]),
		payload: append([]byte(nil), buf[off+kw:off+kw+t.layout.PayloadWidth]...),
		left:    binary.LittleEndian.Uint32(buf[off+kw+t.layout.PayloadWidth:]),
		right:   binary.LittleEndian.Uint32(buf[off+kw+t.layout.PayloadWidth+4:]),
		height:  binary.LittleEndian.Uint32(buf[off+kw+t.layout.PayloadWidth+8:]),
	}
	return n, nil
}

func (t *Tree) writeNode(i uint32, n node) error {
	page, off := t.nodePos(i)

	// Grow node pages as ordinals advance.
	for int(page) > t.st.PageCount() {
		if _, err := t.st.Allocate(); err != nil {
			return err
		}
	}

	buf, err := t.st.Read(page)
	if err != nil {
		return err
	}
	kw := t.layout.KeyCol.Width()
	keyBytes, err := record.EncodeKey(t.layout.KeyCol, n.key)
	if err != nil {
		return err
	}
	copy(buf[off:], keyBytes)
	copy(buf[off+kw:], n.payload)
	binary.LittleEndian.PutUint32(buf[off+kw+t.layout.PayloadWidth:], n.left)
	binary.LittleEndian.PutUint32(buf[off+kw+t.layout.PayloadWidth+4:], n.right)
	binary.LittleEndian.PutUint32(buf[off+kw+t.layout.PayloadWidth+8:], n.height)
	return t.st.Write(page, buf)
}

// alloc returns an ordinal for a new node, reusing freed slots first.
func (t *Tree) alloc() (uint32, error) {
	if t.freeHead != nilNode {
		i := t.freeHead
		n, err := t.readNode(i)
		if err != nil {
			return 0, err
		}
		t.freeHead = n.left
		return i, nil
	}
	i := t.nextNode
	t.nextNode++
	return i, nil
}

func (t *Tree) freeNode(i uint32) error {
	n := node{left: t.freeHead}
	n.key = zeroKey(t.layout.KeyCol)
	n.payload = make([]byte, t.layout.PayloadWidth)
	if err := t.writeNode(i, n); err != nil {
		return err
	}
	t.freeHead = i
	return nil
}

func zeroKey(col record.Column) any {
	switch col.Type {
	case record.ColFloat:
		return float64(0)
	case record.ColVarchar:
		return ""
	default:
		return int64(0)
	}
}

func (t *Tree) height(i uint32) (uint32, error) {
	if i == nilNode {
		return 0, nil
	}
	n, err := t.readNode(i)
	if err != nil {
		return 0, err
	}
	return n.height, nil
}

func (t *Tree) balance(n node) (int, error) {
	hl, err := t.height(n.left)
	if err != nil {
		return 0, err
	}
	hr, err := t.height(n.right)
	if err != nil {
		return 0, err
	}
	return int(hl) - int(hr), nil
}

func (t *Tree) updateHeight(n *node) error {
	hl, err := t.height(n.left)
	if err != nil {
		return err
	}
	hr, err := t.height(n.right)
	if err != nil {
		return err
	}
	n.height = 1 + max(hl, hr)
	return nil
}

// rotateRight pivots y's left child up and returns the new subtree root.
func (t *Tree) rotateRight(yIdx uint32) (uint32, error) {
	y, err := t.readNode(yIdx)
	if err != nil {
		return 0, err
	}
	xIdx := y.left
	if xIdx == nilNode {
		return yIdx, nil
	}
	x, err := t.readNode(xIdx)
	if err != nil {
		return 0, err
	}

	y.left = x.right
	x.right = yIdx

	if err := t.updateHeight(&y); err != nil {
		return 0, err
	}
	if err := t.writeNode(yIdx, y); err != nil {
		return 0, err
	}
	if err := t.updateHeight(&x); err != nil {
		return 0, err
	}
	if err := t.writeNode(xIdx, x); err != nil {
		return 0, err
	}
	return xIdx, nil
}

func (t *Tree) rotateLeft(xIdx uint32) (uint32, error) {
	x, err := t.readNode(xIdx)
	if err != nil {
		return 0, err
	}
	yIdx := x.right
	if yIdx == nilNode {
		return xIdx, nil
	}
	y, err := t.readNode(yIdx)
	if err != nil {
		return 0, err
	}

	x.right = y.left
	y.left = xIdx

	if err := t.updateHeight(&x); err != nil {
		return 0, err
	}
	if err := t.writeNode(xIdx, x); err != nil {
		return 0, err
	}
	if err := t.updateHeight(&y); err != nil {
		return 0, err
	}
	if err := t.writeNode(yIdx, y); err != nil {
		return 0, err
	}
	return yIdx, nil
}

// rebalance restores the AVL invariant at idx after a mutation below it.
func (t *Tree) rebalance(idx uint32) (uint32, error) {
	n, err := t.readNode(idx)
	if err != nil {
		return 0, err
	}
	if err := t.updateHeight(&n); err != nil {
		return 0, err
	}
	if err := t.writeNode(idx, n); err != nil {
		return 0, err
	}

	bf, err := t.balance(n)
	if err != nil {
		return 0, err
	}

	switch {
	case bf > 1:
		left, err := t.readNode(n.left)
		if err != nil {
			return 0, err
		}
		lbf, err := t.balance(left)
		if err != nil {
			return 0, err
		}
		if lbf < 0 { // left-right
			newLeft, err := t.rotateLeft(n.left)
			if err != nil {
				return 0, err
			}
			n.left = newLeft
			if err := t.writeNode(idx, n); err != nil {
				return 0, err
			}
		}
		return t.rotateRight(idx)

	case bf < -1:
		right, err := t.readNode(n.right)
		if err != nil {
			return 0, err
		}
		rbf, err := t.balance(right)
		if err != nil {
			return 0, err
		}
		if rbf > 0 { // right-left
			newRight, err := t.rotateRight(n.right)
			if err != nil {
				return 0, err
			}
			n.right = newRight
			if err := t.writeNode(idx, n); err != nil {
				return 0, err
			}
		}
		return t.rotateLeft(idx)
	}
	return idx, nil
}

// Insert adds one entry. Equal keys descend right so duplicates stay
// adjacent in key order.
func (t *Tree) Insert(key any, payload []byte) error {
	if len(payload) != t.layout.PayloadWidth {
		return dberr.Storagef("avl payload width %d != %d", len(payload), t.layout.PayloadWidth)
	}
	newRoot, err := t.insertAt(t.root, key, payload)
	if err != nil {
		return err
	}
	t.root = newRoot
	t.count++
	slog.Debug("avl.insert", "key", key, "count", t.count)
	return t.writeMeta()
}

func (t *Tree) insertAt(idx uint32, key any, payload []byte) (uint32, error) {
	if idx == nilNode {
		i, err := t.alloc()
		if err != nil {
			return 0, err
		}
		n := node{key: key, payload: append([]byte(nil), payload...), height: 1}
		return i, t.writeNode(i, n)
	}

	n, err := t.readNode(idx)
	if err != nil {
		return 0, err
	}
	if record.CompareKeys(key, n.key) < 0 {
		child, err := t.insertAt(n.left, key, payload)
		if err != nil {
			return 0, err
		}
		n.left = child
	} else {
		child, err := t.insertAt(n.right, key, payload)
		if err != nil {
			return 0, err
		}
		n.right = child
	}
	if err := t.writeNode(idx, n); err != nil {
		return 0, err
	}
	return t.rebalance(idx)
}

// Search returns all entries with the given key, in insertion-adjacent order.
func (t *Tree) Search(key any) ([]index.Entry, error) {
	return t.RangeSearch(key, key)
}

// RangeSearch returns entries with lo <= key <= hi in ascending key order,
// pruning subtrees that cannot intersect the range.
func (t *Tree) RangeSearch(lo, hi any) ([]index.Entry, error) {
	var out []index.Entry
	err := t.rangeAt(t.root, lo, hi, &out)
	return out, err
}

func (t *Tree) rangeAt(idx uint32, lo, hi any, out *[]index.Entry) error {
	if idx == nilNode {
		return nil
	}
	n, err := t.readNode(idx)
	if err != nil {
		return err
	}
	if record.CompareKeys(lo, n.key) <= 0 {
		if err := t.rangeAt(n.left, lo, hi, out); err != nil {
			return err
		}
	}
	if record.CompareKeys(lo, n.key) <= 0 && record.CompareKeys(n.key, hi) <= 0 {
		*out = append(*out, index.Entry{Key: n.key, Payload: n.payload})
	}
	if record.CompareKeys(hi, n.key) >= 0 {
		if err := t.rangeAt(n.right, lo, hi, out); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes entries with key (all, or just the payload match), running
// one structural removal per matching node and rebalancing the whole path.
func (t *Tree) Delete(key any, payload []byte) (int, error) {
	removed := 0
	for {
		newRoot, ok, err := t.removeOne(t.root, key, payload)
		if err != nil {
			return removed, err
		}
		if !ok {
			break
		}
		t.root = newRoot
		t.count--
		removed++
		if err := t.writeMeta(); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// removeOne deletes at most one matching node from the subtree at idx.
func (t *Tree) removeOne(idx uint32, key any, payload []byte) (uint32, bool, error) {
	if idx == nilNode {
		return nilNode, false, nil
	}
	n, err := t.readNode(idx)
	if err != nil {
		return 0, false, err
	}

	cmp := record.CompareKeys(key, n.key)
	removed := false

	switch {
	case cmp < 0:
		child, ok, err := t.removeOne(n.left, key, payload)
		if err != nil {
			return 0, false, err
		}
		n.left = child
		removed = ok

	case cmp > 0:
		child, ok, err := t.removeOne(n.right, key, payload)
		if err != nil {
			return 0, false, err
		}
		n.right = child
		removed = ok

	default:
		if payload != nil && !bytes.Equal(payload, n.payload) {
			// Inserts send equal keys right, but rotations can move them
			// to either side, so the match has to be chased down both.
			child, ok, err := t.removeOne(n.right, key, payload)
			if err != nil {
				return 0, false, err
			}
			n.right = child
			removed = ok
			if !removed {
				child, ok, err = t.removeOne(n.left, key, payload)
				if err != nil {
					return 0, false, err
				}
				n.left = child
				removed = ok
			}
			break
		}

		switch {
		case n.left == nilNode && n.right == nilNode:
			if err := t.freeNode(idx); err != nil {
				return 0, false, err
			}
			return nilNode, true, nil
		case n.left == nilNode:
			r := n.right
			if err := t.freeNode(idx); err != nil {
				return 0, false, err
			}
			return r, true, nil
		case n.right == nilNode:
			l := n.left
			if err := t.freeNode(idx); err != nil {
				return 0, false, err
			}
			return l, true, nil
		default:
			// Two children: adopt the in-order successor's entry, then
			// remove that successor node from the right subtree.
			succIdx, err := t.minNode(n.right)
			if err != nil {
				return 0, false, err
			}
			succ, err := t.readNode(succIdx)
			if err != nil {
				return 0, false, err
			}
			n.key = succ.key
			n.payload = succ.payload
			child, _, err := t.removeOne(n.right, succ.key, succ.payload)
			if err != nil {
				return 0, false, err
			}
			n.right = child
			removed = true
		}
	}

	if !removed {
		return idx, false, nil
	}
	if err := t.writeNode(idx, n); err != nil {
		return 0, false, err
	}
	newIdx, err := t.rebalance(idx)
	return newIdx, true, err
}

func (t *Tree) minNode(idx uint32) (uint32, error) {
	for {
		n, err := t.readNode(idx)
		if err != nil {
			return 0, err
		}
		if n.left == nilNode {
			return idx, nil
		}
		idx = n.left
	}
}

// Count reports stored entries.
func (t *Tree) Count() int { return int(t.count) }

// Audit verifies the AVL invariant on every node and that stored heights are
// consistent. Test and maintenance hook.
func (t *Tree) Audit() error {
	_, err := t.auditAt(t.root)
	return err
}

func (t *Tree) auditAt(idx uint32) (uint32, error) {
	if idx == nilNode {
		return 0, nil
	}
	n, err := t.readNode(idx)
	if err != nil {
		return 0, err
	}
	hl, err := t.auditAt(n.left)
	if err != nil {
		return 0, err
	}
	hr, err := t.auditAt(n.right)
	if err != nil {
		return 0, err
	}
	bf := int(hl) - int(hr)
	if bf < -1 || bf > 1 {
		return 0, dberr.Storagef("avl node %d violates balance: %d", idx, bf)
	}
	h := 1 + max(hl, hr)
	if h != n.height {
		return 0, dberr.Storagef("avl node %d stored height %d, actual %d", idx, n.height, h)
	}
	return h, nil
}

func (t *Tree) Counters() pagestore.Counters { return t.st.Counters() }
func (t *Tree) ResetCounters()               { t.st.ResetCounters() }

func (t *Tree) Close() error { return t.st.Close() }
