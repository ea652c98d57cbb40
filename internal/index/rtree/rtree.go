// Package rtree implements the spatial tree: bounding rectangles over
// coordinate pairs, packed into pages. Inserts descend by least area
// enlargement and split full pages with the quadratic seed heuristic.
// Radius queries prune by rectangle distance and confirm with the exact
// circle test; nearest-neighbor queries run best-first over a priority
// queue. Every entry carries an insertion sequence number so equidistant
// results tie-break deterministically.
package rtree

import (
	"bytes"
	"container/heap"
	"encoding/binary"
	"log/slog"
	"math"
	"sort"

	"github.com/polydb/polydb/internal/dberr"
	"github.com/polydb/polydb/internal/index"
	"github.com/polydb/polydb/internal/pagestore"
)

// meta page layout: root u32 | height u32 | count u64 | nextSeq u64
const (
	metaRoot   = 0
	metaHeight = 4
	metaCount  = 8
	metaSeq    = 16
)

// node page layout: isLeaf u8 | count u16 | entries
// leaf entry:     x f64 | y f64 | seq u64 | payload
// internal entry: minX f64 | minY f64 | maxX f64 | maxY f64 | child u32
const (
	nodeHeader        = 3
	internalEntrySize = 36
	leafEntryBase     = 24
)

type rect struct {
	minX, minY, maxX, maxY float64
}

func pointRect(p [2]float64) rect {
	return rect{p[0], p[1], p[0], p[1]}
}

func (r rect) union(o rect) rect {
	return rect{
		math.Min(r.minX, o.minX), math.Min(r.minY, o.minY),
		math.Max(r.maxX, o.maxX), math.Max(r.maxY, o.maxY),
	}
}

func (r rect) area() float64 {
	return (r.maxX - r.minX) * (r.maxY - r.minY)
}

func (r rect) enlargement(o rect) float64 {
	return r.union(o).area() - r.area()
}

// distSq is the squared distance from p to the nearest point of r, zero when
// p lies inside.
func (r rect) distSq(p [2]float64) float64 {
	dx := math.Max(0, math.Max(r.minX-p[0], p[0]-r.maxX))
	dy := math.Max(0, math.Max(r.minY-p[1], p[1]-r.maxY))
	return dx*dx + dy*dy
}

func pointDistSq(a, b [2]float64) float64 {
	dx := a[0] - b[0]
	dy := a[1] - b[1]
	return dx*dx + dy*dy
}

type leafEntry struct {
	point   [2]float64
	seq     uint64
	payload []byte
}

type childEntry struct {
	mbr   rect
	child pagestore.PageID
}

type node struct {
	pid      pagestore.PageID
	leaf     bool
	entries  []leafEntry  // leaf only
	children []childEntry // internal only
}

func (n node) mbr() rect {
	if n.leaf {
		r := pointRect(n.entries[0].point)
		for _, e := range n.entries[1:] {
			r = r.union(pointRect(e.point))
		}
		return r
	}
	r := n.children[0].mbr
	for _, c := range n.children[1:] {
		r = r.union(c.mbr)
	}
	return r
}

// Tree is a spatial index over its own page store.
type Tree struct {
	st *pagestore.Store

	payloadWidth int
	leafCap      int
	internalCap  int

	root    pagestore.PageID
	height  uint32
	count   uint64
	nextSeq uint64
}

// Open opens or creates the tree at path.
func Open(path string, payloadWidth int, opts pagestore.Options) (*Tree, error) {
	st, err := pagestore.Open(path, opts)
	if err != nil {
		return nil, err
	}

	t := &Tree{
		st:           st,
		payloadWidth: payloadWidth,
		leafCap:      (st.PageSize() - nodeHeader) / (leafEntryBase + payloadWidth),
		internalCap:  (st.PageSize() - nodeHeader) / internalEntrySize,
	}
	if t.leafCap < 3 || t.internalCap < 3 {
		st.Close()
		return nil, dberr.Storagef("rtree payload width %d too large for page size %d", payloadWidth, st.PageSize())
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
	t.nextSeq = binary.LittleEndian.Uint64(buf[metaSeq:])
	return t, nil
}

func (t *Tree) Kind() index.Kind { return index.KindRTree }

func (t *Tree) writeMeta() error {
	buf := make([]byte, t.st.PageSize())
	binary.LittleEndian.PutUint32(buf[metaRoot:], uint32(t.root))
	binary.LittleEndian.PutUint32(buf[metaHeight:], t.height)
	binary.LittleEndian.PutUint64(buf[metaCount:], t.count)
	binary.LittleEndian.PutUint64(buf[metaSeq:], t.nextSeq)
	return t.st.Write(1, buf)
}

func (t *Tree) readNode(pid pagestore.PageID) (node, error) {
	buf, err := t.st.Read(pid)
	if err != nil {
		return node{}, err
	}
	n := node{pid: pid, leaf: buf[0] == 1}
	cnt := int(binary.LittleEndian.Uint16(buf[1:]))

	if n.leaf {
		es := leafEntryBase + t.payloadWidth
		for i := 0; i < cnt; i++ {
			off := nodeHeader + i*es
			n.entries = append(n.entries, leafEntry{
				point: [2]float64{
					math.Float64frombits(binary.LittleEndian.Uint64(buf[off:])),
					math.Float64frombits(binary.LittleEndian.Uint64(buf[off+8:])),
				},
				seq:     binary.LittleEndian.Uint64(buf[off+16:]),
				payload: append([]byte(nil), buf[off+24:off+es]...),
			})
		}
		return n, nil
	}

	for i := 0; i < cnt; i++ {
		off := nodeHeader + i*internalEntrySize
		n.children = append(n.children, childEntry{
			mbr: rect{
				math.Float64frombits(binary.LittleEndian.Uint64(buf[off:])),
				math.Float64frombits(binary.LittleEndian.Uint64(buf[off+8:])),
				math.Float64frombits(binary.LittleEndian.Uint64(buf[off+16:])),
				math.Float64frombits(binary.LittleEndian.Uint64(buf[off+24:])),
			},
			child: pagestore.PageID(binary.LittleEndian.Uint32(buf[off+32:])),
		})
	}
	return n, nil
}

func (t *Tree) writeNode(n node) error {
	buf := make([]byte, t.st.PageSize())
	if n.leaf {
		buf[0] = 1
		binary.LittleEndian.PutUint16(buf[1:], uint16(len(n.entries)))
		es := leafEntryBase + t.payloadWidth
		for i, e := range n.entries {
			off := nodeHeader + i*es
			binary.LittleEndian.PutUint64(buf[off:], math.Float64bits(e.point[0]))
			binary.LittleEndian.PutUint64(buf[off+8:], math.Float64bits(e.point[1]))
			binary.LittleEndian.PutUint64(buf[off+16:], e.seq)
			copy(buf[off+24:], e.payload)
		}
		return t.st.Write(n.pid, buf)
	}

	binary.LittleEndian.PutUint16(buf[1:], uint16(len(n.children)))
	for i, c := range n.children {
		off := nodeHeader + i*internalEntrySize
		binary.LittleEndian.PutUint64(buf[off:], math.Float64bits(c.mbr.minX))
		binary.LittleEndian.PutUint64(buf[off+8:], math.Float64bits(c.mbr.minY))
		binary.LittleEndian.PutUint64(buf[off+16:], math.Float64bits(c.mbr.maxX))
		binary.LittleEndian.PutUint64(buf[off+24:], math.Float64bits(c.mbr.maxY))
		binary.LittleEndian.PutUint32(buf[off+32:], uint32(c.child))
	}
	return t.st.Write(n.pid, buf)
}

// Insert adds one point entry.
func (t *Tree) Insert(point [2]float64, payload []byte) error {
	if len(payload) != t.payloadWidth {
		return dberr.Storagef("rtree payload width %d != %d", len(payload), t.payloadWidth)
	}
	e := leafEntry{point: point, seq: t.nextSeq, payload: append([]byte(nil), payload...)}
	t.nextSeq++

	splitPid, splitRect, _, err := t.insertAt(t.root, e)
	if err != nil {
		return err
	}
	if splitPid != pagestore.NilPage {
		oldRoot, err := t.readNode(t.root)
		if err != nil {
			return err
		}
		newRoot, err := t.st.Allocate()
		if err != nil {
			return err
		}
		n := node{pid: newRoot, children: []childEntry{
			{mbr: oldRoot.mbr(), child: t.root},
			{mbr: splitRect, child: splitPid},
		}}
		if err := t.writeNode(n); err != nil {
			return err
		}
		t.root = newRoot
		t.height++
	}
	t.count++
	slog.Debug("rtree.insert", "x", point[0], "y", point[1], "height", t.height)
	return t.writeMeta()
}

// insertAt descends by least enlargement and splits overfull nodes on the
// way back. It returns the new sibling (if split) and the node's final MBR.
func (t *Tree) insertAt(pid pagestore.PageID, e leafEntry) (pagestore.PageID, rect, rect, error) {
	n, err := t.readNode(pid)
	if err != nil {
		return 0, rect{}, rect{}, err
	}

	if n.leaf {
		n.entries = append(n.entries, e)
		if len(n.entries) <= t.leafCap {
			if err := t.writeNode(n); err != nil {
				return 0, rect{}, rect{}, err
			}
			return pagestore.NilPage, rect{}, n.mbr(), nil
		}
		return t.splitLeaf(n)
	}

	ci := t.chooseChild(n, pointRect(e.point))
	splitPid, splitRect, childRect, err := t.insertAt(n.children[ci].child, e)
	if err != nil {
		return 0, rect{}, rect{}, err
	}
	n.children[ci].mbr = childRect
	if splitPid != pagestore.NilPage {
		n.children = append(n.children, childEntry{mbr: splitRect, child: splitPid})
		if len(n.children) > t.internalCap {
			return t.splitInternal(n)
		}
	}
	if err := t.writeNode(n); err != nil {
		return 0, rect{}, rect{}, err
	}
	return pagestore.NilPage, rect{}, n.mbr(), nil
}

// chooseChild picks the child needing the least area enlargement, breaking
// ties by smaller area.
func (t *Tree) chooseChild(n node, r rect) int {
	best := 0
	bestEnl := math.Inf(1)
	bestArea := math.Inf(1)
	for i, c := range n.children {
		enl := c.mbr.enlargement(r)
		area := c.mbr.area()
		if enl < bestEnl || (enl == bestEnl && area < bestArea) {
			best, bestEnl, bestArea = i, enl, area
		}
	}
	return best
}

// quadraticSeeds picks the pair of rects wasting the most area together.
func quadraticSeeds(rects []rect) (int, int) {
	si, sj := 0, 1
	worst := math.Inf(-1)
	for i := 0; i < len(rects); i++ {
		for j := i + 1; j < len(rects); j++ {
			waste := rects[i].union(rects[j]).area() - rects[i].area() - rects[j].area()
			if waste > worst {
				worst, si, sj = waste, i, j
			}
		}
	}
	return si, sj
}

// distribute assigns items to two groups seeded at si and sj, each item to
// the group whose MBR grows least, honoring a minimum group size.
func distribute(rects []rect, si, sj, minFill int) ([]int, []int) {
	gi := []int{si}
	gj := []int{sj}
	ri := rects[si]
	rj := rects[sj]

	for k := range rects {
		if k == si || k == sj {
			continue
		}
		remaining := len(rects) - len(gi) - len(gj)
		switch {
		case len(gi)+remaining <= minFill:
			gi = append(gi, k)
			ri = ri.union(rects[k])
		case len(gj)+remaining <= minFill:
			gj = append(gj, k)
			rj = rj.union(rects[k])
		case ri.enlargement(rects[k]) <= rj.enlargement(rects[k]):
			gi = append(gi, k)
			ri = ri.union(rects[k])
		default:
			gj = append(gj, k)
			rj = rj.union(rects[k])
		}
	}
	return gi, gj
}

func (t *Tree) splitLeaf(n node) (pagestore.PageID, rect, rect, error) {
	rects := make([]rect, len(n.entries))
	for i, e := range n.entries {
		rects[i] = pointRect(e.point)
	}
	si, sj := quadraticSeeds(rects)
	gi, gj := distribute(rects, si, sj, t.leafCap/2)

	all := n.entries
	n.entries = nil
	for _, k := range gi {
		n.entries = append(n.entries, all[k])
	}
	sibPid, err := t.st.Allocate()
	if err != nil {
		return 0, rect{}, rect{}, err
	}
	sib := node{pid: sibPid, leaf: true}
	for _, k := range gj {
		sib.entries = append(sib.entries, all[k])
	}

	if err := t.writeNode(n); err != nil {
		return 0, rect{}, rect{}, err
	}
	if err := t.writeNode(sib); err != nil {
		return 0, rect{}, rect{}, err
	}
	return sibPid, sib.mbr(), n.mbr(), nil
}

func (t *Tree) splitInternal(n node) (pagestore.PageID, rect, rect, error) {
	rects := make([]rect, len(n.children))
	for i, c := range n.children {
		rects[i] = c.mbr
	}
	si, sj := quadraticSeeds(rects)
	gi, gj := distribute(rects, si, sj, t.internalCap/2)

	all := n.children
	n.children = nil
	for _, k := range gi {
		n.children = append(n.children, all[k])
	}
	sibPid, err := t.st.Allocate()
	if err != nil {
		return 0, rect{}, rect{}, err
	}
	sib := node{pid: sibPid}
	for _, k := range gj {
		sib.children = append(sib.children, all[k])
	}

	if err := t.writeNode(n); err != nil {
		return 0, rect{}, rect{}, err
	}
	if err := t.writeNode(sib); err != nil {
		return 0, rect{}, rect{}, err
	}
	return sibPid, sib.mbr(), n.mbr(), nil
}

// RadiusSearch returns entries within radius of center, nearest first,
// equidistant entries in insertion order.
func (t *Tree) RadiusSearch(center [2]float64, radius float64) ([]index.Entry, error) {
	if radius < 0 {
		return nil, dberr.Schemaf("negative radius %v", radius)
	}
	rSq := radius * radius

	type hit struct {
		e      leafEntry
		distSq float64
	}
	var hits []hit

	var walk func(pid pagestore.PageID) error
	walk = func(pid pagestore.PageID) error {
		n, err := t.readNode(pid)
		if err != nil {
			return err
		}
		if n.leaf {
			for _, e := range n.entries {
				if d := pointDistSq(e.point, center); d <= rSq {
					hits = append(hits, hit{e: e, distSq: d})
				}
			}
			return nil
		}
		for _, c := range n.children {
			if c.mbr.distSq(center) <= rSq {
				if err := walk(c.child); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(t.root); err != nil {
		return nil, err
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].distSq != hits[j].distSq {
			return hits[i].distSq < hits[j].distSq
		}
		return hits[i].e.seq < hits[j].e.seq
	})
	out := make([]index.Entry, len(hits))
	for i, h := range hits {
		out[i] = index.Entry{Key: h.e.point, Payload: h.e.payload}
	}
	return out, nil
}

// pqItem is either a node to expand or a leaf entry result candidate.
type pqItem struct {
	distSq  float64
	seq     uint64
	isEntry bool
	pid     pagestore.PageID
	entry   leafEntry
}

type pq []pqItem

func (q pq) Len() int { return len(q) }
func (q pq) Less(i, j int) bool {
	if q[i].distSq != q[j].distSq {
		return q[i].distSq < q[j].distSq
	}
	if q[i].isEntry != q[j].isEntry {
		return q[i].isEntry // resolve entries before expanding equidistant nodes
	}
	return q[i].seq < q[j].seq
}
func (q pq) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *pq) Push(x any)         { *q = append(*q, x.(pqItem)) }
func (q *pq) Pop() any {
	old := *q
	x := old[len(old)-1]
	*q = old[:len(old)-1]
	return x
}

// KNNSearch returns the k entries nearest to center, best-first: nodes are
// expanded in order of minimum possible distance, so the first k entries
// popped are exact nearest neighbors.
func (t *Tree) KNNSearch(center [2]float64, k int) ([]index.Entry, error) {
	if k <= 0 {
		return nil, nil
	}

	q := &pq{{pid: t.root}}
	var out []index.Entry
	for q.Len() > 0 && len(out) < k {
		item := heap.Pop(q).(pqItem)
		if item.isEntry {
			out = append(out, index.Entry{Key: item.entry.point, Payload: item.entry.payload})
			continue
		}
		n, err := t.readNode(item.pid)
		if err != nil {
			return nil, err
		}
		if n.leaf {
			for _, e := range n.entries {
				heap.Push(q, pqItem{
					distSq:  pointDistSq(e.point, center),
					seq:     e.seq,
					isEntry: true,
					entry:   e,
				})
			}
			continue
		}
		for _, c := range n.children {
			heap.Push(q, pqItem{distSq: c.mbr.distSq(center), pid: c.child})
		}
	}
	return out, nil
}

// Delete removes entries at exactly point (all, or the payload match) and
// shrinks ancestor rectangles. Emptied nodes are detached and freed; partly
// filled nodes are left in place until enough deletes empty them.
func (t *Tree) Delete(point [2]float64, payload []byte) (int, error) {
	removed, empty, err := t.deleteAt(t.root, point, payload)
	if err != nil {
		return removed, err
	}
	if removed == 0 {
		return 0, nil
	}
	t.count -= uint64(removed)

	// deleteAt never writes back an internal node drained of every child,
	// and for the root nobody detaches it either: the stale page would
	// keep referencing freed children. Reset it to an empty leaf first.
	if empty {
		if err := t.writeNode(node{pid: t.root, leaf: true}); err != nil {
			return removed, err
		}
		t.height = 1
		return removed, t.writeMeta()
	}

	// Collapse a single-child internal root.
	for {
		n, err := t.readNode(t.root)
		if err != nil {
			return removed, err
		}
		if n.leaf || len(n.children) != 1 {
			break
		}
		old := t.root
		t.root = n.children[0].child
		t.height--
		if err := t.st.Free(old); err != nil {
			return removed, err
		}
	}
	return removed, t.writeMeta()
}

// deleteAt removes matches below pid, returning how many and whether the
// node is now empty (caller detaches it).
func (t *Tree) deleteAt(pid pagestore.PageID, point [2]float64, payload []byte) (int, bool, error) {
	n, err := t.readNode(pid)
	if err != nil {
		return 0, false, err
	}

	if n.leaf {
		removed := 0
		for i := 0; i < len(n.entries); {
			e := n.entries[i]
			if e.point == point && (payload == nil || bytes.Equal(payload, e.payload)) {
				n.entries = append(n.entries[:i], n.entries[i+1:]...)
				removed++
				continue
			}
			i++
		}
		if removed > 0 {
			if err := t.writeNode(n); err != nil {
				return removed, false, err
			}
		}
		return removed, len(n.entries) == 0, nil
	}

	removed := 0
	for i := 0; i < len(n.children); {
		c := n.children[i]
		if c.mbr.distSq(point) > 0 {
			i++
			continue
		}
		rm, empty, err := t.deleteAt(c.child, point, payload)
		if err != nil {
			return removed, false, err
		}
		removed += rm
		if empty {
			if err := t.st.Free(c.child); err != nil {
				return removed, false, err
			}
			n.children = append(n.children[:i], n.children[i+1:]...)
			continue
		}
		if rm > 0 {
			child, err := t.readNode(c.child)
			if err != nil {
				return removed, false, err
			}
			n.children[i].mbr = child.mbr()
		}
		i++
	}
	if removed > 0 && len(n.children) > 0 {
		if err := t.writeNode(n); err != nil {
			return removed, false, err
		}
	}
	return removed, len(n.children) == 0, nil
}

// Count reports stored entries.
func (t *Tree) Count() int { return int(t.count) }

// Height reports tree levels; 1 means the root is a leaf.
func (t *Tree) Height() int { return int(t.height) }

func (t *Tree) Counters() pagestore.Counters { return t.st.Counters() }
func (t *Tree) ResetCounters()               { t.st.ResetCounters() }

func (t *Tree) Close() error { return t.st.Close() }
