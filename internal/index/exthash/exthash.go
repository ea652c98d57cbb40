// Package exthash implements the extensible hash directory: a growable array
// of 2^globalDepth slots mapping the low bits of a key hash to bucket pages.
// Buckets split and the directory doubles under load; once the depth cap is
// reached buckets chain overflow pages instead. Equality lookups touch one
// bucket chain. Range queries are answered only by scanning every bucket,
// which is why the planner never routes a range here.
package exthash

import (
	"bytes"
	"encoding/binary"
	"log/slog"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/polydb/polydb/internal/dberr"
	"github.com/polydb/polydb/internal/index"
	"github.com/polydb/polydb/internal/pagestore"
	"github.com/polydb/polydb/internal/record"
)

// maxGlobalDepth bounds directory doubling; past it, collisions go to
// overflow chains.
const maxGlobalDepth = 16

// meta page layout: globalDepth u8 | count u64 | numDirPages u16 | dir page ids u32...
const (
	metaDepth    = 0
	metaCount    = 1
	metaDirPages = 9
	metaDirList  = 11
)

// bucket page layout: localDepth u8 | count u16 | next u32 | entries...
const bucketHeader = 7

// Dir is an extensible hash index over its own page store.
type Dir struct {
	st     *pagestore.Store
	layout index.Layout

	bucketCap   int
	slotsPerDir int // directory entries per directory page

	globalDepth uint8
	count       uint64
	dirPages    []pagestore.PageID
	dir         []pagestore.PageID // in-memory directory, flushed on change
}

type bucket struct {
	pid        pagestore.PageID
	localDepth uint8
	next       pagestore.PageID
	keys       []any
	payloads   [][]byte
}

// Open opens or creates the hash directory at path.
func Open(path string, layout index.Layout, opts pagestore.Options) (*Dir, error) {
	st, err := pagestore.Open(path, opts)
	if err != nil {
		return nil, err
	}

	d := &Dir{
		st:          st,
		layout:      layout,
		bucketCap:   (st.PageSize() - bucketHeader) / layout.EntryWidth(),
		slotsPerDir: st.PageSize() / 4,
	}
	if d.bucketCap < 2 {
		st.Close()
		return nil, dberr.Storagef("hash entry width %d too large for page size %d", layout.EntryWidth(), st.PageSize())
	}

	if st.PageCount() == 0 {
		if _, err := st.Allocate(); err != nil { // meta page
			st.Close()
			return nil, err
		}
		// Depth 0: a single bucket behind a single directory slot.
		b, err := d.newBucket(0)
		if err != nil {
			st.Close()
			return nil, err
		}
		d.dir = []pagestore.PageID{b}
		if err := d.flushDir(); err != nil {
			st.Close()
			return nil, err
		}
		return d, nil
	}

	buf, err := st.Read(1)
	if err != nil {
		st.Close()
		return nil, err
	}
	d.globalDepth = buf[metaDepth]
	d.count = binary.LittleEndian.Uint64(buf[metaCount:])
	numDir := int(binary.LittleEndian.Uint16(buf[metaDirPages:]))
	for i := 0; i < numDir; i++ {
		d.dirPages = append(d.dirPages, pagestore.PageID(binary.LittleEndian.Uint32(buf[metaDirList+i*4:])))
	}

	slots := 1 << d.globalDepth
	d.dir = make([]pagestore.PageID, 0, slots)
	for _, dp := range d.dirPages {
		db, err := st.Read(dp)
		if err != nil {
			st.Close()
			return nil, err
		}
		for i := 0; i < d.slotsPerDir && len(d.dir) < slots; i++ {
			d.dir = append(d.dir, pagestore.PageID(binary.LittleEndian.Uint32(db[i*4:])))
		}
	}
	if len(d.dir) != slots {
		st.Close()
		return nil, dberr.Storagef("hash directory truncated: %d of %d slots", len(d.dir), slots)
	}
	return d, nil
}

func (d *Dir) Kind() index.Kind { return index.KindHash }

// flushDir persists the directory pages and meta, growing directory pages
// to fit. Only shape changes (split repoint, double, merge, halve) need it;
// pure count changes go through writeMeta.
func (d *Dir) flushDir() error {
	need := (len(d.dir) + d.slotsPerDir - 1) / d.slotsPerDir
	for len(d.dirPages) < need {
		pid, err := d.st.Allocate()
		if err != nil {
			return err
		}
		d.dirPages = append(d.dirPages, pid)
	}

	for pi := 0; pi < need; pi++ {
		buf := make([]byte, d.st.PageSize())
		for i := 0; i < d.slotsPerDir; i++ {
			slot := pi*d.slotsPerDir + i
			if slot >= len(d.dir) {
				break
			}
			binary.LittleEndian.PutUint32(buf[i*4:], uint32(d.dir[slot]))
		}
		if err := d.st.Write(d.dirPages[pi], buf); err != nil {
			return err
		}
	}
	return d.writeMeta()
}

// writeMeta persists the meta page alone: depth, entry count, directory
// page list.
func (d *Dir) writeMeta() error {
	meta := make([]byte, d.st.PageSize())
	meta[metaDepth] = d.globalDepth
	binary.LittleEndian.PutUint64(meta[metaCount:], d.count)
	binary.LittleEndian.PutUint16(meta[metaDirPages:], uint16(len(d.dirPages)))
	for i, dp := range d.dirPages {
		binary.LittleEndian.PutUint32(meta[metaDirList+i*4:], uint32(dp))
	}
	return d.st.Write(1, meta)
}

func (d *Dir) newBucket(depth uint8) (pagestore.PageID, error) {
	pid, err := d.st.Allocate()
	if err != nil {
		return 0, err
	}
	return pid, d.writeBucket(bucket{pid: pid, localDepth: depth})
}

func (d *Dir) readBucket(pid pagestore.PageID) (bucket, error) {
	buf, err := d.st.Read(pid)
	if err != nil {
		return bucket{}, err
	}
	b := bucket{
		pid:        pid,
		localDepth: buf[0],
		next:       pagestore.PageID(binary.LittleEndian.Uint32(buf[3:])),
	}
	cnt := int(binary.LittleEndian.Uint16(buf[1:]))
	kw := d.layout.KeyCol.Width()
	ew := d.layout.EntryWidth()
	for i := 0; i < cnt; i++ {
		off := bucketHeader + i*ew
		b.keys = append(b.keys, record.DecodeKey(d.layout.KeyCol, buf[off:off+kw]))
		b.payloads = append(b.payloads, append([]byte(nil), buf[off+kw:off+ew]...))
	}
	return b, nil
}

func (d *Dir) writeBucket(b bucket) error {
	buf := make([]byte, d.st.PageSize())
	buf[0] = b.localDepth
	binary.LittleEndian.PutUint16(buf[1:], uint16(len(b.keys)))
	binary.LittleEndian.PutUint32(buf[3:], uint32(b.next))
	kw := d.layout.KeyCol.Width()
	ew := d.layout.EntryWidth()
	for i, k := range b.keys {
		kb, err := record.EncodeKey(d.layout.KeyCol, k)
		if err != nil {
			return err
		}
		off := bucketHeader + i*ew
		copy(buf[off:], kb)
		copy(buf[off+kw:], b.payloads[i])
	}
	return d.st.Write(b.pid, buf)
}

func (d *Dir) hash(key any) (uint64, error) {
	kb, err := record.EncodeKey(d.layout.KeyCol, key)
	if err != nil {
		return 0, err
	}
	return xxhash.Sum64(kb), nil
}

func (d *Dir) slotOf(h uint64) int {
	return int(h & ((1 << d.globalDepth) - 1))
}

// Insert adds one entry, splitting the target bucket and doubling the
// directory as needed.
func (d *Dir) Insert(key any, payload []byte) error {
	if len(payload) != d.layout.PayloadWidth {
		return dberr.Storagef("hash payload width %d != %d", len(payload), d.layout.PayloadWidth)
	}
	h, err := d.hash(key)
	if err != nil {
		return err
	}

	for {
		b, err := d.readBucket(d.dir[d.slotOf(h)])
		if err != nil {
			return err
		}
		if len(b.keys) < d.bucketCap {
			b.keys = append(b.keys, key)
			b.payloads = append(b.payloads, append([]byte(nil), payload...))
			if err := d.writeBucket(b); err != nil {
				return err
			}
			d.count++
			// The directory itself is untouched on this path.
			return d.writeMeta()
		}

		if b.localDepth < d.globalDepth {
			if err := d.split(&b); err != nil {
				return err
			}
			continue
		}
		if d.globalDepth < maxGlobalDepth {
			if err := d.double(); err != nil {
				return err
			}
			continue
		}

		// Depth cap reached: walk the overflow chain for space.
		return d.insertOverflow(&b, key, payload)
	}
}

func (d *Dir) insertOverflow(primary *bucket, key any, payload []byte) error {
	b := *primary
	for {
		if len(b.keys) < d.bucketCap {
			b.keys = append(b.keys, key)
			b.payloads = append(b.payloads, append([]byte(nil), payload...))
			if err := d.writeBucket(b); err != nil {
				return err
			}
			d.count++
			return d.writeMeta()
		}
		if b.next == pagestore.NilPage {
			pid, err := d.newBucket(b.localDepth)
			if err != nil {
				return err
			}
			b.next = pid
			if err := d.writeBucket(b); err != nil {
				return err
			}
			nb, err := d.readBucket(pid)
			if err != nil {
				return err
			}
			b = nb
			continue
		}
		nb, err := d.readBucket(b.next)
		if err != nil {
			return err
		}
		b = nb
	}
}

// split redistributes a full bucket over one more hash bit and repoints the
// directory slots that referenced it.
func (d *Dir) split(b *bucket) error {
	newDepth := b.localDepth + 1
	bit := uint64(1) << b.localDepth

	siblingPid, err := d.newBucket(newDepth)
	if err != nil {
		return err
	}
	sibling := bucket{pid: siblingPid, localDepth: newDepth}
	kept := bucket{pid: b.pid, localDepth: newDepth, next: b.next}

	for i, k := range b.keys {
		h, err := d.hash(k)
		if err != nil {
			return err
		}
		if h&bit != 0 {
			sibling.keys = append(sibling.keys, k)
			sibling.payloads = append(sibling.payloads, b.payloads[i])
		} else {
			kept.keys = append(kept.keys, k)
			kept.payloads = append(kept.payloads, b.payloads[i])
		}
	}

	if err := d.writeBucket(kept); err != nil {
		return err
	}
	if err := d.writeBucket(sibling); err != nil {
		return err
	}

	// Directory slots whose new bit is set move to the sibling.
	for slot := range d.dir {
		if d.dir[slot] == b.pid && uint64(slot)&bit != 0 {
			d.dir[slot] = siblingPid
		}
	}
	slog.Debug("hash.split", "bucket", b.pid, "sibling", siblingPid, "depth", newDepth)
	return d.flushDir()
}

// double doubles the directory; new slots mirror their low-half image.
func (d *Dir) double() error {
	half := len(d.dir)
	d.dir = append(d.dir, d.dir[:half]...)
	d.globalDepth++
	slog.Debug("hash.double", "globalDepth", d.globalDepth, "slots", len(d.dir))
	return d.flushDir()
}

// Search returns entries with the given key from its bucket chain.
func (d *Dir) Search(key any) ([]index.Entry, error) {
	h, err := d.hash(key)
	if err != nil {
		return nil, err
	}
	var out []index.Entry
	pid := d.dir[d.slotOf(h)]
	for pid != pagestore.NilPage {
		b, err := d.readBucket(pid)
		if err != nil {
			return nil, err
		}
		for i, k := range b.keys {
			if record.CompareKeys(k, key) == 0 {
				out = append(out, index.Entry{Key: k, Payload: b.payloads[i]})
			}
		}
		pid = b.next
	}
	return out, nil
}

// RangeSearch scans every bucket chain and sorts the hits. This is the
// structure's worst case and exists only as a correctness fallback.
func (d *Dir) RangeSearch(lo, hi any) ([]index.Entry, error) {
	var out []index.Entry
	for _, pid := range d.distinctBuckets() {
		for pid != pagestore.NilPage {
			b, err := d.readBucket(pid)
			if err != nil {
				return nil, err
			}
			for i, k := range b.keys {
				if record.CompareKeys(lo, k) <= 0 && record.CompareKeys(k, hi) <= 0 {
					out = append(out, index.Entry{Key: k, Payload: b.payloads[i]})
				}
			}
			pid = b.next
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return record.CompareKeys(out[i].Key, out[j].Key) < 0
	})
	return out, nil
}

func (d *Dir) distinctBuckets() []pagestore.PageID {
	seen := make(map[pagestore.PageID]bool, len(d.dir))
	var out []pagestore.PageID
	for _, pid := range d.dir {
		if !seen[pid] {
			seen[pid] = true
			out = append(out, pid)
		}
	}
	return out
}

// Delete removes entries matching key (all, or the payload match), then
// tries to merge the bucket with its buddy and halve the directory.
func (d *Dir) Delete(key any, payload []byte) (int, error) {
	h, err := d.hash(key)
	if err != nil {
		return 0, err
	}
	slot := d.slotOf(h)

	removed := 0
	var prev *bucket
	pid := d.dir[slot]
	for pid != pagestore.NilPage {
		b, err := d.readBucket(pid)
		if err != nil {
			return removed, err
		}
		for i := 0; i < len(b.keys); {
			if record.CompareKeys(b.keys[i], key) == 0 && (payload == nil || bytes.Equal(payload, b.payloads[i])) {
				b.keys = append(b.keys[:i], b.keys[i+1:]...)
				b.payloads = append(b.payloads[:i], b.payloads[i+1:]...)
				removed++
				continue
			}
			i++
		}

		next := b.next
		if len(b.keys) == 0 && prev != nil {
			// Empty overflow page: unlink and free it.
			prev.next = b.next
			if err := d.writeBucket(*prev); err != nil {
				return removed, err
			}
			if err := d.st.Free(b.pid); err != nil {
				return removed, err
			}
		} else {
			if err := d.writeBucket(b); err != nil {
				return removed, err
			}
			prev = &b
		}
		pid = next
	}

	if removed == 0 {
		return 0, nil
	}
	d.count -= uint64(removed)

	if err := d.tryMerge(slot); err != nil {
		return removed, err
	}
	if err := d.tryHalve(); err != nil {
		return removed, err
	}
	return removed, d.flushDir()
}

// tryMerge folds the slot's bucket into its buddy when both are shallow
// enough and their combined entries fit one page.
func (d *Dir) tryMerge(slot int) error {
	b, err := d.readBucket(d.dir[slot])
	if err != nil {
		return err
	}
	if b.localDepth == 0 || b.next != pagestore.NilPage {
		return nil
	}

	buddySlot := slot&int((uint64(1)<<b.localDepth)-1) ^ (1 << (b.localDepth - 1))
	buddy, err := d.readBucket(d.dir[buddySlot])
	if err != nil {
		return err
	}
	if buddy.pid == b.pid || buddy.localDepth != b.localDepth || buddy.next != pagestore.NilPage {
		return nil
	}
	if len(b.keys)+len(buddy.keys) > d.bucketCap {
		return nil
	}

	buddy.keys = append(buddy.keys, b.keys...)
	buddy.payloads = append(buddy.payloads, b.payloads...)
	buddy.localDepth--
	if err := d.writeBucket(buddy); err != nil {
		return err
	}
	for i := range d.dir {
		if d.dir[i] == b.pid {
			d.dir[i] = buddy.pid
		}
	}
	if err := d.st.Free(b.pid); err != nil {
		return err
	}
	slog.Debug("hash.merge", "freed", b.pid, "into", buddy.pid, "depth", buddy.localDepth)
	return nil
}

// tryHalve shrinks the directory while no bucket needs the top bit.
func (d *Dir) tryHalve() error {
	for d.globalDepth > 0 {
		for _, pid := range d.distinctBuckets() {
			b, err := d.readBucket(pid)
			if err != nil {
				return err
			}
			if b.localDepth >= d.globalDepth {
				return nil
			}
		}
		d.dir = d.dir[:len(d.dir)/2]
		d.globalDepth--
	}
	return nil
}

// Count reports stored entries.
func (d *Dir) Count() int { return int(d.count) }

// GlobalDepth reports the current directory depth.
func (d *Dir) GlobalDepth() int { return int(d.globalDepth) }

// Audit verifies directory coherence: each bucket's local depth is bounded
// by the global depth and exactly 2^(g-l) slots reference it.
func (d *Dir) Audit() error {
	refs := make(map[pagestore.PageID]int)
	for _, pid := range d.dir {
		refs[pid]++
	}
	for pid, n := range refs {
		b, err := d.readBucket(pid)
		if err != nil {
			return err
		}
		if b.localDepth > d.globalDepth {
			return dberr.Storagef("hash bucket %d local depth %d exceeds global %d", pid, b.localDepth, d.globalDepth)
		}
		want := 1 << (d.globalDepth - b.localDepth)
		if n != want {
			return dberr.Storagef("hash bucket %d referenced by %d slots, want %d", pid, n, want)
		}
	}
	return nil
}

func (d *Dir) Counters() pagestore.Counters { return d.st.Counters() }
func (d *Dir) ResetCounters()               { d.st.ResetCounters() }

func (d *Dir) Close() error { return d.st.Close() }
