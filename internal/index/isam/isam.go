// Package isam implements the static two-level index: data pages laid out in
// key order at build time under one or two levels of index pages that never
// change afterward. Later inserts land in the covering data page or its
// overflow chain, deletes tombstone in place, and Rebuild folds overflow and
// tombstones back into a fresh static layout.
package isam

import (
	"bytes"
	"encoding/binary"
	"log/slog"
	"sort"

	"github.com/polydb/polydb/internal/dberr"
	"github.com/polydb/polydb/internal/index"
	"github.com/polydb/polydb/internal/pagestore"
	"github.com/polydb/polydb/internal/record"
)

// meta page layout: levels u8 | root u32 | firstData u32 | live u64 | overflowPages u32
const (
	metaLevels   = 0
	metaRoot     = 1
	metaFirst    = 5
	metaLive     = 9
	metaOverflow = 17
)

// data page layout: count u16 | overflow u32 | seqNext u32 | firstKey | entries
// entry: flag byte | key | payload
const dataHeaderBase = 10

const (
	entryLive byte = 1
	entryDead byte = 2
)

// index page layout: count u16 | (firstKey, child u32)...
const indexHeader = 2

// File is a static two-level index over its own page store.
type File struct {
	st     *pagestore.Store
	layout index.Layout

	dataCap  int // entries per data page
	indexCap int // children per index page

	levels        uint8
	root          pagestore.PageID
	firstData     pagestore.PageID
	live          uint64
	overflowPages uint32
}

type dataPage struct {
	pid      pagestore.PageID
	overflow pagestore.PageID
	seqNext  pagestore.PageID
	firstKey any
	flags    []byte
	keys     []any
	payloads [][]byte
}

// Open opens or creates the file at path. A new file is built empty: one
// data page under one index page.
func Open(path string, layout index.Layout, opts pagestore.Options) (*File, error) {
	st, err := pagestore.Open(path, opts)
	if err != nil {
		return nil, err
	}

	kw := layout.KeyCol.Width()
	f := &File{
		st:       st,
		layout:   layout,
		dataCap:  (st.PageSize() - dataHeaderBase - kw) / (1 + layout.EntryWidth()),
		indexCap: (st.PageSize() - indexHeader) / (kw + 4),
	}
	if f.dataCap < 2 || f.indexCap < 2 {
		st.Close()
		return nil, dberr.Storagef("isam entry width %d too large for page size %d", layout.EntryWidth(), st.PageSize())
	}

	if st.PageCount() == 0 {
		if _, err := st.Allocate(); err != nil { // meta page
			st.Close()
			return nil, err
		}
		if err := f.build(nil); err != nil {
			st.Close()
			return nil, err
		}
		return f, nil
	}

	buf, err := st.Read(1)
	if err != nil {
		st.Close()
		return nil, err
	}
	f.levels = buf[metaLevels]
	f.root = pagestore.PageID(binary.LittleEndian.Uint32(buf[metaRoot:]))
	f.firstData = pagestore.PageID(binary.LittleEndian.Uint32(buf[metaFirst:]))
	f.live = binary.LittleEndian.Uint64(buf[metaLive:])
	f.overflowPages = binary.LittleEndian.Uint32(buf[metaOverflow:])
	return f, nil
}

func (f *File) Kind() index.Kind { return index.KindISAM }

func (f *File) writeMeta() error {
	buf := make([]byte, f.st.PageSize())
	buf[metaLevels] = f.levels
	binary.LittleEndian.PutUint32(buf[metaRoot:], uint32(f.root))
	binary.LittleEndian.PutUint32(buf[metaFirst:], uint32(f.firstData))
	binary.LittleEndian.PutUint64(buf[metaLive:], f.live)
	binary.LittleEndian.PutUint32(buf[metaOverflow:], f.overflowPages)
	return f.st.Write(1, buf)
}

func (f *File) readData(pid pagestore.PageID) (dataPage, error) {
	buf, err := f.st.Read(pid)
	if err != nil {
		return dataPage{}, err
	}
	kw := f.layout.KeyCol.Width()
	p := dataPage{
		pid:      pid,
		overflow: pagestore.PageID(binary.LittleEndian.Uint32(buf[2:])),
		seqNext:  pagestore.PageID(binary.LittleEndian.Uint32(buf[6:])),
		firstKey: record.DecodeKey(f.layout.KeyCol, buf[dataHeaderBase:dataHeaderBase+kw]),
	}
	cnt := int(binary.LittleEndian.Uint16(buf))
	es := 1 + f.layout.EntryWidth()
	for i := 0; i < cnt; i++ {
		off := dataHeaderBase + kw + i*es
		p.flags = append(p.flags, buf[off])
		p.keys = append(p.keys, record.DecodeKey(f.layout.KeyCol, buf[off+1:off+1+kw]))
		p.payloads = append(p.payloads, append([]byte(nil), buf[off+1+kw:off+es]...))
	}
	return p, nil
}

func (f *File) writeData(p dataPage) error {
	buf := make([]byte, f.st.PageSize())
	binary.LittleEndian.PutUint16(buf, uint16(len(p.keys)))
	binary.LittleEndian.PutUint32(buf[2:], uint32(p.overflow))
	binary.LittleEndian.PutUint32(buf[6:], uint32(p.seqNext))
	kw := f.layout.KeyCol.Width()
	fk, err := record.EncodeKey(f.layout.KeyCol, p.firstKey)
	if err != nil {
		return err
	}
	copy(buf[dataHeaderBase:], fk)
	es := 1 + f.layout.EntryWidth()
	for i, k := range p.keys {
		kb, err := record.EncodeKey(f.layout.KeyCol, k)
		if err != nil {
			return err
		}
		off := dataHeaderBase + kw + i*es
		buf[off] = p.flags[i]
		copy(buf[off+1:], kb)
		copy(buf[off+1+kw:], p.payloads[i])
	}
	return f.st.Write(p.pid, buf)
}

func (f *File) writeIndex(pid pagestore.PageID, keys []any, children []pagestore.PageID) error {
	buf := make([]byte, f.st.PageSize())
	binary.LittleEndian.PutUint16(buf, uint16(len(keys)))
	kw := f.layout.KeyCol.Width()
	for i, k := range keys {
		kb, err := record.EncodeKey(f.layout.KeyCol, k)
		if err != nil {
			return err
		}
		off := indexHeader + i*(kw+4)
		copy(buf[off:], kb)
		binary.LittleEndian.PutUint32(buf[off+kw:], uint32(children[i]))
	}
	return f.st.Write(pid, buf)
}

func (f *File) readIndex(pid pagestore.PageID) ([]any, []pagestore.PageID, error) {
	buf, err := f.st.Read(pid)
	if err != nil {
		return nil, nil, err
	}
	cnt := int(binary.LittleEndian.Uint16(buf))
	kw := f.layout.KeyCol.Width()
	keys := make([]any, 0, cnt)
	children := make([]pagestore.PageID, 0, cnt)
	for i := 0; i < cnt; i++ {
		off := indexHeader + i*(kw+4)
		keys = append(keys, record.DecodeKey(f.layout.KeyCol, buf[off:off+kw]))
		children = append(children, pagestore.PageID(binary.LittleEndian.Uint32(buf[off+kw:])))
	}
	return keys, children, nil
}

// build lays out sorted entries into fresh data pages and the static index
// above them. Entries must already be key-sorted.
func (f *File) build(entries []index.Entry) error {
	zero := zeroKey(f.layout.KeyCol)

	var dataPids []pagestore.PageID
	var firstKeys []any

	n := len(entries)
	pages := (n + f.dataCap - 1) / f.dataCap
	if pages == 0 {
		pages = 1
	}
	for pi := 0; pi < pages; pi++ {
		pid, err := f.st.Allocate()
		if err != nil {
			return err
		}
		dataPids = append(dataPids, pid)
	}

	for pi := 0; pi < pages; pi++ {
		lo := pi * f.dataCap
		hi := min(lo+f.dataCap, n)
		p := dataPage{pid: dataPids[pi], firstKey: zero}
		if lo < hi {
			p.firstKey = entries[lo].Key
		}
		for _, e := range entries[lo:hi] {
			p.flags = append(p.flags, entryLive)
			p.keys = append(p.keys, e.Key)
			p.payloads = append(p.payloads, e.Payload)
		}
		if pi+1 < pages {
			p.seqNext = dataPids[pi+1]
		}
		if err := f.writeData(p); err != nil {
			return err
		}
		firstKeys = append(firstKeys, p.firstKey)
	}

	// Level 1 over the data pages.
	l1 := (len(dataPids) + f.indexCap - 1) / f.indexCap
	var l1Pids []pagestore.PageID
	var l1Keys []any
	for pi := 0; pi < l1; pi++ {
		pid, err := f.st.Allocate()
		if err != nil {
			return err
		}
		lo := pi * f.indexCap
		hi := min(lo+f.indexCap, len(dataPids))
		if err := f.writeIndex(pid, firstKeys[lo:hi], dataPids[lo:hi]); err != nil {
			return err
		}
		l1Pids = append(l1Pids, pid)
		l1Keys = append(l1Keys, firstKeys[lo])
	}

	if len(l1Pids) == 1 {
		f.levels = 1
		f.root = l1Pids[0]
	} else {
		if len(l1Pids) > f.indexCap {
			return dberr.Storagef("isam: %d index pages exceed the two-level limit of %d", len(l1Pids), f.indexCap)
		}
		pid, err := f.st.Allocate()
		if err != nil {
			return err
		}
		if err := f.writeIndex(pid, l1Keys, l1Pids); err != nil {
			return err
		}
		f.levels = 2
		f.root = pid
	}

	f.firstData = dataPids[0]
	f.live = uint64(n)
	f.overflowPages = 0
	slog.Debug("isam.build", "entries", n, "dataPages", pages, "levels", f.levels)
	return f.writeMeta()
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

// locate descends the static index to the leftmost data page that may hold
// key. The caller walks seqNext forward from there.
func (f *File) locate(key any) (pagestore.PageID, error) {
	pid := f.root
	for level := f.levels; level > 0; level-- {
		keys, children, err := f.readIndex(pid)
		if err != nil {
			return 0, err
		}
		i := sort.Search(len(keys), func(j int) bool {
			return record.CompareKeys(keys[j], key) >= 0
		})
		if i > 0 {
			i--
		}
		pid = children[i]
	}
	return pid, nil
}

// Load replaces the structure's contents with the given entries, sorting
// them and rebuilding the static layout. Used by bulk table loads.
func (f *File) Load(entries []index.Entry) error {
	sort.SliceStable(entries, func(i, j int) bool {
		return record.CompareKeys(entries[i].Key, entries[j].Key) < 0
	})
	if err := f.freeAll(); err != nil {
		return err
	}
	return f.build(entries)
}

// Rebuild folds tombstones and overflow chains back into a static layout.
func (f *File) Rebuild() error {
	var entries []index.Entry
	err := f.scanPages(func(p dataPage) (bool, error) {
		for i, fl := range p.flags {
			if fl == entryLive {
				entries = append(entries, index.Entry{Key: p.keys[i], Payload: p.payloads[i]})
			}
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	return f.Load(entries)
}

// freeAll releases every data, overflow, and index page.
func (f *File) freeAll() error {
	var pids []pagestore.PageID
	err := f.scanPages(func(p dataPage) (bool, error) {
		pids = append(pids, p.pid)
		return true, nil
	})
	if err != nil {
		return err
	}
	if f.levels == 2 {
		_, children, err := f.readIndex(f.root)
		if err != nil {
			return err
		}
		pids = append(pids, children...)
	}
	pids = append(pids, f.root)
	for _, pid := range pids {
		if err := f.st.Free(pid); err != nil {
			return err
		}
	}
	return nil
}

// scanPages visits every data page including overflow pages, in sequence
// order. fn returning false stops the walk.
func (f *File) scanPages(fn func(p dataPage) (bool, error)) error {
	for pid := f.firstData; pid != pagestore.NilPage; {
		p, err := f.readData(pid)
		if err != nil {
			return err
		}
		next := p.seqNext
		for {
			more, err := fn(p)
			if err != nil || !more {
				return err
			}
			if p.overflow == pagestore.NilPage {
				break
			}
			p, err = f.readData(p.overflow)
			if err != nil {
				return err
			}
		}
		pid = next
	}
	return nil
}

// Insert places the entry in the rightmost covering data page, reusing a
// tombstoned slot when one exists, chaining an overflow page otherwise.
// The static index above never changes.
func (f *File) Insert(key any, payload []byte) error {
	if len(payload) != f.layout.PayloadWidth {
		return dberr.Storagef("isam payload width %d != %d", len(payload), f.layout.PayloadWidth)
	}

	pid, err := f.locate(key)
	if err != nil {
		return err
	}
	p, err := f.readData(pid)
	if err != nil {
		return err
	}
	// Advance to the last primary page whose range still covers key.
	for p.seqNext != pagestore.NilPage {
		next, err := f.readData(p.seqNext)
		if err != nil {
			return err
		}
		if record.CompareKeys(next.firstKey, key) > 0 {
			break
		}
		p = next
	}

	for {
		for i, fl := range p.flags {
			if fl == entryDead {
				p.flags[i] = entryLive
				p.keys[i] = key
				p.payloads[i] = append([]byte(nil), payload...)
				f.live++
				if err := f.writeData(p); err != nil {
					return err
				}
				return f.writeMeta()
			}
		}
		if len(p.keys) < f.dataCap {
			p.flags = append(p.flags, entryLive)
			p.keys = append(p.keys, key)
			p.payloads = append(p.payloads, append([]byte(nil), payload...))
			f.live++
			if err := f.writeData(p); err != nil {
				return err
			}
			return f.writeMeta()
		}
		if p.overflow == pagestore.NilPage {
			opid, err := f.st.Allocate()
			if err != nil {
				return err
			}
			op := dataPage{pid: opid, firstKey: p.firstKey}
			if err := f.writeData(op); err != nil {
				return err
			}
			p.overflow = opid
			if err := f.writeData(p); err != nil {
				return err
			}
			f.overflowPages++
			slog.Debug("isam.overflow", "page", p.pid, "chain", opid)
			p = op
			continue
		}
		p, err = f.readData(p.overflow)
		if err != nil {
			return err
		}
	}
}

// Search returns entries with the given key.
func (f *File) Search(key any) ([]index.Entry, error) {
	return f.RangeSearch(key, key)
}

// RangeSearch walks data pages from the leftmost candidate until a primary
// page starts past hi, collecting live entries in [lo, hi]. Overflow pages
// are unordered, so the combined result is sorted before returning.
func (f *File) RangeSearch(lo, hi any) ([]index.Entry, error) {
	start, err := f.locate(lo)
	if err != nil {
		return nil, err
	}

	var out []index.Entry
	for pid := start; pid != pagestore.NilPage; {
		p, err := f.readData(pid)
		if err != nil {
			return nil, err
		}
		if pid != start && record.CompareKeys(p.firstKey, hi) > 0 {
			break
		}
		next := p.seqNext
		for {
			for i, fl := range p.flags {
				if fl != entryLive {
					continue
				}
				if record.CompareKeys(lo, p.keys[i]) <= 0 && record.CompareKeys(p.keys[i], hi) <= 0 {
					out = append(out, index.Entry{Key: p.keys[i], Payload: p.payloads[i]})
				}
			}
			if p.overflow == pagestore.NilPage {
				break
			}
			p, err = f.readData(p.overflow)
			if err != nil {
				return nil, err
			}
		}
		pid = next
	}

	sort.SliceStable(out, func(i, j int) bool {
		return record.CompareKeys(out[i].Key, out[j].Key) < 0
	})
	return out, nil
}

// Delete tombstones entries matching key (all, or the payload match).
func (f *File) Delete(key any, payload []byte) (int, error) {
	start, err := f.locate(key)
	if err != nil {
		return 0, err
	}

	removed := 0
	for pid := start; pid != pagestore.NilPage; {
		p, err := f.readData(pid)
		if err != nil {
			return removed, err
		}
		if pid != start && record.CompareKeys(p.firstKey, key) > 0 {
			break
		}
		next := p.seqNext
		for {
			dirty := false
			for i, fl := range p.flags {
				if fl != entryLive || record.CompareKeys(p.keys[i], key) != 0 {
					continue
				}
				if payload != nil && !bytes.Equal(payload, p.payloads[i]) {
					continue
				}
				p.flags[i] = entryDead
				removed++
				dirty = true
			}
			if dirty {
				if err := f.writeData(p); err != nil {
					return removed, err
				}
			}
			if p.overflow == pagestore.NilPage {
				break
			}
			p, err = f.readData(p.overflow)
			if err != nil {
				return removed, err
			}
		}
		pid = next
	}

	if removed > 0 {
		f.live -= uint64(removed)
		if err := f.writeMeta(); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// Count reports live entries.
func (f *File) Count() int { return int(f.live) }

// Levels reports static index levels (1 or 2).
func (f *File) Levels() int { return int(f.levels) }

// OverflowPages reports how many overflow pages have accreted since the
// last rebuild. A large number is the cue to Rebuild.
func (f *File) OverflowPages() int { return int(f.overflowPages) }

func (f *File) Counters() pagestore.Counters { return f.st.Counters() }
func (f *File) ResetCounters()               { f.st.ResetCounters() }

func (f *File) Close() error { return f.st.Close() }
