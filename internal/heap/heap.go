// Package heap implements the per-table sequential record file: append-only
// fixed-size records in pages, logical deletes via tombstone flags. It is
// both the canonical row store every unclustered index points into and the
// literal SEQ table organization / fallback scan path.
package heap

import (
	"fmt"
	"log/slog"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/polydb/polydb/internal/dberr"
	"github.com/polydb/polydb/internal/pagestore"
	"github.com/polydb/polydb/internal/record"
)

// RID identifies a record's physical location.
type RID struct {
	Page pagestore.PageID
	Slot uint16
}

// RIDWidth is the encoded size of a RID inside index payloads.
const RIDWidth = 6

func (r RID) String() string { return fmt.Sprintf("(%d,%d)", r.Page, r.Slot) }

// Slot flags. A zero byte means the slot was never written.
const (
	slotLive    byte = 1
	slotDeleted byte = 2
)

const pageHeaderSize = 2 // u16 used-slot count

// File is a heap record file over its own page store.
//
// Page layout: [used u16] then used slots of [flag byte | record bytes].
// Records are fixed size, so slot offsets are pure arithmetic.
type File struct {
	st    *pagestore.Store
	codec record.Codec

	slotsPerPage int
	lastPage     pagestore.PageID // 0 until first append

	live  *roaring.Bitmap // live slot ordinals, for counts and fast scans
	total uint64          // slots ever written, tombstones included
}

// Open opens or creates the heap file at path for the given schema.
func Open(path string, schema record.Schema, opts pagestore.Options) (*File, error) {
	st, err := pagestore.Open(path, opts)
	if err != nil {
		return nil, err
	}

	codec := record.NewCodec(schema)
	slotSize := 1 + codec.Size()
	spp := (st.PageSize() - pageHeaderSize) / slotSize
	if spp < 1 {
		st.Close()
		return nil, dberr.Storagef("record size %d does not fit page size %d", codec.Size(), st.PageSize())
	}

	f := &File{
		st:           st,
		codec:        codec,
		slotsPerPage: spp,
		live:         roaring.New(),
	}
	if err := f.recover(); err != nil {
		st.Close()
		return nil, err
	}
	return f, nil
}

// recover rebuilds the live set and append cursor by walking all pages.
func (f *File) recover() error {
	n := f.st.PageCount()
	for p := 1; p <= n; p++ {
		id := pagestore.PageID(p)
		buf, err := f.st.Read(id)
		if err != nil {
			return err
		}
		used := int(u16(buf))
		if used > f.slotsPerPage {
			return dberr.Storagef("heap page %d: used %d exceeds capacity %d", id, used, f.slotsPerPage)
		}
		for s := 0; s < used; s++ {
			f.total++
			if buf[f.slotOff(s)] == slotLive {
				f.live.Add(f.ordinal(RID{Page: id, Slot: uint16(s)}))
			}
		}
		f.lastPage = id
	}
	return nil
}

func (f *File) slotOff(slot int) int {
	return pageHeaderSize + slot*(1+f.codec.Size())
}

func (f *File) ordinal(id RID) uint32 {
	return (uint32(id.Page)-1)*uint32(f.slotsPerPage) + uint32(id.Slot)
}

// Append writes a coerced row at the end of the file.
func (f *File) Append(row []any) (RID, error) {
	rec, err := f.codec.Encode(row)
	if err != nil {
		return RID{}, err
	}

	if f.lastPage == pagestore.NilPage {
		if err := f.growPage(); err != nil {
			return RID{}, err
		}
	}

	buf, err := f.st.Read(f.lastPage)
	if err != nil {
		return RID{}, err
	}
	used := int(u16(buf))
	if used >= f.slotsPerPage {
		if err := f.growPage(); err != nil {
			return RID{}, err
		}
		buf, err = f.st.Read(f.lastPage)
		if err != nil {
			return RID{}, err
		}
		used = 0
	}

	off := f.slotOff(used)
	buf[off] = slotLive
	copy(buf[off+1:], rec)
	putU16(buf, uint16(used+1))
	if err := f.st.Write(f.lastPage, buf); err != nil {
		return RID{}, err
	}

	id := RID{Page: f.lastPage, Slot: uint16(used)}
	f.live.Add(f.ordinal(id))
	f.total++
	slog.Debug("heap.append", "page", id.Page, "slot", id.Slot)
	return id, nil
}

// Get reads a live record; tombstoned or never-written slots are NotFound.
func (f *File) Get(id RID) ([]any, error) {
	buf, err := f.st.Read(id.Page)
	if err != nil {
		return nil, err
	}
	if int(id.Slot) >= int(u16(buf)) {
		return nil, dberr.NotFoundf("heap slot %s", id)
	}
	off := f.slotOff(int(id.Slot))
	if buf[off] != slotLive {
		return nil, dberr.NotFoundf("heap slot %s is deleted", id)
	}
	return f.codec.Decode(buf[off+1:])
}

// Delete tombstones a record in place. Deleting twice is NotFound.
func (f *File) Delete(id RID) error {
	buf, err := f.st.Read(id.Page)
	if err != nil {
		return err
	}
	if int(id.Slot) >= int(u16(buf)) {
		return dberr.NotFoundf("heap slot %s", id)
	}
	off := f.slotOff(int(id.Slot))
	if buf[off] != slotLive {
		return dberr.NotFoundf("heap slot %s already deleted", id)
	}
	buf[off] = slotDeleted
	if err := f.st.Write(id.Page, buf); err != nil {
		return err
	}
	f.live.Remove(f.ordinal(id))
	return nil
}

// Scan visits every live record in physical order.
func (f *File) Scan(fn func(id RID, row []any) error) error {
	n := f.st.PageCount()
	for p := 1; p <= n; p++ {
		pid := pagestore.PageID(p)
		buf, err := f.st.Read(pid)
		if err != nil {
			return err
		}
		used := int(u16(buf))
		for s := 0; s < used; s++ {
			off := f.slotOff(s)
			if buf[off] != slotLive {
				continue
			}
			row, err := f.codec.Decode(buf[off+1:])
			if err != nil {
				return err
			}
			if err := fn(RID{Page: pid, Slot: uint16(s)}, row); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *File) growPage() error {
	id, err := f.st.Allocate()
	if err != nil {
		return err
	}
	buf := make([]byte, f.st.PageSize())
	if err := f.st.Write(id, buf); err != nil {
		return err
	}
	f.lastPage = id
	return nil
}

// LiveCount reports records not tombstoned; TotalCount includes tombstones.
func (f *File) LiveCount() uint64  { return f.live.GetCardinality() }
func (f *File) TotalCount() uint64 { return f.total }

func (f *File) Schema() record.Schema  { return f.codec.Schema }
func (f *File) Store() *pagestore.Store { return f.st }

func (f *File) Close() error { return f.st.Close() }

// EncodeRID serializes a RID into the fixed index payload form.
func EncodeRID(id RID) []byte {
	b := make([]byte, RIDWidth)
	b[0] = byte(id.Page)
	b[1] = byte(id.Page >> 8)
	b[2] = byte(id.Page >> 16)
	b[3] = byte(id.Page >> 24)
	b[4] = byte(id.Slot)
	b[5] = byte(id.Slot >> 8)
	return b
}

// DecodeRID parses the fixed payload form back into a RID.
func DecodeRID(b []byte) RID {
	return RID{
		Page: pagestore.PageID(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24),
		Slot: uint16(b[4]) | uint16(b[5])<<8,
	}
}

func u16(b []byte) uint16      { return uint16(b[0]) | uint16(b[1])<<8 }
func putU16(b []byte, v uint16) { b[0] = byte(v); b[1] = byte(v >> 8) }
