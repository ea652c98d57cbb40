// Package pagestore provides fixed-size block I/O over a single backing file.
//
// Every index structure in the engine is expressed in page units, so one
// logical operation translates into a countable number of page reads and
// writes; the per-store counters are the raw material for EXPLAIN costs.
package pagestore

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/dgraph-io/ristretto/v2"

	"github.com/polydb/polydb/internal/dberr"
)

// PageID addresses a page inside a store. Page 0 is the store header and is
// never handed out; NilPage doubles as the "no page" sentinel.
type PageID uint32

const NilPage PageID = 0

const (
	DefaultPageSize = 4096
	headerMagic     = 0x504C4442 // "PLDB"
	headerVersion   = 1

	// header layout: magic u32 | version u16 | pageSize u32 | pageCount u32 | freeHead u32
	offMagic     = 0
	offVersion   = 4
	offPageSize  = 6
	offPageCount = 10
	offFreeHead  = 14
)

var (
	ErrOutOfSpace = fmt.Errorf("%w: page allocation failed, store is full", dberr.ErrStorage)
	ErrCorrupt    = fmt.Errorf("%w: corrupt or out-of-range page access", dberr.ErrStorage)
)

// Counters tracks page-level I/O since the last reset. Reads counts logical
// reads; CacheHits of those were served without touching the file.
type Counters struct {
	Reads     uint64
	Writes    uint64
	CacheHits uint64
}

// Options configures a Store. Zero values fall back to defaults.
type Options struct {
	PageSize   int
	MaxPages   int   // 0 = unbounded
	CacheBytes int64 // 0 disables the read cache
}

// Store is a page-oriented file: a header page followed by data pages, with
// freed pages kept on an intrusive freelist (first 4 bytes of a free page
// hold the next free id).
type Store struct {
	mu sync.Mutex

	file      *os.File
	pageSize  int
	pageCount uint32 // includes the header page
	freeHead  PageID
	maxPages  int

	free  *roaring.Bitmap // ids currently on the freelist
	cache *ristretto.Cache[uint32, []byte]

	counters Counters
}

// Open opens or creates the store at path.
func Open(path string, opts Options) (*Store, error) {
	if opts.PageSize == 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.PageSize < 64 {
		return nil, fmt.Errorf("pagestore: page size %d too small", opts.PageSize)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, dberr.Storagef("open page file %s: %v", path, err)
	}

	st := &Store{
		file:     file,
		pageSize: opts.PageSize,
		maxPages: opts.MaxPages,
		free:     roaring.New(),
	}

	if opts.CacheBytes > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config[uint32, []byte]{
			NumCounters: opts.CacheBytes / int64(opts.PageSize) * 10,
			MaxCost:     opts.CacheBytes,
			BufferItems: 64,
		})
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("pagestore: init cache: %w", err)
		}
		st.cache = cache
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, dberr.Storagef("stat page file: %v", err)
	}

	if info.Size() == 0 {
		if err := st.initHeader(); err != nil {
			file.Close()
			return nil, err
		}
		return st, nil
	}

	if err := st.loadHeader(); err != nil {
		file.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) initHeader() error {
	s.pageCount = 1
	s.freeHead = NilPage
	return s.writeHeader()
}

func (s *Store) writeHeader() error {
	buf := make([]byte, s.pageSize)
	binary.LittleEndian.PutUint32(buf[offMagic:], headerMagic)
	binary.LittleEndian.PutUint16(buf[offVersion:], headerVersion)
	binary.LittleEndian.PutUint32(buf[offPageSize:], uint32(s.pageSize))
	binary.LittleEndian.PutUint32(buf[offPageCount:], s.pageCount)
	binary.LittleEndian.PutUint32(buf[offFreeHead:], uint32(s.freeHead))
	if _, err := s.file.WriteAt(buf, 0); err != nil {
		return dberr.Storagef("write store header: %v", err)
	}
	return nil
}

func (s *Store) loadHeader() error {
	buf := make([]byte, s.pageSize)
	if _, err := s.file.ReadAt(buf, 0); err != nil {
		return dberr.Storagef("read store header: %v", err)
	}
	if binary.LittleEndian.Uint32(buf[offMagic:]) != headerMagic {
		return fmt.Errorf("%w: bad store magic", ErrCorrupt)
	}
	size := int(binary.LittleEndian.Uint32(buf[offPageSize:]))
	if size != s.pageSize {
		// The file knows its own page size; trust it over the options.
		s.pageSize = size
	}
	s.pageCount = binary.LittleEndian.Uint32(buf[offPageCount:])
	s.freeHead = PageID(binary.LittleEndian.Uint32(buf[offFreeHead:]))

	// Rebuild the free set by walking the chain so reads of freed pages can
	// be rejected as corruption instead of returning stale bytes.
	for id := s.freeHead; id != NilPage; {
		if uint32(id) >= s.pageCount || s.free.Contains(uint32(id)) {
			return fmt.Errorf("%w: freelist cycle at page %d", ErrCorrupt, id)
		}
		s.free.Add(uint32(id))
		raw, err := s.readRaw(id)
		if err != nil {
			return err
		}
		id = PageID(binary.LittleEndian.Uint32(raw))
	}
	return nil
}

// Allocate returns a zeroed page id, reusing the freelist before growing the
// file. Exhaustion (MaxPages reached) is a resource error, not corruption.
func (s *Store) Allocate() (PageID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.freeHead != NilPage {
		id := s.freeHead
		raw, err := s.readRaw(id)
		if err != nil {
			return NilPage, err
		}
		s.freeHead = PageID(binary.LittleEndian.Uint32(raw))
		s.free.Remove(uint32(id))
		if err := s.writeRaw(id, make([]byte, s.pageSize)); err != nil {
			return NilPage, err
		}
		return id, s.writeHeader()
	}

	if s.maxPages > 0 && int(s.pageCount) >= s.maxPages {
		return NilPage, ErrOutOfSpace
	}

	id := PageID(s.pageCount)
	s.pageCount++
	if err := s.writeRaw(id, make([]byte, s.pageSize)); err != nil {
		s.pageCount--
		return NilPage, err
	}
	return id, s.writeHeader()
}

// Read returns a copy of the page contents. Reading the header page, a freed
// page or an out-of-range id is corruption and fatal by contract.
func (s *Store) Read(id PageID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLive(id); err != nil {
		return nil, err
	}
	s.counters.Reads++

	if s.cache != nil {
		if buf, ok := s.cache.Get(uint32(id)); ok {
			s.counters.CacheHits++
			out := make([]byte, s.pageSize)
			copy(out, buf)
			return out, nil
		}
	}

	buf, err := s.readRaw(id)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		cp := make([]byte, s.pageSize)
		copy(cp, buf)
		s.cache.Set(uint32(id), cp, int64(s.pageSize))
	}
	return buf, nil
}

// Write stores buf (exactly one page) at id.
func (s *Store) Write(id PageID, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(buf) != s.pageSize {
		return fmt.Errorf("pagestore: write size %d != page size %d", len(buf), s.pageSize)
	}
	if err := s.checkLive(id); err != nil {
		return err
	}
	if err := s.writeRaw(id, buf); err != nil {
		return err
	}
	if s.cache != nil {
		cp := make([]byte, s.pageSize)
		copy(cp, buf)
		s.cache.Set(uint32(id), cp, int64(s.pageSize))
	}
	return nil
}

// Free pushes id onto the freelist.
func (s *Store) Free(id PageID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLive(id); err != nil {
		return err
	}
	buf := make([]byte, s.pageSize)
	binary.LittleEndian.PutUint32(buf, uint32(s.freeHead))
	if err := s.writeRaw(id, buf); err != nil {
		return err
	}
	s.freeHead = id
	s.free.Add(uint32(id))
	if s.cache != nil {
		s.cache.Del(uint32(id))
	}
	return s.writeHeader()
}

func (s *Store) checkLive(id PageID) error {
	if id == NilPage || uint32(id) >= s.pageCount {
		return fmt.Errorf("%w: page %d out of range (count %d)", ErrCorrupt, id, s.pageCount)
	}
	if s.free.Contains(uint32(id)) {
		return fmt.Errorf("%w: page %d is on the freelist", ErrCorrupt, id)
	}
	return nil
}

func (s *Store) readRaw(id PageID) ([]byte, error) {
	buf := make([]byte, s.pageSize)
	if _, err := s.file.ReadAt(buf, int64(id)*int64(s.pageSize)); err != nil {
		return nil, dberr.Storagef("read page %d: %v", id, err)
	}
	return buf, nil
}

func (s *Store) writeRaw(id PageID, buf []byte) error {
	if _, err := s.file.WriteAt(buf, int64(id)*int64(s.pageSize)); err != nil {
		return dberr.Storagef("write page %d: %v", id, err)
	}
	s.counters.Writes++
	return nil
}

func (s *Store) PageSize() int { return s.pageSize }

// PageCount reports allocated data pages (header excluded, freelist included).
func (s *Store) PageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.pageCount) - 1
}

// LivePages reports data pages not on the freelist.
func (s *Store) LivePages() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.pageCount) - 1 - int(s.free.GetCardinality())
}

func (s *Store) Counters() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters
}

func (s *Store) ResetCounters() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters = Counters{}
}

// Sync flushes the file to stable storage (best-effort durability).
func (s *Store) Sync() error {
	if err := s.file.Sync(); err != nil {
		return dberr.Storagef("sync page file: %v", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.cache != nil {
		s.cache.Close()
	}
	return s.file.Close()
}

// SizeBytes reports the current file size.
func (s *Store) SizeBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(s.pageCount) * int64(s.pageSize)
}
