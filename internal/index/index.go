// Package index defines the uniform contract the six storage structures
// implement. Index kinds are a tagged set rather than a class hierarchy: the
// planner matches a predicate's class against a kind's capabilities and the
// executor drives whichever structure the catalog declared.
package index

import (
	"github.com/polydb/polydb/internal/dberr"
	"github.com/polydb/polydb/internal/pagestore"
	"github.com/polydb/polydb/internal/record"
)

// Kind names a concrete structure, as written in DDL (INDEX BTREE etc).
type Kind string

const (
	KindAVL   Kind = "avl"
	KindBTree Kind = "btree"
	KindHash  Kind = "hash"
	KindISAM  Kind = "isam"
	KindSeq   Kind = "seq"
	KindRTree Kind = "rtree"
)

// ParseKind validates a DDL index kind name.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindAVL, KindBTree, KindHash, KindISAM, KindSeq, KindRTree:
		return Kind(s), nil
	default:
		return "", dberr.Schemaf("unknown index kind %q", s)
	}
}

// Caps is the capability set a kind can serve efficiently.
type Caps uint8

const (
	CapEquality Caps = 1 << iota
	CapRange
	CapSpatial
)

func (c Caps) Has(want Caps) bool { return c&want == want }

// Caps reports what each kind supports. The hash directory technically
// answers range queries by scanning every bucket, but it does not advertise
// CapRange so the planner never prefers it for one.
func (k Kind) Caps() Caps {
	switch k {
	case KindAVL, KindBTree, KindISAM:
		return CapEquality | CapRange
	case KindHash:
		return CapEquality
	case KindRTree:
		return CapSpatial
	default: // KindSeq: scan only
		return 0
	}
}

// Entry is one index hit: the key plus the fixed-width payload, which is
// either an encoded heap.RID (unclustered) or a full record (clustered).
type Entry struct {
	Key     any
	Payload []byte
}

// Index is the contract shared by the keyed structures (all kinds except the
// spatial tree). Payloads are opaque fixed-width bytes owned by the caller.
//
// Delete removes entries matching key; when payload is non-nil only entries
// whose payload equals it are removed (precise removal of one row from a
// secondary index with duplicate keys). It returns the number removed.
type Index interface {
	Kind() Kind
	Insert(key any, payload []byte) error
	Search(key any) ([]Entry, error)
	RangeSearch(lo, hi any) ([]Entry, error)
	Delete(key any, payload []byte) (int, error)
	Counters() pagestore.Counters
	ResetCounters()
	Close() error
}

// Spatial is the contract for the spatial tree kind.
type Spatial interface {
	Kind() Kind
	Insert(point [2]float64, payload []byte) error
	RadiusSearch(center [2]float64, radius float64) ([]Entry, error)
	KNNSearch(center [2]float64, k int) ([]Entry, error)
	Delete(point [2]float64, payload []byte) (int, error)
	Counters() pagestore.Counters
	ResetCounters()
	Close() error
}

// Layout fixes the on-disk shape of one index instance: the key column and
// the payload width (heap.RIDWidth for unclustered, record size for
// clustered B-trees).
type Layout struct {
	KeyCol       record.Column
	PayloadWidth int
	Clustered    bool
}

// EntryWidth is the fixed byte width of one (key, payload) entry.
func (l Layout) EntryWidth() int {
	return l.KeyCol.Width() + l.PayloadWidth
}
