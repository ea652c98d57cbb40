// Package planner routes a statement's predicate to an access path. The
// policy is fixed, not statistics-driven: equality prefers the column's
// declared index, ranges require a range-capable structure, spatial
// predicates require the spatial tree, and everything else falls back to
// scanning the record file. Costs come from a static table and feed the
// explain output.
package planner

import (
	"fmt"

	"github.com/polydb/polydb/internal/catalog"
	"github.com/polydb/polydb/internal/dberr"
	"github.com/polydb/polydb/internal/index"
	"github.com/polydb/polydb/internal/sql/parser"
)

// Access names the chosen access path.
type Access string

const (
	SeqScan    Access = "sequential_scan"
	SeqFilter  Access = "sequential_filter"
	HashLookup Access = "hash_lookup"
	BTreeLookup Access = "btree_lookup"
	BTreeRange  Access = "btree_range"
	AVLLookup   Access = "avl_lookup"
	AVLRange    Access = "avl_range"
	ISAMLookup  Access = "isam_lookup"
	ISAMRange   Access = "isam_range"
	RTreeSpatial Access = "rtree_spatial"
)

// costs is the static cost table, in arbitrary units used for plan output.
var costs = map[Access]int{
	SeqScan:      1000,
	SeqFilter:    500,
	HashLookup:   1,
	BTreeLookup:  3,
	BTreeRange:   10,
	AVLLookup:    3,
	AVLRange:     10,
	ISAMLookup:   5,
	ISAMRange:    15,
	RTreeSpatial: 20,
}

// Plan is the routing decision for one SELECT or DELETE.
type Plan struct {
	Access      Access
	IndexKind   index.Kind // empty for scans
	IndexColumn string
	Cost        int
	Description string
}

// Choose picks the access path for pred against the table definition. A nil
// predicate is a full scan. Unknown columns are schema errors, never silent
// scans.
func Choose(meta *catalog.TableMeta, pred *parser.Predicate) (Plan, error) {
	if pred == nil {
		return scanPlan(meta, "full table scan"), nil
	}

	ci := meta.Schema.ColIndex(pred.Col)
	if ci < 0 {
		return Plan{}, dberr.Schemaf("unknown column %q in table %q", pred.Col, meta.Name)
	}
	col := meta.Schema.Cols[ci]

	kind := index.Kind(col.Index)
	switch pred.Op {
	case parser.PredEq:
		if kind.Caps().Has(index.CapEquality) {
			return indexPlan(kind, col.Name, false), nil
		}
		return filterPlan(meta, col.Name), nil

	case parser.PredBetween:
		if kind.Caps().Has(index.CapRange) {
			return indexPlan(kind, col.Name, true), nil
		}
		// A hash index cannot serve a range, and there is at most one
		// index per column, so the fallback is a filtered scan.
		return filterPlan(meta, col.Name), nil

	case parser.PredWithin:
		if kind.Caps().Has(index.CapSpatial) {
			return Plan{
				Access:      RTreeSpatial,
				IndexKind:   kind,
				IndexColumn: col.Name,
				Cost:        costs[RTreeSpatial],
				Description: fmt.Sprintf("spatial search on %q via rtree", col.Name),
			}, nil
		}
		return filterPlan(meta, col.Name), nil
	}
	return Plan{}, dberr.Syntaxf("unsupported predicate form")
}

func scanPlan(meta *catalog.TableMeta, why string) Plan {
	return Plan{
		Access:      SeqScan,
		Cost:        costs[SeqScan],
		Description: fmt.Sprintf("sequential scan of %q (%s)", meta.Name, why),
	}
}

func filterPlan(meta *catalog.TableMeta, col string) Plan {
	return Plan{
		Access:      SeqFilter,
		Cost:        costs[SeqFilter],
		Description: fmt.Sprintf("sequential scan of %q filtering on %q (no usable index)", meta.Name, col),
	}
}

func indexPlan(kind index.Kind, col string, rng bool) Plan {
	var access Access
	switch kind {
	case index.KindHash:
		access = HashLookup
	case index.KindBTree:
		access = BTreeLookup
		if rng {
			access = BTreeRange
		}
	case index.KindAVL:
		access = AVLLookup
		if rng {
			access = AVLRange
		}
	case index.KindISAM:
		access = ISAMLookup
		if rng {
			access = ISAMRange
		}
	}
	op := "lookup"
	if rng {
		op = "range search"
	}
	return Plan{
		Access:      access,
		IndexKind:   kind,
		IndexColumn: col,
		Cost:        costs[access],
		Description: fmt.Sprintf("%s %s on %q", kind, op, col),
	}
}
