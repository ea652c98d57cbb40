// Package executor runs planned statements against open tables. It owns the
// write path (heap append plus maintenance of every declared index) and the
// read path (driving whichever access method the planner chose).
package executor

import (
	"log/slog"

	"github.com/polydb/polydb/internal/dberr"
	"github.com/polydb/polydb/internal/heap"
	"github.com/polydb/polydb/internal/index"
	"github.com/polydb/polydb/internal/record"
	"github.com/polydb/polydb/internal/sql/parser"
	"github.com/polydb/polydb/internal/sql/planner"
)

// Result is the outcome of one executed statement.
type Result struct {
	Columns []string
	Rows    [][]any
	Count   int // rows returned or affected
	Explain *Explain
}

// Step is one stage of an explain trace.
type Step struct {
	Step     int    `json:"step"`
	Operator string `json:"operator"`
	Detail   string `json:"detail"`
}

// Explain describes how a statement was (or would be) executed.
type Explain struct {
	Access      planner.Access `json:"access"`
	IndexKind   string         `json:"index_kind,omitempty"`
	IndexColumn string         `json:"index_column,omitempty"`
	Cost        int            `json:"cost"`
	Description string         `json:"description"`
	Steps       []Step         `json:"steps"`
	PageReads   uint64         `json:"page_reads"`
	EstimatedMs float64        `json:"estimated_ms"`
}

func explainFor(plan planner.Plan, pageReads uint64) *Explain {
	steps := []Step{{Step: 1, Operator: string(plan.Access), Detail: plan.Description}}
	if plan.IndexColumn != "" && plan.Access != planner.SeqFilter {
		steps = append(steps, Step{Step: 2, Operator: "fetch", Detail: "materialize matching records"})
	}
	steps = append(steps, Step{Step: len(steps) + 1, Operator: "project", Detail: "assemble result columns"})

	return &Explain{
		Access:      plan.Access,
		IndexKind:   string(plan.IndexKind),
		IndexColumn: plan.IndexColumn,
		Cost:        plan.Cost,
		Description: plan.Description,
		Steps:       steps,
		PageReads:   pageReads,
		// The static cost table is unitless; scale it to a rough
		// millisecond figure for the explain output.
		EstimatedMs: float64(plan.Cost) * 0.01,
	}
}

// ExplainPlan renders a plan that was not executed; page reads stay zero.
func ExplainPlan(plan planner.Plan) *Explain {
	return explainFor(plan, 0)
}

// Insert validates, coerces, and stores the statement's rows, maintaining
// every index. Each row is checked for a duplicate primary key first.
func Insert(t *Table, stmt *parser.InsertStmt) (*Result, error) {
	rows := make([][]any, 0, len(stmt.Rows))
	for _, raw := range stmt.Rows {
		row, err := orderRow(t.Meta.Schema, stmt.Columns, raw)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}

	inserted := 0
	for _, row := range rows {
		if err := InsertRow(t, row); err != nil {
			return nil, err
		}
		inserted++
	}
	slog.Debug("exec.insert", "table", t.Meta.Name, "rows", inserted)
	return &Result{Count: inserted}, nil
}

// orderRow coerces raw values into schema order. A column list may permute
// the schema but must cover it exactly.
func orderRow(schema record.Schema, cols []string, raw []any) ([]any, error) {
	if cols == nil {
		if len(raw) != schema.NumCols() {
			return nil, dberr.Schemaf("INSERT has %d values, table has %d columns", len(raw), schema.NumCols())
		}
		out := make([]any, len(raw))
		for i, col := range schema.Cols {
			v, err := record.Coerce(col, raw[i])
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}

	if len(cols) != schema.NumCols() {
		return nil, dberr.Schemaf("INSERT column list names %d of %d columns", len(cols), schema.NumCols())
	}
	if len(raw) != len(cols) {
		return nil, dberr.Schemaf("INSERT has %d values for %d columns", len(raw), len(cols))
	}
	out := make([]any, schema.NumCols())
	seen := make(map[string]bool, len(cols))
	for i, name := range cols {
		ci := schema.ColIndex(name)
		if ci < 0 {
			return nil, dberr.Schemaf("unknown column %q in INSERT list", name)
		}
		if seen[name] {
			return nil, dberr.Schemaf("column %q repeated in INSERT list", name)
		}
		seen[name] = true
		v, err := record.Coerce(schema.Cols[ci], raw[i])
		if err != nil {
			return nil, err
		}
		out[ci] = v
	}
	return out, nil
}

// InsertRow stores one already-coerced, schema-ordered row.
func InsertRow(t *Table, row []any) error {
	pkIdx := t.Meta.Schema.PrimaryKeyIndex()
	pkCol := t.Meta.Schema.Cols[pkIdx]
	pkVal := row[pkIdx]

	dup, err := primaryKeyExists(t, pkCol, pkVal)
	if err != nil {
		return err
	}
	if dup {
		return dberr.Constraintf("duplicate primary key %v in table %q", pkVal, t.Meta.Name)
	}

	rid, err := t.Heap.Append(row)
	if err != nil {
		return err
	}
	rec, err := t.Codec.Encode(row)
	if err != nil {
		return err
	}

	for col, idx := range t.Keyed {
		ci := t.Meta.Schema.ColIndex(col)
		if err := idx.Insert(row[ci], t.payloadFor(idx, rid, rec)); err != nil {
			return err
		}
	}
	for col, sp := range t.Spatial {
		ci := t.Meta.Schema.ColIndex(col)
		if err := sp.Insert(row[ci].([2]float64), heap.EncodeRID(rid)); err != nil {
			return err
		}
	}
	return nil
}

func primaryKeyExists(t *Table, pkCol record.Column, pkVal any) (bool, error) {
	if idx, ok := t.Keyed[pkCol.Name]; ok {
		hits, err := idx.Search(pkVal)
		if err != nil {
			return false, err
		}
		return len(hits) > 0, nil
	}

	// No index on the primary key: fall back to scanning the record file.
	pkIdx := t.Meta.Schema.PrimaryKeyIndex()
	found := false
	err := t.Heap.Scan(func(_ heap.RID, row []any) error {
		if record.CompareKeys(row[pkIdx], pkVal) == 0 {
			found = true
		}
		return nil
	})
	return found, err
}

// Select runs a planned SELECT, returning projected rows in access order.
func Select(t *Table, stmt *parser.SelectStmt, plan planner.Plan) (*Result, error) {
	proj, err := projection(t.Meta.Schema, stmt.Columns)
	if err != nil {
		return nil, err
	}

	t.ResetCounters()
	matches, err := rowsFor(t, stmt.Where, plan)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Columns: make([]string, len(proj)),
		Explain: explainFor(plan, t.PageReads()),
	}
	for i, ci := range proj {
		res.Columns[i] = t.Meta.Schema.Cols[ci].Name
	}
	for _, m := range matches {
		out := make([]any, len(proj))
		for i, ci := range proj {
			out[i] = record.FormatValue(t.Meta.Schema.Cols[ci], m.row[ci])
		}
		res.Rows = append(res.Rows, out)
	}
	res.Count = len(res.Rows)
	return res, nil
}

func projection(schema record.Schema, cols []string) ([]int, error) {
	if cols == nil {
		out := make([]int, schema.NumCols())
		for i := range out {
			out[i] = i
		}
		return out, nil
	}
	out := make([]int, len(cols))
	for i, name := range cols {
		ci := schema.ColIndex(name)
		if ci < 0 {
			return nil, dberr.Schemaf("unknown column %q in SELECT list", name)
		}
		out[i] = ci
	}
	return out, nil
}

// Delete runs a planned DELETE: victims are collected first, then removed
// from the heap and every index. A predicate matching nothing deletes zero
// rows and is not an error.
func Delete(t *Table, stmt *parser.DeleteStmt, plan planner.Plan) (*Result, error) {
	t.ResetCounters()
	matches, err := rowsFor(t, stmt.Where, plan)
	if err != nil {
		return nil, err
	}

	for _, m := range matches {
		if err := deleteRow(t, m.rid, m.row); err != nil {
			return nil, err
		}
	}
	slog.Debug("exec.delete", "table", t.Meta.Name, "rows", len(matches))
	return &Result{
		Count:   len(matches),
		Explain: explainFor(plan, t.PageReads()),
	}, nil
}

func deleteRow(t *Table, rid heap.RID, row []any) error {
	if err := t.Heap.Delete(rid); err != nil {
		return err
	}
	rec, err := t.Codec.Encode(row)
	if err != nil {
		return err
	}
	for col, idx := range t.Keyed {
		ci := t.Meta.Schema.ColIndex(col)
		if _, err := idx.Delete(row[ci], t.payloadFor(idx, rid, rec)); err != nil {
			return err
		}
	}
	for col, sp := range t.Spatial {
		ci := t.Meta.Schema.ColIndex(col)
		if _, err := sp.Delete(row[ci].([2]float64), heap.EncodeRID(rid)); err != nil {
			return err
		}
	}
	return nil
}

type match struct {
	rid heap.RID
	row []any
}

// rowsFor drives the planned access method and materializes matching rows.
func rowsFor(t *Table, pred *parser.Predicate, plan planner.Plan) ([]match, error) {
	switch plan.Access {
	case planner.SeqScan:
		return scanAll(t)
	case planner.SeqFilter:
		return scanFiltered(t, pred)
	case planner.RTreeSpatial:
		return spatialLookup(t, pred, plan.IndexColumn)
	default:
		return indexLookup(t, pred, plan.IndexColumn)
	}
}

func scanAll(t *Table) ([]match, error) {
	var out []match
	err := t.Heap.Scan(func(rid heap.RID, row []any) error {
		out = append(out, match{rid: rid, row: row})
		return nil
	})
	return out, err
}

func scanFiltered(t *Table, pred *parser.Predicate) ([]match, error) {
	ci := t.Meta.Schema.ColIndex(pred.Col)
	col := t.Meta.Schema.Cols[ci]

	keep, err := predicateFn(col, pred)
	if err != nil {
		return nil, err
	}
	var out []match
	err = t.Heap.Scan(func(rid heap.RID, row []any) error {
		if keep(row[ci]) {
			out = append(out, match{rid: rid, row: row})
		}
		return nil
	})
	return out, err
}

// predicateFn compiles a predicate into a per-value filter.
func predicateFn(col record.Column, pred *parser.Predicate) (func(any) bool, error) {
	switch pred.Op {
	case parser.PredEq:
		want, err := record.Coerce(col, pred.Value)
		if err != nil {
			return nil, err
		}
		return func(v any) bool { return record.CompareKeys(v, want) == 0 }, nil

	case parser.PredBetween:
		lo, err := record.Coerce(col, pred.Lo)
		if err != nil {
			return nil, err
		}
		hi, err := record.Coerce(col, pred.Hi)
		if err != nil {
			return nil, err
		}
		return func(v any) bool {
			return record.CompareKeys(lo, v) <= 0 && record.CompareKeys(v, hi) <= 0
		}, nil

	case parser.PredWithin:
		if col.Type != record.ColPoint {
			return nil, dberr.Schemaf("column %q is not a coordinate pair", col.Name)
		}
		rSq := pred.Radius * pred.Radius
		return func(v any) bool {
			p, ok := v.([2]float64)
			if !ok {
				return false
			}
			dx := p[0] - pred.Center[0]
			dy := p[1] - pred.Center[1]
			return dx*dx+dy*dy <= rSq
		}, nil
	}
	return nil, dberr.Syntaxf("unsupported predicate form")
}

func indexLookup(t *Table, pred *parser.Predicate, col string) ([]match, error) {
	idx := t.Keyed[col]
	ci := t.Meta.Schema.ColIndex(col)
	colDef := t.Meta.Schema.Cols[ci]

	var entries []index.Entry
	var err error
	switch pred.Op {
	case parser.PredEq:
		key, cerr := record.Coerce(colDef, pred.Value)
		if cerr != nil {
			return nil, cerr
		}
		entries, err = idx.Search(key)
	case parser.PredBetween:
		lo, cerr := record.Coerce(colDef, pred.Lo)
		if cerr != nil {
			return nil, cerr
		}
		hi, cerr := record.Coerce(colDef, pred.Hi)
		if cerr != nil {
			return nil, cerr
		}
		entries, err = idx.RangeSearch(lo, hi)
	default:
		return nil, dberr.Syntaxf("predicate not answerable by index %s", idx.Kind())
	}
	if err != nil {
		return nil, err
	}

	out := make([]match, 0, len(entries))
	for _, e := range entries {
		rid, row, err := t.resolveEntry(idx, e)
		if err != nil {
			return nil, err
		}
		out = append(out, match{rid: rid, row: row})
	}
	return out, nil
}

func spatialLookup(t *Table, pred *parser.Predicate, col string) ([]match, error) {
	sp := t.Spatial[col]
	entries, err := sp.RadiusSearch(pred.Center, pred.Radius)
	if err != nil {
		return nil, err
	}
	out := make([]match, 0, len(entries))
	for _, e := range entries {
		rid := heap.DecodeRID(e.Payload)
		row, err := t.Heap.Get(rid)
		if err != nil {
			return nil, err
		}
		out = append(out, match{rid: rid, row: row})
	}
	return out, nil
}
