package executor

import (
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/polydb/polydb/internal/heap"
	"github.com/polydb/polydb/internal/index"
	"github.com/polydb/polydb/internal/index/isam"
	"github.com/polydb/polydb/internal/record"
)

type loadedRow struct {
	rid heap.RID
	row []any
	rec []byte
}

// BulkLoad appends already-coerced, schema-ordered rows and builds every
// index afterwards, one goroutine per index file. Rows repeating an existing
// or earlier primary key are skipped, not fatal; the skipped count is
// returned alongside the inserted count.
//
// The heap is written single-threaded first so record pointers are fixed
// before any index sees them. Each index owns its own backing file, which is
// what makes the per-index goroutines safe.
func BulkLoad(t *Table, rows [][]any) (inserted, skipped int, err error) {
	pkIdx := t.Meta.Schema.PrimaryKeyIndex()
	pkCol := t.Meta.Schema.Cols[pkIdx]

	seen := make(map[string]bool, len(rows))
	if t.Heap.TotalCount() > 0 {
		err = t.Heap.Scan(func(_ heap.RID, row []any) error {
			k, kerr := record.EncodeKey(pkCol, row[pkIdx])
			if kerr != nil {
				return kerr
			}
			seen[string(k)] = true
			return nil
		})
		if err != nil {
			return 0, 0, err
		}
	}

	kept := make([]loadedRow, 0, len(rows))
	for _, row := range rows {
		k, kerr := record.EncodeKey(pkCol, row[pkIdx])
		if kerr != nil {
			return 0, 0, kerr
		}
		if seen[string(k)] {
			skipped++
			continue
		}
		seen[string(k)] = true

		rid, aerr := t.Heap.Append(row)
		if aerr != nil {
			return 0, 0, aerr
		}
		rec, eerr := t.Codec.Encode(row)
		if eerr != nil {
			return 0, 0, eerr
		}
		kept = append(kept, loadedRow{rid: rid, row: row, rec: rec})
	}

	var g errgroup.Group
	for col, idx := range t.Keyed {
		ci := t.Meta.Schema.ColIndex(col)
		g.Go(func() error { return buildKeyed(t, idx, ci, kept) })
	}
	for col, sp := range t.Spatial {
		ci := t.Meta.Schema.ColIndex(col)
		g.Go(func() error {
			for _, lr := range kept {
				if err := sp.Insert(lr.row[ci].([2]float64), heap.EncodeRID(lr.rid)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, 0, err
	}

	slog.Info("exec.bulkload", "table", t.Meta.Name, "rows", len(kept), "skipped", skipped)
	return len(kept), skipped, nil
}

// buildKeyed fills one keyed index. The static two-level structure gets a
// sorted bulk build instead of row-at-a-time inserts, which would otherwise
// land everything in overflow chains.
func buildKeyed(t *Table, idx index.Index, ci int, rows []loadedRow) error {
	if is, ok := idx.(*isam.File); ok && is.Count() == 0 {
		entries := make([]index.Entry, 0, len(rows))
		for _, lr := range rows {
			entries = append(entries, index.Entry{
				Key:     lr.row[ci],
				Payload: t.payloadFor(idx, lr.rid, lr.rec),
			})
		}
		return is.Load(entries)
	}
	for _, lr := range rows {
		if err := idx.Insert(lr.row[ci], t.payloadFor(idx, lr.rid, lr.rec)); err != nil {
			return err
		}
	}
	return nil
}
