package engine

import (
	"encoding/csv"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/polydb/polydb/internal/dberr"
	"github.com/polydb/polydb/internal/record"
	"github.com/polydb/polydb/internal/sql/executor"
)

// loadCSV ingests a CSV file into a freshly created table. The header row
// maps file columns to table columns by name; every table column must appear,
// extra file columns are ignored. Rows that fail conversion are skipped with
// a warning so one bad line does not abort a million-row load.
func (db *Database) loadCSV(t *executor.Table, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, dberr.Storagef("open csv %q: %v", path, err)
	}
	defer f.Close()

	var src io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return 0, dberr.Storagef("open gzip %q: %v", path, err)
		}
		defer gz.Close()
		src = gz
	}

	r := csv.NewReader(src)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return 0, dberr.Storagef("read csv header %q: %v", path, err)
	}
	colPos, err := mapHeader(t.Meta.Schema, header)
	if err != nil {
		return 0, err
	}

	var rows [][]any
	badRows := 0
	for line := 2; ; line++ {
		fields, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, dberr.Storagef("read csv %q line %d: %v", path, line, err)
		}
		row, err := convertRow(t.Meta.Schema, colPos, fields)
		if err != nil {
			badRows++
			slog.Warn("engine.load row skipped", "path", path, "line", line, "err", err)
			continue
		}
		rows = append(rows, row)
	}

	inserted, dup, err := executor.BulkLoad(t, rows)
	if err != nil {
		return 0, err
	}
	slog.Info("engine.load",
		"table", t.Meta.Name, "path", path,
		"rows", inserted, "bad_rows", badRows, "duplicate_keys", dup)
	return inserted, nil
}

// mapHeader resolves each schema column to its position in the CSV header.
func mapHeader(schema record.Schema, header []string) ([]int, error) {
	pos := make(map[string]int, len(header))
	for i, name := range header {
		pos[strings.TrimSpace(name)] = i
	}
	out := make([]int, schema.NumCols())
	for i, col := range schema.Cols {
		p, ok := pos[col.Name]
		if !ok {
			return nil, dberr.Schemaf("csv header missing column %q", col.Name)
		}
		out[i] = p
	}
	return out, nil
}

func convertRow(schema record.Schema, colPos []int, fields []string) ([]any, error) {
	row := make([]any, schema.NumCols())
	for i, col := range schema.Cols {
		p := colPos[i]
		if p >= len(fields) {
			return nil, dberr.Schemaf("short row, missing column %q", col.Name)
		}
		v, err := convertField(col, strings.TrimSpace(fields[p]))
		if err != nil {
			return nil, err
		}
		row[i] = v
	}
	return row, nil
}

func convertField(col record.Column, raw string) (any, error) {
	if raw == "" {
		return nil, dberr.Schemaf("column %q: empty value", col.Name)
	}
	switch col.Type {
	case record.ColInt:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, dberr.Schemaf("column %q: %q is not an integer", col.Name, raw)
		}
		return n, nil

	case record.ColFloat:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, dberr.Schemaf("column %q: %q is not a number", col.Name, raw)
		}
		return f, nil

	case record.ColVarchar:
		// Oversize values are truncated, not rejected; file data is dirty.
		if len(raw) > col.Size {
			raw = raw[:col.Size]
		}
		return raw, nil

	case record.ColDate:
		d, err := record.ParseDate(raw)
		if err != nil {
			return nil, dberr.Schemaf("column %q: %v", col.Name, err)
		}
		return d, nil

	case record.ColPoint:
		return parsePoint(col, raw)
	}
	return nil, dberr.Schemaf("column %q: unknown type", col.Name)
}

// parsePoint accepts "ARRAY[x,y]", "POINT[x,y]", "[x,y]", "(x,y)" and bare
// "x,y" coordinate pairs.
func parsePoint(col record.Column, raw string) (any, error) {
	s := raw
	switch {
	case strings.HasPrefix(strings.ToUpper(s), "ARRAY["):
		s = s[6:]
	case strings.HasPrefix(strings.ToUpper(s), "POINT["):
		s = s[6:]
	case strings.HasPrefix(s, "[") || strings.HasPrefix(s, "("):
		s = s[1:]
	}
	s = strings.TrimRight(s, "])")

	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return nil, dberr.Schemaf("column %q: %q is not a coordinate pair", col.Name, raw)
	}
	x, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return nil, dberr.Schemaf("column %q: bad x coordinate in %q", col.Name, raw)
	}
	y, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return nil, dberr.Schemaf("column %q: bad y coordinate in %q", col.Name, raw)
	}
	return [2]float64{x, y}, nil
}
