// Package engine is the database facade: it owns the catalog and the set of
// open tables, turns SQL text into executed results, and exposes the
// inspection surface (describe, stats, health). All state lives under one
// data directory; nothing is global.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/polydb/polydb/internal/catalog"
	"github.com/polydb/polydb/internal/dberr"
	"github.com/polydb/polydb/internal/index"
	"github.com/polydb/polydb/internal/pagestore"
	"github.com/polydb/polydb/internal/record"
	"github.com/polydb/polydb/internal/sql/executor"
	"github.com/polydb/polydb/internal/sql/parser"
	"github.com/polydb/polydb/internal/sql/planner"
)

// Database is one open engine instance over a data directory.
type Database struct {
	dir  string
	opts pagestore.Options

	mu     sync.Mutex
	cat    *catalog.Catalog
	tables map[string]*executor.Table

	started time.Time
}

// Response is the uniform outcome of one statement. Failed statements carry
// the message and taxonomy kind instead of returning a Go error, so callers
// driving a console or wire surface render every outcome the same way.
type Response struct {
	Success   bool              `json:"success"`
	Columns   []string          `json:"columns,omitempty"`
	Rows      [][]any           `json:"rows,omitempty"`
	Count     int               `json:"count"`
	TimeMs    float64           `json:"time_ms"`
	Error     string            `json:"error,omitempty"`
	ErrorKind string            `json:"error_kind,omitempty"`
	Explain   *executor.Explain `json:"explain,omitempty"`
}

// Open loads the catalog under dir. Table files are opened lazily on first
// touch.
func Open(dir string, opts pagestore.Options) (*Database, error) {
	cat, err := catalog.Open(dir)
	if err != nil {
		return nil, err
	}
	return &Database{
		dir:     dir,
		opts:    opts,
		cat:     cat,
		tables:  make(map[string]*executor.Table),
		started: time.Now(),
	}, nil
}

// ErrorKind names the taxonomy kind of err for responses and wire surfaces.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, dberr.ErrSyntax):
		return "syntax"
	case errors.Is(err, dberr.ErrSchema):
		return "schema"
	case errors.Is(err, dberr.ErrConstraint):
		return "constraint"
	case errors.Is(err, dberr.ErrNotFound):
		return "not_found"
	case errors.Is(err, dberr.ErrStorage):
		return "storage"
	default:
		return "internal"
	}
}

func failure(err error, elapsed time.Duration) *Response {
	return &Response{
		Error:     err.Error(),
		ErrorKind: ErrorKind(err),
		TimeMs:    float64(elapsed.Microseconds()) / 1000,
	}
}

// Execute parses and runs one SQL statement.
func (db *Database) Execute(sql string) *Response {
	start := time.Now()
	stmt, err := parser.Parse(sql)
	if err != nil {
		return failure(err, time.Since(start))
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	var res *executor.Result
	switch s := stmt.(type) {
	case *parser.CreateTableStmt:
		res, err = db.createTable(s)
	case *parser.DropTableStmt:
		res, err = db.dropTable(s.TableName)
	case *parser.InsertStmt:
		var t *executor.Table
		if t, err = db.table(s.TableName); err == nil {
			res, err = executor.Insert(t, s)
		}
	case *parser.SelectStmt:
		var t *executor.Table
		if t, err = db.table(s.TableName); err == nil {
			var plan planner.Plan
			if plan, err = planner.Choose(t.Meta, s.Where); err == nil {
				res, err = executor.Select(t, s, plan)
			}
		}
	case *parser.DeleteStmt:
		var t *executor.Table
		if t, err = db.table(s.TableName); err == nil {
			var plan planner.Plan
			if plan, err = planner.Choose(t.Meta, s.Where); err == nil {
				res, err = executor.Delete(t, s, plan)
			}
		}
	default:
		err = dberr.Syntaxf("unsupported statement %T", stmt)
	}
	if err != nil {
		return failure(err, time.Since(start))
	}

	return &Response{
		Success: true,
		Columns: res.Columns,
		Rows:    res.Rows,
		Count:   res.Count,
		TimeMs:  float64(time.Since(start).Microseconds()) / 1000,
		Explain: res.Explain,
	}
}

// Explain plans a SELECT or DELETE without running it.
func (db *Database) Explain(sql string) (*executor.Explain, error) {
	stmt, err := parser.Parse(sql)
	if err != nil {
		return nil, err
	}

	var table string
	var where *parser.Predicate
	switch s := stmt.(type) {
	case *parser.SelectStmt:
		table, where = s.TableName, s.Where
	case *parser.DeleteStmt:
		table, where = s.TableName, s.Where
	default:
		return nil, dberr.Syntaxf("EXPLAIN supports SELECT and DELETE")
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	meta, err := db.cat.Get(table)
	if err != nil {
		return nil, err
	}
	plan, err := planner.Choose(meta, where)
	if err != nil {
		return nil, err
	}
	return executor.ExplainPlan(plan), nil
}

// Validate parses a statement without executing anything.
func (db *Database) Validate(sql string) error {
	_, err := parser.Parse(sql)
	return err
}

func (db *Database) createTable(stmt *parser.CreateTableStmt) (*executor.Result, error) {
	schema := record.Schema{Cols: make([]record.Column, len(stmt.Columns))}
	for i, def := range stmt.Columns {
		col := record.Column{
			Name:       def.Name,
			Type:       def.Type,
			Size:       def.Size,
			PrimaryKey: def.PrimaryKey,
			Index:      def.IndexKind,
		}
		// A primary key without a declared index kind gets the default
		// ordered structure so key lookups never fall back to scans.
		if col.PrimaryKey && col.Index == "" {
			col.Index = string(index.KindBTree)
		}
		schema.Cols[i] = col
	}

	meta, err := db.cat.Create(stmt.TableName, schema)
	if err != nil {
		return nil, err
	}
	t, err := executor.OpenTable(db.dir, meta, db.opts)
	if err != nil {
		db.removeTableFiles(stmt.TableName)
		return nil, err
	}
	db.tables[stmt.TableName] = t

	loaded := 0
	if stmt.FromFile != "" {
		loaded, err = db.loadCSV(t, stmt.FromFile)
		if err != nil {
			// A failed bulk load leaves no half-built table behind.
			delete(db.tables, stmt.TableName)
			_ = t.Close()
			db.removeTableFiles(stmt.TableName)
			return nil, err
		}
	}
	return &executor.Result{Count: loaded}, nil
}

func (db *Database) dropTable(name string) (*executor.Result, error) {
	if t, ok := db.tables[name]; ok {
		if err := t.Close(); err != nil {
			slog.Warn("engine.drop close", "table", name, "err", err)
		}
		delete(db.tables, name)
	}
	files, err := db.cat.Drop(name)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("engine.drop file", "path", f, "err", err)
		}
	}
	return &executor.Result{Count: 0}, nil
}

// DropTable removes a table, its catalog entry, and its data files.
func (db *Database) DropTable(name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.dropTable(name)
	return err
}

// removeTableFiles drops the catalog entry and data files of a table that
// failed mid-create.
func (db *Database) removeTableFiles(name string) {
	files, err := db.cat.Drop(name)
	if err != nil {
		return
	}
	for _, f := range files {
		_ = os.Remove(f)
	}
}

// table returns the open runtime state for name, opening it on first use.
// Callers hold db.mu.
func (db *Database) table(name string) (*executor.Table, error) {
	if t, ok := db.tables[name]; ok {
		return t, nil
	}
	meta, err := db.cat.Get(name)
	if err != nil {
		return nil, err
	}
	t, err := executor.OpenTable(db.dir, meta, db.opts)
	if err != nil {
		return nil, err
	}
	db.tables[name] = t
	return t, nil
}

// TableSummary is one line of the table listing.
type TableSummary struct {
	Name        string `json:"name"`
	RowCount    uint64 `json:"row_count"`
	ColumnCount int    `json:"column_count"`
}

// ListTables returns one summary per table, in name order.
func (db *Database) ListTables() ([]TableSummary, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	out := make([]TableSummary, 0)
	for _, name := range db.cat.List() {
		t, err := db.table(name)
		if err != nil {
			return nil, err
		}
		out = append(out, TableSummary{
			Name:        name,
			RowCount:    t.Heap.LiveCount(),
			ColumnCount: t.Meta.Schema.NumCols(),
		})
	}
	return out, nil
}

// ColumnInfo describes one column for the inspection surface.
type ColumnInfo struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Size       int    `json:"size,omitempty"`
	PrimaryKey bool   `json:"primary_key,omitempty"`
	Index      string `json:"index,omitempty"`
}

// TableInfo is the full description of one table.
type TableInfo struct {
	Name       string       `json:"name"`
	Columns    []ColumnInfo `json:"columns"`
	RecordSize int          `json:"record_size"`
	LiveRows   uint64       `json:"live_rows"`
	TotalRows  uint64       `json:"total_rows"`
	SizeBytes  int64        `json:"size_bytes"`
	Created    time.Time    `json:"created"`
}

// DescribeTable reports schema and storage figures for one table.
func (db *Database) DescribeTable(name string) (*TableInfo, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.describeLocked(name)
}

func (db *Database) describeLocked(name string) (*TableInfo, error) {
	t, err := db.table(name)
	if err != nil {
		return nil, err
	}
	info := &TableInfo{
		Name:       t.Meta.Name,
		RecordSize: t.Meta.Schema.RecordSize(),
		LiveRows:   t.Heap.LiveCount(),
		TotalRows:  t.Heap.TotalCount(),
		SizeBytes:  t.SizeBytes(),
		Created:    t.Meta.Created,
	}
	for _, c := range t.Meta.Schema.Cols {
		ci := ColumnInfo{
			Name:       c.Name,
			Type:       c.Type.String(),
			PrimaryKey: c.PrimaryKey,
			Index:      c.Index,
		}
		if c.Type == record.ColVarchar {
			ci.Size = c.Size
			ci.Type = fmt.Sprintf("VARCHAR[%d]", c.Size)
		}
		info.Columns = append(info.Columns, ci)
	}
	return info, nil
}

// SystemStats aggregates storage figures across every table.
type SystemStats struct {
	TotalTables        int          `json:"total_tables"`
	TotalRecords       uint64       `json:"total_records"`
	EstimatedSizeBytes int64        `json:"estimated_size_bytes"`
	Tables             []*TableInfo `json:"tables"`
}

// Stats describes every table plus engine-wide totals.
func (db *Database) Stats() (*SystemStats, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	s := &SystemStats{}
	for _, name := range db.cat.List() {
		info, err := db.describeLocked(name)
		if err != nil {
			return nil, err
		}
		s.TotalTables++
		s.TotalRecords += info.LiveRows
		s.EstimatedSizeBytes += info.SizeBytes
		s.Tables = append(s.Tables, info)
	}
	return s, nil
}

// HealthInfo is the liveness snapshot.
type HealthInfo struct {
	Status        string  `json:"status"`
	DataDir       string  `json:"data_dir"`
	Tables        int     `json:"tables"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// Health reports engine liveness.
func (db *Database) Health() HealthInfo {
	db.mu.Lock()
	defer db.mu.Unlock()
	return HealthInfo{
		Status:        "ok",
		DataDir:       db.dir,
		Tables:        len(db.cat.List()),
		UptimeSeconds: time.Since(db.started).Seconds(),
	}
}

// Close closes every open table.
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	var first error
	for name, t := range db.tables {
		if err := t.Close(); err != nil && first == nil {
			first = err
		}
		delete(db.tables, name)
	}
	return first
}
