// Package catalog persists table definitions as JSON meta files next to the
// table's data files. One file per table; writes go through an atomic
// temp-and-rename so a crash never leaves a half-written definition.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/polydb/polydb/internal/dberr"
	"github.com/polydb/polydb/internal/index"
	"github.com/polydb/polydb/internal/record"
)

const (
	metaFileSuffix = ".table.json"
	metaVersion    = 1
)

// TableMeta is the persisted definition of one table.
type TableMeta struct {
	Version int           `json:"version"`
	Name    string        `json:"name"`
	Schema  record.Schema `json:"schema"`
	Created time.Time     `json:"created"`
}

// PrimaryKey returns the table's primary key column.
func (m *TableMeta) PrimaryKey() record.Column {
	return m.Schema.Cols[m.Schema.PrimaryKeyIndex()]
}

// HeapFile is the table's record file name, relative to the data dir.
func (m *TableMeta) HeapFile() string {
	return m.Name + ".heap"
}

// IndexFile is the data file name of one declared index.
func (m *TableMeta) IndexFile(col string, kind index.Kind) string {
	return fmt.Sprintf("%s.%s.%s.idx", m.Name, col, kind)
}

// IndexedColumns lists columns with a declared index kind other than the
// plain sequential organization, which the record file itself serves.
func (m *TableMeta) IndexedColumns() []record.Column {
	var out []record.Column
	for _, c := range m.Schema.Cols {
		if c.Index != "" && c.Index != string(index.KindSeq) {
			out = append(out, c)
		}
	}
	return out
}

// Catalog is the set of table definitions under one data directory.
type Catalog struct {
	dir string

	mu     sync.RWMutex
	tables map[string]*TableMeta
}

// Open loads every table definition under dir, creating dir if needed.
func Open(dir string) (*Catalog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, dberr.Storagef("create catalog dir: %v", err)
	}

	c := &Catalog{dir: dir, tables: make(map[string]*TableMeta)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, dberr.Storagef("read catalog dir: %v", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), metaFileSuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, dberr.Storagef("read table meta %s: %v", e.Name(), err)
		}
		var m TableMeta
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, dberr.Storagef("parse table meta %s: %v", e.Name(), err)
		}
		if m.Version <= 0 {
			m.Version = metaVersion
		}
		c.tables[m.Name] = &m
	}

	slog.Info("catalog.opened", "dir", dir, "tables", len(c.tables))
	return c, nil
}

// Dir returns the catalog's data directory.
func (c *Catalog) Dir() string { return c.dir }

func (c *Catalog) metaPath(name string) string {
	return filepath.Join(c.dir, name+metaFileSuffix)
}

// validName keeps table names safe as file name stems.
func validName(name string) error {
	if name == "" {
		return dberr.Schemaf("empty table name")
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			return dberr.Schemaf("table name %q contains %q", name, r)
		}
	}
	return nil
}

// Create validates and persists a new table definition.
func (c *Catalog) Create(name string, schema record.Schema) (*TableMeta, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	for _, col := range schema.Cols {
		if col.Index == "" {
			continue
		}
		if _, err := index.ParseKind(col.Index); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.tables[name]; ok {
		return nil, dberr.Schemaf("table %q already exists", name)
	}

	m := &TableMeta{
		Version: metaVersion,
		Name:    name,
		Schema:  schema,
		Created: time.Now().UTC(),
	}
	if err := c.save(m); err != nil {
		return nil, err
	}
	c.tables[name] = m
	slog.Info("catalog.create", "table", name, "columns", schema.NumCols())
	return m, nil
}

// Drop removes a table definition and reports the data files that belonged
// to it so the caller can delete them after closing handles.
func (c *Catalog) Drop(name string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.tables[name]
	if !ok {
		return nil, dberr.NotFoundf("table %q", name)
	}
	if err := os.Remove(c.metaPath(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, dberr.Storagef("remove table meta: %v", err)
	}
	delete(c.tables, name)

	files := []string{filepath.Join(c.dir, m.HeapFile())}
	for _, col := range m.IndexedColumns() {
		files = append(files, filepath.Join(c.dir, m.IndexFile(col.Name, index.Kind(col.Index))))
	}
	slog.Info("catalog.drop", "table", name)
	return files, nil
}

// Get returns a table definition.
func (c *Catalog) Get(name string) (*TableMeta, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m, ok := c.tables[name]
	if !ok {
		return nil, dberr.NotFoundf("table %q", name)
	}
	return m, nil
}

// List returns table names in sorted order.
func (c *Catalog) List() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.tables))
	for name := range c.tables {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (c *Catalog) save(m *TableMeta) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return dberr.Storagef("encode table meta: %v", err)
	}
	if err := writeFileAtomic(c.metaPath(m.Name), data, 0o644); err != nil {
		return dberr.Storagef("write table meta: %v", err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	tmp, err := os.CreateTemp(dir, base+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	ok := false
	defer func() {
		_ = tmp.Close()
		if !ok {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}

	ok = true
	return nil
}
