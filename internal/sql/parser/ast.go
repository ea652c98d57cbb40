package parser

import "github.com/polydb/polydb/internal/record"

// Statement is the root interface for all SQL statements.
type Statement interface {
	stmtNode()
}

// ColumnDef is one column in a CREATE TABLE statement.
type ColumnDef struct {
	Name       string
	Type       record.ColumnType
	Size       int // VARCHAR width
	PrimaryKey bool
	IndexKind  string // "", "avl", "btree", "hash", "isam", "seq", "rtree"
}

type CreateTableStmt struct {
	TableName string
	Columns   []ColumnDef
	FromFile  string // optional CSV bulk-load source
}

func (*CreateTableStmt) stmtNode() {}

type DropTableStmt struct {
	TableName string
}

func (*DropTableStmt) stmtNode() {}

// InsertStmt holds one or more value tuples. Columns is nil for positional
// inserts covering the full schema.
type InsertStmt struct {
	TableName string
	Columns   []string
	Rows      [][]any
}

func (*InsertStmt) stmtNode() {}

type DeleteStmt struct {
	TableName string
	Where     *Predicate // nil removes every row
}

func (*DeleteStmt) stmtNode() {}

// SelectStmt projects Columns (nil for *) from one table.
type SelectStmt struct {
	TableName string
	Columns   []string
	Where     *Predicate
}

func (*SelectStmt) stmtNode() {}

// PredOp enumerates the three predicate forms the grammar allows.
type PredOp uint8

const (
	PredEq PredOp = iota + 1
	PredBetween
	PredWithin
)

// Predicate is a single-column condition. Exactly the fields of the active
// form are set: Value for equality, Lo/Hi for BETWEEN, Center/Radius for the
// spatial form.
type Predicate struct {
	Col    string
	Op     PredOp
	Value  any
	Lo, Hi any
	Center [2]float64
	Radius float64
}
