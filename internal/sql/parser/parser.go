// Package parser turns a restricted SQL dialect into statement ASTs with an
// explicit tokenizer and a small recursive-descent grammar per statement
// kind. Anything outside the grammar is a syntax error; no statement touches
// storage before it parses completely.
package parser

import (
	"strconv"
	"strings"

	"github.com/polydb/polydb/internal/dberr"
	"github.com/polydb/polydb/internal/record"
)

// Parse parses exactly one statement. A trailing semicolon is allowed.
func Parse(sql string) (Statement, error) {
	lx, err := newLexer(sql)
	if err != nil {
		return nil, err
	}
	p := &stmtParser{lx: lx}

	var stmt Statement
	switch {
	case lx.matchKeyword("CREATE"):
		stmt, err = p.createTable()
	case lx.matchKeyword("DROP"):
		stmt, err = p.dropTable()
	case lx.matchKeyword("INSERT"):
		stmt, err = p.insert()
	case lx.matchKeyword("DELETE"):
		stmt, err = p.delete()
	case lx.matchKeyword("SELECT"):
		stmt, err = p.selectStmt()
	default:
		t := lx.peek()
		return nil, dberr.Syntaxf("unsupported statement starting with %q", t.text)
	}
	if err != nil {
		return nil, err
	}

	if lx.peek().kind == tokSemicolon {
		lx.advance()
	}
	if t := lx.peek(); t.kind != tokEOF {
		return nil, dberr.Syntaxf("unexpected trailing input %q at position %d", t.text, t.pos)
	}
	return stmt, nil
}

type stmtParser struct {
	lx *lexer
}

func (p *stmtParser) ident(what string) (string, error) {
	t, err := p.lx.expect(tokIdent, what)
	if err != nil {
		return "", err
	}
	return t.text, nil
}

func (p *stmtParser) createTable() (*CreateTableStmt, error) {
	if err := p.lx.expectKeyword("TABLE"); err != nil {
		return nil, err
	}
	name, err := p.ident("table name")
	if err != nil {
		return nil, err
	}
	if _, err := p.lx.expect(tokLParen, "'('"); err != nil {
		return nil, err
	}

	stmt := &CreateTableStmt{TableName: name}
	for {
		col, err := p.columnDef()
		if err != nil {
			return nil, err
		}
		stmt.Columns = append(stmt.Columns, col)
		if p.lx.peek().kind == tokComma {
			p.lx.advance()
			continue
		}
		break
	}
	if _, err := p.lx.expect(tokRParen, "')'"); err != nil {
		return nil, err
	}

	if p.lx.matchKeyword("FROM") {
		if err := p.lx.expectKeyword("FILE"); err != nil {
			return nil, err
		}
		t, err := p.lx.expect(tokString, "file path string")
		if err != nil {
			return nil, err
		}
		stmt.FromFile = t.text
	}

	pk := 0
	for _, c := range stmt.Columns {
		if c.PrimaryKey {
			pk++
		}
	}
	// A declaration-shape rule, not a token-level one: callers see it as a
	// schema error and the table is never created.
	if pk != 1 {
		return nil, dberr.Schemaf("CREATE TABLE needs exactly one PRIMARY KEY column, got %d", pk)
	}
	return stmt, nil
}

func (p *stmtParser) columnDef() (ColumnDef, error) {
	var col ColumnDef

	name, err := p.ident("column name")
	if err != nil {
		return col, err
	}
	col.Name = name

	typeTok, err := p.ident("column type")
	if err != nil {
		return col, err
	}
	switch strings.ToUpper(typeTok) {
	case "INT":
		col.Type = record.ColInt
	case "FLOAT":
		col.Type = record.ColFloat
	case "DATE":
		col.Type = record.ColDate
	case "ARRAY":
		col.Type = record.ColPoint
	case "VARCHAR":
		col.Type = record.ColVarchar
		if _, err := p.lx.expect(tokLBracket, "'[' after VARCHAR"); err != nil {
			return col, err
		}
		sizeTok, err := p.lx.expect(tokNumber, "VARCHAR size")
		if err != nil {
			return col, err
		}
		size, err := strconv.Atoi(sizeTok.text)
		if err != nil || size <= 0 {
			return col, dberr.Syntaxf("invalid VARCHAR size %q", sizeTok.text)
		}
		col.Size = size
		if _, err := p.lx.expect(tokRBracket, "']'"); err != nil {
			return col, err
		}
	default:
		return col, dberr.Syntaxf("unknown column type %q", typeTok)
	}

	for {
		switch {
		case p.lx.matchKeyword("PRIMARY"):
			if err := p.lx.expectKeyword("KEY"); err != nil {
				return col, err
			}
			col.PrimaryKey = true
		case p.lx.matchKeyword("KEY"):
			col.PrimaryKey = true
		case p.lx.matchKeyword("INDEX"):
			kind, err := p.ident("index kind")
			if err != nil {
				return col, err
			}
			col.IndexKind = strings.ToLower(kind)
		default:
			return col, nil
		}
	}
}

func (p *stmtParser) dropTable() (*DropTableStmt, error) {
	if err := p.lx.expectKeyword("TABLE"); err != nil {
		return nil, err
	}
	name, err := p.ident("table name")
	if err != nil {
		return nil, err
	}
	return &DropTableStmt{TableName: name}, nil
}

func (p *stmtParser) insert() (*InsertStmt, error) {
	if err := p.lx.expectKeyword("INTO"); err != nil {
		return nil, err
	}
	name, err := p.ident("table name")
	if err != nil {
		return nil, err
	}
	stmt := &InsertStmt{TableName: name}

	if p.lx.peek().kind == tokLParen {
		p.lx.advance()
		for {
			col, err := p.ident("column name")
			if err != nil {
				return nil, err
			}
			stmt.Columns = append(stmt.Columns, col)
			if p.lx.peek().kind == tokComma {
				p.lx.advance()
				continue
			}
			break
		}
		if _, err := p.lx.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
	}

	if err := p.lx.expectKeyword("VALUES"); err != nil {
		return nil, err
	}
	for {
		row, err := p.valueTuple()
		if err != nil {
			return nil, err
		}
		stmt.Rows = append(stmt.Rows, row)
		if p.lx.peek().kind == tokComma {
			p.lx.advance()
			continue
		}
		break
	}
	return stmt, nil
}

func (p *stmtParser) valueTuple() ([]any, error) {
	if _, err := p.lx.expect(tokLParen, "'('"); err != nil {
		return nil, err
	}
	var row []any
	for {
		v, err := p.literal()
		if err != nil {
			return nil, err
		}
		row = append(row, v)
		if p.lx.peek().kind == tokComma {
			p.lx.advance()
			continue
		}
		break
	}
	if _, err := p.lx.expect(tokRParen, "')'"); err != nil {
		return nil, err
	}
	return row, nil
}

// literal parses a number, quoted string, or coordinate pair. Numbers with a
// decimal point become float64, others int64.
func (p *stmtParser) literal() (any, error) {
	t := p.lx.peek()
	switch t.kind {
	case tokNumber:
		p.lx.advance()
		if strings.Contains(t.text, ".") {
			f, err := strconv.ParseFloat(t.text, 64)
			if err != nil {
				return nil, dberr.Syntaxf("malformed number %q", t.text)
			}
			return f, nil
		}
		n, err := strconv.ParseInt(t.text, 10, 64)
		if err != nil {
			return nil, dberr.Syntaxf("malformed number %q", t.text)
		}
		return n, nil

	case tokString:
		p.lx.advance()
		return t.text, nil

	case tokIdent:
		if strings.EqualFold(t.text, "POINT") || strings.EqualFold(t.text, "ARRAY") {
			return p.pointLiteral()
		}
	}
	return nil, dberr.Syntaxf("expected literal at position %d, got %q", t.pos, t.text)
}

// pointLiteral parses POINT[x,y] (ARRAY[x,y] is an accepted alias).
func (p *stmtParser) pointLiteral() ([2]float64, error) {
	p.lx.advance() // POINT or ARRAY
	if _, err := p.lx.expect(tokLBracket, "'['"); err != nil {
		return [2]float64{}, err
	}
	x, err := p.numberValue()
	if err != nil {
		return [2]float64{}, err
	}
	if _, err := p.lx.expect(tokComma, "','"); err != nil {
		return [2]float64{}, err
	}
	y, err := p.numberValue()
	if err != nil {
		return [2]float64{}, err
	}
	if _, err := p.lx.expect(tokRBracket, "']'"); err != nil {
		return [2]float64{}, err
	}
	return [2]float64{x, y}, nil
}

func (p *stmtParser) numberValue() (float64, error) {
	t, err := p.lx.expect(tokNumber, "number")
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(t.text, 64)
	if err != nil {
		return 0, dberr.Syntaxf("malformed number %q", t.text)
	}
	return f, nil
}

func (p *stmtParser) delete() (*DeleteStmt, error) {
	if err := p.lx.expectKeyword("FROM"); err != nil {
		return nil, err
	}
	name, err := p.ident("table name")
	if err != nil {
		return nil, err
	}
	stmt := &DeleteStmt{TableName: name}
	if p.lx.matchKeyword("WHERE") {
		pred, err := p.predicate()
		if err != nil {
			return nil, err
		}
		stmt.Where = pred
	}
	return stmt, nil
}

func (p *stmtParser) selectStmt() (*SelectStmt, error) {
	stmt := &SelectStmt{}

	if p.lx.peek().kind == tokStar {
		p.lx.advance()
	} else {
		for {
			col, err := p.ident("column name")
			if err != nil {
				return nil, err
			}
			stmt.Columns = append(stmt.Columns, col)
			if p.lx.peek().kind == tokComma {
				p.lx.advance()
				continue
			}
			break
		}
	}

	if err := p.lx.expectKeyword("FROM"); err != nil {
		return nil, err
	}
	name, err := p.ident("table name")
	if err != nil {
		return nil, err
	}
	stmt.TableName = name

	if p.lx.matchKeyword("WHERE") {
		pred, err := p.predicate()
		if err != nil {
			return nil, err
		}
		stmt.Where = pred
	}
	return stmt, nil
}

// predicate parses exactly one of the three supported forms. Compound
// conditions are a deliberate syntax error.
func (p *stmtParser) predicate() (*Predicate, error) {
	col, err := p.ident("column name")
	if err != nil {
		return nil, err
	}

	switch {
	case p.lx.peek().kind == tokEquals:
		p.lx.advance()
		v, err := p.literal()
		if err != nil {
			return nil, err
		}
		return &Predicate{Col: col, Op: PredEq, Value: v}, nil

	case p.lx.matchKeyword("BETWEEN"):
		lo, err := p.literal()
		if err != nil {
			return nil, err
		}
		if err := p.lx.expectKeyword("AND"); err != nil {
			return nil, err
		}
		hi, err := p.literal()
		if err != nil {
			return nil, err
		}
		return &Predicate{Col: col, Op: PredBetween, Lo: lo, Hi: hi}, nil

	case p.lx.matchKeyword("IN"):
		if _, err := p.lx.expect(tokLParen, "'('"); err != nil {
			return nil, err
		}
		center, err := p.pointLiteral()
		if err != nil {
			return nil, err
		}
		if _, err := p.lx.expect(tokComma, "','"); err != nil {
			return nil, err
		}
		radius, err := p.numberValue()
		if err != nil {
			return nil, err
		}
		if _, err := p.lx.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return &Predicate{Col: col, Op: PredWithin, Center: center, Radius: radius}, nil
	}

	t := p.lx.peek()
	return nil, dberr.Syntaxf("unsupported predicate at position %d near %q", t.pos, t.text)
}
