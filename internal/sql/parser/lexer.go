package parser

import (
	"strings"
	"unicode"

	"github.com/polydb/polydb/internal/dberr"
)

type tokenKind uint8

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokComma
	tokEquals
	tokStar
	tokSemicolon
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// lexer splits a statement into tokens. Keywords are not distinguished here;
// the parser matches identifiers case-insensitively where the grammar
// expects a keyword.
type lexer struct {
	input string
	pos   int
	toks  []token
	next  int
}

func newLexer(input string) (*lexer, error) {
	l := &lexer{input: input}
	if err := l.run(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *lexer) run() error {
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			l.pos++
		case c == '(':
			l.emit(tokLParen, "(")
		case c == ')':
			l.emit(tokRParen, ")")
		case c == '[':
			l.emit(tokLBracket, "[")
		case c == ']':
			l.emit(tokRBracket, "]")
		case c == ',':
			l.emit(tokComma, ",")
		case c == '=':
			l.emit(tokEquals, "=")
		case c == '*':
			l.emit(tokStar, "*")
		case c == ';':
			l.emit(tokSemicolon, ";")
		case c == '\'' || c == '"':
			if err := l.lexString(c); err != nil {
				return err
			}
		case c == '-' || c >= '0' && c <= '9':
			if err := l.lexNumber(); err != nil {
				return err
			}
		case unicode.IsLetter(rune(c)) || c == '_':
			l.lexIdent()
		default:
			return dberr.Syntaxf("unexpected character %q at position %d", string(c), l.pos)
		}
	}
	l.toks = append(l.toks, token{kind: tokEOF, pos: len(l.input)})
	return nil
}

func (l *lexer) emit(kind tokenKind, text string) {
	l.toks = append(l.toks, token{kind: kind, text: text, pos: l.pos})
	l.pos += len(text)
}

func (l *lexer) lexString(quote byte) error {
	start := l.pos
	l.pos++
	for l.pos < len(l.input) {
		if l.input[l.pos] == quote {
			l.toks = append(l.toks, token{kind: tokString, text: l.input[start+1 : l.pos], pos: start})
			l.pos++
			return nil
		}
		l.pos++
	}
	return dberr.Syntaxf("unterminated string literal at position %d", start)
}

func (l *lexer) lexNumber() error {
	start := l.pos
	if l.input[l.pos] == '-' {
		l.pos++
		if l.pos >= len(l.input) || l.input[l.pos] < '0' || l.input[l.pos] > '9' {
			return dberr.Syntaxf("dangling '-' at position %d", start)
		}
	}
	dot := false
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		if c == '.' {
			if dot {
				return dberr.Syntaxf("malformed number at position %d", start)
			}
			dot = true
			l.pos++
			continue
		}
		if c < '0' || c > '9' {
			break
		}
		l.pos++
	}
	l.toks = append(l.toks, token{kind: tokNumber, text: l.input[start:l.pos], pos: start})
	return nil
}

func (l *lexer) lexIdent() {
	start := l.pos
	for l.pos < len(l.input) {
		c := rune(l.input[l.pos])
		if !unicode.IsLetter(c) && !unicode.IsDigit(c) && c != '_' {
			break
		}
		l.pos++
	}
	l.toks = append(l.toks, token{kind: tokIdent, text: l.input[start:l.pos], pos: start})
}

func (l *lexer) peek() token { return l.toks[l.next] }

func (l *lexer) advance() token {
	t := l.toks[l.next]
	if t.kind != tokEOF {
		l.next++
	}
	return t
}

// matchKeyword consumes the next token if it is the given keyword,
// case-insensitively.
func (l *lexer) matchKeyword(kw string) bool {
	t := l.peek()
	if t.kind == tokIdent && strings.EqualFold(t.text, kw) {
		l.advance()
		return true
	}
	return false
}

func (l *lexer) expectKeyword(kw string) error {
	if !l.matchKeyword(kw) {
		t := l.peek()
		return dberr.Syntaxf("expected %s at position %d, got %q", kw, t.pos, t.text)
	}
	return nil
}

func (l *lexer) expect(kind tokenKind, what string) (token, error) {
	t := l.advance()
	if t.kind != kind {
		return token{}, dberr.Syntaxf("expected %s at position %d, got %q", what, t.pos, t.text)
	}
	return t, nil
}
