// Package dberr defines the error taxonomy shared by the whole engine.
//
// Kinds:
//   - Syntax: malformed statement, rejected before touching storage.
//   - Schema: unknown table/column, type mismatch, missing PRIMARY KEY.
//   - Constraint: duplicate primary key on insert.
//   - NotFound: lookup/delete target absent; callers report zero rows.
//   - Storage: page allocation failure or corrupt on-disk state; fatal,
//     never retried because there is no recovery log.
package dberr

import (
	"errors"
	"fmt"
)

var (
	ErrSyntax     = errors.New("syntax error")
	ErrSchema     = errors.New("schema error")
	ErrConstraint = errors.New("constraint violation")
	ErrNotFound   = errors.New("not found")
	ErrStorage    = errors.New("storage error")
)

// Syntaxf wraps a formatted message with ErrSyntax.
func Syntaxf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrSyntax, fmt.Sprintf(format, args...))
}

func Schemaf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrSchema, fmt.Sprintf(format, args...))
}

func Constraintf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConstraint, fmt.Sprintf(format, args...))
}

func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func Storagef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrStorage, fmt.Sprintf(format, args...))
}

// Recoverable reports whether the caller may keep using the engine after err.
// Storage errors are fatal for the affected table; everything else is not.
func Recoverable(err error) bool {
	return err != nil && !errors.Is(err, ErrStorage)
}
