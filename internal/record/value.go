package record

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/polydb/polydb/internal/dberr"
)

// Runtime rows are []any with per-column representations:
//
//	INT, DATE -> int64 (DATE as days since 1970-01-01)
//	FLOAT     -> float64
//	VARCHAR   -> string
//	ARRAY     -> [2]float64
//
// Coerce normalizes a literal into that representation or fails with a
// schema error naming the column.
func Coerce(col Column, v any) (any, error) {
	if v == nil {
		return nil, dberr.Schemaf("column %q: NULL not supported", col.Name)
	}
	switch col.Type {
	case ColInt:
		switch x := v.(type) {
		case int64:
			return x, nil
		case int:
			return int64(x), nil
		case float64:
			if x == float64(int64(x)) {
				return int64(x), nil
			}
		}
		return nil, typeMismatch(col, v)

	case ColFloat:
		switch x := v.(type) {
		case float64:
			return x, nil
		case int64:
			return float64(x), nil
		case int:
			return float64(x), nil
		}
		return nil, typeMismatch(col, v)

	case ColVarchar:
		s, ok := v.(string)
		if !ok {
			return nil, typeMismatch(col, v)
		}
		if len(s) > col.Size {
			return nil, dberr.Schemaf("column %q: value longer than VARCHAR[%d]", col.Name, col.Size)
		}
		return s, nil

	case ColDate:
		switch x := v.(type) {
		case int64:
			return x, nil
		case int:
			return int64(x), nil
		case string:
			d, err := ParseDate(x)
			if err != nil {
				return nil, dberr.Schemaf("column %q: %v", col.Name, err)
			}
			return d, nil
		}
		return nil, typeMismatch(col, v)

	case ColPoint:
		switch x := v.(type) {
		case [2]float64:
			return x, nil
		case []float64:
			if len(x) == 2 {
				return [2]float64{x[0], x[1]}, nil
			}
		}
		return nil, typeMismatch(col, v)
	}
	return nil, dberr.Schemaf("column %q: unknown type", col.Name)
}

func typeMismatch(col Column, v any) error {
	return dberr.Schemaf("column %q expects %s, got %T", col.Name, col.Type, v)
}

// CompareKeys orders two key values of the same runtime type.
// Panics are avoided; mismatched types order by type tag so sorts stay total.
func CompareKeys(a, b any) int {
	switch x := a.(type) {
	case int64:
		if y, ok := b.(int64); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		}
	case float64:
		if y, ok := b.(float64); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		}
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y)
		}
	}
	return strings.Compare(fmt.Sprintf("%T", a), fmt.Sprintf("%T", b))
}

const dateLayout = "2006-01-02"

// ParseDate converts "YYYY-MM-DD" to an ordinal day count since 1970-01-01.
func ParseDate(s string) (int64, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid date %q (want YYYY-MM-DD)", s)
	}
	return t.Unix() / 86400, nil
}

// FormatDate renders an ordinal day count back to "YYYY-MM-DD".
func FormatDate(days int64) string {
	return time.Unix(days*86400, 0).UTC().Format(dateLayout)
}

// FormatValue renders a value for result sets; DATE columns become strings.
func FormatValue(col Column, v any) any {
	if col.Type == ColDate {
		if d, ok := v.(int64); ok {
			return FormatDate(d)
		}
	}
	return v
}

// ParseLiteralString parses an untyped literal token into int64, float64 or
// string, matching the tokenizer's untyped view of the world.
func ParseLiteralString(s string) any {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
