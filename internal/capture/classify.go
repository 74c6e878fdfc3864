package capture

import (
	"regexp"
	"strings"

	"github.com/WingsGo/sqlite-cdc/internal/audit"
)

// kind is the result of classifying a statement's leading keyword.
type kind int

const (
	kindOther kind = iota
	kindInsert
	kindUpdate
	kindDelete
)

func (k kind) operation() audit.Operation {
	switch k {
	case kindInsert:
		return audit.OpInsert
	case kindUpdate:
		return audit.OpUpdate
	case kindDelete:
		return audit.OpDelete
	default:
		return ""
	}
}

// The *TableRe patterns match the table name immediately following the
// leading keyword, tolerating a schema-qualified or quoted name.
// insertTableRe tolerates SQLite's "INSERT OR <action> INTO" conflict
// clause (OR REPLACE/IGNORE/ABORT/FAIL/ROLLBACK) between the keyword
// and INTO.
var (
	insertTableRe = regexp.MustCompile(`(?is)^\s*INSERT\s+(?:OR\s+(?:REPLACE|IGNORE|ABORT|FAIL|ROLLBACK)\s+)?INTO\s+([\"\'\x60]?[\w.]+[\"\'\x60]?)`)
	updateTableRe = regexp.MustCompile(`(?is)^\s*UPDATE\s+([\"\'\x60]?[\w.]+[\"\'\x60]?)`)
	deleteTableRe = regexp.MustCompile(`(?is)^\s*DELETE\s+FROM\s+([\"\'\x60]?[\w.]+[\"\'\x60]?)`)
)

// classified is the outcome of classify: the statement kind and the
// table name it targets, if one could be determined. failed is set
// when the statement's leading keyword is INSERT/UPDATE/DELETE but no
// table name could be extracted from it (unusual syntax) — distinct
// from a statement that isn't DML at all, which just has kind ==
// kindOther with failed == false.
type classified struct {
	kind   kind
	table  string
	failed bool
}

// classify inspects the leading keyword of a SQL statement and, for
// INSERT/UPDATE/DELETE, extracts the target table name. A statement
// that isn't DML at all is classified as OTHER so the caller falls
// back to direct execution. A statement that IS INSERT/UPDATE/DELETE
// but whose table cannot be determined (no table name where the
// pattern expects one) is reported as a classification failure, matching
// the wrapper's documented "falls back to executing without capture
// and records a counter" behavior.
func classify(query string) classified {
	trimmed := strings.TrimSpace(query)
	upper := strings.ToUpper(trimmed)

	switch {
	case strings.HasPrefix(upper, "INSERT"):
		if m := insertTableRe.FindStringSubmatch(trimmed); m != nil {
			return classified{kind: kindInsert, table: unquote(m[1])}
		}
		return classified{kind: kindOther, failed: true}
	case strings.HasPrefix(upper, "UPDATE"):
		if m := updateTableRe.FindStringSubmatch(trimmed); m != nil {
			return classified{kind: kindUpdate, table: unquote(m[1])}
		}
		return classified{kind: kindOther, failed: true}
	case strings.HasPrefix(upper, "DELETE"):
		if m := deleteTableRe.FindStringSubmatch(trimmed); m != nil {
			return classified{kind: kindDelete, table: unquote(m[1])}
		}
		return classified{kind: kindOther, failed: true}
	}
	return classified{kind: kindOther}
}

func unquote(s string) string {
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') || (first == '`' && last == '`') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
