package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// maxQueryRowsHardCap bounds db.all() regardless of what the caller asks for, so a
// runaway SELECT can't hand an unbounded result set to a sandboxed script
// (spec §4.D "db.all is capped at SANDBOX_MAX_ROWS rows").
const maxQueryRowsHardCap = 10000

// ErrQueryNotReadOnly is returned when a query isn't a single top-level
// SELECT (spec §4.D: "no INTO, ATTACH, PRAGMA, or multiple statements").
var ErrQueryNotReadOnly = fmt.Errorf("store: only a single top-level SELECT is permitted")

// validateReadOnly rejects anything but one SELECT statement: no semicolons
// chaining a second statement, no INTO/ATTACH/PRAGMA/VACUUM keywords.
func validateReadOnly(query string) error {
	trimmed := strings.TrimSpace(query)
	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return ErrQueryNotReadOnly
	}
	body := strings.TrimRight(trimmed, "; \t\n")
	if strings.Contains(body, ";") {
		return ErrQueryNotReadOnly
	}
	for _, forbidden := range []string{"INTO", "ATTACH", "PRAGMA", "VACUUM", "INSERT", "UPDATE", "DELETE", "DROP", "ALTER", "CREATE", "REPLACE"} {
		if containsWord(upper, forbidden) {
			return ErrQueryNotReadOnly
		}
	}
	return nil
}

func containsWord(haystack, word string) bool {
	idx := strings.Index(haystack, word)
	for idx != -1 {
		before := idx == 0 || !isWordChar(haystack[idx-1])
		after := idx+len(word) >= len(haystack) || !isWordChar(haystack[idx+len(word)])
		if before && after {
			return true
		}
		next := strings.Index(haystack[idx+1:], word)
		if next == -1 {
			return false
		}
		idx = idx + 1 + next
	}
	return false
}

func isWordChar(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// QueryRow runs a bounded, read-only query and returns the first row as a
// column-name -> value map, or ok=false if there were no rows. This backs
// the sandbox's db.get(sql, ...args) binding (spec §4.D).
func (s *Store) QueryRow(ctx context.Context, query string, args ...interface{}) (map[string]interface{}, bool, error) {
	if err := validateReadOnly(query); err != nil {
		return nil, false, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, false, rows.Err()
	}
	row, err := scanRowToMap(rows)
	if err != nil {
		return nil, false, err
	}
	return row, true, nil
}

// QueryAll runs a bounded, read-only query and returns up to maxRows rows as
// column-name -> value maps. This backs the sandbox's db.all(sql, ...args)
// binding (spec §4.D).
func (s *Store) QueryAll(ctx context.Context, query string, maxRows int, args ...interface{}) ([]map[string]interface{}, error) {
	if err := validateReadOnly(query); err != nil {
		return nil, err
	}
	if maxRows <= 0 || maxRows > maxQueryRowsHardCap {
		maxRows = maxQueryRowsHardCap
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]map[string]interface{}, 0)
	for rows.Next() {
		if len(out) >= maxRows {
			break
		}
		row, err := scanRowToMap(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func scanRowToMap(rows *sql.Rows) (map[string]interface{}, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	vals := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	out := make(map[string]interface{}, len(cols))
	for i, c := range cols {
		if b, ok := vals[i].([]byte); ok {
			out[c] = string(b)
		} else {
			out[c] = vals[i]
		}
	}
	return out, nil
}
