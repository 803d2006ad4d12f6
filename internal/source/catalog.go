package source

import (
	"strings"

	"github.com/lib/pq"
)

// Catalog lookups resolve unqualified names through the search path, the
// same way the stream query itself would.
const (
	tableExistsSQL = `SELECT to_regclass($1) IS NOT NULL`

	columnsSQL = `
		SELECT a.attname, format_type(a.atttypid, NULL)
		FROM pg_attribute a
		WHERE a.attrelid = to_regclass($1)
		  AND a.attnum > 0
		  AND NOT a.attisdropped
		ORDER BY a.attnum`
)

// regclass quotes each part of a possibly schema-qualified table name so
// to_regclass treats it case-sensitively.
func regclass(table string) string {
	parts := strings.SplitN(table, ".", 2)
	for i, p := range parts {
		parts[i] = pq.QuoteIdentifier(p)
	}
	return strings.Join(parts, ".")
}
