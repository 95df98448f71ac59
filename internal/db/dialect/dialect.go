// Package dialect provides SQL fragment helpers for SQLite/PostgreSQL portability.
package dialect

import (
	"fmt"
	"strings"
)

const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres returns true if the driver is PostgreSQL (pgx).
func IsPostgres(driver string) bool {
	return driver == PGX
}

// BoolToInt converts a boolean to an integer for SQL storage.
func BoolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

// Rebind rewrites a query using ? placeholders into the driver's native
// placeholder style. SQLite keeps ?, PostgreSQL uses $1..$n.
func Rebind(driver, query string) string {
	if !IsPostgres(driver) {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString(fmt.Sprintf("$%d", n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
