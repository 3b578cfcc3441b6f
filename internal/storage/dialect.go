package storage

import (
	"embed"
	"strconv"
	"strings"
)

//go:embed migrations_sqlite.sql migrations_postgres.sql
var migrationsFS embed.FS

type dialect struct {
	name       string
	migrations string
	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool
}

var (
	dialectSQLite   = dialect{name: "sqlite", migrations: "migrations_sqlite.sql"}
	dialectPostgres = dialect{name: "postgres", migrations: "migrations_postgres.sql", numbered: true}
)

// rebind rewrites ? placeholders for the dialect. Queries in this package
// never contain a literal '?' inside string constants.
func (d dialect) rebind(q string) string {
	if !d.numbered || !strings.Contains(q, "?") {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// statements splits a migration script into individual statements.
func statements(script string) []string {
	parts := strings.Split(script, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
