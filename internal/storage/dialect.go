package storage

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// timeLayout is fixed-width so that text comparison orders timestamps
// chronologically in both SQLite and Postgres.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type dialect struct {
	name   string
	driver string
	sqlite bool
}

var (
	sqliteDialect   = dialect{name: "sqlite", driver: "sqlite", sqlite: true}
	postgresDialect = dialect{name: "postgres", driver: "pgx"}
)

// parseURL maps a database URL onto a driver and DSN.
//
//	sqlite::memory:            in-memory SQLite
//	sqlite:///var/lib/app.db   SQLite file
//	file:app.db?cache=shared   SQLite URI, passed through
//	postgres://...             Postgres via pgx
func parseURL(raw string) (dialect, string, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "sqlite::memory:" || raw == "sqlite://:memory:" || raw == ":memory:":
		return sqliteDialect, ":memory:", nil
	case strings.HasPrefix(raw, "sqlite://"):
		path := strings.TrimPrefix(raw, "sqlite://")
		if path == "" {
			return dialect{}, "", fmt.Errorf("sqlite url %q has no path", raw)
		}
		return sqliteDialect, path, nil
	case strings.HasPrefix(raw, "file:"):
		return sqliteDialect, raw, nil
	case strings.HasPrefix(raw, "postgres://"), strings.HasPrefix(raw, "postgresql://"):
		return postgresDialect, raw, nil
	}
	scheme, _, _ := strings.Cut(raw, ":")
	return dialect{}, "", fmt.Errorf("unsupported database url scheme %q", scheme)
}

// rebind rewrites ? placeholders to $n for Postgres.
func (d dialect) rebind(query string) string {
	if d.sqlite || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
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

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}
