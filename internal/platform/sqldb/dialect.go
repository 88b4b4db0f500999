package sqldb

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Dialect captures the SQL differences between the supported databases.
type Dialect struct {
	name string
	// goose is the dialect name goose expects.
	goose string
	// dollar selects $n placeholders instead of ?.
	dollar bool
	// textTime stores timestamps as fixed-width UTC text.
	textTime bool
	// lockClause is appended to the claim sub-select.
	lockClause string
}

var (
	// Postgres is the PostgreSQL dialect, driver "pgx".
	Postgres = Dialect{name: "postgres", goose: "postgres", dollar: true, lockClause: " FOR UPDATE SKIP LOCKED"}

	// SQLite is the SQLite dialect, driver "sqlite".
	SQLite = Dialect{name: "sqlite", goose: "sqlite3", textTime: true}
)

// timeLayout sorts lexicographically in time order.
const timeLayout = "2006-01-02 15:04:05.000000000"

// Name returns the dialect name.
func (d Dialect) Name() string { return d.name }

// DialectFor returns the dialect for a configured driver name.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "postgres", "pgx":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Rebind rewrites ? placeholders for the dialect.
func (d Dialect) Rebind(query string) string {
	if !d.dollar {
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

// Time converts t into a query argument.
func (d Dialect) Time(t time.Time) any {
	t = t.UTC()
	if d.textTime {
		return t.Format(timeLayout)
	}
	return t
}

// NullTime converts an optional time into a query argument.
func (d Dialect) NullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return d.Time(*t)
}

// Page returns a LIMIT/OFFSET clause and its arguments. A non-positive
// limit means no limit.
func (d Dialect) Page(limit, offset int) (string, []any) {
	switch {
	case limit > 0 && offset > 0:
		return " LIMIT ? OFFSET ?", []any{limit, offset}
	case limit > 0:
		return " LIMIT ?", []any{limit}
	case offset > 0 && d.name == SQLite.name:
		return " LIMIT -1 OFFSET ?", []any{offset}
	case offset > 0:
		return " OFFSET ?", []any{offset}
	default:
		return "", nil
	}
}

// placeholders returns "?, ?, ..." for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
