package stats

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	driverSQLite   = "sqlite3"
	driverPostgres = "postgres"
)

// schemaStatements returns the DDL for driver. Column names are shared by
// both backends; only the identity and timestamp types differ.
func schemaStatements(driver string) []string {
	idType, intType, timeType := "INTEGER PRIMARY KEY AUTOINCREMENT", "INTEGER", "TIMESTAMP"
	if driver == driverPostgres {
		idType, intType, timeType = "BIGSERIAL PRIMARY KEY", "BIGINT", "TIMESTAMPTZ"
	}

	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS sessions (
			id %[1]s,
			client_ip TEXT NOT NULL,
			method TEXT NOT NULL,
			target_host TEXT NOT NULL,
			target_port %[2]s NOT NULL,
			route TEXT NOT NULL DEFAULT '',
			upstream TEXT NOT NULL DEFAULT '',
			tier TEXT NOT NULL DEFAULT '',
			degraded BOOLEAN NOT NULL DEFAULT FALSE,
			started_at %[3]s NOT NULL,
			ended_at %[3]s,
			bytes_sent %[2]s NOT NULL DEFAULT 0,
			bytes_received %[2]s NOT NULL DEFAULT 0,
			duration_ms %[2]s NOT NULL DEFAULT 0,
			close_reason TEXT NOT NULL DEFAULT ''
		)`, idType, intType, timeType),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS errors (
			id %[1]s,
			session_id %[2]s NOT NULL,
			error_type TEXT NOT NULL,
			error_message TEXT NOT NULL,
			timestamp %[3]s NOT NULL
		)`, idType, intType, timeType),
		`CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_route ON sessions(route, upstream)`,
		`CREATE INDEX IF NOT EXISTS idx_errors_type ON errors(error_type)`,
	}
}

func initSchema(db *sql.DB, driver string) error {
	for _, stmt := range schemaStatements(driver) {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders into $1, $2, ... for PostgreSQL.
func rebind(driver, query string) string {
	if driver != driverPostgres {
		return query
	}
	var b strings.Builder
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

// timeLayouts are the formats go-sqlite3 uses for stored timestamps.
var timeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339Nano,
}

// nullTime scans timestamps from either backend. Aggregates such as MAX()
// lose the declared column type in SQLite and come back as text.
type nullTime struct {
	Time  time.Time
	Valid bool
}

func (t *nullTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
		return nil
	case time.Time:
		t.Time, t.Valid = v, true
		return nil
	case []byte:
		return t.parse(string(v))
	case string:
		return t.parse(v)
	default:
		return fmt.Errorf("cannot scan %T into a timestamp", src)
	}
}

func (t *nullTime) parse(s string) error {
	s = strings.TrimSuffix(s, "Z")
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time, t.Valid = parsed, true
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", s)
}
