package sqlstore

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect selects the driver and the few statements that differ between engines.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

func (d Dialect) driver() (string, error) {
	switch d {
	case SQLite:
		return "sqlite", nil
	case Postgres:
		return "pgx", nil
	default:
		return "", fmt.Errorf("unknown store dialect %q", d)
	}
}

func (d Dialect) schema() []string {
	seq := "seq INTEGER PRIMARY KEY AUTOINCREMENT"
	if d == Postgres {
		seq = "seq BIGSERIAL PRIMARY KEY"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS calls (
			id           TEXT PRIMARY KEY,
			chat_id      TEXT NOT NULL DEFAULT '',
			caller_id    TEXT NOT NULL,
			receiver_id  TEXT NOT NULL,
			call_type    TEXT NOT NULL,
			status       TEXT NOT NULL,
			started_at   BIGINT NOT NULL,
			connected_at BIGINT,
			ended_at     BIGINT,
			duration     INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS calls_chat_status ON calls (chat_id, status)`,
		`CREATE INDEX IF NOT EXISTS calls_caller ON calls (caller_id)`,
		`CREATE INDEX IF NOT EXISTS calls_receiver ON calls (receiver_id)`,
		`CREATE TABLE IF NOT EXISTS call_signals (
			` + seq + `,
			id          TEXT NOT NULL UNIQUE,
			call_id     TEXT NOT NULL REFERENCES calls(id) ON DELETE CASCADE,
			sender_id   TEXT NOT NULL,
			signal_type TEXT NOT NULL,
			payload     TEXT NOT NULL,
			created_at  BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS call_signals_call ON call_signals (call_id, seq)`,
	}
}

// rebind rewrites ? placeholders into $n for postgres.
func (d Dialect) rebind(query string) string {
	if d != Postgres {
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
