package store

import (
	"strconv"
	"strings"
)

// Dialect captures the differences between the supported SQL databases.
type Dialect struct {
	// Name is the driver name passed to sql.Open.
	Name string
	// Schema is executed statement by statement when a store is opened.
	Schema []string
	// Numbered placeholders ($1, $2, ...) instead of "?".
	numbered bool
	// Inserts use RETURNING instead of LastInsertId.
	returning bool
}

// Rebind rewrites "?" placeholders for dialects using numbered ones.
func (d *Dialect) Rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

var (
	SQLite = &Dialect{
		Name: "sqlite3",
		Schema: []string{
			`CREATE TABLE IF NOT EXISTS measurements (
				"id"             INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT,
				"target_node_id" INTEGER NOT NULL,
				"session_id"     TEXT NOT NULL,
				"latitude"       REAL NOT NULL,
				"longitude"      REAL NOT NULL,
				"altitude"       REAL,
				"gps_accuracy"   REAL NOT NULL,
				"rssi"           INTEGER NOT NULL,
				"snr"            REAL NOT NULL,
				"ts"             INTEGER NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS measurements_target_session ON measurements (target_node_id, session_id, ts);`,
			`CREATE TABLE IF NOT EXISTS sessions (
				"id"             TEXT NOT NULL PRIMARY KEY,
				"target_node_id" INTEGER NOT NULL,
				"start_ts"       INTEGER NOT NULL,
				"end_ts"         INTEGER,
				"notes"          TEXT NOT NULL DEFAULT ''
			);`,
		},
	}

	MySQL = &Dialect{
		Name: "mysql",
		Schema: []string{
			`CREATE TABLE IF NOT EXISTS measurements (
				id             BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
				target_node_id BIGINT NOT NULL,
				session_id     VARCHAR(64) NOT NULL,
				latitude       DOUBLE NOT NULL,
				longitude      DOUBLE NOT NULL,
				altitude       DOUBLE,
				gps_accuracy   DOUBLE NOT NULL,
				rssi           INTEGER NOT NULL,
				snr            DOUBLE NOT NULL,
				ts             BIGINT NOT NULL,
				INDEX measurements_target_session (target_node_id, session_id, ts)
			);`,
			`CREATE TABLE IF NOT EXISTS sessions (
				id             VARCHAR(64) NOT NULL PRIMARY KEY,
				target_node_id BIGINT NOT NULL,
				start_ts       BIGINT NOT NULL,
				end_ts         BIGINT,
				notes          TEXT NOT NULL
			);`,
		},
	}

	Postgres = &Dialect{
		Name:      "pgx",
		numbered:  true,
		returning: true,
		Schema: []string{
			`CREATE TABLE IF NOT EXISTS measurements (
				id             BIGSERIAL PRIMARY KEY,
				target_node_id BIGINT NOT NULL,
				session_id     VARCHAR(64) NOT NULL,
				latitude       DOUBLE PRECISION NOT NULL,
				longitude      DOUBLE PRECISION NOT NULL,
				altitude       DOUBLE PRECISION,
				gps_accuracy   DOUBLE PRECISION NOT NULL,
				rssi           INTEGER NOT NULL,
				snr            DOUBLE PRECISION NOT NULL,
				ts             BIGINT NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS measurements_target_session ON measurements (target_node_id, session_id, ts);`,
			`CREATE TABLE IF NOT EXISTS sessions (
				id             VARCHAR(64) NOT NULL PRIMARY KEY,
				target_node_id BIGINT NOT NULL,
				start_ts       BIGINT NOT NULL,
				end_ts         BIGINT,
				notes          TEXT NOT NULL DEFAULT ''
			);`,
		},
	}
)

// DialectFor maps a configured store type to its dialect.
func DialectFor(name string) (*Dialect, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sqlite", "sqlite3":
		return SQLite, true
	case "mysql":
		return MySQL, true
	case "postgres", "postgresql", "pgx":
		return Postgres, true
	}
	return nil, false
}
