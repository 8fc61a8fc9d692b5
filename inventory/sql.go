package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hb9tf/meshsurvey/store"
)

var nodesSchema = map[string]string{
	store.SQLite.Name: `CREATE TABLE IF NOT EXISTS nodes (
		"id"              INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT,
		"mesh_identity"   TEXT NOT NULL UNIQUE,
		"public_key"      TEXT NOT NULL DEFAULT '',
		"name"            TEXT NOT NULL DEFAULT '',
		"role"            INTEGER NOT NULL DEFAULT 0,
		"latitude"        REAL,
		"longitude"       REAL,
		"altitude"        REAL,
		"estimated_range" INTEGER NOT NULL DEFAULT 1000,
		"active"          INTEGER NOT NULL DEFAULT 1,
		"first_seen"      INTEGER NOT NULL,
		"last_seen"       INTEGER NOT NULL
	);`,
	store.MySQL.Name: `CREATE TABLE IF NOT EXISTS nodes (
		id              BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		mesh_identity   VARCHAR(64) NOT NULL UNIQUE,
		public_key      TEXT NOT NULL,
		name            VARCHAR(255) NOT NULL,
		role            INTEGER NOT NULL DEFAULT 0,
		latitude        DOUBLE,
		longitude       DOUBLE,
		altitude        DOUBLE,
		estimated_range INTEGER NOT NULL DEFAULT 1000,
		active          BOOLEAN NOT NULL DEFAULT TRUE,
		first_seen      BIGINT NOT NULL,
		last_seen       BIGINT NOT NULL
	);`,
	store.Postgres.Name: `CREATE TABLE IF NOT EXISTS nodes (
		id              BIGSERIAL PRIMARY KEY,
		mesh_identity   VARCHAR(64) NOT NULL UNIQUE,
		public_key      TEXT NOT NULL DEFAULT '',
		name            VARCHAR(255) NOT NULL DEFAULT '',
		role            INTEGER NOT NULL DEFAULT 0,
		latitude        DOUBLE PRECISION,
		longitude       DOUBLE PRECISION,
		altitude        DOUBLE PRECISION,
		estimated_range INTEGER NOT NULL DEFAULT 1000,
		active          BOOLEAN NOT NULL DEFAULT TRUE,
		first_seen      BIGINT NOT NULL,
		last_seen       BIGINT NOT NULL
	);`,
}

const (
	nodeColumns    = `id, mesh_identity, public_key, name, role, latitude, longitude, altitude, estimated_range, active, first_seen, last_seen`
	insertNodeTmpl = `INSERT INTO nodes (mesh_identity, public_key, name, role, latitude, longitude, altitude, estimated_range, active, first_seen, last_seen) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
)

// SQL keeps nodes in the same database as the measurements.
type SQL struct {
	DB      *sql.DB
	Dialect *store.Dialect
}

func NewSQL(ctx context.Context, db *sql.DB, dialect *store.Dialect) (*SQL, error) {
	schema, ok := nodesSchema[dialect.Name]
	if !ok {
		return nil, fmt.Errorf("no nodes schema for %s", dialect.Name)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("unable to create nodes table: %w", err)
	}
	return &SQL{DB: db, Dialect: dialect}, nil
}

func (s *SQL) Lookup(ctx context.Context, id int64) (*Node, error) {
	row := s.DB.QueryRowContext(ctx, s.Dialect.Rebind("SELECT "+nodeColumns+" FROM nodes WHERE id = ?"), id)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrTargetUnknown, id)
	}
	return n, err
}

func (s *SQL) List(ctx context.Context, opts ListOptions) ([]Node, error) {
	query := "SELECT " + nodeColumns + " FROM nodes"
	var (
		where []string
		args  []interface{}
	)
	if opts.ActiveOnly {
		where = append(where, "active = ?")
		args = append(args, true)
	}
	if opts.Role != nil {
		where = append(where, "role = ?")
		args = append(args, int(*opts.Role))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY name ASC, id ASC"

	rows, err := s.DB.QueryContext(ctx, s.Dialect.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var nodes []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, *n)
	}
	return nodes, rows.Err()
}

func (s *SQL) Add(ctx context.Context, n *Node) (int64, error) {
	var count int
	if err := s.DB.QueryRowContext(ctx, s.Dialect.Rebind("SELECT COUNT(*) FROM nodes WHERE mesh_identity = ?"), n.MeshIdentity).Scan(&count); err != nil {
		return 0, err
	}
	if count > 0 {
		return 0, fmt.Errorf("%w: %s", ErrExists, n.MeshIdentity)
	}

	now := time.Now()
	if n.FirstSeen.IsZero() {
		n.FirstSeen = now
	}
	if n.LastSeen.IsZero() {
		n.LastSeen = now
	}
	args := []interface{}{
		n.MeshIdentity, n.PublicKey, n.Name, int(n.Role),
		nullFloat(n.Latitude), nullFloat(n.Longitude), nullFloat(n.Altitude),
		n.EstimatedRange, n.Active, n.FirstSeen.UnixMilli(), n.LastSeen.UnixMilli(),
	}
	query := s.Dialect.Rebind(insertNodeTmpl)
	if s.Dialect == store.Postgres {
		if err := s.DB.QueryRowContext(ctx, query+" RETURNING id", args...).Scan(&n.ID); err != nil {
			return 0, err
		}
		return n.ID, nil
	}
	res, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n.ID, err = res.LastInsertId()
	return n.ID, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanNode(row scanner) (*Node, error) {
	var (
		n                   Node
		lat, lon, alt       sql.NullFloat64
		role                int
		firstSeen, lastSeen int64
	)
	if err := row.Scan(&n.ID, &n.MeshIdentity, &n.PublicKey, &n.Name, &role, &lat, &lon, &alt, &n.EstimatedRange, &n.Active, &firstSeen, &lastSeen); err != nil {
		return nil, err
	}
	n.Role = Role(role)
	n.Latitude = floatPtr(lat)
	n.Longitude = floatPtr(lon)
	n.Altitude = floatPtr(alt)
	n.FirstSeen = time.UnixMilli(firstSeen).UTC()
	n.LastSeen = time.UnixMilli(lastSeen).UTC()
	return &n, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
