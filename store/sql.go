package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/hb9tf/meshsurvey/survey"
)

const (
	insertMeasurementTmpl = `INSERT INTO measurements (
		target_node_id,
		session_id,
		latitude,
		longitude,
		altitude,
		gps_accuracy,
		rssi,
		snr,
		ts
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	queryMeasurementsTmpl = `SELECT
		id,
		target_node_id,
		session_id,
		latitude,
		longitude,
		altitude,
		gps_accuracy,
		rssi,
		snr,
		ts
	FROM
		measurements
	WHERE
		target_node_id = ?
		AND session_id = ?
	ORDER BY
		ts ASC,
		id ASC`

	insertSessionTmpl       = `INSERT INTO sessions (id, target_node_id, start_ts, end_ts, notes) VALUES (?, ?, ?, ?, ?)`
	updateSessionTargetTmpl = `UPDATE sessions SET target_node_id = ? WHERE id = ?`
	endSessionTmpl          = `UPDATE sessions SET end_ts = ? WHERE id = ? AND end_ts IS NULL`
	listSessionsTmpl        = `SELECT id, target_node_id, start_ts, end_ts, notes FROM sessions`
)

type SQL struct {
	DB      *sql.DB
	Dialect *Dialect
}

// NewSQL wraps an opened database and makes sure the schema exists.
func NewSQL(ctx context.Context, db *sql.DB, dialect *Dialect) (*SQL, error) {
	s := &SQL{
		DB:      db,
		Dialect: dialect,
	}
	if err := s.createTablesIfNotExists(ctx); err != nil {
		return nil, fmt.Errorf("unable to create tables: %w", err)
	}
	glog.Infof("using %s measurement store", dialect.Name)
	return s, nil
}

func (s *SQL) createTablesIfNotExists(ctx context.Context) error {
	for _, stmt := range s.Dialect.Schema {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQL) InsertMeasurement(ctx context.Context, m *survey.Measurement) (int64, error) {
	query := s.Dialect.Rebind(insertMeasurementTmpl)
	args := []interface{}{
		m.TargetNodeID,
		m.SessionID,
		m.Latitude,
		m.Longitude,
		nullFloat(m.Altitude),
		m.GPSAccuracy,
		m.RSSI,
		m.SNR,
		m.Timestamp.UnixMilli(),
	}

	if s.Dialect.returning {
		var id int64
		if err := s.DB.QueryRowContext(ctx, query+" RETURNING id", args...).Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}

	statement, err := s.DB.PrepareContext(ctx, query)
	if err != nil {
		return 0, err
	}
	defer statement.Close()
	res, err := statement.ExecContext(ctx, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQL) QueryMeasurements(ctx context.Context, targetNodeID int64, sessionID string) ([]survey.Measurement, error) {
	rows, err := s.DB.QueryContext(ctx, s.Dialect.Rebind(queryMeasurementsTmpl), targetNodeID, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var measurements []survey.Measurement
	for rows.Next() {
		var (
			m        survey.Measurement
			altitude sql.NullFloat64
			ts       int64
		)
		if err := rows.Scan(&m.ID, &m.TargetNodeID, &m.SessionID, &m.Latitude, &m.Longitude, &altitude, &m.GPSAccuracy, &m.RSSI, &m.SNR, &ts); err != nil {
			return nil, err
		}
		if altitude.Valid {
			m.Altitude = survey.Float64(altitude.Float64)
		}
		m.Timestamp = time.UnixMilli(ts).UTC()
		measurements = append(measurements, m)
	}
	return measurements, rows.Err()
}

func (s *SQL) CreateSession(ctx context.Context, session *Session) error {
	var end sql.NullInt64
	if session.EndTime != nil {
		end = sql.NullInt64{Int64: session.EndTime.UnixMilli(), Valid: true}
	}
	_, err := s.DB.ExecContext(ctx, s.Dialect.Rebind(insertSessionTmpl), session.ID, session.TargetNodeID, session.StartTime.UnixMilli(), end, session.Notes)
	return err
}

func (s *SQL) SetSessionTarget(ctx context.Context, sessionID string, targetNodeID int64) error {
	_, err := s.DB.ExecContext(ctx, s.Dialect.Rebind(updateSessionTargetTmpl), targetNodeID, sessionID)
	return err
}

func (s *SQL) EndSession(ctx context.Context, sessionID string, end time.Time) error {
	_, err := s.DB.ExecContext(ctx, s.Dialect.Rebind(endSessionTmpl), end.UnixMilli(), sessionID)
	return err
}

func (s *SQL) ListSessions(ctx context.Context, targetNodeID int64) ([]Session, error) {
	query := listSessionsTmpl
	var args []interface{}
	if targetNodeID != 0 {
		query += " WHERE target_node_id = ?"
		args = append(args, targetNodeID)
	}
	query += " ORDER BY start_ts DESC"

	rows, err := s.DB.QueryContext(ctx, s.Dialect.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var (
			session Session
			start   int64
			end     sql.NullInt64
		)
		if err := rows.Scan(&session.ID, &session.TargetNodeID, &start, &end, &session.Notes); err != nil {
			return nil, err
		}
		session.StartTime = time.UnixMilli(start).UTC()
		if end.Valid {
			t := time.UnixMilli(end.Int64).UTC()
			session.EndTime = &t
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
