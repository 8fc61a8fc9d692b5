package store

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hb9tf/meshsurvey/survey"

	// Blind import support for sqlite3.
	_ "github.com/mattn/go-sqlite3"
)

func openSQLite(t *testing.T) *SQL {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// Every connection to :memory: is its own database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s, err := NewSQL(context.Background(), db, SQLite)
	require.NoError(t, err)
	return s
}

func TestSQLiteMeasurementRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)

	ts := Timestamp(time.Date(2025, 6, 1, 12, 0, 3, 123456789, time.UTC))
	in := &survey.Measurement{
		TargetNodeID: 7,
		SessionID:    "3f1c",
		Latitude:     49.283,
		Longitude:    -123.121,
		Altitude:     survey.Float64(71.25),
		GPSAccuracy:  5,
		RSSI:         -78,
		SNR:          12.5,
		Timestamp:    ts,
	}
	id, err := s.InsertMeasurement(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	// Same session, other target: must not show up.
	_, err = s.InsertMeasurement(ctx, &survey.Measurement{TargetNodeID: 8, SessionID: "3f1c", Latitude: 1, Longitude: 1, Timestamp: ts})
	require.NoError(t, err)

	got, err := s.QueryMeasurements(ctx, 7, "3f1c")
	require.NoError(t, err)
	require.Len(t, got, 1)
	want := *in
	want.ID = id
	assert.Equal(t, want, got[0])
}

func TestSQLiteQueryOrdersByTimestamp(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for _, offset := range []time.Duration{3 * time.Second, time.Second, 2 * time.Second} {
		_, err := s.InsertMeasurement(ctx, &survey.Measurement{
			TargetNodeID: 1,
			SessionID:    "s",
			Latitude:     47,
			Longitude:    8,
			RSSI:         -90,
			Timestamp:    base.Add(offset),
		})
		require.NoError(t, err)
	}

	got, err := s.QueryMeasurements(ctx, 1, "s")
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i := 1; i < len(got); i++ {
		assert.True(t, got[i-1].Timestamp.Before(got[i].Timestamp))
	}
	assert.Nil(t, got[0].Altitude)
}

func TestSQLiteSessions(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.CreateSession(ctx, &Session{ID: "a", StartTime: start}))
	require.NoError(t, s.CreateSession(ctx, &Session{ID: "b", TargetNodeID: 2, StartTime: start.Add(time.Hour), Notes: "north loop"}))
	require.NoError(t, s.SetSessionTarget(ctx, "a", 2))
	require.NoError(t, s.EndSession(ctx, "a", start.Add(30*time.Minute)))
	// Ending twice keeps the first end time.
	require.NoError(t, s.EndSession(ctx, "a", start.Add(40*time.Minute)))

	sessions, err := s.ListSessions(ctx, 2)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "b", sessions[0].ID)
	assert.True(t, sessions[0].Active())
	assert.Equal(t, "north loop", sessions[0].Notes)
	assert.Equal(t, "a", sessions[1].ID)
	require.NotNil(t, sessions[1].EndTime)
	assert.Equal(t, start.Add(30*time.Minute), *sessions[1].EndTime)

	none, err := s.ListSessions(ctx, 99)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMySQLInsertMeasurement(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := &SQL{DB: db, Dialect: MySQL}
	ts := time.UnixMilli(1748779203000).UTC()
	mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO measurements (")).
		ExpectExec().
		WithArgs(int64(7), "3f1c", 49.283, -123.121, sqlmock.AnyArg(), 5.0, -78, 12.5, ts.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(42, 1))

	id, err := s.InsertMeasurement(context.Background(), &survey.Measurement{
		TargetNodeID: 7,
		SessionID:    "3f1c",
		Latitude:     49.283,
		Longitude:    -123.121,
		GPSAccuracy:  5,
		RSSI:         -78,
		SNR:          12.5,
		Timestamp:    ts,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInsertUsesReturning(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := &SQL{DB: db, Dialect: Postgres}
	mock.ExpectQuery(regexp.QuoteMeta("VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(9)))

	id, err := s.InsertMeasurement(context.Background(), &survey.Measurement{TargetNodeID: 1, SessionID: "s", Timestamp: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, int64(9), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueryMeasurements(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := &SQL{DB: db, Dialect: Postgres}
	rows := sqlmock.NewRows([]string{"id", "target_node_id", "session_id", "latitude", "longitude", "altitude", "gps_accuracy", "rssi", "snr", "ts"}).
		AddRow(int64(1), int64(3), "s", 47.1, 8.2, nil, 4.0, -80, 3.5, int64(1748779200000)).
		AddRow(int64(2), int64(3), "s", 47.2, 8.3, 420.0, 6.0, -95, -2.0, int64(1748779205000))
	mock.ExpectQuery(regexp.QuoteMeta("AND session_id = $2")).
		WithArgs(int64(3), "s").
		WillReturnRows(rows)

	got, err := s.QueryMeasurements(context.Background(), 3, "s")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Nil(t, got[0].Altitude)
	require.NotNil(t, got[1].Altitude)
	assert.Equal(t, 420.0, *got[1].Altitude)
	assert.Equal(t, time.UnixMilli(1748779205000).UTC(), got[1].Timestamp)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRebind(t *testing.T) {
	assert.Equal(t, "a = $1 AND b = $2", Postgres.Rebind("a = ? AND b = ?"))
	assert.Equal(t, "a = ? AND b = ?", MySQL.Rebind("a = ? AND b = ?"))
}

func TestDialectFor(t *testing.T) {
	for name, want := range map[string]*Dialect{
		"sqlite":     SQLite,
		"SQLite3":    SQLite,
		" mysql ":    MySQL,
		"postgres":   Postgres,
		"postgresql": Postgres,
	} {
		got, ok := DialectFor(name)
		assert.True(t, ok, name)
		assert.Same(t, want, got, name)
	}
	_, ok := DialectFor("elastic")
	assert.False(t, ok)
}
