// Package store persists measurements and session runs.
package store

import (
	"context"
	"time"

	"github.com/hb9tf/meshsurvey/survey"
)

// Store is append-only for measurements: nothing in this module updates or
// deletes a stored measurement.
type Store interface {
	InsertMeasurement(ctx context.Context, m *survey.Measurement) (int64, error)
	// QueryMeasurements returns all measurements of a session for a target,
	// ordered by timestamp ascending.
	QueryMeasurements(ctx context.Context, targetNodeID int64, sessionID string) ([]survey.Measurement, error)

	CreateSession(ctx context.Context, s *Session) error
	SetSessionTarget(ctx context.Context, sessionID string, targetNodeID int64) error
	EndSession(ctx context.Context, sessionID string, end time.Time) error
	// ListSessions returns sessions newest first. A zero targetNodeID lists all.
	ListSessions(ctx context.Context, targetNodeID int64) ([]Session, error)
}

// Session is one field survey run.
type Session struct {
	ID           string     `json:"id"`
	TargetNodeID int64      `json:"targetNodeId"`
	StartTime    time.Time  `json:"startTime"`
	EndTime      *time.Time `json:"endTime,omitempty"`
	Notes        string     `json:"notes,omitempty"`
}

func (s *Session) Active() bool {
	return s.EndTime == nil
}

// Timestamp normalises t to the resolution the stores keep (milliseconds, UTC).
func Timestamp(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli()).UTC()
}
