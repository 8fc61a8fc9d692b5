package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hb9tf/meshsurvey/survey"
)

type measurementKey struct {
	target  int64
	session string
}

// Memory keeps everything in process. Nothing survives a restart.
type Memory struct {
	mu           sync.Mutex
	nextID       int64
	measurements map[measurementKey][]survey.Measurement
	sessions     map[string]*Session
}

func NewMemory() *Memory {
	return &Memory{
		measurements: map[measurementKey][]survey.Measurement{},
		sessions:     map[string]*Session{},
	}
}

func (m *Memory) InsertMeasurement(ctx context.Context, measurement *survey.Measurement) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	stored := *measurement
	stored.ID = m.nextID
	stored.Timestamp = Timestamp(measurement.Timestamp)
	if measurement.Altitude != nil {
		stored.Altitude = survey.Float64(*measurement.Altitude)
	}
	key := measurementKey{target: measurement.TargetNodeID, session: measurement.SessionID}
	m.measurements[key] = append(m.measurements[key], stored)
	return stored.ID, nil
}

func (m *Memory) QueryMeasurements(ctx context.Context, targetNodeID int64, sessionID string) ([]survey.Measurement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := m.measurements[measurementKey{target: targetNodeID, session: sessionID}]
	out := make([]survey.Measurement, len(stored))
	copy(out, stored)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (m *Memory) CreateSession(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *s
	stored.StartTime = Timestamp(s.StartTime)
	m.sessions[s.ID] = &stored
	return nil
}

func (m *Memory) SetSessionTarget(ctx context.Context, sessionID string, targetNodeID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.TargetNodeID = targetNodeID
	}
	return nil
}

func (m *Memory) EndSession(ctx context.Context, sessionID string, end time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok && s.EndTime == nil {
		t := Timestamp(end)
		s.EndTime = &t
	}
	return nil
}

func (m *Memory) ListSessions(ctx context.Context, targetNodeID int64) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sessions []Session
	for _, s := range m.sessions {
		if targetNodeID != 0 && s.TargetNodeID != targetNodeID {
			continue
		}
		sessions = append(sessions, *s)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartTime.After(sessions[j].StartTime)
	})
	return sessions, nil
}
