// Package channel carries the session protocol between the surveyor and the
// server over a single websocket per session.
package channel

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/hb9tf/meshsurvey/collection"
	"github.com/hb9tf/meshsurvey/survey"
)

// Inbound message types.
const (
	TypeLocation        = "location"
	TypeCollect         = "collect"
	TypeStartContinuous = "start-continuous"
	TypeStopContinuous  = "stop-continuous"
	TypeTarget          = "target"
)

// Outbound message types.
const (
	TypeHello        = "hello"
	TypeAck          = "ack"
	TypeResult       = "result"
	TypePoint        = "point"
	TypeDisconnected = "disconnected"
)

// ErrDisconnected is returned by client operations once the channel is gone.
var ErrDisconnected = errors.New("channel disconnected")

// Message is the single JSON envelope used in both directions. Fields not
// relevant to a type are omitted.
type Message struct {
	Type string `json:"type"`
	// Seq numbers outbound messages per connection, starting at 1.
	Seq       uint64 `json:"seq,omitempty"`
	RequestID string `json:"requestId,omitempty"`

	// location
	Lat        *float64   `json:"lat,omitempty"`
	Lon        *float64   `json:"lon,omitempty"`
	Altitude   *float64   `json:"altitude,omitempty"`
	Accuracy   *float64   `json:"accuracy,omitempty"`
	CapturedAt *time.Time `json:"capturedAt,omitempty"`

	// commands
	IntervalSeconds float64 `json:"intervalSeconds,omitempty"`
	TargetNodeID    int64   `json:"targetNodeId,omitempty"`

	// hello, ack and results
	SessionID string   `json:"sessionId,omitempty"`
	State     string   `json:"state,omitempty"`
	Mode      string   `json:"mode,omitempty"`
	OK        *bool    `json:"ok,omitempty"`
	Count     *int     `json:"count,omitempty"`
	Missed    int      `json:"missed,omitempty"`
	RSSI      *int     `json:"rssi,omitempty"`
	SNR       *float64 `json:"snr,omitempty"`
	ErrorKind string   `json:"errorKind,omitempty"`
	Message   string   `json:"message,omitempty"`

	// point
	Weight *float64 `json:"weight,omitempty"`
}

func LocationMessage(s survey.LocationSample) Message {
	m := Message{
		Type:     TypeLocation,
		Lat:      &s.Latitude,
		Lon:      &s.Longitude,
		Altitude: s.Altitude,
		Accuracy: &s.AccuracyMeters,
	}
	if !s.CapturedAt.IsZero() {
		m.CapturedAt = &s.CapturedAt
	}
	return m
}

// Location decodes a location message.
func (m *Message) Location() (survey.LocationSample, error) {
	if m.Type != TypeLocation {
		return survey.LocationSample{}, fmt.Errorf("not a location message: %q", m.Type)
	}
	if m.Lat == nil || m.Lon == nil {
		return survey.LocationSample{}, fmt.Errorf("location without lat/lon")
	}
	s := survey.LocationSample{
		Latitude:  *m.Lat,
		Longitude: *m.Lon,
		Altitude:  m.Altitude,
	}
	if m.Accuracy != nil {
		s.AccuracyMeters = *m.Accuracy
	}
	if m.CapturedAt != nil {
		s.CapturedAt = *m.CapturedAt
	}
	return s, nil
}

// maxIntervalSeconds is the longest interval a time.Duration can hold.
const maxIntervalSeconds = math.MaxInt64 / float64(time.Second)

// Interval decodes the interval of a start-continuous message.
func (m *Message) Interval() (time.Duration, error) {
	if math.IsNaN(m.IntervalSeconds) || math.Abs(m.IntervalSeconds) >= maxIntervalSeconds {
		return 0, fmt.Errorf("interval of %g seconds is out of range, the maximum is %.0f", m.IntervalSeconds, maxIntervalSeconds)
	}
	return time.Duration(m.IntervalSeconds * float64(time.Second)), nil
}

// Err returns the error carried by a failed result, if any.
func (m *Message) Err() error {
	if m.OK == nil || *m.OK {
		return nil
	}
	return &survey.Error{Kind: survey.Kind(m.ErrorKind), Message: m.Message}
}

func failure(requestID string, err error) Message {
	ok := false
	return Message{
		Type:      TypeResult,
		RequestID: requestID,
		OK:        &ok,
		ErrorKind: string(survey.KindOf(err)),
		Message:   survey.Message(err),
	}
}

// fromEvent maps a controller event to its outbound messages. An accepted
// measurement is followed by the point it added to the surface.
func fromEvent(sessionID string, e collection.Event) []Message {
	switch e.Type {
	case collection.EventHello:
		count := e.Count
		return []Message{{Type: TypeHello, SessionID: sessionID, State: e.State, Count: &count, Missed: e.Missed}}
	case collection.EventAck:
		return []Message{{Type: TypeAck, RequestID: e.RequestID, State: e.State}}
	}

	if !e.OK() {
		m := failure(e.RequestID, e.Err)
		m.State = e.State
		m.Mode = string(e.Mode)
		count := e.Count
		m.Count = &count
		m.Missed = e.Missed
		return []Message{m}
	}

	ok := true
	count := e.Count
	m := Message{
		Type:      TypeResult,
		RequestID: e.RequestID,
		State:     e.State,
		Mode:      string(e.Mode),
		OK:        &ok,
		Count:     &count,
		Missed:    e.Missed,
	}
	if e.Measurement != nil {
		rssi, snr := e.Measurement.RSSI, e.Measurement.SNR
		m.RSSI, m.SNR = &rssi, &snr
	}
	msgs := []Message{m}
	if e.Point != nil && e.Measurement != nil {
		lat, lon, weight := e.Point.Lat, e.Point.Lon, e.Point.Weight
		msgs = append(msgs, Message{
			Type:         TypePoint,
			SessionID:    sessionID,
			TargetNodeID: e.Measurement.TargetNodeID,
			Lat:          &lat,
			Lon:          &lon,
			Weight:       &weight,
		})
	}
	return msgs
}
