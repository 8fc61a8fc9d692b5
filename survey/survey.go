// Package survey holds the data model shared by the field survey pipeline.
package survey

import (
	"time"
)

// LocationSample is a single fix reported by the operator's device.
type LocationSample struct {
	Latitude  float64
	Longitude float64
	// Altitude in meters, nil when the device does not report one.
	Altitude *float64
	// AccuracyMeters is the horizontal accuracy radius.
	AccuracyMeters float64
	CapturedAt     time.Time
}

// SignalReading is what the probe reports for the active link.
type SignalReading struct {
	RSSI   int     // dBm
	SNR    float64 // dB
	ReadAt time.Time
}

// Measurement is a persisted pairing of a location with a signal reading.
// It is never mutated once created.
type Measurement struct {
	ID           int64
	TargetNodeID int64
	SessionID    string

	Latitude    float64
	Longitude   float64
	Altitude    *float64
	GPSAccuracy float64

	RSSI int
	SNR  float64

	Timestamp time.Time
}

// Point is a single weighted point of a coverage surface.
type Point struct {
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
	Weight float64 `json:"weight"`
}

// Mode is the sampling mode of a session.
type Mode string

const (
	ModeManual     Mode = "manual"
	ModeContinuous Mode = "continuous"
)

// SessionState is a read-only snapshot of a session as owned by its controller.
type SessionState struct {
	SessionID        string          `json:"sessionId"`
	TargetNodeID     int64           `json:"targetNodeId,omitempty"`
	LatestLocation   *LocationSample `json:"-"`
	Mode             Mode            `json:"mode"`
	IntervalSeconds  float64         `json:"intervalSeconds,omitempty"`
	Connected        bool            `json:"connected"`
	State            string          `json:"state"`
	MeasurementCount int             `json:"count"`
	MissedIntervals  int             `json:"missed"`
}

// Float64 returns a pointer to v, handy for optional altitudes.
func Float64(v float64) *float64 {
	return &v
}
