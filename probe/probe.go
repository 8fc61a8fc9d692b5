// Package probe reads signal metrics for the active radio link.
package probe

import (
	"context"
	"errors"
	"time"

	"k8s.io/utils/clock"

	"github.com/hb9tf/meshsurvey/survey"
)

var (
	// ErrUnavailable is returned when no radio or no active link is attached.
	ErrUnavailable = errors.New("probe unavailable")
	// ErrBusy is returned when the probe is leased by another session.
	ErrBusy = errors.New("probe busy")
)

type Probe interface {
	Name() string
	ReadCurrent(ctx context.Context) (survey.SignalReading, error)
}

type targetKey struct{}

// WithTarget attaches the node being surveyed to ctx for probes that address
// a specific peer.
func WithTarget(ctx context.Context, targetNodeID int64) context.Context {
	return context.WithValue(ctx, targetKey{}, targetNodeID)
}

// TargetFrom returns the node attached with WithTarget.
func TargetFrom(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(targetKey{}).(int64)
	return id, ok
}

type Options struct {
	// Timeout bounds a single read. Zero means DefaultTimeout.
	Timeout time.Duration
}

const DefaultTimeout = 15 * time.Second

// Static always reports the same reading. Useful for bench setups without a radio.
type Static struct {
	RSSI int
	SNR  float64
	// Err, if set, is returned instead of a reading.
	Err   error
	Clock clock.PassiveClock
}

func (s *Static) Name() string {
	return "static"
}

func (s *Static) ReadCurrent(ctx context.Context) (survey.SignalReading, error) {
	if err := ctx.Err(); err != nil {
		return survey.SignalReading{}, err
	}
	if s.Err != nil {
		return survey.SignalReading{}, s.Err
	}
	clk := s.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	return survey.SignalReading{
		RSSI:   s.RSSI,
		SNR:    s.SNR,
		ReadAt: clk.Now(),
	}, nil
}
