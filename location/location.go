// Package location produces the operator's position fixes.
package location

import (
	"context"
	"errors"
	"io"

	"github.com/hb9tf/meshsurvey/survey"
)

var (
	ErrPermission  = errors.New("location permission denied")
	ErrUnavailable = errors.New("location unavailable")
)

// Source is a lazy sequence of fixes. Next blocks until the sensor produces
// the next fix. A source that returned io.EOF may be restarted by the caller.
type Source interface {
	Next(ctx context.Context) (survey.LocationSample, error)
}

// Scripted replays a fixed list of samples and then returns Err, or io.EOF.
type Scripted struct {
	Samples []survey.LocationSample
	Err     error

	pos int
}

func (s *Scripted) Next(ctx context.Context) (survey.LocationSample, error) {
	if err := ctx.Err(); err != nil {
		return survey.LocationSample{}, err
	}
	if s.pos >= len(s.Samples) {
		if s.Err != nil {
			return survey.LocationSample{}, s.Err
		}
		return survey.LocationSample{}, io.EOF
	}
	sample := s.Samples[s.pos]
	s.pos++
	return sample, nil
}
