package location

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"sync"

	"github.com/adrianmo/go-nmea"
	"github.com/golang/glog"
	"k8s.io/utils/clock"

	"github.com/hb9tf/meshsurvey/survey"
)

// DefaultUERE is the user equivalent range error in meters used to turn an
// HDOP value into a horizontal accuracy estimate.
const DefaultUERE = 5.0

// NMEA reads fixes from an NMEA 0183 stream such as a serial GPS receiver,
// the output of `gpspipe -r` or a recorded log. Only GGA sentences with a
// valid fix are turned into samples.
type NMEA struct {
	UERE  float64
	Clock clock.PassiveClock

	scanner *bufio.Scanner
}

func NewNMEA(r io.Reader) *NMEA {
	return &NMEA{
		UERE:    DefaultUERE,
		Clock:   clock.RealClock{},
		scanner: bufio.NewScanner(r),
	}
}

func (n *NMEA) Next(ctx context.Context) (survey.LocationSample, error) {
	for n.scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return survey.LocationSample{}, err
		}
		sample, ok, err := n.scanRow(n.scanner.Text())
		if err != nil {
			glog.V(2).Infof("skipping NMEA line: %s", err)
			continue
		}
		if ok {
			return sample, nil
		}
	}
	if err := n.scanner.Err(); err != nil {
		return survey.LocationSample{}, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	return survey.LocationSample{}, io.EOF
}

func (n *NMEA) scanRow(line string) (survey.LocationSample, bool, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return survey.LocationSample{}, false, nil
	}
	s, err := nmea.Parse(line)
	if err != nil {
		return survey.LocationSample{}, false, err
	}
	if s.DataType() != nmea.TypeGGA {
		return survey.LocationSample{}, false, nil
	}
	gga := s.(nmea.GGA)
	if gga.FixQuality == nmea.Invalid {
		return survey.LocationSample{}, false, nil
	}
	uere := n.UERE
	if uere <= 0 {
		uere = DefaultUERE
	}
	return survey.LocationSample{
		Latitude:       gga.Latitude,
		Longitude:      gga.Longitude,
		Altitude:       survey.Float64(gga.Altitude),
		AccuracyMeters: gga.HDOP * uere,
		CapturedAt:     n.Clock.Now(),
	}, true, nil
}

// Reopen makes a stream backed source restartable: when the underlying
// stream ends or fails it is closed and reopened on the next call.
type Reopen struct {
	Open func() (io.ReadCloser, error)
	UERE float64

	mu  sync.Mutex
	rc  io.ReadCloser
	src *NMEA
}

func (r *Reopen) Next(ctx context.Context) (survey.LocationSample, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.src == nil {
		rc, err := r.Open()
		switch {
		case errors.Is(err, fs.ErrPermission):
			return survey.LocationSample{}, fmt.Errorf("%w: %s", ErrPermission, err)
		case err != nil:
			return survey.LocationSample{}, fmt.Errorf("%w: %s", ErrUnavailable, err)
		}
		r.rc = rc
		r.src = NewNMEA(rc)
		if r.UERE > 0 {
			r.src.UERE = r.UERE
		}
	}

	sample, err := r.src.Next(ctx)
	if err != nil && ctx.Err() == nil {
		r.rc.Close()
		r.rc, r.src = nil, nil
	}
	return sample, err
}

func (r *Reopen) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rc == nil {
		return nil
	}
	err := r.rc.Close()
	r.rc, r.src = nil, nil
	return err
}
