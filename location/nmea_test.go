package location

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

const nmeaLog = `$GPGSV,3,1,11,03,03,111,00,04,15,270,00,06,01,010,00,13,06,292,00*74
$GPGGA,123519,4807.038,N,01131.000,E,0,08,0.9,545.4,M,46.9,M,,*46
this is not nmea
$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47
$GPGGA,123520,4916.980,N,12307.260,W,1,09,1.0,70.0,M,-17.0,M,,*00
$GPGGA,123520,4916.980,N,12307.260,W,1,09,1.0,70.0,M,-17.0,M,,*4B
`

func TestNMEANext(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	src := NewNMEA(strings.NewReader(nmeaLog))
	src.Clock = testingclock.NewFakePassiveClock(now)
	ctx := context.Background()

	first, err := src.Next(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 48.1173, first.Latitude, 1e-4)
	assert.InDelta(t, 11.516666, first.Longitude, 1e-4)
	require.NotNil(t, first.Altitude)
	assert.InDelta(t, 545.4, *first.Altitude, 1e-9)
	assert.InDelta(t, 0.9*DefaultUERE, first.AccuracyMeters, 1e-9)
	assert.Equal(t, now, first.CapturedAt)

	// The sentence with a bad checksum is skipped.
	second, err := src.Next(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 49.283, second.Latitude, 1e-4)
	assert.InDelta(t, -123.121, second.Longitude, 1e-4)
	assert.InDelta(t, 5.0, second.AccuracyMeters, 1e-9)

	_, err = src.Next(ctx)
	assert.Equal(t, io.EOF, err)
}

type nopCloser struct {
	io.Reader
	closed bool
}

func (n *nopCloser) Close() error {
	n.closed = true
	return nil
}

func TestReopenRestartsAfterEOF(t *testing.T) {
	opened := 0
	var last *nopCloser
	r := &Reopen{
		Open: func() (io.ReadCloser, error) {
			opened++
			last = &nopCloser{Reader: strings.NewReader("$GPGGA,123520,4916.980,N,12307.260,W,1,09,1.0,70.0,M,-17.0,M,,*4B\n")}
			return last, nil
		},
	}
	ctx := context.Background()

	_, err := r.Next(ctx)
	require.NoError(t, err)
	_, err = r.Next(ctx)
	assert.Equal(t, io.EOF, err)
	assert.True(t, last.closed)

	sample, err := r.Next(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 49.283, sample.Latitude, 1e-4)
	assert.Equal(t, 2, opened)
	require.NoError(t, r.Close())
}

func TestReopenClassifiesOpenErrors(t *testing.T) {
	r := &Reopen{Open: func() (io.ReadCloser, error) {
		return nil, &fs.PathError{Op: "open", Path: "/dev/ttyACM0", Err: fs.ErrPermission}
	}}
	_, err := r.Next(context.Background())
	assert.True(t, errors.Is(err, ErrPermission))

	r = &Reopen{Open: func() (io.ReadCloser, error) {
		return nil, &fs.PathError{Op: "open", Path: "/dev/ttyACM0", Err: fs.ErrNotExist}
	}}
	_, err = r.Next(context.Background())
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestScripted(t *testing.T) {
	s := &Scripted{Err: ErrPermission}
	_, err := s.Next(context.Background())
	assert.True(t, errors.Is(err, ErrPermission))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = (&Scripted{}).Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
