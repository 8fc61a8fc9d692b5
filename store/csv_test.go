package store

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hb9tf/meshsurvey/survey"
)

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	err := WriteCSV(&buf, []survey.Measurement{
		{ID: 1, TargetNodeID: 7, SessionID: "s", Latitude: 49.283, Longitude: -123.121, Altitude: survey.Float64(70), GPSAccuracy: 5, RSSI: -78, SNR: 12.5, Timestamp: time.UnixMilli(1748779203000)},
		{ID: 2, TargetNodeID: 7, SessionID: "s", Latitude: 49.284, Longitude: -123.122, GPSAccuracy: 4.5, RSSI: -90, SNR: -1.25, Timestamp: time.UnixMilli(1748779208000)},
	})
	require.NoError(t, err)

	want := "ID,TargetNodeID,SessionID,Latitude,Longitude,Altitude,GPSAccuracy,RSSI,SNR,TimestampUnixMilli\n" +
		"1,7,s,49.283,-123.121,70,5,-78,12.5,1748779203000\n" +
		"2,7,s,49.284,-123.122,,4.5,-90,-1.25,1748779208000\n"
	assert.Equal(t, want, buf.String())
}
