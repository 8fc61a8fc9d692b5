package store

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/hb9tf/meshsurvey/survey"
)

var csvHeader = []string{
	"ID",
	"TargetNodeID",
	"SessionID",
	"Latitude",
	"Longitude",
	"Altitude",
	"GPSAccuracy",
	"RSSI",
	"SNR",
	"TimestampUnixMilli",
}

// WriteCSV writes measurements as CSV, one row per measurement.
func WriteCSV(out io.Writer, measurements []survey.Measurement) error {
	w := csv.NewWriter(out)
	if err := w.Write(csvHeader); err != nil {
		return err
	}

	for _, m := range measurements {
		altitude := ""
		if m.Altitude != nil {
			altitude = strconv.FormatFloat(*m.Altitude, 'f', -1, 64)
		}
		if err := w.Write([]string{
			fmt.Sprintf("%d", m.ID),
			fmt.Sprintf("%d", m.TargetNodeID),
			m.SessionID,
			strconv.FormatFloat(m.Latitude, 'f', -1, 64),
			strconv.FormatFloat(m.Longitude, 'f', -1, 64),
			altitude,
			strconv.FormatFloat(m.GPSAccuracy, 'f', -1, 64),
			fmt.Sprintf("%d", m.RSSI),
			strconv.FormatFloat(m.SNR, 'f', -1, 64),
			fmt.Sprintf("%d", m.Timestamp.UnixMilli()),
		}); err != nil {
			return fmt.Errorf("error while writing CSV line: %w", err)
		}
	}

	w.Flush()
	return w.Error()
}
