package main

/*
This application renders the coverage surface of a survey session into an
image, e.g. to attach it to a report.

It currently only supports data collected into sqlite.
*/

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"

	"github.com/golang/glog"

	"github.com/hb9tf/meshsurvey/coverage"
	"github.com/hb9tf/meshsurvey/heatmap"
	"github.com/hb9tf/meshsurvey/store"

	// Blind import support for sqlite3 used by the store.
	_ "github.com/mattn/go-sqlite3"
)

// Flags
var (
	sqliteFile = flag.String("sqliteFile", "/tmp/meshsurvey.db", "File path of the sqlite DB file to use.")
	target     = flag.Int64("target", 0, "Node the session surveyed.")
	session    = flag.String("session", "", "Session to render.")
	minRSSI    = flag.Int("minRSSI", coverage.DefaultRange.MinRSSI, "RSSI in dBm mapped to the coldest color.")
	maxRSSI    = flag.Int("maxRSSI", coverage.DefaultRange.MaxRSSI, "RSSI in dBm mapped to the warmest color.")
	imgPath    = flag.String("imgPath", "/tmp/coverage.png", "Path where the rendered image should be written to.")
	imgWidth   = flag.Int("imgWidth", 640, "Width of the map area in pixels.")
	imgHeight  = flag.Int("imgHeight", 480, "Height of the map area in pixels.")
	radius     = flag.Int("radius", 4, "Radius in pixels of the disc drawn for every measurement.")
	addGrid    = flag.Bool("grid", true, "Draw latitude and longitude labels around the map.")
	addLegend  = flag.Bool("legend", true, "Draw the color legend.")
)

func main() {
	// Set defaults for glog flags. Can be overridden via cmdline.
	flag.Set("logtostderr", "false")
	flag.Set("stderrthreshold", "WARNING")
	flag.Set("v", "1")
	// Parse flags globally.
	flag.Parse()
	defer glog.Flush()
	ctx := context.Background()

	if *target <= 0 || *session == "" {
		glog.Exitf("both -target and -session are required")
	}
	rng := coverage.Range{MinRSSI: *minRSSI, MaxRSSI: *maxRSSI}
	if err := rng.Validate(); err != nil {
		glog.Exitf("invalid RSSI range: %s", err)
	}

	db, err := sql.Open(store.SQLite.Name, *sqliteFile)
	if err != nil {
		glog.Exitf("unable to open sqlite DB %q: %s", *sqliteFile, err)
	}
	defer db.Close()
	s, err := store.NewSQL(ctx, db, store.SQLite)
	if err != nil {
		glog.Exitf("unable to open store in %q: %s", *sqliteFile, err)
	}
	measurements, err := s.QueryMeasurements(ctx, *target, *session)
	if err != nil {
		glog.Exitf("unable to query measurements: %s", err)
	}
	if len(measurements) == 0 {
		glog.Exitf("no measurements for node %d in session %s", *target, *session)
	}

	res, err := heatmap.Render(&heatmap.RenderRequest{
		Points: rng.Build(measurements),
		Range:  rng,
		Image: &heatmap.ImageOptions{
			Width:     *imgWidth,
			Height:    *imgHeight,
			Radius:    *radius,
			AddGrid:   *addGrid,
			AddLegend: *addLegend,
		},
	})
	if err != nil {
		glog.Exitf("unable to render: %s", err)
	}

	first, last := measurements[0].Timestamp, measurements[len(measurements)-1].Timestamp
	md := res.Metadata
	fmt.Println("Selected session metadata:")
	fmt.Printf("  - Measurements: %d\n", md.Points)
	fmt.Printf("  - Latitude: %.6f to %.6f\n", md.Bounds.MinLat, md.Bounds.MaxLat)
	fmt.Printf("  - Longitude: %.6f to %.6f\n", md.Bounds.MinLon, md.Bounds.MaxLon)
	fmt.Printf("  - Start time: %s\n", first.Format("2006-01-02T15:04:05"))
	fmt.Printf("  - Duration: %s\n", last.Sub(first))
	fmt.Printf("Rendering image (%d x %d)\n", *imgWidth, *imgHeight)

	fmt.Printf("Writing image to %q\n", *imgPath)
	f, err := os.Create(*imgPath)
	if err != nil {
		glog.Exitf("unable to create %q: %s", *imgPath, err)
	}
	defer f.Close()
	if err := heatmap.Encode(f, res.Image, *imgPath); err != nil {
		glog.Exitf("unable to encode image: %s", err)
	}
}
