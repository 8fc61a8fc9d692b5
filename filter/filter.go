package filter

import "github.com/hb9tf/meshsurvey/survey"

type Filterer interface {
	ShouldIgnore(*survey.LocationSample) bool
}

// ShouldIgnore reports whether any of the filters rejects the fix.
func ShouldIgnore(s *survey.LocationSample, filters []Filterer) bool {
	for _, f := range filters {
		if f.ShouldIgnore(s) {
			return true
		}
	}
	return false
}

// FilterBounds drops fixes with impossible coordinates. Receivers without a
// fix frequently report 0,0 which is dropped as well.
type FilterBounds struct{}

func (f *FilterBounds) ShouldIgnore(s *survey.LocationSample) bool {
	if s.Latitude < -90 || s.Latitude > 90 {
		return true
	}
	if s.Longitude < -180 || s.Longitude > 180 {
		return true
	}
	return s.Latitude == 0 && s.Longitude == 0
}

// FilterAccuracy drops fixes whose horizontal accuracy is worse than MaxMeters.
// A zero MaxMeters disables the filter.
type FilterAccuracy struct {
	MaxMeters float64
}

func (f *FilterAccuracy) ShouldIgnore(s *survey.LocationSample) bool {
	if f.MaxMeters <= 0 {
		return false
	}
	return s.AccuracyMeters < 0 || s.AccuracyMeters > f.MaxMeters
}
