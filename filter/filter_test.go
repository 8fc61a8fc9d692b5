package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hb9tf/meshsurvey/survey"
)

func TestShouldIgnore(t *testing.T) {
	filters := []Filterer{
		&FilterBounds{},
		&FilterAccuracy{MaxMeters: 50},
	}

	tests := []struct {
		desc   string
		sample survey.LocationSample
		want   bool
	}{
		{
			desc:   "good fix",
			sample: survey.LocationSample{Latitude: 49.283, Longitude: -123.121, AccuracyMeters: 5},
		},
		{
			desc:   "null island",
			sample: survey.LocationSample{AccuracyMeters: 5},
			want:   true,
		},
		{
			desc:   "latitude out of range",
			sample: survey.LocationSample{Latitude: 91, Longitude: 8, AccuracyMeters: 5},
			want:   true,
		},
		{
			desc:   "longitude out of range",
			sample: survey.LocationSample{Latitude: 47, Longitude: -181, AccuracyMeters: 5},
			want:   true,
		},
		{
			desc:   "inaccurate",
			sample: survey.LocationSample{Latitude: 47, Longitude: 8, AccuracyMeters: 120},
			want:   true,
		},
		{
			// Only the last filter rejects, make sure earlier passes don't mask it.
			desc:   "accuracy checked after bounds pass",
			sample: survey.LocationSample{Latitude: 47, Longitude: 8, AccuracyMeters: 50.5},
			want:   true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.desc, func(t *testing.T) {
			assert.Equal(t, tc.want, ShouldIgnore(&tc.sample, filters))
		})
	}
}

func TestFilterAccuracyDisabled(t *testing.T) {
	f := &FilterAccuracy{}
	assert.False(t, f.ShouldIgnore(&survey.LocationSample{AccuracyMeters: 5000}))
}
