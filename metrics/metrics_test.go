package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.Attempt("manual", "ok", 120*time.Millisecond)
	r.Attempt("continuous", "ok", 80*time.Millisecond)
	r.Attempt("manual", "NoFreshLocation", 0)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.attempts.WithLabelValues("manual", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.attempts.WithLabelValues("manual", "NoFreshLocation")))
	assert.Equal(t, 1, testutil.CollectAndCount(r.latency))

	r.MissedInterval()
	r.MissedInterval()
	assert.Equal(t, 2.0, testutil.ToFloat64(r.missed))

	r.Sessions(3, 1)
	assert.Equal(t, 3.0, testutil.ToFloat64(r.sessions.WithLabelValues("connected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.sessions.WithLabelValues("detached")))

	r.Message("in", "collect")
	r.Location(true)
	r.Location(false)
	r.Location(false)
	assert.Equal(t, 2.0, testutil.ToFloat64(r.locations.WithLabelValues("filtered")))

	n, err := testutil.GatherAndCount(reg)
	assert.NoError(t, err)
	assert.Positive(t, n)
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.Attempt("manual", "ok", time.Second)
		r.MissedInterval()
		r.Sessions(1, 1)
		r.Message("out", "result")
		r.Location(true)
	})
}
