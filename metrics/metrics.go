// Package metrics exports collection and channel counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "meshsurvey"

// Recorder is safe to use as a nil pointer, in which case nothing is recorded.
type Recorder struct {
	attempts  *prometheus.CounterVec
	latency   prometheus.Histogram
	missed    prometheus.Counter
	sessions  *prometheus.GaugeVec
	messages  *prometheus.CounterVec
	locations *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collection_attempts_total",
			Help:      "Collection attempts by outcome. Outcome is ok or the error kind.",
		}, []string{"mode", "outcome"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "collection_latency_seconds",
			Help:      "Time from starting a collection to its result.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		missed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "missed_intervals_total",
			Help:      "Continuous mode ticks skipped because a collection was still in flight.",
		}),
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Known sessions by connection status.",
		}, []string{"status"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_messages_total",
			Help:      "Websocket messages by direction and type.",
		}, []string{"direction", "type"}),
		locations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "location_samples_total",
			Help:      "Location samples received, by whether they were accepted.",
		}, []string{"result"}),
	}
	reg.MustRegister(r.attempts, r.latency, r.missed, r.sessions, r.messages, r.locations)
	return r
}

func (r *Recorder) Attempt(mode, outcome string, took time.Duration) {
	if r == nil {
		return
	}
	r.attempts.WithLabelValues(mode, outcome).Inc()
	r.latency.Observe(took.Seconds())
}

func (r *Recorder) MissedInterval() {
	if r == nil {
		return
	}
	r.missed.Inc()
}

func (r *Recorder) Sessions(connected, detached int) {
	if r == nil {
		return
	}
	r.sessions.WithLabelValues("connected").Set(float64(connected))
	r.sessions.WithLabelValues("detached").Set(float64(detached))
}

func (r *Recorder) Message(direction, typ string) {
	if r == nil {
		return
	}
	r.messages.WithLabelValues(direction, typ).Inc()
}

func (r *Recorder) Location(accepted bool) {
	if r == nil {
		return
	}
	result := "accepted"
	if !accepted {
		result = "filtered"
	}
	r.locations.WithLabelValues(result).Inc()
}
