// Package metrics provides Prometheus instrumentation for the shake matcher.
// It exposes counters for shake signals, matches, lost pairing races and
// failed side effects, and a histogram for request latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ShakesTotal counts shake signals by result: "matched", "active",
	// "rejected" or "error".
	ShakesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shake_signals_total",
		Help: "Total number of shake signals processed",
	}, []string{"result"})

	// MatchesTotal counts committed pairs.
	MatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shake_matches_total",
		Help: "Total number of committed shake matches",
	})

	// RaceLostTotal counts pair claims that lost to a concurrent matcher.
	RaceLostTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shake_race_lost_total",
		Help: "Pair claims rejected because a session was taken concurrently",
	})

	// SideEffectFailures counts failed collaborator calls, labeled by kind:
	// "meeting", "points" or "notify".
	SideEffectFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shake_side_effect_failures_total",
		Help: "Failed side effects dispatched for matches",
	}, []string{"kind"})

	// SessionsExpired counts sessions retired by the expiry reaper.
	SessionsExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shake_sessions_expired_total",
		Help: "Shake sessions transitioned to expired by the reaper",
	})

	// ShakeLatency records how long a shake signal takes to process.
	ShakeLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "shake_latency_seconds",
		Help:    "Shake signal processing latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})
)

func init() {
	prometheus.MustRegister(
		ShakesTotal,
		MatchesTotal,
		RaceLostTotal,
		SideEffectFailures,
		SessionsExpired,
		ShakeLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
