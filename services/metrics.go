package services

import "github.com/prometheus/client_golang/prometheus"

var (
	checkInsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "challenge_checkins_total",
			Help: "Check-in attempts by result (accepted/rejected)",
		},
		[]string{"result"},
	)
	challengeCreatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "challenge_creates_total",
			Help: "Challenges created",
		},
	)
	pendingFlushesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "challenge_pending_flushes_total",
			Help: "Offline write queues flushed to the remote store",
		},
	)
)

// RegisterMetrics registers the engine counters. Call this from main.go
func RegisterMetrics() {
	prometheus.MustRegister(checkInsTotal)
	prometheus.MustRegister(challengeCreatesTotal)
	prometheus.MustRegister(pendingFlushesTotal)
}
