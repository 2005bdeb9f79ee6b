package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	refreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finely_session_refresh_total",
			Help: "Access token refresh attempts by result.",
		},
		[]string{"result"},
	)

	refreshWaiters = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "finely_session_refresh_waiters",
			Help:    "Callers settled by one refresh.",
			Buckets: []float64{1, 2, 4, 8, 16, 32},
		},
	)

	logoutTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finely_session_logout_total",
			Help: "Transitions into the logged out state by reason.",
		},
		[]string{"reason"},
	)
)
