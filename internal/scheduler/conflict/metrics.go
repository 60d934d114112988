package conflict

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	checkDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scheduler_conflict_check_seconds",
		Help:    "Time spent deciding admissibility of a candidate booking.",
		Buckets: prometheus.DefBuckets,
	}, []string{"result"})

	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_admission_decisions_total",
		Help: "Total admission decisions grouped by outcome.",
	}, []string{"result"})
)
