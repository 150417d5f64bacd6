package systemd

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unitbus_job_outcomes_total",
			Help: "Total number of job waits by job kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	jobWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "unitbus_job_wait_seconds",
			Help:    "Time spent waiting for jobs to resolve",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"kind"},
	)

	failureEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unitbus_failure_events_total",
			Help: "Total number of unit failure transitions observed",
		},
		[]string{"unit"},
	)
)
