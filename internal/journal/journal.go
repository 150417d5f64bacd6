// Package journal runs bounded, cancellable queries against the systemd
// journal. Two backends share one collector: journalctl JSON output and the
// native sdjournal reader.
package journal

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	apperrors "github.com/ngenohkevin/unitbus/internal/errors"
)

// Backend kinds accepted by New.
const (
	KindCLI    = "cli"
	KindNative = "sdjournal"
)

var (
	queriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unitbus_journal_queries_total",
			Help: "Total number of journal queries by backend and result",
		},
		[]string{"backend", "result"},
	)

	entriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unitbus_journal_entries_total",
			Help: "Total number of journal entries returned",
		},
		[]string{"backend"},
	)

	queryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "unitbus_journal_query_duration_seconds",
			Help:    "Journal query latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)
)

// New returns the backend selected by kind, instrumented with metrics.
func New(kind string, timeout time.Duration) (Backend, error) {
	switch kind {
	case "", KindCLI:
		return Instrument(NewCLIBackend(timeout)), nil
	case KindNative:
		return Instrument(NewNativeBackend(timeout)), nil
	default:
		return nil, apperrors.InvalidInput("unknown journal backend %q", kind)
	}
}

// Instrument wraps a backend with Prometheus counters.
func Instrument(b Backend) Backend {
	if _, ok := b.(*instrumented); ok {
		return b
	}
	return &instrumented{Backend: b}
}

type instrumented struct {
	Backend
}

func (i *instrumented) Query(ctx context.Context, filter Filter) (*Result, error) {
	start := time.Now()
	res, err := i.Backend.Query(ctx, filter)
	queryDuration.WithLabelValues(i.Name()).Observe(time.Since(start).Seconds())

	switch {
	case err != nil:
		kind := string(apperrors.KindOf(err))
		if kind == "" {
			kind = "error"
		}
		queriesTotal.WithLabelValues(i.Name(), kind).Inc()
	case res.Truncated:
		queriesTotal.WithLabelValues(i.Name(), "truncated").Inc()
	default:
		queriesTotal.WithLabelValues(i.Name(), "ok").Inc()
	}
	if res != nil {
		entriesTotal.WithLabelValues(i.Name()).Add(float64(len(res.Entries)))
	}
	return res, err
}
