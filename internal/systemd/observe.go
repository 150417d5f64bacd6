package systemd

import (
	"context"
	"io"
	"time"

	apperrors "github.com/ngenohkevin/unitbus/internal/errors"
	"github.com/ngenohkevin/unitbus/internal/unitname"
)

// ObserveOptions configures a failure watch.
type ObserveOptions struct {
	// IncludeDiagnosis attaches a diagnosis snapshot to every event.
	IncludeDiagnosis bool
	Diagnosis        DiagnosisOptions
}

// DefaultObserveOptions returns options that include a diagnosis.
func DefaultObserveOptions() ObserveOptions {
	return ObserveOptions{
		IncludeDiagnosis: true,
		Diagnosis:        DefaultDiagnosisOptions(),
	}
}

// FailureEvent is emitted when a watched unit enters the failed state.
// A diagnosis failure does not drop the event; it is reported in
// DiagnosisError instead.
type FailureEvent struct {
	Unit           string     `json:"unit"`
	ObservedAt     time.Time  `json:"observed_at"`
	Status         UnitStatus `json:"status"`
	Diagnosis      *Diagnosis `json:"diagnosis,omitempty"`
	DiagnosisError string     `json:"diagnosis_error,omitempty"`
}

// FailureWatcher yields FailureEvents for one unit. It is driven by calling
// Next in a loop and must be closed.
type FailureWatcher struct {
	Unit string

	client *Client
	opts   ObserveOptions
	sub    *Subscription[PropertiesChanged]
}

// WatchUnitFailure subscribes to property changes of unit. It never starts
// or stops the unit; the unit must be loaded.
func (c *Client) WatchUnitFailure(ctx context.Context, unit string, opts ObserveOptions) (*FailureWatcher, error) {
	name, err := unitname.Canonicalize(unit)
	if err != nil {
		return nil, err
	}
	path, err := c.bus.UnitPath(ctx, name)
	if err != nil {
		return nil, err
	}
	sub, err := c.bus.SubscribeUnitChanges(ctx, path)
	if err != nil {
		return nil, err
	}
	c.log.Infow("watching unit for failures", "unit", name, "path", path)
	return &FailureWatcher{
		Unit:   name,
		client: c,
		opts:   opts,
		sub:    sub,
	}, nil
}

// Next blocks until the unit fails and returns the event. It returns io.EOF
// once the signal stream has ended.
func (w *FailureWatcher) Next(ctx context.Context) (*FailureEvent, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, apperrors.IO("watch "+w.Unit, ctx.Err())
		case ev, ok := <-w.sub.C:
			if !ok {
				return nil, io.EOF
			}
			if !isFailedTransition(ev) {
				continue
			}
			return w.event(ctx)
		}
	}
}

func isFailedTransition(ev PropertiesChanged) bool {
	if ev.Interface != unitInterface {
		return false
	}
	return ev.Changed.String("ActiveState") == string(ActiveStateFailed)
}

func (w *FailureWatcher) event(ctx context.Context) (*FailureEvent, error) {
	c := w.client
	status, err := c.Status(ctx, w.Unit)
	if err != nil {
		return nil, err
	}
	failureEventsTotal.WithLabelValues(w.Unit).Inc()

	ev := &FailureEvent{
		Unit:       w.Unit,
		ObservedAt: time.Now(),
		Status:     *status,
	}
	if w.opts.IncludeDiagnosis {
		d, err := c.Diagnose(ctx, w.Unit, w.opts.Diagnosis)
		if err != nil {
			ev.DiagnosisError = err.Error()
		} else {
			ev.Diagnosis = d
		}
	}
	c.log.Warnw("unit failed", "unit", w.Unit, "result", deref(status.Result), "diagnosis_error", ev.DiagnosisError)
	return ev, nil
}

// Close removes the signal match and releases its connection.
func (w *FailureWatcher) Close() {
	w.sub.Close()
}
