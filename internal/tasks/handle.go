package tasks

import (
	"context"
	"time"

	apperrors "github.com/ngenohkevin/unitbus/internal/errors"
	"github.com/ngenohkevin/unitbus/internal/systemd"
)

// Handle identifies a started transient task.
type Handle struct {
	Unit    string `json:"unit"`
	JobPath string `json:"job_path"`

	job     *systemd.JobHandle
	timeout time.Duration
	started time.Time
}

// WaitGrace is how long Wait keeps waiting past the task timeout, so a task
// that systemd kills at TimeoutStartUSec reports its signal rather than a
// job timeout.
const WaitGrace = 5 * time.Second

// WaitTimeout is the bound Wait applies.
func (h *Handle) WaitTimeout() time.Duration {
	return h.timeout + WaitGrace
}

// Wait blocks until the task finishes or its timeout plus WaitGrace elapses.
// The result always carries the final unit status, whatever the job outcome
// was.
func (h *Handle) Wait(ctx context.Context) (*Result, error) {
	return h.WaitFor(ctx, h.WaitTimeout())
}

// WaitFor is Wait with an explicit timeout.
func (h *Handle) WaitFor(ctx context.Context, timeout time.Duration) (*Result, error) {
	if timeout <= 0 {
		return nil, apperrors.InvalidInput("timeout must be > 0")
	}
	outcome, err := h.job.Wait(ctx, timeout)
	if err != nil {
		if apperrors.IsKind(err, apperrors.KindJobTimeout) {
			tasksTotal.WithLabelValues("timeout").Inc()
		}
		return nil, err
	}

	exit, sig := DecodeExit(outcome.Status)
	res := &Result{
		Unit:       h.Unit,
		Status:     outcome.Status,
		ExitStatus: exit,
		Signal:     sig,
		StartedAt:  h.started,
		Duration:   time.Since(h.started),
	}
	switch {
	case exit != nil:
		tasksTotal.WithLabelValues("exited").Inc()
	case sig != nil:
		tasksTotal.WithLabelValues("signaled").Inc()
	default:
		tasksTotal.WithLabelValues("unknown").Inc()
	}
	return res, nil
}
