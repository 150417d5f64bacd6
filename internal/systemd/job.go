package systemd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/looplab/fsm"

	apperrors "github.com/ngenohkevin/unitbus/internal/errors"
	"github.com/ngenohkevin/unitbus/internal/unitname"
)

// Job lifecycle states reported by JobHandle.State.
const (
	JobStateRequested = "requested"
	JobStatePending   = "pending"
	JobStateResolved  = "resolved"
	JobStateTimedOut  = "timed_out"
)

const (
	eventEnqueue = "enqueue"
	eventResolve = "resolve"
	eventTimeOut = "time_out"
	eventResume  = "resume"
)

func newJobFSM() *fsm.FSM {
	return fsm.NewFSM(
		JobStateRequested,
		fsm.Events{
			{Name: eventEnqueue, Src: []string{JobStateRequested}, Dst: JobStatePending},
			{Name: eventResume, Src: []string{JobStateTimedOut}, Dst: JobStatePending},
			{Name: eventTimeOut, Src: []string{JobStatePending}, Dst: JobStateTimedOut},
			{Name: eventResolve, Src: []string{JobStateRequested, JobStatePending, JobStateTimedOut, JobStateResolved}, Dst: JobStateResolved},
		},
		fsm.Callbacks{},
	)
}

// JobHandle identifies one job enqueued on the service manager. Handles share
// the client's connection; the client must outlive them.
type JobHandle struct {
	Unit string
	Path dbus.ObjectPath
	Kind JobKind

	client *Client
	// result carries the job result from the start call's listener. It is
	// nil for handles rebuilt with Client.Job.
	result <-chan string
	state  *fsm.FSM
}

func newJobHandle(c *Client, unit string, path dbus.ObjectPath, kind JobKind, result <-chan string) *JobHandle {
	return &JobHandle{
		Unit:   unit,
		Path:   path,
		Kind:   kind,
		client: c,
		result: result,
		state:  newJobFSM(),
	}
}

func (h *JobHandle) String() string {
	return fmt.Sprintf("%s @ %s", h.Unit, h.Path)
}

// State returns the handle's lifecycle state.
func (h *JobHandle) State() string {
	return h.state.Current()
}

func (h *JobHandle) transition(ctx context.Context, event string) {
	if err := h.state.Event(ctx, event); err != nil {
		var same fsm.NoTransitionError
		if !errors.As(err, &same) {
			h.client.log.Debugw("job state transition rejected", "job", h.Path, "event", event, "state", h.state.Current(), "error", err)
		}
	}
}

// Wait blocks until the job resolves or timeout elapses. A timeout is
// reported as a JobTimeout error and leaves the remote job running; every
// other end is a JobOutcome.
func (h *JobHandle) Wait(ctx context.Context, timeout time.Duration) (*JobOutcome, error) {
	if timeout <= 0 {
		return nil, apperrors.InvalidInput("timeout must be > 0")
	}
	c := h.client
	start := time.Now()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	// Completion signals: the start call's result channel when present,
	// otherwise an independent JobRemoved subscription. Without either the
	// wait degrades to polling.
	resultCh := h.result
	var removedCh <-chan JobRemoved
	if resultCh == nil {
		sub, err := c.bus.SubscribeJobRemoved(ctx)
		if err != nil {
			c.log.Debugw("JobRemoved subscription unavailable, polling only", "job", h.Path, "error", err)
		} else {
			defer sub.Close()
			removedCh = sub.C
		}
	}

	exists, err := c.jobExists(ctx, h.Path)
	if err != nil {
		return nil, err
	}
	if !exists {
		return h.resolve(ctx, nil, start)
	}
	if h.State() == JobStateTimedOut {
		h.transition(ctx, eventResume)
	} else {
		h.transition(ctx, eventEnqueue)
	}

	p := newPoller(c.opts.JobPollInitial, c.opts.JobPollMax, c.jitter(string(h.Path)))
	poll := time.NewTimer(p.Interval())
	defer poll.Stop()

	var jobResult *string
	for jobResult == nil {
		select {
		case <-deadline.C:
			return nil, h.timedOut(ctx, timeout, start)
		case <-ctx.Done():
			return nil, apperrors.IO("wait for job "+string(h.Path), ctx.Err())
		case <-poll.C:
			if expired(deadline) {
				return nil, h.timedOut(ctx, timeout, start)
			}
			exists, err := c.jobExists(ctx, h.Path)
			if err != nil {
				return nil, err
			}
			if !exists {
				return h.resolve(ctx, nil, start)
			}
			poll.Reset(p.Next())
		case res, ok := <-resultCh:
			if !ok {
				resultCh = nil
				continue
			}
			if expired(deadline) {
				return nil, h.timedOut(ctx, timeout, start)
			}
			jobResult = &res
		case ev, ok := <-removedCh:
			if !ok {
				c.log.Debugw("JobRemoved stream ended, polling only", "job", h.Path)
				removedCh = nil
				continue
			}
			if ev.Job != h.Path {
				continue
			}
			if expired(deadline) {
				return nil, h.timedOut(ctx, timeout, start)
			}
			res := ev.Result
			jobResult = &res
		}
	}

	return h.resolve(ctx, jobResult, start)
}

// expired reports whether the deadline fired while another case was being
// handled, so a timeout always preempts a late signal.
func expired(deadline *time.Timer) bool {
	select {
	case <-deadline.C:
		return true
	default:
		return false
	}
}

func (h *JobHandle) timedOut(ctx context.Context, timeout time.Duration, start time.Time) error {
	h.transition(ctx, eventTimeOut)
	jobOutcomesTotal.WithLabelValues(string(h.Kind), "timeout").Inc()
	jobWaitSeconds.WithLabelValues(string(h.Kind)).Observe(time.Since(start).Seconds())
	return apperrors.JobTimeout(h.Unit, timeout)
}

func (h *JobHandle) resolve(ctx context.Context, jobResult *string, start time.Time) (*JobOutcome, error) {
	status, err := h.client.Status(ctx, h.Unit)
	if err != nil {
		return nil, err
	}
	outcome := InferOutcome(h.Kind, *status, jobResult)

	h.transition(ctx, eventResolve)
	jobOutcomesTotal.WithLabelValues(string(h.Kind), string(outcome.Kind)).Inc()
	jobWaitSeconds.WithLabelValues(string(h.Kind)).Observe(time.Since(start).Seconds())

	h.client.log.Debugw("job resolved",
		"unit", h.Unit,
		"job", h.Path,
		"outcome", outcome.Kind,
		"job_result", deref(jobResult),
	)
	return &outcome, nil
}

// jobExists reports whether the job object is still present on the bus.
func (c *Client) jobExists(ctx context.Context, path dbus.ObjectPath) (bool, error) {
	_, err := c.bus.Properties(ctx, path, jobInterface)
	if err == nil {
		return true, nil
	}
	if name := dbusErrorName(err); strings.Contains(name, "UnknownObject") || strings.Contains(name, "NoSuchJob") {
		return false, nil
	}
	return false, err
}

// Start enqueues a start job for unit.
func (c *Client) Start(ctx context.Context, unit string, mode StartMode) (*JobHandle, error) {
	return c.enqueue(ctx, JobStart, unit, mode)
}

// Stop enqueues a stop job for unit.
func (c *Client) Stop(ctx context.Context, unit string, mode StartMode) (*JobHandle, error) {
	return c.enqueue(ctx, JobStop, unit, mode)
}

// Restart enqueues a restart job for unit.
func (c *Client) Restart(ctx context.Context, unit string, mode StartMode) (*JobHandle, error) {
	return c.enqueue(ctx, JobRestart, unit, mode)
}

// Reload enqueues a reload job for unit.
func (c *Client) Reload(ctx context.Context, unit string, mode StartMode) (*JobHandle, error) {
	return c.enqueue(ctx, JobReload, unit, mode)
}

// Enqueue dispatches on kind; it backs the HTTP and CLI action routes.
func (c *Client) Enqueue(ctx context.Context, kind JobKind, unit string, mode StartMode) (*JobHandle, error) {
	return c.enqueue(ctx, kind, unit, mode)
}

func (c *Client) enqueue(ctx context.Context, kind JobKind, unit string, mode StartMode) (*JobHandle, error) {
	if _, ok := ParseJobKind(string(kind)); !ok {
		return nil, apperrors.InvalidInput("unknown job kind %q", kind)
	}
	name, err := unitname.Canonicalize(unit)
	if err != nil {
		return nil, err
	}
	mode, err = ParseStartMode(string(mode))
	if err != nil {
		return nil, err
	}

	c.log.Infow("systemd unit request", "unit", name, "mode", mode, "action", kind)

	result := make(chan string, 1)
	path, err := c.bus.StartJob(ctx, kind, name, mode, result)
	if err != nil {
		return nil, err
	}
	return newJobHandle(c, name, path, kind, result), nil
}

// Job rebuilds a handle for a job enqueued elsewhere, for example by an
// earlier process. Its wait relies on JobRemoved signals and polling.
func (c *Client) Job(unit string, path string, kind JobKind) (*JobHandle, error) {
	if _, ok := ParseJobKind(string(kind)); !ok {
		return nil, apperrors.InvalidInput("unknown job kind %q", kind)
	}
	name, err := unitname.Canonicalize(unit)
	if err != nil {
		return nil, err
	}
	op := dbus.ObjectPath(path)
	if !op.IsValid() || !strings.HasPrefix(path, jobPathPrefix) || len(path) == len(jobPathPrefix) {
		return nil, apperrors.InvalidInput("invalid job path %q", path)
	}
	return newJobHandle(c, name, op, kind, nil), nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
