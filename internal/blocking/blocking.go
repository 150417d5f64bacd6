// Package blocking drives the context-based systemd client to completion for
// callers that have no context of their own, such as the CLI.
package blocking

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/ngenohkevin/unitbus/internal/errors"
	"github.com/ngenohkevin/unitbus/internal/journal"
	"github.com/ngenohkevin/unitbus/internal/logger"
	"github.com/ngenohkevin/unitbus/internal/systemd"
	"github.com/ngenohkevin/unitbus/internal/tasks"
	"github.com/ngenohkevin/unitbus/internal/unitfile"
)

// DefaultJobTimeout bounds Job.Wait when no timeout is given.
const DefaultJobTimeout = 30 * time.Second

// Options configures the deadlines applied to every call.
type Options struct {
	// CallTimeout bounds calls that enqueue nothing. Zero uses the client's
	// call timeout.
	CallTimeout time.Duration
	// JobTimeout is the default wait for unit jobs.
	JobTimeout time.Duration
}

// Blocking runs one call at a time. While a failure watch owns the driver,
// any other call fails fast instead of waiting for the watch to end.
type Blocking struct {
	client *systemd.Client
	runner *tasks.Runner
	opts   Options
	log    *zap.SugaredLogger

	mu       sync.Mutex
	cond     *sync.Cond
	busy     bool
	watching bool
}

// New wraps client and runner. runner may be nil when tasks are not used.
func New(client *systemd.Client, runner *tasks.Runner, opts Options) *Blocking {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = client.Options().CallTimeout
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = DefaultJobTimeout
	}
	b := &Blocking{
		client: client,
		runner: runner,
		opts:   opts,
		log:    logger.For("blocking"),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func errReentered() error {
	return apperrors.InvalidInput("blocking call re-entered while a watch owns the driver")
}

// enter claims the driver. It waits for a running call but never for a watch.
func (b *Blocking) enter() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if b.watching {
			return errReentered()
		}
		if !b.busy {
			b.busy = true
			return nil
		}
		b.cond.Wait()
	}
}

func (b *Blocking) leave() {
	b.mu.Lock()
	b.busy = false
	b.watching = false
	b.mu.Unlock()
	b.cond.Broadcast()
}

// Watching reports whether a failure watch currently owns the driver.
func (b *Blocking) Watching() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.watching
}

// do runs fn under the driver with a fresh deadline. A non-positive timeout
// leaves the deadline to fn.
func do[T any](b *Blocking, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if err := b.enter(); err != nil {
		var zero T
		return zero, err
	}
	defer b.leave()

	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return fn(ctx)
}

func (b *Blocking) journalTimeout() time.Duration {
	return b.client.Options().JournalTimeout + b.opts.CallTimeout
}

// Client returns the wrapped client.
func (b *Blocking) Client() *systemd.Client {
	return b.client
}

// Capabilities probes what the current credentials allow.
func (b *Blocking) Capabilities() (systemd.Capabilities, error) {
	return do(b, b.opts.CallTimeout, func(ctx context.Context) (systemd.Capabilities, error) {
		return b.client.Capabilities(ctx), nil
	})
}

// Status reads the status of unit.
func (b *Blocking) Status(unit string) (*systemd.UnitStatus, error) {
	return do(b, b.opts.CallTimeout, func(ctx context.Context) (*systemd.UnitStatus, error) {
		return b.client.Status(ctx, unit)
	})
}

// Properties reads the raw properties of iface on unit.
func (b *Blocking) Properties(unit, iface string) (systemd.Properties, error) {
	return do(b, b.opts.CallTimeout, func(ctx context.Context) (systemd.Properties, error) {
		return b.client.Properties(ctx, unit, iface)
	})
}

// PropertiesByPath reads the raw properties of iface on a unit object path.
func (b *Blocking) PropertiesByPath(unitPath, iface string) (systemd.Properties, error) {
	return do(b, b.opts.CallTimeout, func(ctx context.Context) (systemd.Properties, error) {
		return b.client.PropertiesByPath(ctx, unitPath, iface)
	})
}

// Start enqueues a start job for unit.
func (b *Blocking) Start(unit string, mode systemd.StartMode) (*Job, error) {
	return b.enqueue(systemd.JobStart, unit, mode)
}

// Stop enqueues a stop job for unit.
func (b *Blocking) Stop(unit string, mode systemd.StartMode) (*Job, error) {
	return b.enqueue(systemd.JobStop, unit, mode)
}

// Restart enqueues a restart job for unit.
func (b *Blocking) Restart(unit string, mode systemd.StartMode) (*Job, error) {
	return b.enqueue(systemd.JobRestart, unit, mode)
}

// Reload enqueues a reload job for unit.
func (b *Blocking) Reload(unit string, mode systemd.StartMode) (*Job, error) {
	return b.enqueue(systemd.JobReload, unit, mode)
}

// Enqueue enqueues a job of the given kind.
func (b *Blocking) Enqueue(kind systemd.JobKind, unit string, mode systemd.StartMode) (*Job, error) {
	return b.enqueue(kind, unit, mode)
}

func (b *Blocking) enqueue(kind systemd.JobKind, unit string, mode systemd.StartMode) (*Job, error) {
	h, err := do(b, b.opts.CallTimeout, func(ctx context.Context) (*systemd.JobHandle, error) {
		return b.client.Enqueue(ctx, kind, unit, mode)
	})
	if err != nil {
		return nil, err
	}
	return &Job{b: b, handle: h}, nil
}

// ListUnits lists every loaded unit.
func (b *Blocking) ListUnits() ([]systemd.UnitListEntry, error) {
	return do(b, b.opts.CallTimeout, b.client.ListUnits)
}

// ListUnitsFiltered lists units in any of states.
func (b *Blocking) ListUnitsFiltered(states []string) ([]systemd.UnitListEntry, error) {
	return do(b, b.opts.CallTimeout, func(ctx context.Context) ([]systemd.UnitListEntry, error) {
		return b.client.ListUnitsFiltered(ctx, states)
	})
}

// ManagerProperties reads the raw manager properties.
func (b *Blocking) ManagerProperties() (systemd.Properties, error) {
	return do(b, b.opts.CallTimeout, b.client.ManagerProperties)
}

// ManagerInfo reads the manager summary.
func (b *Blocking) ManagerInfo() (*systemd.ManagerInfo, error) {
	return do(b, b.opts.CallTimeout, b.client.ManagerInfo)
}

// Journal runs a journal query.
func (b *Blocking) Journal(filter journal.Filter) (*journal.Result, error) {
	return do(b, b.journalTimeout(), func(ctx context.Context) (*journal.Result, error) {
		return b.client.Journal(ctx, filter)
	})
}

// Diagnose collects the failure context of unit.
func (b *Blocking) Diagnose(unit string, opts systemd.DiagnosisOptions) (*systemd.Diagnosis, error) {
	return do(b, b.journalTimeout(), func(ctx context.Context) (*systemd.Diagnosis, error) {
		return b.client.Diagnose(ctx, unit, opts)
	})
}

// RunTask starts a transient task.
func (b *Blocking) RunTask(spec tasks.Spec) (*Task, error) {
	return b.startTask(func(ctx context.Context) (*tasks.Handle, error) {
		return b.runner.Run(ctx, spec)
	})
}

// RunPreset starts a catalog task by name.
func (b *Blocking) RunPreset(name string) (*Task, error) {
	return b.startTask(func(ctx context.Context) (*tasks.Handle, error) {
		return b.runner.RunPreset(ctx, name)
	})
}

func (b *Blocking) startTask(start func(ctx context.Context) (*tasks.Handle, error)) (*Task, error) {
	if b.runner == nil {
		return nil, apperrors.InvalidInput("tasks are not configured")
	}
	h, err := do(b, b.opts.CallTimeout, start)
	if err != nil {
		return nil, err
	}
	return &Task{b: b, handle: h}, nil
}

// ApplyDropIn writes a drop-in when its content changed.
func (b *Blocking) ApplyDropIn(spec unitfile.DropInSpec) (*unitfile.ApplyReport, error) {
	return do(b, b.opts.CallTimeout, func(ctx context.Context) (*unitfile.ApplyReport, error) {
		return b.client.ApplyDropIn(ctx, spec)
	})
}

// ListDropIns lists the drop-in fragments of unit.
func (b *Blocking) ListDropIns(unit string) ([]unitfile.FileInfo, error) {
	return do(b, b.opts.CallTimeout, func(ctx context.Context) ([]unitfile.FileInfo, error) {
		return b.client.ListDropIns(ctx, unit)
	})
}

// RemoveDropIn removes a drop-in if present.
func (b *Blocking) RemoveDropIn(unit, dropIn string) (*unitfile.RemoveReport, error) {
	return do(b, b.opts.CallTimeout, func(ctx context.Context) (*unitfile.RemoveReport, error) {
		return b.client.RemoveDropIn(ctx, unit, dropIn)
	})
}

// InstallServiceUnit writes a service unit, then optionally reloads and
// enables it.
func (b *Blocking) InstallServiceUnit(spec unitfile.ServiceUnitSpec, opts systemd.InstallOptions) (*systemd.InstallReport, error) {
	return do(b, b.opts.CallTimeout, func(ctx context.Context) (*systemd.InstallReport, error) {
		return b.client.InstallServiceUnit(ctx, spec, opts)
	})
}

// UninstallUnit optionally disables a unit, removes its file and reloads.
func (b *Blocking) UninstallUnit(unit string, opts systemd.UninstallOptions) (*systemd.UninstallReport, error) {
	return do(b, b.opts.CallTimeout, func(ctx context.Context) (*systemd.UninstallReport, error) {
		return b.client.UninstallUnit(ctx, unit, opts)
	})
}

// EnableUnitFiles enables units.
func (b *Blocking) EnableUnitFiles(units []string, opts systemd.EnableOptions) (*systemd.EnableReport, error) {
	return do(b, b.opts.CallTimeout, func(ctx context.Context) (*systemd.EnableReport, error) {
		return b.client.EnableUnitFiles(ctx, units, opts)
	})
}

// DisableUnitFiles disables units.
func (b *Blocking) DisableUnitFiles(units []string, opts systemd.DisableOptions) (*systemd.DisableReport, error) {
	return do(b, b.opts.CallTimeout, func(ctx context.Context) (*systemd.DisableReport, error) {
		return b.client.DisableUnitFiles(ctx, units, opts)
	})
}

// Job reattaches to a job enqueued elsewhere, for example by another process.
func (b *Blocking) Job(unit, path string, kind systemd.JobKind) (*Job, error) {
	h, err := b.client.Job(unit, path, kind)
	if err != nil {
		return nil, err
	}
	return &Job{b: b, handle: h}, nil
}

// DaemonReload asks the manager to reload unit files.
func (b *Blocking) DaemonReload() error {
	_, err := do(b, b.opts.CallTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, b.client.DaemonReload(ctx)
	})
	return err
}

// WatchUnitFailure subscribes to failures of unit. The returned watcher owns
// the driver until it is closed; calls made in between fail fast.
func (b *Blocking) WatchUnitFailure(unit string, opts systemd.ObserveOptions) (*Watcher, error) {
	if err := b.enter(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.opts.CallTimeout)
	w, err := b.client.WatchUnitFailure(ctx, unit, opts)
	cancel()
	if err != nil {
		b.leave()
		return nil, err
	}

	b.mu.Lock()
	b.watching = true
	b.mu.Unlock()
	// Waiters must notice the watch and give up.
	b.cond.Broadcast()

	b.log.Debugw("watch owns the driver", "unit", w.Unit)
	return &Watcher{b: b, w: w}, nil
}

// Job is a unit job enqueued through Blocking.
type Job struct {
	b      *Blocking
	handle *systemd.JobHandle
}

// Unit returns the unit the job acts on.
func (j *Job) Unit() string {
	return j.handle.Unit
}

// Path returns the job object path.
func (j *Job) Path() string {
	return string(j.handle.Path)
}

// Wait waits for the job with the default job timeout.
func (j *Job) Wait() (*systemd.JobOutcome, error) {
	return j.WaitFor(j.b.opts.JobTimeout)
}

// WaitFor waits for the job up to timeout.
func (j *Job) WaitFor(timeout time.Duration) (*systemd.JobOutcome, error) {
	if timeout <= 0 {
		return nil, apperrors.InvalidInput("timeout must be > 0")
	}
	return do(j.b, 0, func(ctx context.Context) (*systemd.JobOutcome, error) {
		return j.handle.Wait(ctx, timeout)
	})
}

// Task is a transient task started through Blocking.
type Task struct {
	b      *Blocking
	handle *tasks.Handle
}

// Unit returns the generated transient unit name.
func (t *Task) Unit() string {
	return t.handle.Unit
}

// Wait waits for the task with its own timeout.
func (t *Task) Wait() (*tasks.Result, error) {
	return do(t.b, 0, t.handle.Wait)
}

// WaitFor waits for the task up to timeout.
func (t *Task) WaitFor(timeout time.Duration) (*tasks.Result, error) {
	if timeout <= 0 {
		return nil, apperrors.InvalidInput("timeout must be > 0")
	}
	return do(t.b, 0, func(ctx context.Context) (*tasks.Result, error) {
		return t.handle.WaitFor(ctx, timeout)
	})
}

// Watcher is a failure watch that owns its Blocking until closed.
type Watcher struct {
	b    *Blocking
	w    *systemd.FailureWatcher
	once sync.Once
}

// Unit returns the watched unit.
func (w *Watcher) Unit() string {
	return w.w.Unit
}

// Next blocks until the unit fails. With a non-positive wait it blocks until
// the signal stream ends; otherwise it gives up with a Timeout error.
func (w *Watcher) Next(wait time.Duration) (*systemd.FailureEvent, error) {
	if wait <= 0 {
		return w.w.Next(context.Background())
	}
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	ev, err := w.w.Next(ctx)
	if err != nil && ctx.Err() != nil {
		return nil, apperrors.Timeout("watch "+w.w.Unit, wait)
	}
	return ev, err
}

// Close ends the watch and releases the driver. It is safe to call twice.
func (w *Watcher) Close() {
	w.once.Do(func() {
		w.w.Close()
		w.b.leave()
	})
}
