// Package tasks runs one-shot commands as transient systemd units and
// exposes the preset catalog loaded from configuration.
package tasks

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	sddbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/godbus/dbus/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/ngenohkevin/unitbus/config"
	apperrors "github.com/ngenohkevin/unitbus/internal/errors"
	"github.com/ngenohkevin/unitbus/internal/logger"
	"github.com/ngenohkevin/unitbus/internal/systemd"
	"github.com/ngenohkevin/unitbus/internal/unitname"
)

// DefaultPresetTimeout applies to presets that do not set a timeout.
const DefaultPresetTimeout = 5 * time.Minute

const maxHintLen = 32

// ExecMainCode classes.
const (
	cldExited = 1
	cldKilled = 2
	cldDumped = 3
)

var transientCounter atomic.Uint64

var tasksTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "unitbus_tasks_total",
		Help: "Total number of transient tasks by result",
	},
	[]string{"result"},
)

// Runner starts transient tasks through a systemd client.
type Runner struct {
	client  *systemd.Client
	presets map[string]config.Task
	log     *zap.SugaredLogger
}

// NewRunner creates a runner. presets may be nil.
func NewRunner(client *systemd.Client, presets map[string]config.Task) *Runner {
	if presets == nil {
		presets = map[string]config.Task{}
	}
	return &Runner{
		client:  client,
		presets: presets,
		log:     logger.For("tasks"),
	}
}

// List returns all presets sorted by name
func (r *Runner) List() *TaskList {
	taskList := make([]Task, 0, len(r.presets))
	for _, t := range r.presets {
		taskList = append(taskList, toTask(t))
	}
	sort.Slice(taskList, func(i, j int) bool {
		return taskList[i].Name < taskList[j].Name
	})

	return &TaskList{
		Tasks: taskList,
		Total: len(taskList),
	}
}

// Get returns a specific preset by name
func (r *Runner) Get(name string) (*Task, error) {
	t, ok := r.presets[name]
	if !ok {
		return nil, apperrors.InvalidInput("task %q not found", name)
	}
	task := toTask(t)
	return &task, nil
}

// Exists checks if a preset exists
func (r *Runner) Exists(name string) bool {
	_, ok := r.presets[name]
	return ok
}

// IsDangerous checks if a preset is marked as dangerous
func (r *Runner) IsDangerous(name string) bool {
	t, ok := r.presets[name]
	if !ok {
		return true // Unknown tasks are considered dangerous
	}
	return t.Dangerous
}

func toTask(t config.Task) Task {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = DefaultPresetTimeout
	}
	return Task{
		Name:        t.Name,
		Argv:        append([]string(nil), t.Argv...),
		Description: t.Description,
		Dangerous:   t.Dangerous,
		Timeout:     timeout,
	}
}

// RunPreset runs the named preset. The preset name is the unit name hint.
func (r *Runner) RunPreset(ctx context.Context, name string) (*Handle, error) {
	t, ok := r.presets[name]
	if !ok {
		return nil, apperrors.InvalidInput("task %q not found", name)
	}
	spec := Spec{
		Argv:     t.Argv,
		Env:      t.Env,
		Timeout:  t.Timeout,
		NameHint: name,
	}
	if spec.Timeout <= 0 {
		spec.Timeout = DefaultPresetTimeout
	}
	if t.WorkingDirectory != "" {
		wd := t.WorkingDirectory
		spec.WorkingDirectory = &wd
	}
	return r.Run(ctx, spec)
}

// Run validates spec and starts it as a oneshot transient unit whose output
// goes to the journal.
func (r *Runner) Run(ctx context.Context, spec Spec) (*Handle, error) {
	if err := validate(spec); err != nil {
		return nil, err
	}

	unit := transientUnitName(spec.NameHint)
	r.log.Infow("run task",
		"unit", unit,
		"argv0", spec.Argv[0],
		"argc", len(spec.Argv),
		"env_keys", len(spec.Env),
		"has_workdir", spec.WorkingDirectory != nil,
		"timeout", spec.Timeout,
	)

	started := time.Now()
	job, err := r.client.StartTransient(ctx, unit, transientProperties(spec))
	if err != nil {
		tasksTotal.WithLabelValues("start_failed").Inc()
		return nil, err
	}

	return &Handle{
		Unit:    unit,
		JobPath: string(job.Path),
		job:     job,
		timeout: spec.Timeout,
		started: started,
	}, nil
}

func validate(spec Spec) error {
	if len(spec.Argv) == 0 {
		return apperrors.InvalidInput("argv must not be empty")
	}
	for _, arg := range spec.Argv {
		if err := unitname.ValidateNoControl("argv", arg); err != nil {
			return err
		}
	}
	if strings.TrimSpace(spec.Argv[0]) == "" {
		return apperrors.InvalidInput("argv[0] must not be empty")
	}
	for k, v := range spec.Env {
		if err := unitname.ValidateEnvKey(k); err != nil {
			return err
		}
		if err := unitname.ValidateNoControl("env value", v); err != nil {
			return err
		}
	}
	if spec.WorkingDirectory != nil {
		if err := unitname.ValidateNoControl("working directory", *spec.WorkingDirectory); err != nil {
			return err
		}
	}
	if err := unitname.ValidateNoControl("name hint", spec.NameHint); err != nil {
		return err
	}
	if spec.Timeout <= 0 {
		return apperrors.InvalidInput("timeout must be > 0")
	}
	return nil
}

func transientProperties(spec Spec) []sddbus.Property {
	props := []sddbus.Property{
		sddbus.PropType("oneshot"),
		sddbus.PropExecStart(spec.Argv, false),
	}
	if spec.WorkingDirectory != nil {
		props = append(props, sddbus.Property{Name: "WorkingDirectory", Value: dbus.MakeVariant(*spec.WorkingDirectory)})
	}
	if len(spec.Env) > 0 {
		keys := make([]string, 0, len(spec.Env))
		for k := range spec.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		env := make([]string, 0, len(keys))
		for _, k := range keys {
			env = append(env, k+"="+spec.Env[k])
		}
		props = append(props, sddbus.Property{Name: "Environment", Value: dbus.MakeVariant(env)})
	}
	timeoutUs := uint64(spec.Timeout.Milliseconds()) * 1000
	props = append(props,
		sddbus.Property{Name: "TimeoutStartUSec", Value: dbus.MakeVariant(timeoutUs)},
		sddbus.Property{Name: "StandardOutput", Value: dbus.MakeVariant("journal")},
		sddbus.Property{Name: "StandardError", Value: dbus.MakeVariant("journal")},
	)
	return props
}

func transientUnitName(hint string) string {
	ts := uint64(time.Now().UnixMilli())
	n := transientCounter.Add(1) - 1
	return unitName(hint, ts, n, uint64(os.Getpid()))
}

// unitName builds unitbus-[<hint>-]<ts>-<nonce>.service. The nonce mixes
// the timestamp, counter and pid; it is not cryptographically secure.
func unitName(hint string, ts, counter, pid uint64) string {
	nonce := (ts ^ counter ^ pid) * 0x9E3779B97F4A7C15
	if h := sanitizeHint(hint); h != "" {
		return fmt.Sprintf("unitbus-%s-%d-%016x.service", h, ts, nonce)
	}
	return fmt.Sprintf("unitbus-%d-%016x.service", ts, nonce)
}

// sanitizeHint maps every rune outside [A-Za-z0-9_-] to '_', caps the result
// at maxHintLen bytes and trims '_' from both ends.
func sanitizeHint(hint string) string {
	var b strings.Builder
	for _, c := range hint {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			b.WriteRune(c)
		default:
			b.WriteByte('_')
		}
		if b.Len() >= maxHintLen {
			break
		}
	}
	return strings.Trim(b.String(), "_")
}

// DecodeExit maps ExecMainCode/ExecMainStatus onto an exit status or a
// signal number.
func DecodeExit(status systemd.UnitStatus) (exitStatus, signal *int32) {
	if status.ExecMainCode == nil || status.ExecMainStatus == nil {
		return nil, nil
	}
	v := *status.ExecMainStatus
	switch *status.ExecMainCode {
	case cldExited:
		return &v, nil
	case cldKilled, cldDumped:
		return nil, &v
	}
	return nil, nil
}
