package systemd

import (
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/ngenohkevin/unitbus/internal/unitname"
)

// LoadState is the unit's Unit.LoadState. Values outside the known set are
// kept verbatim; LoadStateMissing marks a status read without the property.
type LoadState string

const (
	LoadStateLoaded     LoadState = "loaded"
	LoadStateNotFound   LoadState = "not-found"
	LoadStateError      LoadState = "error"
	LoadStateMasked     LoadState = "masked"
	LoadStateStub       LoadState = "stub"
	LoadStateMerged     LoadState = "merged"
	LoadStateGenerated  LoadState = "generated"
	LoadStateTransient  LoadState = "transient"
	LoadStateBadSetting LoadState = "bad-setting"

	LoadStateMissing LoadState = "missing"
)

// Known reports whether s is one of the documented load states.
func (s LoadState) Known() bool {
	switch s {
	case LoadStateLoaded, LoadStateNotFound, LoadStateError, LoadStateMasked, LoadStateStub,
		LoadStateMerged, LoadStateGenerated, LoadStateTransient, LoadStateBadSetting:
		return true
	}
	return false
}

// ActiveState is the unit's Unit.ActiveState.
type ActiveState string

const (
	ActiveStateActive       ActiveState = "active"
	ActiveStateReloading    ActiveState = "reloading"
	ActiveStateInactive     ActiveState = "inactive"
	ActiveStateFailed       ActiveState = "failed"
	ActiveStateActivating   ActiveState = "activating"
	ActiveStateDeactivating ActiveState = "deactivating"
	ActiveStateMaintenance  ActiveState = "maintenance"

	ActiveStateMissing ActiveState = "missing"
)

// Known reports whether s is one of the documented active states.
func (s ActiveState) Known() bool {
	switch s {
	case ActiveStateActive, ActiveStateReloading, ActiveStateInactive, ActiveStateFailed,
		ActiveStateActivating, ActiveStateDeactivating, ActiveStateMaintenance:
		return true
	}
	return false
}

// StartMode is the job mode passed to StartUnit and friends.
type StartMode string

const (
	ModeReplace            StartMode = "replace"
	ModeFail               StartMode = "fail"
	ModeIsolate            StartMode = "isolate"
	ModeIgnoreDependencies StartMode = "ignore-dependencies"
	ModeIgnoreRequirements StartMode = "ignore-requirements"
)

// ParseStartMode accepts any non-empty mode without control characters.
// The empty string means ModeReplace.
func ParseStartMode(s string) (StartMode, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ModeReplace, nil
	}
	if err := unitname.ValidateNoControl("start mode", s); err != nil {
		return "", err
	}
	return StartMode(s), nil
}

// JobKind is the action a job was created for.
type JobKind string

const (
	JobStart   JobKind = "start"
	JobStop    JobKind = "stop"
	JobRestart JobKind = "restart"
	JobReload  JobKind = "reload"
)

// ParseJobKind maps an action name onto a JobKind.
func ParseJobKind(s string) (JobKind, bool) {
	switch k := JobKind(strings.ToLower(s)); k {
	case JobStart, JobStop, JobRestart, JobReload:
		return k, true
	}
	return "", false
}

// UnitStatus is a snapshot of the unit and service properties of one unit.
type UnitStatus struct {
	ID             string      `json:"id"`
	Description    *string     `json:"description,omitempty"`
	LoadState      LoadState   `json:"load_state"`
	ActiveState    ActiveState `json:"active_state"`
	SubState       *string     `json:"sub_state,omitempty"`
	Result         *string     `json:"result,omitempty"`
	FragmentPath   *string     `json:"fragment_path,omitempty"`
	MainPID        *uint32     `json:"main_pid,omitempty"`
	ExecMainCode   *int32      `json:"exec_main_code,omitempty"`
	ExecMainStatus *int32      `json:"exec_main_status,omitempty"`
	NRestarts      *uint32     `json:"n_restarts,omitempty"`
}

// OutcomeKind tags a JobOutcome.
type OutcomeKind string

const (
	OutcomeSuccess  OutcomeKind = "success"
	OutcomeFailed   OutcomeKind = "failed"
	OutcomeCanceled OutcomeKind = "canceled"
)

// HintKind tags a FailureHint.
type HintKind string

const (
	HintNotLoaded       HintKind = "not_loaded"
	HintExecMainFailed  HintKind = "exec_main_failed"
	HintUnitFailed      HintKind = "unit_failed"
	HintJobFailed       HintKind = "job_failed"
	HintUnexpectedState HintKind = "unexpected_state"
	HintUnknown         HintKind = "unknown"
)

// FailureHint is a best-effort classification of why a job failed. Only the
// fields belonging to Kind are set.
type FailureHint struct {
	Kind HintKind `json:"kind"`

	LoadState LoadState `json:"load_state,omitempty"`

	ExecMainCode   int32 `json:"exec_main_code,omitempty"`
	ExecMainStatus int32 `json:"exec_main_status,omitempty"`

	// Result is the unit's Result for UnitFailed (may be nil) and the job
	// result for JobFailed.
	Result *string `json:"result,omitempty"`

	ActiveState ActiveState `json:"active_state,omitempty"`
	SubState    *string     `json:"sub_state,omitempty"`
}

// JobOutcome is the resolved result of a job wait. Reason is set only for
// OutcomeFailed.
type JobOutcome struct {
	Kind   OutcomeKind  `json:"outcome"`
	Status UnitStatus   `json:"unit_status"`
	Reason *FailureHint `json:"reason,omitempty"`
}

// Succeeded reports whether the job reached the state its kind requires.
func (o *JobOutcome) Succeeded() bool {
	return o != nil && o.Kind == OutcomeSuccess
}

// UnitListEntry is one row of ListUnits.
type UnitListEntry struct {
	Name        string      `json:"name"`
	Description *string     `json:"description,omitempty"`
	LoadState   LoadState   `json:"load_state"`
	ActiveState ActiveState `json:"active_state"`
	SubState    *string     `json:"sub_state,omitempty"`
	Followed    *string     `json:"followed,omitempty"`
	UnitPath    string      `json:"unit_path"`
	JobID       *uint32     `json:"job_id,omitempty"`
	JobType     *string     `json:"job_type,omitempty"`
	JobPath     *string     `json:"job_path,omitempty"`
}

// ManagerInfo is a small subset of the manager's global properties.
type ManagerInfo struct {
	SystemState    *string `json:"system_state,omitempty"`
	Version        *string `json:"version,omitempty"`
	Virtualization *string `json:"virtualization,omitempty"`
}

// Properties is a decoded property bag from GetAll.
type Properties map[string]any

// String returns the string property key, or "" when absent or not a string.
func (p Properties) String(key string) string {
	switch v := p[key].(type) {
	case string:
		return v
	case dbus.ObjectPath:
		return string(v)
	}
	return ""
}

// OptString is String with the empty string folded to nil.
func (p Properties) OptString(key string) *string {
	s := p.String(key)
	if s == "" {
		return nil
	}
	return &s
}

// Uint32 returns an unsigned 32-bit property, accepting any integer type
// that fits.
func (p Properties) Uint32(key string) (uint32, bool) {
	n, ok := toInt64(p[key])
	if !ok || n < 0 || n > int64(^uint32(0)) {
		return 0, false
	}
	return uint32(n), true
}

// Int32 returns a signed 32-bit property, accepting any integer type that fits.
func (p Properties) Int32(key string) (int32, bool) {
	n, ok := toInt64(p[key])
	if !ok || n < -1<<31 || n > 1<<31-1 {
		return 0, false
	}
	return int32(n), true
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int32:
		return int64(n), true
	case uint32:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		if n > 1<<63-1 {
			return 0, false
		}
		return int64(n), true
	case int:
		return int64(n), true
	case uint16:
		return int64(n), true
	case int16:
		return int64(n), true
	case uint8:
		return int64(n), true
	}
	return 0, false
}
