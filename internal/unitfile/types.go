package unitfile

import "time"

// RecommendedAction tells callers what to do after a config change.
type RecommendedAction string

const (
	ActionNone         RecommendedAction = "none"
	ActionDaemonReload RecommendedAction = "daemon-reload"
	ActionRestartUnit  RecommendedAction = "restart-unit"
)

// DropInSpec describes a managed drop-in fragment for a unit.
type DropInSpec struct {
	// Unit is the target unit; shorthand names are canonicalized.
	Unit string `json:"unit"`
	// Name is the fragment name without the ".conf" suffix.
	Name string `json:"name"`

	Environment       map[string]string `json:"environment,omitempty"`
	WorkingDirectory  *string           `json:"working_directory,omitempty"`
	Restart           *string           `json:"restart,omitempty"`
	TimeoutStartSec   *uint32           `json:"timeout_start_sec,omitempty"`
	ExecStartOverride []string          `json:"exec_start_override,omitempty"`
}

// ApplyReport is the result of writing a drop-in.
type ApplyReport struct {
	Changed              bool              `json:"changed"`
	Path                 string            `json:"path_written"`
	RequiresDaemonReload bool              `json:"requires_daemon_reload"`
	RecommendedAction    RecommendedAction `json:"recommended_action"`
}

// RemoveReport is the result of removing a drop-in or unit file.
type RemoveReport struct {
	Changed              bool   `json:"changed"`
	Path                 string `json:"path_removed"`
	RequiresDaemonReload bool   `json:"requires_daemon_reload"`
}

// WriteReport is the result of writing a unit file.
type WriteReport struct {
	Changed              bool   `json:"changed"`
	Path                 string `json:"path_written"`
	RequiresDaemonReload bool   `json:"requires_daemon_reload"`
}

// ServiceType is the Type= of a service unit.
type ServiceType string

const (
	ServiceSimple  ServiceType = "simple"
	ServiceExec    ServiceType = "exec"
	ServiceForking ServiceType = "forking"
	ServiceOneshot ServiceType = "oneshot"
	ServiceNotify  ServiceType = "notify"
	ServiceIdle    ServiceType = "idle"
)

// ServiceUnitSpec describes a complete .service unit file.
type ServiceUnitSpec struct {
	Unit        string   `json:"unit"`
	Description *string  `json:"description,omitempty"`
	After       []string `json:"after,omitempty"`
	Wants       []string `json:"wants,omitempty"`
	Requires    []string `json:"requires,omitempty"`

	Type          *ServiceType `json:"type,omitempty"`
	ExecStart     []string     `json:"exec_start"`
	ExecStartPre  [][]string   `json:"exec_start_pre,omitempty"`
	ExecStartPost [][]string   `json:"exec_start_post,omitempty"`

	WorkingDirectory *string           `json:"working_directory,omitempty"`
	User             *string           `json:"user,omitempty"`
	Group            *string           `json:"group,omitempty"`
	Environment      map[string]string `json:"environment,omitempty"`

	Restart         *string `json:"restart,omitempty"`
	RestartSec      *uint32 `json:"restart_sec,omitempty"`
	TimeoutStartSec *uint32 `json:"timeout_start_sec,omitempty"`
	TimeoutStopSec  *uint32 `json:"timeout_stop_sec,omitempty"`
	StandardOutput  *string `json:"standard_output,omitempty"`
	StandardError   *string `json:"standard_error,omitempty"`

	WantedBy   []string `json:"wanted_by,omitempty"`
	RequiredBy []string `json:"required_by,omitempty"`
	Alias      []string `json:"alias,omitempty"`

	// Raw lines appended verbatim to each section.
	ExtraUnit    []string `json:"extra_unit,omitempty"`
	ExtraService []string `json:"extra_service,omitempty"`
	ExtraInstall []string `json:"extra_install,omitempty"`
}

// FileInfo describes a file under the systemd directory.
type FileInfo struct {
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	Size        int64     `json:"size"`
	ModTime     time.Time `json:"mod_time"`
	Owner       string    `json:"owner"`
	Group       string    `json:"group"`
	Permissions string    `json:"permissions"`
	Managed     bool      `json:"managed"`
}
