package tasks

import (
	"time"

	"github.com/ngenohkevin/unitbus/internal/systemd"
)

// Spec describes one transient task. Argv runs without a shell.
type Spec struct {
	Argv             []string          `json:"argv"`
	Env              map[string]string `json:"env,omitempty"`
	WorkingDirectory *string           `json:"working_directory,omitempty"`
	// Timeout bounds the task and becomes TimeoutStartUSec of the unit.
	Timeout time.Duration `json:"timeout"`
	// NameHint is sanitized into the generated unit name.
	NameHint string `json:"name_hint,omitempty"`
}

// Task is a preset from the catalog
type Task struct {
	Name        string        `json:"name"`
	Argv        []string      `json:"argv"`
	Description string        `json:"description"`
	Dangerous   bool          `json:"dangerous"`
	Timeout     time.Duration `json:"timeout"`
}

// TaskList contains available presets
type TaskList struct {
	Tasks []Task `json:"tasks"`
	Total int    `json:"total"`
}

// Result is the final state of a transient task. ExitStatus and Signal are
// mutually exclusive; both are nil when the unit reported neither.
type Result struct {
	Unit       string             `json:"unit"`
	Status     systemd.UnitStatus `json:"unit_status"`
	ExitStatus *int32             `json:"exit_status,omitempty"`
	Signal     *int32             `json:"signal,omitempty"`
	StartedAt  time.Time          `json:"started_at"`
	Duration   time.Duration      `json:"duration"`
}

// Succeeded reports whether the task exited with status 0.
func (r *Result) Succeeded() bool {
	return r != nil && r.ExitStatus != nil && *r.ExitStatus == 0
}
