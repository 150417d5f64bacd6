package systemd

import (
	"context"
	"time"

	"github.com/ngenohkevin/unitbus/internal/journal"
	"github.com/ngenohkevin/unitbus/internal/process"
	"github.com/ngenohkevin/unitbus/internal/unitname"
)

// Default diagnosis window around "now".
const (
	DefaultWindowBefore = 30 * time.Second
	DefaultWindowAfter  = 10 * time.Second
)

// DiagnosisOptions bounds the journal slice of a diagnosis.
type DiagnosisOptions struct {
	WindowBefore    time.Duration
	WindowAfter     time.Duration
	Limit           int
	MaxBytes        int
	MaxMessageBytes int
	// Timeout of the journal query; zero uses the client default.
	Timeout     time.Duration
	ParseErrors journal.ParseErrorMode
	// MainProcess adds a snapshot of the unit's main process when it runs.
	MainProcess bool
}

// DefaultDiagnosisOptions returns the default diagnosis options.
func DefaultDiagnosisOptions() DiagnosisOptions {
	return DiagnosisOptions{
		WindowBefore:    DefaultWindowBefore,
		WindowAfter:     DefaultWindowAfter,
		Limit:           journal.DefaultLimit,
		MaxBytes:        journal.DefaultMaxBytes,
		MaxMessageBytes: journal.DefaultMaxMessageBytes,
		MainProcess:     true,
	}
}

// Diagnosis bundles a status snapshot with the logs around it.
type Diagnosis struct {
	Status      UnitStatus      `json:"status"`
	Entries     []journal.Entry `json:"entries"`
	Truncated   bool            `json:"truncated"`
	NextCursor  string          `json:"next_cursor,omitempty"`
	MainProcess *process.Info   `json:"main_process,omitempty"`
}

// Diagnose reads the status of unit and a bounded journal slice from
// now-WindowBefore to now+WindowAfter.
func (c *Client) Diagnose(ctx context.Context, unit string, opts DiagnosisOptions) (*Diagnosis, error) {
	name, err := unitname.Canonicalize(unit)
	if err != nil {
		return nil, err
	}

	status, err := c.Status(ctx, name)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	since := now.Add(-opts.WindowBefore)
	if since.Before(time.Unix(0, 0)) {
		since = time.Unix(0, 0)
	}
	filter := journal.Filter{
		Unit:            name,
		Since:           since,
		Until:           now.Add(opts.WindowAfter),
		Limit:           opts.Limit,
		MaxBytes:        opts.MaxBytes,
		MaxMessageBytes: opts.MaxMessageBytes,
		Timeout:         opts.Timeout,
		ParseErrors:     opts.ParseErrors,
	}

	c.log.Infow("diagnose unit", "unit", name, "limit", opts.Limit, "max_bytes", opts.MaxBytes)
	res, err := c.Journal(ctx, filter)
	if err != nil {
		return nil, err
	}

	d := &Diagnosis{
		Status:     *status,
		Entries:    res.Entries,
		Truncated:  res.Truncated,
		NextCursor: res.NextCursor,
	}
	if opts.MainProcess && status.MainPID != nil {
		info, err := process.Snapshot(ctx, *status.MainPID)
		if err != nil {
			c.log.Debugw("main process snapshot unavailable", "unit", name, "pid", *status.MainPID, "error", err)
		} else {
			d.MainProcess = info
		}
	}
	return d, nil
}
