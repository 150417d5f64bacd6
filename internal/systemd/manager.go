package systemd

import (
	"context"
	"strings"

	sddbus "github.com/coreos/go-systemd/v22/dbus"

	apperrors "github.com/ngenohkevin/unitbus/internal/errors"
	"github.com/ngenohkevin/unitbus/internal/unitname"
)

// ListUnits returns every unit currently known to the manager.
func (c *Client) ListUnits(ctx context.Context) ([]UnitListEntry, error) {
	units, err := c.bus.ListUnits(ctx)
	if err != nil {
		return nil, err
	}
	return toListEntries(units), nil
}

// ListUnitsFiltered returns units whose load or active state is one of
// states. Managers without ListUnitsFiltered are served by filtering
// ListUnits locally.
func (c *Client) ListUnitsFiltered(ctx context.Context, states []string) ([]UnitListEntry, error) {
	if len(states) == 0 {
		return nil, apperrors.InvalidInput("states must not be empty")
	}
	for _, s := range states {
		if err := unitname.ValidateNoControl("unit state filter", s); err != nil {
			return nil, err
		}
	}

	units, err := c.bus.ListUnitsFiltered(ctx, states)
	if err == nil {
		return toListEntries(units), nil
	}
	if !isUnknownMethodError(err) {
		return nil, err
	}

	c.log.Debugw("ListUnitsFiltered unsupported, filtering ListUnits", "error", err)
	all, err := c.ListUnits(ctx)
	if err != nil {
		return nil, err
	}
	want := make(map[string]struct{}, len(states))
	for _, s := range states {
		want[s] = struct{}{}
	}
	out := make([]UnitListEntry, 0, len(all))
	for _, u := range all {
		_, load := want[string(u.LoadState)]
		_, active := want[string(u.ActiveState)]
		if load || active {
			out = append(out, u)
		}
	}
	return out, nil
}

func isUnknownMethodError(err error) bool {
	name := dbusErrorName(err)
	return strings.Contains(name, "UnknownMethod") ||
		strings.Contains(name, "UnknownMember") ||
		strings.Contains(name, "UnknownInterface")
}

func toListEntries(units []sddbus.UnitStatus) []UnitListEntry {
	out := make([]UnitListEntry, 0, len(units))
	for _, u := range units {
		out = append(out, toListEntry(u))
	}
	return out
}

func toListEntry(u sddbus.UnitStatus) UnitListEntry {
	e := UnitListEntry{
		Name:        u.Name,
		Description: optString(u.Description),
		LoadState:   LoadState(u.LoadState),
		ActiveState: ActiveState(u.ActiveState),
		SubState:    optString(u.SubState),
		Followed:    optString(u.Followed),
		UnitPath:    string(u.Path),
	}
	if u.JobId != 0 && u.JobPath != "/" && u.JobPath != "" {
		id := u.JobId
		jobType := u.JobType
		jobPath := string(u.JobPath)
		e.JobID = &id
		e.JobType = &jobType
		e.JobPath = &jobPath
	}
	return e
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// ManagerProperties returns every property of the Manager interface.
func (c *Client) ManagerProperties(ctx context.Context) (Properties, error) {
	return c.bus.Properties(ctx, managerPath, managerInterface)
}

// ManagerInfo returns the system state, version and virtualization.
func (c *Client) ManagerInfo(ctx context.Context) (*ManagerInfo, error) {
	props, err := c.ManagerProperties(ctx)
	if err != nil {
		return nil, err
	}
	return &ManagerInfo{
		SystemState:    props.OptString("SystemState"),
		Version:        props.OptString("Version"),
		Virtualization: props.OptString("Virtualization"),
	}, nil
}

// DaemonReload asks the manager to reload its configuration.
func (c *Client) DaemonReload(ctx context.Context) error {
	c.log.Infow("daemon reload requested")
	return c.bus.Reload(ctx)
}
