package systemd

import (
	"context"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/ngenohkevin/unitbus/internal/unitname"
)

// Status reads a snapshot of unit. Names without a type suffix get
// ".service" appended.
func (c *Client) Status(ctx context.Context, unit string) (*UnitStatus, error) {
	name, err := unitname.Canonicalize(unit)
	if err != nil {
		return nil, err
	}
	path, err := c.bus.UnitPath(ctx, name)
	if err != nil {
		return nil, err
	}
	return c.statusAt(ctx, name, path)
}

func (c *Client) statusAt(ctx context.Context, name string, path dbus.ObjectPath) (*UnitStatus, error) {
	unitProps, err := c.bus.Properties(ctx, path, unitInterface)
	if err != nil {
		return nil, err
	}

	serviceProps, err := c.bus.Properties(ctx, path, serviceInterface)
	if err != nil {
		if !isOptionalInterfaceError(err) {
			return nil, err
		}
		serviceProps = nil
	}

	status := foldStatus(name, unitProps, serviceProps)
	return &status, nil
}

// isOptionalInterfaceError reports errors that mean "this object has no such
// interface", which is normal for non-service units.
func isOptionalInterfaceError(err error) bool {
	name := dbusErrorName(err)
	return strings.Contains(name, "UnknownInterface") ||
		strings.Contains(name, "UnknownProperty") ||
		strings.Contains(name, "InvalidArgs")
}

// foldStatus builds a UnitStatus from the Unit and (optional) Service
// property sets. Missing required properties fall back to sentinels rather
// than failing the read.
func foldStatus(name string, unitProps, serviceProps Properties) UnitStatus {
	status := UnitStatus{
		ID:           unitProps.String("Id"),
		Description:  unitProps.OptString("Description"),
		LoadState:    LoadState(unitProps.String("LoadState")),
		ActiveState:  ActiveState(unitProps.String("ActiveState")),
		SubState:     unitProps.OptString("SubState"),
		Result:       unitProps.OptString("Result"),
		FragmentPath: unitProps.OptString("FragmentPath"),
	}
	if status.ID == "" {
		status.ID = name
	}
	if status.LoadState == "" {
		status.LoadState = LoadStateMissing
	}
	if status.ActiveState == "" {
		status.ActiveState = ActiveStateMissing
	}

	if serviceProps == nil {
		return status
	}
	if pid, ok := serviceProps.Uint32("MainPID"); ok && pid != 0 {
		status.MainPID = &pid
	}
	if code, ok := serviceProps.Int32("ExecMainCode"); ok {
		status.ExecMainCode = &code
	}
	if st, ok := serviceProps.Int32("ExecMainStatus"); ok {
		status.ExecMainStatus = &st
	}
	if n, ok := serviceProps.Uint32("NRestarts"); ok {
		status.NRestarts = &n
	}
	return status
}
