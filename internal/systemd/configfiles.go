package systemd

import (
	"context"

	sddbus "github.com/coreos/go-systemd/v22/dbus"

	apperrors "github.com/ngenohkevin/unitbus/internal/errors"
	"github.com/ngenohkevin/unitbus/internal/unitfile"
	"github.com/ngenohkevin/unitbus/internal/unitname"
)

// UnitFileChange is one symlink change reported by the manager.
type UnitFileChange struct {
	Kind   string  `json:"kind"`
	Path   string  `json:"path"`
	Source *string `json:"source,omitempty"`
}

// EnableOptions configures EnableUnitFiles.
type EnableOptions struct {
	// Runtime enables for the current boot only.
	Runtime bool `json:"runtime"`
	// Force overwrites conflicting symlinks.
	Force bool `json:"force"`
}

// DisableOptions configures DisableUnitFiles.
type DisableOptions struct {
	Runtime bool `json:"runtime"`
}

// EnableReport is the result of EnableUnitFiles.
type EnableReport struct {
	CarriesInstallInfo bool             `json:"carries_install_info"`
	Changes            []UnitFileChange `json:"changes"`
}

// DisableReport is the result of DisableUnitFiles.
type DisableReport struct {
	Changes []UnitFileChange `json:"changes"`
}

// InstallOptions configures InstallServiceUnit.
type InstallOptions struct {
	DaemonReload bool          `json:"daemon_reload"`
	Enable       bool          `json:"enable"`
	EnableOpts   EnableOptions `json:"enable_options"`
}

// DefaultInstallOptions reloads and enables.
func DefaultInstallOptions() InstallOptions {
	return InstallOptions{DaemonReload: true, Enable: true}
}

// InstallReport is the result of InstallServiceUnit.
type InstallReport struct {
	Unit                  string                `json:"unit"`
	Wrote                 *unitfile.WriteReport `json:"wrote"`
	DaemonReloadPerformed bool                  `json:"daemon_reload_performed"`
	Enabled               *EnableReport         `json:"enabled,omitempty"`
}

// UninstallOptions configures UninstallUnit.
type UninstallOptions struct {
	Disable      bool           `json:"disable"`
	DisableOpts  DisableOptions `json:"disable_options"`
	DaemonReload bool           `json:"daemon_reload"`
}

// DefaultUninstallOptions disables and reloads.
func DefaultUninstallOptions() UninstallOptions {
	return UninstallOptions{Disable: true, DaemonReload: true}
}

// UninstallReport is the result of UninstallUnit.
type UninstallReport struct {
	Unit                  string                 `json:"unit"`
	Disabled              *DisableReport         `json:"disabled,omitempty"`
	Removed               *unitfile.RemoveReport `json:"removed"`
	DaemonReloadPerformed bool                   `json:"daemon_reload_performed"`
}

// ApplyDropIn renders spec and writes it under
// <system dir>/<unit>.d/<name>.conf. It does not reload the manager.
func (c *Client) ApplyDropIn(ctx context.Context, spec unitfile.DropInSpec) (*unitfile.ApplyReport, error) {
	name, err := unitname.Canonicalize(spec.Unit)
	if err != nil {
		return nil, err
	}
	spec.Unit = name
	contents, err := unitfile.RenderDropIn(spec)
	if err != nil {
		return nil, err
	}

	c.log.Infow("apply drop-in", "unit", spec.Unit, "name", spec.Name)
	report, err := c.files.ApplyDropIn(spec.Unit, spec.Name, contents)
	if err != nil {
		return nil, err
	}
	c.log.Infow("apply drop-in done",
		"unit", spec.Unit,
		"name", spec.Name,
		"changed", report.Changed,
		"requires_daemon_reload", report.RequiresDaemonReload,
	)
	return report, nil
}

// RemoveDropIn deletes a drop-in. Removing a missing drop-in is a no-op.
func (c *Client) RemoveDropIn(ctx context.Context, unit, dropIn string) (*unitfile.RemoveReport, error) {
	name, err := unitname.Canonicalize(unit)
	if err != nil {
		return nil, err
	}
	if err := unitname.ValidateDropInName(dropIn); err != nil {
		return nil, err
	}

	c.log.Infow("remove drop-in", "unit", name, "name", dropIn)
	report, err := c.files.RemoveDropIn(name, dropIn)
	if err != nil {
		return nil, err
	}
	c.log.Infow("remove drop-in done", "unit", name, "name", dropIn, "changed", report.Changed)
	return report, nil
}

// ListDropIns lists the drop-in fragments of unit in the system directory.
func (c *Client) ListDropIns(ctx context.Context, unit string) ([]unitfile.FileInfo, error) {
	name, err := unitname.Canonicalize(unit)
	if err != nil {
		return nil, err
	}
	return c.files.ListDropIns(name)
}

// InstallServiceUnit writes the unit file for spec, then optionally reloads
// the manager and enables the unit. Reload and enable run even when the
// file was unchanged.
func (c *Client) InstallServiceUnit(ctx context.Context, spec unitfile.ServiceUnitSpec, opts InstallOptions) (*InstallReport, error) {
	name, err := spec.CanonicalName()
	if err != nil {
		return nil, err
	}
	contents, err := spec.Render()
	if err != nil {
		return nil, err
	}

	c.log.Infow("install service unit", "unit", name, "daemon_reload", opts.DaemonReload, "enable", opts.Enable)
	wrote, err := c.files.WriteUnitFile(name, contents)
	if err != nil {
		return nil, err
	}
	report := &InstallReport{Unit: name, Wrote: wrote}

	if opts.DaemonReload {
		if err := c.DaemonReload(ctx); err != nil {
			return nil, err
		}
		report.DaemonReloadPerformed = true
	}
	if opts.Enable {
		enabled, err := c.EnableUnitFiles(ctx, []string{name}, opts.EnableOpts)
		if err != nil {
			return nil, err
		}
		report.Enabled = enabled
	}
	return report, nil
}

// UninstallUnit optionally disables unit, removes its unit file and
// optionally reloads the manager.
func (c *Client) UninstallUnit(ctx context.Context, unit string, opts UninstallOptions) (*UninstallReport, error) {
	name, err := unitname.Canonicalize(unit)
	if err != nil {
		return nil, err
	}

	c.log.Infow("uninstall unit", "unit", name, "disable", opts.Disable, "daemon_reload", opts.DaemonReload)
	report := &UninstallReport{Unit: name}
	if opts.Disable {
		disabled, err := c.DisableUnitFiles(ctx, []string{name}, opts.DisableOpts)
		if err != nil {
			return nil, err
		}
		report.Disabled = disabled
	}

	removed, err := c.files.RemoveUnitFile(name)
	if err != nil {
		return nil, err
	}
	report.Removed = removed

	if opts.DaemonReload {
		if err := c.DaemonReload(ctx); err != nil {
			return nil, err
		}
		report.DaemonReloadPerformed = true
	}
	return report, nil
}

// EnableUnitFiles enables units by name (EnableUnitFiles on the manager).
func (c *Client) EnableUnitFiles(ctx context.Context, units []string, opts EnableOptions) (*EnableReport, error) {
	names, err := canonicalizeAll(units)
	if err != nil {
		return nil, err
	}
	carries, changes, err := c.bus.EnableUnitFiles(ctx, names, opts.Runtime, opts.Force)
	if err != nil {
		return nil, err
	}
	out := make([]UnitFileChange, 0, len(changes))
	for _, ch := range changes {
		out = append(out, newUnitFileChange(ch.Type, ch.Filename, ch.Destination))
	}
	return &EnableReport{CarriesInstallInfo: carries, Changes: out}, nil
}

// DisableUnitFiles disables units by name.
func (c *Client) DisableUnitFiles(ctx context.Context, units []string, opts DisableOptions) (*DisableReport, error) {
	names, err := canonicalizeAll(units)
	if err != nil {
		return nil, err
	}
	changes, err := c.bus.DisableUnitFiles(ctx, names, opts.Runtime)
	if err != nil {
		return nil, err
	}
	return &DisableReport{Changes: fromDisableChanges(changes)}, nil
}

func fromDisableChanges(changes []sddbus.DisableUnitFileChange) []UnitFileChange {
	out := make([]UnitFileChange, 0, len(changes))
	for _, ch := range changes {
		out = append(out, newUnitFileChange(ch.Type, ch.Filename, ch.Destination))
	}
	return out
}

func newUnitFileChange(kind, path, source string) UnitFileChange {
	return UnitFileChange{Kind: kind, Path: path, Source: optString(source)}
}

func canonicalizeAll(units []string) ([]string, error) {
	if len(units) == 0 {
		return nil, apperrors.InvalidInput("units must not be empty")
	}
	out := make([]string, 0, len(units))
	for _, u := range units {
		name, err := unitname.Canonicalize(u)
		if err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, nil
}
