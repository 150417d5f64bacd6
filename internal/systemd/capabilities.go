package systemd

import (
	"context"
	"os"

	"github.com/ngenohkevin/unitbus/internal/journal"
	"github.com/ngenohkevin/unitbus/internal/process"
)

// probeUnit is the unit every capability probe targets; it exists on any
// system with a system bus.
const probeUnit = "dbus.service"

// Capabilities is a point-in-time snapshot of what this process may do.
// A capability is only true after a successful probe.
type Capabilities struct {
	CanReadUnits    bool `json:"can_read_units"`
	CanControlUnits bool `json:"can_control_units"`
	CanReadJournal  bool `json:"can_read_journal"`
	CanWriteConfig  bool `json:"can_write_config"`
}

// Capabilities probes all four capabilities. Results are never cached.
func (c *Client) Capabilities(ctx context.Context) Capabilities {
	caps := Capabilities{
		CanReadUnits:    c.probeReadUnits(ctx),
		CanControlUnits: c.probeControlUnits(ctx),
		CanReadJournal:  c.probeReadJournal(ctx),
		CanWriteConfig:  c.probeWriteConfig(ctx),
	}
	c.log.Debugw("capabilities probed",
		"read_units", caps.CanReadUnits,
		"control_units", caps.CanControlUnits,
		"read_journal", caps.CanReadJournal,
		"write_config", caps.CanWriteConfig,
	)
	return caps
}

func (c *Client) probeReadUnits(ctx context.Context) bool {
	_, err := c.Status(ctx, probeUnit)
	return err == nil
}

func (c *Client) probeControlUnits(ctx context.Context) bool {
	answer, err := c.bus.CanStartUnit(ctx, probeUnit, ModeReplace)
	if err != nil {
		c.log.Debugw("CanStartUnit probe failed", "error", err)
		return false
	}
	return answer == "yes"
}

func (c *Client) probeReadJournal(ctx context.Context) bool {
	filter := journal.DefaultFilter()
	filter.Limit = 1
	_, err := c.Journal(ctx, filter)
	return err == nil
}

func (c *Client) probeWriteConfig(ctx context.Context) bool {
	dir := c.files.Dir()
	if readOnlyMount(dir) {
		return false
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return false
	}
	creds, err := process.Self(ctx)
	if err != nil {
		return false
	}
	return creds.CanWriteDir(info)
}
