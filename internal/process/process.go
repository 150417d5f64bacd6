// Package process inspects local processes: the main process of a unit for
// diagnosis and the agent's own credentials for capability probes.
package process

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	apperrors "github.com/ngenohkevin/unitbus/internal/errors"
)

// Snapshot returns a point-in-time view of pid.
func Snapshot(ctx context.Context, pid uint32) (*Info, error) {
	if pid == 0 {
		return nil, apperrors.InvalidInput("pid must be > 0")
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil, fmt.Errorf("process %d not found: %w", pid, err)
	}
	return getProcessInfo(ctx, p)
}

func getProcessInfo(ctx context.Context, p *process.Process) (*Info, error) {
	name, err := p.NameWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read process name: %w", err)
	}

	username, _ := p.UsernameWithContext(ctx)
	status, _ := p.StatusWithContext(ctx)
	cpuPercent, _ := p.CPUPercentWithContext(ctx)
	memPercent, _ := p.MemoryPercentWithContext(ctx)
	memInfo, _ := p.MemoryInfoWithContext(ctx)
	cmdline, _ := p.CmdlineWithContext(ctx)
	createTime, _ := p.CreateTimeWithContext(ctx)
	numThreads, _ := p.NumThreadsWithContext(ctx)
	numFDs, _ := p.NumFDsWithContext(ctx)

	var memRSS uint64
	if memInfo != nil {
		memRSS = memInfo.RSS
	}

	var statusStr string
	if len(status) > 0 {
		statusStr = status[0]
	}

	return &Info{
		PID:        p.Pid,
		Name:       name,
		Username:   username,
		Status:     statusStr,
		CPUPercent: cpuPercent,
		MemPercent: memPercent,
		MemRSS:     memRSS,
		Cmdline:    cmdline,
		CreateTime: time.UnixMilli(createTime),
		NumThreads: numThreads,
		NumFDs:     numFDs,
	}, nil
}

// Self returns the effective credentials of the current process.
func Self(ctx context.Context) (*Credentials, error) {
	p, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("failed to open own process: %w", err)
	}

	uids, err := p.UidsWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read uids: %w", err)
	}
	gids, err := p.GidsWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read gids: %w", err)
	}
	groups, _ := p.GroupsWithContext(ctx)

	// Uids and Gids are ordered real, effective, saved, filesystem.
	return &Credentials{
		UID:    effective(uids),
		GID:    effective(gids),
		Groups: groups,
	}, nil
}

func effective(ids []uint32) uint32 {
	if len(ids) > 1 {
		return ids[1]
	}
	if len(ids) == 1 {
		return ids[0]
	}
	return ^uint32(0)
}

// CanWriteDir reports whether creds may create files in the directory
// described by info: root always can, otherwise the owner, group or other
// write and execute bits must both apply.
func (c *Credentials) CanWriteDir(info fs.FileInfo) bool {
	if c.UID == 0 {
		return true
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return false
	}
	perm := info.Mode().Perm()

	switch {
	case stat.Uid == c.UID:
		return perm&0o300 == 0o300
	case c.InGroup(stat.Gid):
		return perm&0o030 == 0o030
	default:
		return perm&0o003 == 0o003
	}
}

// InGroup reports whether gid is the primary or a supplementary group.
func (c *Credentials) InGroup(gid uint32) bool {
	if c.GID == gid {
		return true
	}
	for _, g := range c.Groups {
		if g == gid {
			return true
		}
	}
	return false
}
