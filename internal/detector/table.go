package detector

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// ErrNotRunning is returned by Probe when no live process has the pid.
var ErrNotRunning = errors.New("process not running")

// ProcInfo is one row of the OS process table.
type ProcInfo struct {
	PID        int    `json:"pid"`
	Name       string `json:"name"`
	Cmdline    string `json:"cmdline"`
	CreateTime int64  `json:"create_time"` // unix ms, 0 when unknown
}

// Table is a view of the OS process table.
type Table interface {
	// Probe returns the live process with pid, or ErrNotRunning.
	Probe(ctx context.Context, pid int) (ProcInfo, error)
	// Find lists live processes whose command line contains substr.
	Find(ctx context.Context, substr string) ([]ProcInfo, error)
}

// Usage is a resource snapshot of a live process.
type Usage struct {
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
}

// UsageReader is implemented by tables able to report resource usage.
type UsageReader interface {
	Usage(ctx context.Context, pid int) (Usage, error)
}

// System reads the process table through gopsutil. Zombies are reported as not running.
type System struct{}

var _ Table = System{}
var _ UsageReader = System{}

func (System) Probe(ctx context.Context, pid int) (ProcInfo, error) {
	if pid <= 0 {
		return ProcInfo{}, ErrNotRunning
	}
	ok, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil {
		return ProcInfo{}, fmt.Errorf("probe pid %d: %w", pid, err)
	}
	if !ok {
		return ProcInfo{}, ErrNotRunning
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return ProcInfo{}, ErrNotRunning
	}
	if zombie(ctx, p) {
		return ProcInfo{}, ErrNotRunning
	}
	return describe(ctx, p), nil
}

func (System) Find(ctx context.Context, substr string) ([]ProcInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	var out []ProcInfo
	for _, p := range procs {
		cmd, err := p.CmdlineWithContext(ctx)
		if err != nil || cmd == "" || !strings.Contains(cmd, substr) {
			continue
		}
		if zombie(ctx, p) {
			continue
		}
		info := describe(ctx, p)
		info.Cmdline = cmd
		out = append(out, info)
	}
	return out, nil
}

func (System) Usage(ctx context.Context, pid int) (Usage, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return Usage{}, err
	}
	var u Usage
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		u.RSSBytes = mem.RSS
	}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		u.CPUPercent = cpu
	}
	return u, nil
}

func zombie(ctx context.Context, p *process.Process) bool {
	st, err := p.StatusWithContext(ctx)
	if err != nil {
		return false
	}
	for _, s := range st {
		if s == process.Zombie {
			return true
		}
	}
	return false
}

func describe(ctx context.Context, p *process.Process) ProcInfo {
	info := ProcInfo{PID: int(p.Pid)}
	if n, err := p.NameWithContext(ctx); err == nil {
		info.Name = n
	}
	if c, err := p.CmdlineWithContext(ctx); err == nil {
		info.Cmdline = c
	}
	if ct, err := p.CreateTimeWithContext(ctx); err == nil {
		info.CreateTime = ct
	}
	return info
}

// JoinArgv renders argv the way Table reports command lines.
func JoinArgv(argv []string) string { return strings.Join(argv, " ") }
