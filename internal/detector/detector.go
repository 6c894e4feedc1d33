package detector

import (
	"context"
	"errors"
	"fmt"
)

// Detector is a strategy that determines if a process is running.
// It must be safe for concurrent use.
type Detector interface {
	// Alive returns true if the process is detected as running.
	Alive(ctx context.Context) (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// PIDDetector checks a recorded pid. When StartedAt is set, a live process
// created in a different second is a reused pid and counts as dead.
type PIDDetector struct {
	Table     Table
	PID       int
	StartedAt int64
}

func (d PIDDetector) Alive(ctx context.Context) (bool, error) {
	info, err := d.Table.Probe(ctx, d.PID)
	if err != nil {
		if errors.Is(err, ErrNotRunning) {
			return false, nil
		}
		return false, err
	}
	// Creation times are unix ms; compare at second granularity since
	// platforms round them differently.
	if d.StartedAt > 0 && info.CreateTime > 0 && info.CreateTime/1000 != d.StartedAt/1000 {
		return false, nil
	}
	return true, nil
}

func (d PIDDetector) Describe() string { return fmt.Sprintf("pid:%d", d.PID) }

// CmdlineDetector looks for a process whose full command line equals Cmdline.
// Signature narrows the scan and defaults to Cmdline. Pids in Exclude are
// never reported.
type CmdlineDetector struct {
	Table     Table
	Signature string
	Cmdline   string
	Exclude   map[int]bool
}

// Matches returns every process whose command line equals Cmdline, in table
// order.
func (d CmdlineDetector) Matches(ctx context.Context) ([]ProcInfo, error) {
	sig := d.Signature
	if sig == "" {
		sig = d.Cmdline
	}
	procs, err := d.Table.Find(ctx, sig)
	if err != nil {
		return nil, err
	}
	var out []ProcInfo
	for _, p := range procs {
		if p.Cmdline == d.Cmdline && !d.Exclude[p.PID] {
			out = append(out, p)
		}
	}
	return out, nil
}

// Match returns the first process whose command line equals Cmdline.
func (d CmdlineDetector) Match(ctx context.Context) (ProcInfo, bool, error) {
	procs, err := d.Matches(ctx)
	if err != nil || len(procs) == 0 {
		return ProcInfo{}, false, err
	}
	return procs[0], true, nil
}

func (d CmdlineDetector) Alive(ctx context.Context) (bool, error) {
	_, ok, err := d.Match(ctx)
	return ok, err
}

func (d CmdlineDetector) Describe() string { return "cmdline:" + d.Cmdline }
