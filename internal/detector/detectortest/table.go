// Package detectortest provides an in-memory process table for tests.
package detectortest

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/loykin/barnr/internal/detector"
)

// Table is a fake detector.Table. The zero value is empty and ready to use.
type Table struct {
	mu    sync.Mutex
	procs map[int]detector.ProcInfo
	// ProbeErr, when set, is returned by every Probe.
	ProbeErr error
}

var _ detector.Table = (*Table)(nil)

// Add registers a live process.
func (t *Table) Add(p detector.ProcInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.procs == nil {
		t.procs = make(map[int]detector.ProcInfo)
	}
	t.procs[p.PID] = p
}

// Kill removes pid from the table.
func (t *Table) Kill(pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.procs, pid)
}

// Alive reports whether pid is in the table.
func (t *Table) Alive(pid int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.procs[pid]
	return ok
}

func (t *Table) Probe(_ context.Context, pid int) (detector.ProcInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ProbeErr != nil {
		return detector.ProcInfo{}, t.ProbeErr
	}
	p, ok := t.procs[pid]
	if !ok {
		return detector.ProcInfo{}, detector.ErrNotRunning
	}
	return p, nil
}

func (t *Table) Find(_ context.Context, substr string) ([]detector.ProcInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []detector.ProcInfo
	for _, p := range t.procs {
		if strings.Contains(p.Cmdline, substr) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out, nil
}
