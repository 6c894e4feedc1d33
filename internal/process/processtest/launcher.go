// Package processtest provides a launcher that spawns nothing and records
// processes in a fake process table.
package processtest

import (
	"context"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/barnr/internal/detector"
	"github.com/loykin/barnr/internal/detector/detectortest"
	"github.com/loykin/barnr/internal/process"
)

// Launcher is a fake process.Launcher backed by a detectortest.Table.
type Launcher struct {
	Table *detectortest.Table

	// LaunchErr fails every Launch when set.
	LaunchErr error
	// SignalErr is returned by Signal after the process is removed from the table.
	SignalErr error
	// Indirect makes the table report the child under pid+Indirect, the way a
	// wrapper script re-executing the real binary would.
	Indirect int

	mu       sync.Mutex
	next     int
	Launches []process.Spec
	Signals  []int
}

var _ process.Launcher = (*Launcher)(nil)

func (l *Launcher) Launch(_ context.Context, spec process.Spec) (process.Launched, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.LaunchErr != nil {
		return process.Launched{}, l.LaunchErr
	}
	if l.next == 0 {
		l.next = 1000
	}
	l.next += 10
	pid := l.next
	l.Launches = append(l.Launches, spec)
	now := time.Now()
	if l.Table != nil {
		l.Table.Add(detector.ProcInfo{
			PID:        pid + l.Indirect,
			Name:       spec.Argv[0],
			Cmdline:    detector.JoinArgv(spec.Argv),
			CreateTime: now.UnixMilli() + int64(pid),
		})
	}
	return process.Launched{PID: pid, Argv: append([]string(nil), spec.Argv...), StartedAt: now}, nil
}

func (l *Launcher) Signal(pid int, _ syscall.Signal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Signals = append(l.Signals, pid)
	if l.Table != nil {
		l.Table.Kill(pid)
	}
	return l.SignalErr
}

// LaunchCount returns the number of successful launches.
func (l *Launcher) LaunchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.Launches)
}

// Last returns the most recent launch spec.
func (l *Launcher) Last() process.Spec {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.Launches) == 0 {
		return process.Spec{}
	}
	return l.Launches[len(l.Launches)-1]
}
