// Package supervisor starts, stops and reconciles the OS processes of server
// instances and their protocol bridges.
//
// Every run-state decision re-verifies the recorded pid against the process
// table first; a pid whose process is gone is cleared and persisted before the
// decision is made.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"syscall"
	"time"

	"github.com/loykin/barnr/internal/detector"
	"github.com/loykin/barnr/internal/history"
	"github.com/loykin/barnr/internal/metrics"
	"github.com/loykin/barnr/internal/process"
	"github.com/loykin/barnr/internal/record"
)

const (
	KindServer = "server"
	KindBridge = "bridge"

	DefaultReconcileDelay = 400 * time.Millisecond
)

var (
	ErrAlreadyRunning = errors.New("already running")
	ErrAlreadyStopped = errors.New("already stopped")
	ErrBridgeInert    = errors.New("bridge has no ports configured")
)

// Deps are the collaborators shared by both supervisors.
type Deps struct {
	Repo     record.Repository
	Table    detector.Table
	Launcher process.Launcher
	// History is optional.
	History *history.Recorder
}

// Result is the outcome of a sweep for one instance.
type Result struct {
	Name string
	PID  int
	Err  error
}

// Errors joins the failures of a sweep, or returns nil.
func Errors(results []Result) error {
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Name, r.Err))
		}
	}
	return errors.Join(errs...)
}

// core implements the pid bookkeeping common to instances and bridges. proc
// selects which claim of a record the supervisor owns.
type core struct {
	Deps
	kind      string
	delay     time.Duration
	markStart bool
	proc      func(*record.Record) *record.Proc
	now       func() time.Time
}

func newCore(d Deps, kind string, delay time.Duration, proc func(*record.Record) *record.Proc) core {
	if d.Table == nil {
		d.Table = detector.System{}
	}
	if d.Launcher == nil {
		d.Launcher = &process.Detached{}
	}
	if delay < 0 {
		delay = 0
	}
	return core{Deps: d, kind: kind, delay: delay, proc: proc, now: time.Now}
}

// probe reads the record of name and checks its claim. A dead claim is cleared
// and persisted; probe failures count as dead.
func (c *core) probe(ctx context.Context, name string) (record.Record, bool, error) {
	rec, err := c.Repo.Get(ctx, name)
	if err != nil {
		return rec, false, err
	}
	p := c.proc(&rec)
	if !p.Tracked() {
		return rec, false, nil
	}
	stale := *p.PID
	if c.alive(ctx, *p) {
		return rec, true, nil
	}
	rec, err = c.Repo.Update(ctx, name, func(r *record.Record) error {
		if q := c.proc(r); q.PID != nil && *q.PID == stale {
			q.Clear()
		}
		return nil
	})
	if err != nil {
		return rec, false, err
	}
	metrics.IncStalePID(c.kind)
	metrics.ClearUsage(c.kind, name)
	slog.Info("Cleared stale pid", "kind", c.kind, "name", name, "pid", stale)
	return rec, false, nil
}

// alive checks a claim against the process table.
func (c *core) alive(ctx context.Context, p record.Proc) bool {
	if !p.Tracked() {
		return false
	}
	ok, err := detector.PIDDetector{Table: c.Table, PID: *p.PID, StartedAt: p.PIDStartedAt}.Alive(ctx)
	if err != nil {
		slog.Debug("Liveness probe failed", "kind", c.kind, "pid", *p.PID, "error", err)
		return false
	}
	return ok
}

func (c *core) isRunning(ctx context.Context, name string) (bool, error) {
	_, alive, err := c.probe(ctx, name)
	return alive, err
}

// createTime returns the creation time of pid, or 0 when it cannot be read.
func (c *core) createTime(ctx context.Context, pid int) int64 {
	info, err := c.Table.Probe(ctx, pid)
	if err != nil {
		return 0
	}
	return info.CreateTime
}

// spawn launches spec and records the claim. The spawn pid is kept unless,
// after the settle delay, exactly one other process runs the identical command
// line, in which case that process is adopted.
func (c *core) spawn(ctx context.Context, name string, spec process.Spec, ev history.EventType) (int, error) {
	launched, err := c.Launcher.Launch(ctx, spec)
	if err != nil {
		return 0, fmt.Errorf("launch %s %s: %w", c.kind, name, err)
	}
	pid := launched.PID
	startedAt := c.createTime(ctx, pid)
	if startedAt == 0 && !launched.StartedAt.IsZero() {
		startedAt = launched.StartedAt.UnixMilli()
	}
	now := c.now()
	if _, err := c.Repo.Update(ctx, name, func(r *record.Record) error {
		c.proc(r).Set(pid, startedAt, launched.Argv)
		if c.markStart {
			r.LastStartAt = now.UnixMilli()
		}
		return nil
	}); err != nil {
		return pid, fmt.Errorf("record %s %s pid %d: %w", c.kind, name, pid, err)
	}
	pid = c.settle(ctx, name, pid, launched.Argv)

	metrics.IncStart(c.kind, name)
	if ev == history.EventResurrect {
		metrics.IncResurrection(c.kind, name)
	}
	e := history.NewEvent(ev, c.kind, name)
	e.PID = pid
	e.Detail = detector.JoinArgv(launched.Argv)
	c.History.Emit(ctx, e)
	slog.Info("Process started", "kind", c.kind, "name", name, "pid", pid, "event", ev)
	return pid, nil
}

func (c *core) settle(ctx context.Context, name string, pid int, argv []string) int {
	if c.delay > 0 {
		t := time.NewTimer(c.delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return pid
		}
	}
	matches, err := detector.CmdlineDetector{
		Table:     c.Table,
		Signature: argv[0],
		Cmdline:   detector.JoinArgv(argv),
	}.Matches(ctx)
	if err != nil {
		slog.Debug("Settle scan failed", "kind", c.kind, "name", name, "error", err)
		return pid
	}
	var others []detector.ProcInfo
	for _, p := range matches {
		if p.PID == pid {
			return pid
		}
		others = append(others, p)
	}
	if len(others) != 1 {
		return pid
	}
	found := others[0]
	if _, err := c.Repo.Update(ctx, name, func(r *record.Record) error {
		if q := c.proc(r); q.PID != nil && *q.PID == pid {
			q.Set(found.PID, found.CreateTime, nil)
		}
		return nil
	}); err != nil {
		slog.Warn("Failed to record settled pid", "kind", c.kind, "name", name, "pid", found.PID, "error", err)
		return pid
	}
	slog.Info("Adopted indirect child", "kind", c.kind, "name", name, "spawn_pid", pid, "pid", found.PID)
	return found.PID
}

// stop signals the claimed process. The claim is cleared whatever the signal
// outcome; a process that is already gone is not an error.
func (c *core) stop(ctx context.Context, name string) (err error) {
	rec, alive, err := c.probe(ctx, name)
	if err != nil {
		return err
	}
	if !alive {
		return fmt.Errorf("%s %s: %w", c.kind, name, ErrAlreadyStopped)
	}
	pid := *c.proc(&rec).PID
	defer func() {
		_, uerr := c.Repo.Update(context.WithoutCancel(ctx), name, func(r *record.Record) error {
			c.proc(r).Clear()
			return nil
		})
		if uerr != nil && err == nil {
			err = uerr
		}
		metrics.IncStop(c.kind, name)
		metrics.ClearUsage(c.kind, name)
		e := history.NewEvent(history.EventStop, c.kind, name)
		e.PID = pid
		if err != nil {
			e.Detail = err.Error()
		}
		c.History.Emit(ctx, e)
	}()
	if serr := c.Launcher.Signal(pid, syscall.SIGTERM); serr != nil && !process.IsGone(serr) {
		return fmt.Errorf("signal %s %s pid %d: %w", c.kind, name, pid, serr)
	}
	slog.Info("Process stopped", "kind", c.kind, "name", name, "pid", pid)
	return nil
}

// refresh probes every record, publishes the running gauge and usage metrics
// and returns the number of live processes.
func (c *core) refresh(ctx context.Context) (int, error) {
	recs, err := c.Repo.List(ctx)
	if err != nil {
		return 0, err
	}
	usage, _ := c.Table.(detector.UsageReader)
	n := 0
	for _, r := range recs {
		fresh, alive, err := c.probe(ctx, r.Name)
		if err != nil {
			slog.Warn("Refresh failed", "kind", c.kind, "name", r.Name, "error", err)
			continue
		}
		if !alive {
			continue
		}
		n++
		if usage != nil {
			if u, err := usage.Usage(ctx, *c.proc(&fresh).PID); err == nil {
				metrics.SetUsage(c.kind, r.Name, u.RSSBytes, u.CPUPercent)
			}
		}
	}
	metrics.SetRunning(c.kind, n)
	return n, nil
}

// sweep applies fn to the records selected by want, in name order.
func (c *core) sweep(ctx context.Context, want func(record.Record) bool, fn func(context.Context, string) (int, error)) []Result {
	recs, err := c.Repo.List(ctx)
	if err != nil {
		return []Result{{Err: err}}
	}
	var out []Result
	for _, r := range recs {
		if ctx.Err() != nil {
			out = append(out, Result{Name: r.Name, Err: ctx.Err()})
			continue
		}
		if want != nil && !want(r) {
			continue
		}
		pid, err := fn(ctx, r.Name)
		if errors.Is(err, ErrAlreadyRunning) || errors.Is(err, ErrAlreadyStopped) || errors.Is(err, ErrBridgeInert) {
			continue
		}
		out = append(out, Result{Name: r.Name, PID: pid, Err: err})
	}
	return out
}

func logResults(op, kind string, results []Result) {
	for _, r := range results {
		if r.Err != nil {
			slog.Warn("Sweep item failed", "op", op, "kind", kind, "name", r.Name, "error", r.Err)
		}
	}
}
