package supervisor

import (
	"context"
	"log/slog"

	"github.com/loykin/barnr/internal/detector"
	"github.com/loykin/barnr/internal/history"
	"github.com/loykin/barnr/internal/metrics"
	"github.com/loykin/barnr/internal/record"
)

// recover re-attaches claims lost by an unclean shutdown. Records without a
// live claim are matched, by exact command line, against the processes found
// with signature. A process is adopted at most once.
func (c *core) recover(ctx context.Context, signature string, candidates func(record.Record) [][]string) []Result {
	recs, err := c.Repo.List(ctx)
	if err != nil {
		return []Result{{Err: err}}
	}
	used := make(map[int]bool)
	var orphans []record.Record
	var out []Result
	for _, r := range recs {
		fresh, err := c.Repo.Get(ctx, r.Name)
		if err != nil {
			out = append(out, Result{Name: r.Name, Err: err})
			continue
		}
		// Dead claims are left in place: resurrection still needs them.
		if claim := c.proc(&fresh); c.alive(ctx, *claim) {
			used[*claim.PID] = true
			continue
		}
		orphans = append(orphans, fresh)
	}

	for _, rec := range orphans {
		p, argv, ok, err := c.match(ctx, signature, used, candidates(rec))
		if err != nil {
			out = append(out, Result{Name: rec.Name, Err: err})
			continue
		}
		if !ok {
			continue
		}
		seen := c.proc(&rec).PID
		adopted := false
		_, err = c.Repo.Update(ctx, rec.Name, func(r *record.Record) error {
			q := c.proc(r)
			if q.PID == nil || (seen != nil && *q.PID == *seen) {
				q.Set(p.PID, p.CreateTime, argv)
				adopted = true
			}
			return nil
		})
		if err != nil {
			out = append(out, Result{Name: rec.Name, Err: err})
			continue
		}
		if !adopted {
			continue
		}
		used[p.PID] = true
		metrics.IncRecovery(c.kind, rec.Name)
		e := history.NewEvent(history.EventRecover, c.kind, rec.Name)
		e.PID = p.PID
		e.Detail = p.Cmdline
		c.History.Emit(ctx, e)
		slog.Info("Recovered running process", "kind", c.kind, "name", rec.Name, "pid", p.PID)
		out = append(out, Result{Name: rec.Name, PID: p.PID})
	}
	return out
}

// match returns the first process, not in used, running one of candidates.
func (c *core) match(ctx context.Context, signature string, used map[int]bool, candidates [][]string) (detector.ProcInfo, []string, bool, error) {
	for _, argv := range candidates {
		if len(argv) == 0 {
			continue
		}
		p, ok, err := detector.CmdlineDetector{
			Table:     c.Table,
			Signature: signature,
			Cmdline:   detector.JoinArgv(argv),
			Exclude:   used,
		}.Match(ctx)
		if err != nil || ok {
			return p, argv, ok, err
		}
	}
	return detector.ProcInfo{}, nil, false, nil
}

type sweeper interface {
	Recover(ctx context.Context) []Result
	Resurrect(ctx context.Context) []Result
	Refresh(ctx context.Context) (int, error)
}

// Controller plugs a supervisor into the scheduler loop: recovery and
// resurrection on start, a liveness refresh on every tick.
type Controller struct {
	name string
	sup  sweeper
}

func (c *Controller) Name() string { return c.name }

func (c *Controller) Start(ctx context.Context) error {
	recovered := c.sup.Recover(ctx)
	resurrected := c.sup.Resurrect(ctx)
	slog.Info("Supervisor started", "controller", c.name,
		"recovered", len(recovered), "resurrected", len(resurrected))
	return nil
}

func (c *Controller) Stop(context.Context) error { return nil }

func (c *Controller) OnTick(ctx context.Context) error {
	_, err := c.sup.Refresh(ctx)
	return err
}
