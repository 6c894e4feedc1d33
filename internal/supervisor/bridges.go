package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/loykin/barnr/internal/detector"
	"github.com/loykin/barnr/internal/history"
	"github.com/loykin/barnr/internal/process"
	"github.com/loykin/barnr/internal/record"
)

// BridgeOptions configure the bridge supervisor.
type BridgeOptions struct {
	Binary string
	// Args precede the bridge flags, e.g. the script run by an interpreter binary.
	Args           []string
	ReconcileDelay time.Duration
}

// Bridges supervises the websocket to telnet bridge of every instance.
type Bridges struct {
	core
	binary string
	args   []string
}

func NewBridges(d Deps, o BridgeOptions) *Bridges {
	c := newCore(d, KindBridge, o.ReconcileDelay, func(r *record.Record) *record.Proc { return &r.Bridge.Proc })
	return &Bridges{core: c, binary: o.Binary, args: append([]string(nil), o.Args...)}
}

// Signature is the command line fragment identifying bridge processes.
func (b *Bridges) Signature() string {
	if len(b.args) > 0 {
		return b.args[0]
	}
	return b.binary
}

func LogPath(dir, name string) string { return filepath.Join(dir, name+".bridge.log") }

func (b *Bridges) IsRunning(ctx context.Context, name string) (bool, error) {
	return b.isRunning(ctx, name)
}

// Start launches the bridge of name.
func (b *Bridges) Start(ctx context.Context, name string) (int, error) {
	rec, alive, err := b.probe(ctx, name)
	if err != nil {
		return 0, err
	}
	if !rec.Bridge.Configured() {
		return 0, fmt.Errorf("%s: %w", name, ErrBridgeInert)
	}
	if rec.Disabled {
		return 0, fmt.Errorf("%s: %w", name, record.ErrDisabled)
	}
	if alive {
		return *rec.Bridge.PID, fmt.Errorf("bridge %s: %w", name, ErrAlreadyRunning)
	}
	return b.launch(ctx, rec, history.EventStart)
}

func (b *Bridges) launch(ctx context.Context, rec record.Record, ev history.EventType) (int, error) {
	dir := b.Repo.InstanceDir(rec.Name)
	spec := process.Spec{
		Name:      rec.Name + ".bridge",
		Argv:      BridgeCommand(b.binary, b.args, rec.Bridge),
		Dir:       dir,
		LogPath:   LogPath(dir, rec.Name),
		AppendLog: true,
	}
	return b.spawn(ctx, rec.Name, spec, ev)
}

func (b *Bridges) Stop(ctx context.Context, name string) error {
	return b.stop(ctx, name)
}

// StartAll starts every configured bridge of an enabled instance.
func (b *Bridges) StartAll(ctx context.Context) []Result {
	res := b.sweep(ctx, func(r record.Record) bool { return !r.Disabled && r.Bridge.Configured() }, b.Start)
	logResults("start", b.kind, res)
	return res
}

func (b *Bridges) StopAll(ctx context.Context) []Result {
	res := b.sweep(ctx, func(r record.Record) bool { return r.Bridge.Tracked() }, func(ctx context.Context, name string) (int, error) {
		return 0, b.Stop(ctx, name)
	})
	logResults("stop", b.kind, res)
	return res
}

// Resurrect relaunches bridges whose recorded process died.
func (b *Bridges) Resurrect(ctx context.Context) []Result {
	res := b.sweep(ctx, func(r record.Record) bool { return r.Bridge.Tracked() }, func(ctx context.Context, name string) (int, error) {
		rec, alive, err := b.probe(ctx, name)
		if err != nil {
			return 0, err
		}
		if alive {
			return 0, ErrAlreadyRunning
		}
		if rec.Disabled {
			return 0, ErrAlreadyStopped
		}
		if !rec.Bridge.Configured() {
			return 0, ErrBridgeInert
		}
		slog.Info("Resurrecting bridge", "name", name)
		return b.launch(ctx, rec, history.EventResurrect)
	})
	logResults("resurrect", b.kind, res)
	return res
}

func (b *Bridges) Recover(ctx context.Context) []Result {
	res := b.recover(ctx, b.Signature(), b.candidates)
	logResults("recover", b.kind, res)
	return res
}

func (b *Bridges) candidates(rec record.Record) [][]string {
	out := [][]string{rec.Bridge.LaunchCommand}
	if rec.Bridge.Configured() {
		out = append(out, BridgeCommand(b.binary, b.args, rec.Bridge))
	}
	return out
}

func (b *Bridges) Scan(ctx context.Context) ([]detector.ProcInfo, error) {
	return b.Table.Find(ctx, b.Signature())
}

func (b *Bridges) Refresh(ctx context.Context) (int, error) {
	return b.refresh(ctx)
}

func (b *Bridges) Controller() *Controller {
	return &Controller{name: "bridges", sup: b}
}
