package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/barnr/internal/detector"
	"github.com/loykin/barnr/internal/history"
	"github.com/loykin/barnr/internal/process"
	"github.com/loykin/barnr/internal/record"
	"github.com/loykin/barnr/internal/rotation"
)

// DefaultPort is the port a server listens on when no ports are configured.
const DefaultPort = 7777

// InstanceOptions configure the instance supervisor.
type InstanceOptions struct {
	// Binary is the server executable. It is also the scan signature.
	Binary string
	// DefaultPort is reported for instances without configured ports.
	DefaultPort int
	// ReconcileDelay is how long a fresh spawn settles before its pid is verified.
	ReconcileDelay time.Duration
}

// Instances supervises the server process of every instance.
type Instances struct {
	core
	binary      string
	defaultPort int
}

func NewInstances(d Deps, o InstanceOptions) *Instances {
	if o.DefaultPort <= 0 {
		o.DefaultPort = DefaultPort
	}
	c := newCore(d, KindServer, o.ReconcileDelay, func(r *record.Record) *record.Proc { return &r.Proc })
	c.markStart = true
	return &Instances{core: c, binary: o.Binary, defaultPort: o.DefaultPort}
}

func (s *Instances) Binary() string { return s.binary }

func (s *Instances) DefaultPort() int { return s.defaultPort }

// IsRunning probes the recorded pid of name, clearing it if the process is gone.
func (s *Instances) IsRunning(ctx context.Context, name string) (bool, error) {
	return s.isRunning(ctx, name)
}

// Start rotates the files of name and launches its server. overridePort > 0
// replaces the configured ports for this run only.
func (s *Instances) Start(ctx context.Context, name string, overridePort int) (int, error) {
	rec, alive, err := s.probe(ctx, name)
	if err != nil {
		return 0, err
	}
	if rec.Disabled {
		return 0, fmt.Errorf("%s: %w", name, record.ErrDisabled)
	}
	if alive {
		return *rec.PID, fmt.Errorf("server %s: %w", name, ErrAlreadyRunning)
	}
	return s.launch(ctx, rec, overridePort, history.EventStart)
}

func (s *Instances) launch(ctx context.Context, rec record.Record, overridePort int, ev history.EventType) (int, error) {
	dir := s.Repo.InstanceDir(rec.Name)
	data, err := rotation.Rotate(dir, rec.Name, rotation.Data)
	if err != nil {
		return 0, fmt.Errorf("start %s: %w", rec.Name, err)
	}
	logs, err := rotation.Rotate(dir, rec.Name, rotation.Log)
	if err != nil {
		return 0, fmt.Errorf("start %s: %w", rec.Name, err)
	}
	slog.Debug("Rotated instance files", "name", rec.Name, "input", data.Input,
		"archived", data.Archived, "promoted", data.Promoted)
	spec := process.Spec{
		Name:         rec.Name,
		Argv:         ServerCommand(s.binary, rec.LaunchArgs, data.Input, data.Pending, overridePort),
		Dir:          dir,
		LogPath:      logs.Pending,
		InheritStdio: rec.LaunchArgs.ScriptFile != "",
	}
	return s.spawn(ctx, rec.Name, spec, ev)
}

// Stop sends SIGTERM to the server of name and clears its pid.
func (s *Instances) Stop(ctx context.Context, name string) error {
	return s.stop(ctx, name)
}

// StartAll starts every enabled instance that is not running.
func (s *Instances) StartAll(ctx context.Context) []Result {
	res := s.sweep(ctx, func(r record.Record) bool { return !r.Disabled }, func(ctx context.Context, name string) (int, error) {
		return s.Start(ctx, name, 0)
	})
	logResults("start", s.kind, res)
	return res
}

// StopAll stops every running instance.
func (s *Instances) StopAll(ctx context.Context) []Result {
	res := s.sweep(ctx, func(r record.Record) bool { return r.Tracked() }, func(ctx context.Context, name string) (int, error) {
		return 0, s.Stop(ctx, name)
	})
	logResults("stop", s.kind, res)
	return res
}

// Resurrect relaunches every instance whose recorded process died. Disabled
// instances only get their pid cleared.
func (s *Instances) Resurrect(ctx context.Context) []Result {
	res := s.sweep(ctx, func(r record.Record) bool { return r.Tracked() }, func(ctx context.Context, name string) (int, error) {
		rec, alive, err := s.probe(ctx, name)
		if err != nil {
			return 0, err
		}
		if alive {
			return 0, ErrAlreadyRunning
		}
		if rec.Disabled {
			return 0, ErrAlreadyStopped
		}
		slog.Info("Resurrecting instance", "name", name)
		return s.launch(ctx, rec, 0, history.EventResurrect)
	})
	logResults("resurrect", s.kind, res)
	return res
}

// Recover adopts running servers whose command line matches an instance that
// has no live claim.
func (s *Instances) Recover(ctx context.Context) []Result {
	res := s.recover(ctx, s.binary, s.candidates)
	logResults("recover", s.kind, res)
	return res
}

// candidates are the command lines a live server of rec could have been started with.
func (s *Instances) candidates(rec record.Record) [][]string {
	dir := s.Repo.InstanceDir(rec.Name)
	out := [][]string{rec.LaunchCommand}
	pending := rotation.Path(dir, rec.Name, rotation.Data, rotation.Pending)
	for _, gen := range []rotation.Generation{rotation.Source, rotation.Current} {
		input := rotation.Path(dir, rec.Name, rotation.Data, gen)
		out = append(out, ServerCommand(s.binary, rec.LaunchArgs, input, pending, 0))
	}
	return out
}

// Scan lists processes running the server binary.
func (s *Instances) Scan(ctx context.Context) ([]detector.ProcInfo, error) {
	return s.Table.Find(ctx, s.binary)
}

// Refresh updates the running gauge and usage metrics.
func (s *Instances) Refresh(ctx context.Context) (int, error) {
	return s.refresh(ctx)
}

// Controller returns the scheduler loop controller of the instance supervisor.
func (s *Instances) Controller() *Controller {
	return &Controller{name: "instances", sup: s}
}
