package process

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/loykin/barnr/internal/env"
)

// Launcher spawns and signals supervised children.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Launched, error)
	Signal(pid int, sig syscall.Signal) error
}

// Detached launches children in their own session so they outlive the
// supervisor. Each child is reaped by a goroutine while the supervisor runs.
type Detached struct {
	Env *env.Env
}

var _ Launcher = (*Detached)(nil)

func (d *Detached) Launch(ctx context.Context, spec Spec) (Launched, error) {
	if err := ctx.Err(); err != nil {
		return Launched{}, err
	}
	cmd, err := spec.buildCommand()
	if err != nil {
		return Launched{}, err
	}
	base := d.Env
	if base == nil {
		base = env.New()
	}
	cmd.Env = base.Merge(spec.Env)
	configureSysProcAttr(cmd)

	var closers []io.Closer
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()
	switch {
	case spec.InheritStdio:
		cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	case spec.LogPath != "":
		f, err := openLog(spec.LogPath, spec.AppendLog)
		if err != nil {
			return Launched{}, err
		}
		closers = append(closers, f)
		cmd.Stdout, cmd.Stderr = f, f
	default:
		null, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		if err != nil {
			return Launched{}, err
		}
		closers = append(closers, null)
		cmd.Stdout, cmd.Stderr = null, null
	}

	if err := cmd.Start(); err != nil {
		return Launched{}, fmt.Errorf("spawn %s: %w", spec.Argv[0], err)
	}
	pid := cmd.Process.Pid
	slog.Debug("Process spawned", "name", spec.Name, "pid", pid, "argv", spec.Argv)
	go func() {
		err := cmd.Wait()
		slog.Debug("Process exited", "name", spec.Name, "pid", pid, "error", err)
	}()
	return Launched{PID: pid, Argv: append([]string(nil), spec.Argv...), StartedAt: time.Now()}, nil
}

func (d *Detached) Signal(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("signal: invalid pid %d", pid)
	}
	return killProcess(pid, sig)
}

func openLog(path string, appendMode bool) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	flags := os.O_CREATE | os.O_WRONLY
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	return os.OpenFile(filepath.Clean(path), flags, 0o640)
}
