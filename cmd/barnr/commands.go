package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/barnr"
	"github.com/loykin/barnr/internal/cron"
	"github.com/loykin/barnr/internal/logger"
	"github.com/loykin/barnr/pkg/client"
)

type command struct {
	flags *GlobalFlags
	opts  []barnr.Option
}

// open loads the config, installs the logger and opens the barn. The returned
// func releases all of it.
func (c *command) open(ctx context.Context, tweak func(*barnr.Config) error) (*barnr.Barn, func(), error) {
	cfg, err := barnr.LoadConfig(c.flags.ConfigPath)
	if err != nil {
		return nil, nil, fmt.Errorf("error loading config: %w", err)
	}
	if tweak != nil {
		if err := tweak(cfg); err != nil {
			return nil, nil, err
		}
	}
	logCloser, err := logger.Setup(cfg.Logger())
	if err != nil {
		return nil, nil, err
	}
	b, err := barnr.Open(ctx, cfg, c.opts...)
	if err != nil {
		_ = logCloser.Close()
		return nil, nil, err
	}
	return b, func() {
		if err := b.Close(); err != nil {
			slog.Warn("Close failed", "error", err)
		}
		_ = logCloser.Close()
	}, nil
}

// run opens the barn for a one-shot command bounded by --timeout.
func (c *command) run(cmd *cobra.Command, fn func(ctx context.Context, b *barnr.Barn, out io.Writer) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if c.flags.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.flags.Timeout)
		defer cancel()
	}
	b, done, err := c.open(ctx, nil)
	if err != nil {
		return err
	}
	defer done()
	return fn(ctx, b, cmd.OutOrStdout())
}

func (c *command) Init(cmd *cobra.Command, name, dataset string) error {
	return c.run(cmd, func(ctx context.Context, b *barnr.Barn, out io.Writer) error {
		if _, err := b.Init(ctx, name, dataset); err != nil {
			return describe(err, name, dataset)
		}
		_, _ = fmt.Fprintf(out, "Successfully initialized %s from %s\n", name, dataset)
		return nil
	})
}

func (c *command) Start(cmd *cobra.Command, name, port string) error {
	override := 0
	if port != "" {
		p, err := strconv.Atoi(port)
		if err != nil || p <= 0 || p > 65535 {
			return fmt.Errorf("invalid port %q", port)
		}
		override = p
	}
	return c.run(cmd, func(ctx context.Context, b *barnr.Barn, out io.Writer) error {
		if name == "" {
			results := b.StartAll(ctx)
			printResults(out, "Started", results)
			return barnr.Errors(results)
		}
		pid, err := b.Start(ctx, name, override)
		if err != nil {
			return describe(err, name, "")
		}
		_, _ = fmt.Fprintf(out, "Started %s [%d]\n", name, pid)
		return nil
	})
}

func (c *command) Stop(cmd *cobra.Command, name string) error {
	return c.run(cmd, func(ctx context.Context, b *barnr.Barn, out io.Writer) error {
		if name == "" {
			results := b.StopAll(ctx)
			printResults(out, "Stopped", results)
			return barnr.Errors(results)
		}
		if err := b.Stop(ctx, name); err != nil {
			return describe(err, name, "")
		}
		_, _ = fmt.Fprintf(out, "Stopped %s\n", name)
		return nil
	})
}

func (c *command) Backup(cmd *cobra.Command, name string) error {
	return c.run(cmd, func(ctx context.Context, b *barnr.Barn, out io.Writer) error {
		if name == "" {
			var errs []error
			for _, r := range b.BackupAll(ctx, true) {
				if r.Err != nil {
					errs = append(errs, r.Err)
					continue
				}
				_, _ = fmt.Fprintf(out, "Backed up %s to %s\n", r.Name, r.Archive)
			}
			return errors.Join(errs...)
		}
		r, err := b.Backup(ctx, name)
		if err != nil {
			return describe(err, name, "")
		}
		_, _ = fmt.Fprintf(out, "Backed up %s to %s\n", r.Name, r.Archive)
		return nil
	})
}

func (c *command) List(cmd *cobra.Command) error {
	return c.run(cmd, func(ctx context.Context, b *barnr.Barn, out io.Writer) error {
		sts, err := b.Statuses(ctx)
		if err != nil {
			return err
		}
		printList(out, sts)
		return nil
	})
}

func (c *command) Info(cmd *cobra.Command, name string) error {
	return c.run(cmd, func(ctx context.Context, b *barnr.Barn, out io.Writer) error {
		if name != "" {
			st, err := b.Status(ctx, name)
			if err != nil {
				return describe(err, name, "")
			}
			printInfo(out, st)
			return nil
		}
		sts, err := b.Statuses(ctx)
		if err != nil {
			return err
		}
		for _, st := range sts {
			printInfo(out, st)
		}
		_, _ = fmt.Fprintln(out)
		return nil
	})
}

func (c *command) Scan(cmd *cobra.Command, bridges bool) error {
	return c.run(cmd, func(ctx context.Context, b *barnr.Barn, out io.Writer) error {
		scan, what := b.Scan, "server"
		if bridges {
			scan, what = b.ScanBridges, "bridge"
		}
		procs, err := scan(ctx)
		if err != nil {
			return err
		}
		printScan(out, what, procs)
		return nil
	})
}

func (c *command) Bridges(cmd *cobra.Command) error {
	return c.run(cmd, func(ctx context.Context, b *barnr.Barn, out io.Writer) error {
		bs, err := b.BridgeStatuses(ctx)
		if err != nil {
			return err
		}
		printBridges(out, bs)
		return nil
	})
}

func (c *command) StartBridge(cmd *cobra.Command, name string) error {
	return c.run(cmd, func(ctx context.Context, b *barnr.Barn, out io.Writer) error {
		if name == "" {
			results := b.StartBridges(ctx)
			printResults(out, "Started bridge", results)
			return barnr.Errors(results)
		}
		pid, err := b.StartBridge(ctx, name)
		if err != nil {
			return describe(err, name, "")
		}
		_, _ = fmt.Fprintf(out, "Started bridge %s [%d]\n", name, pid)
		return nil
	})
}

func (c *command) StopBridge(cmd *cobra.Command, name string) error {
	return c.run(cmd, func(ctx context.Context, b *barnr.Barn, out io.Writer) error {
		if name == "" {
			results := b.StopBridges(ctx)
			printResults(out, "Stopped bridge", results)
			return barnr.Errors(results)
		}
		if err := b.StopBridge(ctx, name); err != nil {
			return describe(err, name, "")
		}
		_, _ = fmt.Fprintf(out, "Stopped bridge %s\n", name)
		return nil
	})
}

func (c *command) Tick(cmd *cobra.Command) error {
	return c.run(cmd, func(ctx context.Context, b *barnr.Barn, out io.Writer) error {
		tickErr := b.Tick(ctx)
		st, err := b.SchedulerState(ctx)
		if err != nil {
			return errors.Join(tickErr, err)
		}
		printScheduler(out, st)
		return tickErr
	})
}

// Serve runs until SIGINT or SIGTERM.
func (c *command) Serve(cmd *cobra.Command, f ServeFlags) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, done, err := c.open(ctx, func(cfg *barnr.Config) error {
		if f.Interval != "" {
			d, err := cron.ParseInterval(f.Interval)
			if err != nil {
				return err
			}
			cfg.LoopInterval = d
		}
		if f.Listen != "" {
			cfg.HTTP.Listen = f.Listen
		}
		return nil
	})
	if err != nil {
		return err
	}
	defer done()
	defer func() {
		if err := removePidFile(f.PidFile); err != nil && !os.IsNotExist(err) {
			slog.Warn("Remove pid file failed", "path", f.PidFile, "error", err)
		}
	}()

	slog.Info("Starting barnr", "version", version, "barn", b.Config().BarnDir,
		"interval", b.Config().LoopInterval)
	return b.Serve(ctx)
}

// remote runs fn against the status server of a running barnr serve.
func (c *command) remote(cmd *cobra.Command, rf RemoteFlags, fn func(ctx context.Context, cl *client.Client, out io.Writer) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cl, err := client.New(client.Config{
		BaseURL:  rf.URL,
		Timeout:  c.flags.Timeout,
		CACert:   rf.CACert,
		Insecure: rf.Insecure,
	})
	if err != nil {
		return err
	}
	return fn(ctx, cl, cmd.OutOrStdout())
}

func (c *command) RemoteList(cmd *cobra.Command, rf RemoteFlags) error {
	return c.remote(cmd, rf, func(ctx context.Context, cl *client.Client, out io.Writer) error {
		sts, err := cl.Instances(ctx)
		if err != nil {
			return err
		}
		printList(out, sts)
		return nil
	})
}

func (c *command) RemoteInfo(cmd *cobra.Command, rf RemoteFlags, name string) error {
	return c.remote(cmd, rf, func(ctx context.Context, cl *client.Client, out io.Writer) error {
		if name != "" {
			st, err := cl.Instance(ctx, name)
			if err != nil {
				return describe(err, name, "")
			}
			printInfo(out, st)
			return nil
		}
		sts, err := cl.Instances(ctx)
		if err != nil {
			return err
		}
		for _, st := range sts {
			printInfo(out, st)
		}
		_, _ = fmt.Fprintln(out)
		return nil
	})
}

func (c *command) RemoteBridges(cmd *cobra.Command, rf RemoteFlags) error {
	return c.remote(cmd, rf, func(ctx context.Context, cl *client.Client, out io.Writer) error {
		bs, err := cl.Bridges(ctx)
		if err != nil {
			return err
		}
		printBridges(out, bs)
		return nil
	})
}

func (c *command) RemoteScheduler(cmd *cobra.Command, rf RemoteFlags) error {
	return c.remote(cmd, rf, func(ctx context.Context, cl *client.Client, out io.Writer) error {
		st, err := cl.Scheduler(ctx)
		if err != nil {
			return err
		}
		printScheduler(out, st)
		return nil
	})
}

// describe turns sentinel errors into the messages users know.
func describe(err error, name, dataset string) error {
	switch {
	case errors.Is(err, barnr.ErrInvalidName) && dataset != "":
		return fmt.Errorf("ERROR: %s is an invalid name: %w", name, err)
	case errors.Is(err, barnr.ErrInvalidName):
		return fmt.Errorf("ERROR: %s is an invalid name", name)
	case errors.Is(err, barnr.ErrExists):
		return fmt.Errorf("ERROR: %s already exists", name)
	case errors.Is(err, barnr.ErrNotFound) && dataset != "":
		return fmt.Errorf("ERROR: %s dataset not found", dataset)
	case errors.Is(err, barnr.ErrNotFound):
		return fmt.Errorf("ERROR: %s not found", name)
	case errors.Is(err, barnr.ErrDisabled):
		return fmt.Errorf("ERROR: %s is disabled", name)
	case errors.Is(err, barnr.ErrAlreadyRunning):
		return fmt.Errorf("ERROR: %s has already started", name)
	case errors.Is(err, barnr.ErrAlreadyStopped):
		return fmt.Errorf("ERROR: %s has already stopped", name)
	case errors.Is(err, barnr.ErrBridgeInert):
		return fmt.Errorf("ERROR: %s has no bridge ports configured", name)
	case errors.Is(err, barnr.ErrBackupFailed):
		return fmt.Errorf("ERROR: back up failed for %s: %w", name, err)
	}
	return err
}
