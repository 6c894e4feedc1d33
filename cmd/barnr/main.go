package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/barnr"
	"github.com/loykin/barnr/pkg/client"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every command
type GlobalFlags struct {
	ConfigPath string
	Timeout    time.Duration
}

// ServeFlags holds serve command flags
type ServeFlags struct {
	Daemonize bool
	PidFile   string
	LogFile   string
	Interval  string
	Listen    string
}

// RemoteFlags select the status server read by the remote commands
type RemoteFlags struct {
	URL      string
	CACert   string
	Insecure bool
}

// buildRoot creates the root command. opts are handed to barnr.Open.
func buildRoot(opts ...barnr.Option) *cobra.Command {
	globalFlags := &GlobalFlags{}
	serveFlags := &ServeFlags{}
	barnCommand := &command{flags: globalFlags, opts: opts}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createInitCommand(barnCommand),
		createStartCommand(barnCommand),
		createStopCommand(barnCommand),
		createBackupCommand(barnCommand),
		createListCommand(barnCommand),
		createInfoCommand(barnCommand),
		createScanCommand(barnCommand),
		createBridgeCommand(barnCommand),
		createTickCommand(barnCommand),
		createServeCommand(barnCommand, serveFlags),
		createRemoteCommand(barnCommand, &RemoteFlags{}),
		createVersionCommand(),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "barnr",
		Short: "Supervisor for a barn of MOO servers and their bridges",
		Long: `barnr keeps a barn of MOO server instances running. Each instance lives in
<barn_dir>/<name> with its database generations, logs and backups.

Examples:
  barnr init alpha from lambdacore   # seed alpha from <dbs_dir>/lambdacore/lambdacore.db
  barnr start alpha 7000             # start alpha on port 7000
  barnr list
  barnr serve                        # run the scheduler loop in the foreground`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().DurationVar(&flags.Timeout, "timeout", 30*time.Second, "timeout of one-shot commands")
	return root
}

func createInitCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "init NAME from DATASET",
		Short: "Initialize a new instance from a dataset",
		Long: `Create <barn_dir>/NAME seeded with <dbs_dir>/DATASET/DATASET.db.

Examples:
  barnr init alpha from lambdacore`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 3 || args[1] != "from" {
				return fmt.Errorf("usage: barnr init NAME from DATASET")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Init(cmd, args[0], args[2])
		},
	}
}

func createStartCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "start [NAME [PORT]]",
		Short: "Start one instance, or every enabled instance",
		Long: `Start the server of NAME. PORT replaces the configured ports for this run.
Without NAME every instance that is not disabled is started.`,
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, port := argAt(args, 0), argAt(args, 1)
			return c.Start(cmd, name, port)
		},
	}
}

func createStopCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop [NAME]",
		Short: "Stop one instance, or every running instance",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(cmd, argAt(args, 0))
		},
	}
}

func createBackupCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "backup [NAME]",
		Short: "Back up one instance, or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Backup(cmd, argAt(args, 0))
		},
	}
}

func createListCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every instance with its online status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.List(cmd)
		},
	}
}

func createInfoCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:     "info [NAME]",
		Aliases: []string{"status", "stat"},
		Short:   "Print detailed information about one or every instance",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Info(cmd, argAt(args, 0))
		},
	}
}

func createScanCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Scan the system for server processes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Scan(cmd, false)
		},
	}
}

func createBridgeCommand(c *command) *cobra.Command {
	bridge := &cobra.Command{
		Use:   "bridge",
		Short: "List bridges, or manage them with a subcommand",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Bridges(cmd)
		},
	}
	bridge.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List configured or running bridges",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.Bridges(cmd)
			},
		},
		&cobra.Command{
			Use:   "scan",
			Short: "Scan the system for bridge processes",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.Scan(cmd, true)
			},
		},
		&cobra.Command{
			Use:   "start [NAME]",
			Short: "Start one bridge, or every configured bridge",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.StartBridge(cmd, argAt(args, 0))
			},
		},
		&cobra.Command{
			Use:   "stop [NAME]",
			Short: "Stop one bridge, or every running bridge",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.StopBridge(cmd, argAt(args, 0))
			},
		},
	)
	return bridge
}

func createTickCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run one scheduler tick now",
		Long: `Run one tick of the scheduler loop: resync the barn, refresh liveness and
advance the backup counters, backing up whatever is due.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Tick(cmd)
		},
	}
}

func createServeCommand(c *command, serveFlags *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor in the foreground",
		Long: `Recover and resurrect every instance and bridge, then tick the scheduler
loop until interrupted.

Examples:
  barnr serve
  barnr serve --interval "@every 30m" --listen 127.0.0.1:7987
  barnr serve --daemonize --pidfile /run/barnr.pid --logfile /var/log/barnr.out`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if serveFlags.Daemonize {
				return daemonize(serveFlags.PidFile, serveFlags.LogFile)
			}
			return c.Serve(cmd, *serveFlags)
		},
	}
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the daemon pid to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to file")
	cmd.Flags().StringVar(&serveFlags.Interval, "interval", "", `loop interval override, e.g. "1h" or "@every 30m"`)
	cmd.Flags().StringVar(&serveFlags.Listen, "listen", "", "status server address override")
	return cmd
}

func createRemoteCommand(c *command, rf *RemoteFlags) *cobra.Command {
	remote := &cobra.Command{
		Use:   "remote",
		Short: "Read instance state from a running barnr serve",
		Long: `Query the read-only status server of a barnr serve process.

Examples:
  barnr remote list
  barnr remote info alpha --url https://moo.example.org:7987/api --ca-cert tls/tls_ca.crt`,
	}
	remote.PersistentFlags().StringVar(&rf.URL, "url", client.DefaultBaseURL, "status server base URL")
	remote.PersistentFlags().StringVar(&rf.CACert, "ca-cert", "", "PEM file of the CA to trust")
	remote.PersistentFlags().BoolVar(&rf.Insecure, "insecure", false, "skip TLS verification")
	remote.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List every instance with its online status",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.RemoteList(cmd, *rf)
			},
		},
		&cobra.Command{
			Use:   "info [NAME]",
			Short: "Print detailed information about one or every instance",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.RemoteInfo(cmd, *rf, argAt(args, 0))
			},
		},
		&cobra.Command{
			Use:   "bridge",
			Short: "List configured or running bridges",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.RemoteBridges(cmd, *rf)
			},
		},
		&cobra.Command{
			Use:   "scheduler",
			Short: "Print the backup scheduler counters",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.RemoteScheduler(cmd, *rf)
			},
		},
	)
	return remote
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the barnr version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func argAt(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}
