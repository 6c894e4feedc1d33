// Package barnr keeps a barn of MOO server instances running: it starts,
// stops and resurrects their servers and protocol bridges, rotates their
// database and log generations and backs them up on a schedule.
package barnr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/barnr/internal/backup"
	cfg "github.com/loykin/barnr/internal/config"
	"github.com/loykin/barnr/internal/cron"
	"github.com/loykin/barnr/internal/detector"
	"github.com/loykin/barnr/internal/history"
	"github.com/loykin/barnr/internal/history/factory"
	"github.com/loykin/barnr/internal/metrics"
	"github.com/loykin/barnr/internal/process"
	"github.com/loykin/barnr/internal/record"
	iapi "github.com/loykin/barnr/internal/server"
	"github.com/loykin/barnr/internal/store"
	"github.com/loykin/barnr/internal/supervisor"
	btls "github.com/loykin/barnr/internal/tls"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type Record = record.Record

type Status = supervisor.Status

type BridgeStatus = supervisor.BridgeStatus

type Result = supervisor.Result

type BackupResult = backup.Result

type SchedulerState = backup.State

type ProcInfo = detector.ProcInfo

type HistorySink = history.Sink

var (
	ErrNotFound       = record.ErrNotFound
	ErrExists         = record.ErrExists
	ErrInvalidName    = record.ErrInvalidName
	ErrDisabled       = record.ErrDisabled
	ErrAlreadyRunning = supervisor.ErrAlreadyRunning
	ErrAlreadyStopped = supervisor.ErrAlreadyStopped
	ErrBridgeInert    = supervisor.ErrBridgeInert
	ErrBackupFailed   = backup.ErrBackupFailed
	ErrStatePersist   = backup.ErrStatePersist
)

// Errors joins the failures of a sweep, or returns nil.
func Errors(results []Result) error { return supervisor.Errors(results) }

// LoadConfig reads a TOML config file; an empty path yields the defaults.
func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

type options struct {
	launcher   process.Launcher
	table      detector.Table
	registerer prometheus.Registerer
	sinks      []history.Sink
}

// Option customizes Open.
type Option func(*options)

// WithLauncher replaces the detached OS launcher.
func WithLauncher(l process.Launcher) Option { return func(o *options) { o.launcher = l } }

// WithTable replaces the gopsutil process table.
func WithTable(t detector.Table) Option { return func(o *options) { o.table = t } }

// WithRegisterer registers the metrics with r instead of the default registry.
func WithRegisterer(r prometheus.Registerer) Option { return func(o *options) { o.registerer = r } }

// WithHistorySink adds a history sink next to the one configured by DSN.
func WithHistorySink(s HistorySink) Option {
	return func(o *options) { o.sinks = append(o.sinks, s) }
}

// Barn composes the record store, both supervisors, the backup executor and
// scheduler, and the scheduler loop.
type Barn struct {
	cfg *Config

	records   *record.FileStore
	states    store.StateStore
	history   *history.Recorder
	instances *supervisor.Instances
	bridges   *supervisor.Bridges
	backups   *backup.Executor
	scheduler *backup.Scheduler
	loop      *cron.Loop

	metrics bool
	http    *http.Server
	fatal   chan error
}

// Open builds a Barn from c. Nothing is started; see Serve.
func Open(ctx context.Context, c *Config, opts ...Option) (*Barn, error) {
	if c == nil {
		return nil, errors.New("barnr: nil config")
	}
	o := options{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&o)
	}

	genv, err := c.GlobalEnv()
	if err != nil {
		return nil, err
	}
	if o.launcher == nil {
		o.launcher = &process.Detached{Env: genv}
	}
	if o.table == nil {
		o.table = detector.System{}
	}
	if o.registerer != nil {
		if err := metrics.Register(o.registerer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	records, err := record.Open(c.BarnDir)
	if err != nil {
		return nil, err
	}
	states, err := store.New(c.StateStore())
	if err != nil {
		return nil, fmt.Errorf("state store: %w", err)
	}
	sinks := append([]history.Sink(nil), o.sinks...)
	if c.History.DSN != "" {
		sink, err := factory.NewSinkFromDSN(c.History.DSN)
		if err != nil {
			_ = states.Close()
			return nil, fmt.Errorf("history sink: %w", err)
		}
		sinks = append(sinks, sink)
	}
	hist := history.NewRecorder(sinks...)

	deps := supervisor.Deps{Repo: records, Table: o.table, Launcher: o.launcher, History: hist}
	b := &Barn{
		cfg:     c,
		records: records,
		states:  states,
		history: hist,
		instances: supervisor.NewInstances(deps, supervisor.InstanceOptions{
			Binary:         c.Server.Binary,
			DefaultPort:    c.DefaultPort,
			ReconcileDelay: c.ReconcileDelay,
		}),
		bridges: supervisor.NewBridges(deps, supervisor.BridgeOptions{
			Binary:         c.Bridge.Binary,
			Args:           c.Bridge.Args,
			ReconcileDelay: c.ReconcileDelay,
		}),
		backups: backup.NewExecutor(records, o.launcher, hist, c.Backup.DefaultPostScript),
		metrics: o.registerer != nil,
		fatal:   make(chan error, 1),
	}
	b.scheduler = backup.NewScheduler(records, states, b.backups, c.Backup.GlobalInterval)
	b.loop = cron.New(c.LoopInterval, cron.Options{OnError: b.onLoopError})
	b.loop.Register(
		&record.Watcher{Store: records},
		b.instances.Controller(),
		b.bridges.Controller(),
		b.scheduler,
	)
	return b, nil
}

func (b *Barn) onLoopError(controller string, err error) {
	if !errors.Is(err, backup.ErrStatePersist) {
		return
	}
	select {
	case b.fatal <- fmt.Errorf("%s: %w", controller, err):
	default:
	}
}

func (b *Barn) Config() *Config { return b.cfg }

// Controllers lists the loop controllers in start order.
func (b *Barn) Controllers() []string { return b.loop.Controllers() }

// Init creates instance name from dataset, whose database is
// <dbs_dir>/<dataset>/<dataset>.db.
func (b *Barn) Init(ctx context.Context, name, dataset string) (Record, error) {
	if dataset == "" || strings.HasPrefix(dataset, ".") || strings.ContainsAny(dataset, `/\`) {
		return Record{}, fmt.Errorf("dataset %q: %w", dataset, ErrInvalidName)
	}
	seed := filepath.Join(b.cfg.DBsDir, dataset, dataset+".db")
	return b.records.Init(ctx, name, seed)
}

func (b *Barn) Get(ctx context.Context, name string) (Record, error) {
	return b.records.Get(ctx, name)
}

// Names lists the known instances.
func (b *Barn) Names(ctx context.Context) ([]string, error) {
	if err := b.records.Reload(ctx); err != nil {
		return nil, err
	}
	return b.records.Names(), nil
}

// Start starts the server of name. overridePort > 0 replaces its configured ports.
func (b *Barn) Start(ctx context.Context, name string, overridePort int) (int, error) {
	return b.instances.Start(ctx, name, overridePort)
}

func (b *Barn) Stop(ctx context.Context, name string) error { return b.instances.Stop(ctx, name) }

// StartAll starts every instance that is not disabled.
func (b *Barn) StartAll(ctx context.Context) []Result { return b.instances.StartAll(ctx) }

// StopAll stops every running server.
func (b *Barn) StopAll(ctx context.Context) []Result { return b.instances.StopAll(ctx) }

func (b *Barn) IsRunning(ctx context.Context, name string) (bool, error) {
	return b.instances.IsRunning(ctx, name)
}

func (b *Barn) Status(ctx context.Context, name string) (Status, error) {
	return b.instances.Status(ctx, name)
}

func (b *Barn) Statuses(ctx context.Context) ([]Status, error) { return b.instances.Statuses(ctx) }

// Scan lists processes running the server binary.
func (b *Barn) Scan(ctx context.Context) ([]ProcInfo, error) { return b.instances.Scan(ctx) }

func (b *Barn) DefaultPort() int { return b.instances.DefaultPort() }

func (b *Barn) StartBridge(ctx context.Context, name string) (int, error) {
	return b.bridges.Start(ctx, name)
}

func (b *Barn) StopBridge(ctx context.Context, name string) error { return b.bridges.Stop(ctx, name) }

func (b *Barn) StartBridges(ctx context.Context) []Result { return b.bridges.StartAll(ctx) }

func (b *Barn) StopBridges(ctx context.Context) []Result { return b.bridges.StopAll(ctx) }

func (b *Barn) BridgeStatus(ctx context.Context, name string) (BridgeStatus, error) {
	return b.bridges.Status(ctx, name)
}

// BridgeStatuses reports every bridge that is configured or running.
func (b *Barn) BridgeStatuses(ctx context.Context) ([]BridgeStatus, error) {
	return b.bridges.List(ctx)
}

// ScanBridges lists processes running the bridge program.
func (b *Barn) ScanBridges(ctx context.Context) ([]ProcInfo, error) { return b.bridges.Scan(ctx) }

// Backup archives the pending database of name.
func (b *Barn) Backup(ctx context.Context, name string) (BackupResult, error) {
	return b.backups.Backup(ctx, name)
}

// BackupAll backs up every instance; includeCustom also covers instances
// with their own backup interval.
func (b *Barn) BackupAll(ctx context.Context, includeCustom bool) []BackupResult {
	return b.backups.BackupAll(ctx, includeCustom)
}

func (b *Barn) SchedulerState(ctx context.Context) (SchedulerState, error) {
	return b.scheduler.State(ctx)
}

// Tick runs one loop tick now: barn resync, liveness refresh and the backup
// scheduler.
func (b *Barn) Tick(ctx context.Context) error { return b.loop.TickNow(ctx) }

// Serve starts the loop and the optional status server, then blocks until
// ctx is done or the scheduler state can no longer be persisted.
func (b *Barn) Serve(ctx context.Context) error {
	if err := b.loop.Start(ctx); err != nil {
		return err
	}
	if addr := b.cfg.HTTP.Listen; addr != "" {
		tc, err := btls.Setup(b.cfg.TLS())
		if err != nil {
			_ = b.stop()
			return fmt.Errorf("status server tls: %w", err)
		}
		srv, err := iapi.NewServer(addr, "/api", b, b.metrics, tc)
		if err != nil {
			_ = b.stop()
			return err
		}
		b.http = srv
	}

	var served error
	select {
	case <-ctx.Done():
		slog.Info("Shutting down")
	case err := <-b.fatal:
		slog.Error("Scheduler state lost, stopping", "error", err)
		served = err
	}
	return errors.Join(served, b.stop())
}

// Handler returns the read-only status API mounted at basePath, for embedding
// in another HTTP server.
func (b *Barn) Handler(basePath string) http.Handler {
	return iapi.NewRouter(b, basePath, false).Handler()
}

func (b *Barn) stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var errs []error
	if b.http != nil {
		errs = append(errs, b.http.Shutdown(ctx))
		b.http = nil
	}
	errs = append(errs, b.loop.Stop(ctx))
	return errors.Join(errs...)
}

// Close releases the state store and the history sinks. Supervised
// processes keep running.
func (b *Barn) Close() error {
	return errors.Join(b.states.Close(), b.history.Close())
}
