// Package backup archives the live data file of instances and schedules those
// archives on the scheduler loop.
package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/loykin/barnr/internal/history"
	"github.com/loykin/barnr/internal/metrics"
	"github.com/loykin/barnr/internal/process"
	"github.com/loykin/barnr/internal/record"
	"github.com/loykin/barnr/internal/rotation"
)

// ErrBackupFailed wraps the copy error of a failed backup.
var ErrBackupFailed = errors.New("backup failed")

const (
	archiveLayout = "2006_01_02_15_04"
	maxCollisions = 100
)

// Result is the outcome of one backup.
type Result struct {
	Name    string
	Archive string
	At      time.Time
	// HookPID is the pid of the post-backup hook, 0 when none ran.
	HookPID int
	Err     error
}

// Executor copies the pending data generation of an instance into its backup
// directory and runs the post-backup hook.
type Executor struct {
	repo        record.Repository
	launcher    process.Launcher
	history     *history.Recorder
	defaultHook string
	now         func() time.Time
}

// NewExecutor returns an executor. defaultHook runs for instances without a
// post_backup_script of their own; empty disables it.
func NewExecutor(repo record.Repository, launcher process.Launcher, hist *history.Recorder, defaultHook string) *Executor {
	if launcher == nil {
		launcher = &process.Detached{}
	}
	return &Executor{repo: repo, launcher: launcher, history: hist, defaultHook: defaultHook, now: time.Now}
}

// ArchiveName is the file name of a backup of name taken at t (UTC, minute precision).
func ArchiveName(name string, t time.Time) string {
	return t.UTC().Format(archiveLayout) + "_" + name + ".db"
}

// archiveCandidates lists the names tried in order when earlier ones exist:
// minute precision, then seconds, then a counter.
func archiveCandidates(name string, t time.Time) []string {
	t = t.UTC()
	sec := t.Format(archiveLayout+"_05") + "_" + name
	out := []string{ArchiveName(name, t), sec + ".db"}
	for i := 2; i <= maxCollisions; i++ {
		out = append(out, sec+"-"+strconv.Itoa(i)+".db")
	}
	return out
}

// HookLogPath is where the output of the post-backup hook of name is appended.
func HookLogPath(dir, name string) string { return filepath.Join(dir, name+".hook.log") }

// Backup archives the pending data file of name. A failed copy returns an
// error wrapping ErrBackupFailed; the hook runs either way.
func (e *Executor) Backup(ctx context.Context, name string) (Result, error) {
	rec, err := e.repo.Get(ctx, name)
	if err != nil {
		return Result{Name: name, Err: err}, err
	}
	if rec.Disabled {
		err := fmt.Errorf("%s: %w", name, record.ErrDisabled)
		return Result{Name: name, Err: err}, err
	}

	dir := e.repo.InstanceDir(name)
	at := e.now()
	res := Result{Name: name, At: at}
	archive, copyErr := e.archive(dir, name, at)
	if copyErr == nil {
		res.Archive = archive
		_, copyErr = e.repo.Update(ctx, name, func(r *record.Record) error {
			r.Backup.LastBackupAt = at.UnixMilli()
			return nil
		})
	}
	if copyErr != nil {
		res.Err = fmt.Errorf("%s: %w: %w", name, ErrBackupFailed, copyErr)
	}

	metrics.IncBackup(name, res.Err == nil)
	ev := history.NewEvent(history.EventBackup, "backup", name)
	ev.Detail = res.Archive
	if res.Err != nil {
		ev.Type = history.EventBackupFailed
		ev.Detail = res.Err.Error()
		slog.Error("Backup failed", "name", name, "error", copyErr)
	} else {
		slog.Info("Backup completed", "name", name, "archive", archive)
	}
	e.history.Emit(ctx, ev)

	res.HookPID = e.runHook(ctx, rec, dir, res)
	return res, res.Err
}

func (e *Executor) archive(dir, name string, at time.Time) (string, error) {
	backupDir := filepath.Join(dir, record.BackupDirName)
	if err := os.MkdirAll(backupDir, 0o750); err != nil {
		return "", err
	}
	src := rotation.Path(dir, name, rotation.Data, rotation.Pending)
	for _, candidate := range archiveCandidates(name, at) {
		dst := filepath.Join(backupDir, candidate)
		err := rotation.CopyExclusive(src, dst)
		if err == nil {
			return dst, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", err
		}
	}
	return "", fmt.Errorf("no free archive name in %s", backupDir)
}

func (e *Executor) runHook(ctx context.Context, rec record.Record, dir string, res Result) int {
	script := rec.Backup.PostBackupScript
	if script == "" {
		script = e.defaultHook
	}
	if script == "" {
		return 0
	}
	status := "ok"
	if res.Err != nil {
		status = "failed"
	}
	launched, err := e.launcher.Launch(ctx, process.Spec{
		Name: rec.Name + ".hook",
		Argv: []string{"sh", script},
		Env: []string{
			"BARNR_INSTANCE=" + rec.Name,
			"BARNR_BACKUP_FILE=" + res.Archive,
			"BARNR_BACKUP_STATUS=" + status,
		},
		LogPath:   HookLogPath(dir, rec.Name),
		AppendLog: true,
	})
	if err != nil {
		slog.Warn("Post-backup hook failed to start", "name", rec.Name, "script", script, "error", err)
		return 0
	}
	slog.Debug("Post-backup hook started", "name", rec.Name, "script", script, "pid", launched.PID)
	return launched.PID
}

// BackupAll backs up every enabled instance. Unless includeCustom is set,
// instances with an interval of their own are left to their own schedule.
// Failures never stop the sweep.
func (e *Executor) BackupAll(ctx context.Context, includeCustom bool) []Result {
	recs, err := e.repo.List(ctx)
	if err != nil {
		return []Result{{Err: err}}
	}
	var out []Result
	for _, r := range recs {
		if r.Disabled || (!includeCustom && !r.Backup.GlobalOnly()) {
			continue
		}
		res, _ := e.Backup(ctx, r.Name)
		out = append(out, res)
	}
	return out
}

// Errors joins the failures of a sweep, or returns nil.
func Errors(results []Result) error {
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return errors.Join(errs...)
}
