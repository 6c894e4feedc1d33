package barnr

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/barnr/internal/detector/detectortest"
	"github.com/loykin/barnr/internal/process/processtest"
	"github.com/loykin/barnr/internal/record"
	"github.com/loykin/barnr/internal/rotation"
)

type harness struct {
	barn     *Barn
	cfg      *Config
	table    *detectortest.Table
	launcher *processtest.Launcher
}

func newHarness(t *testing.T, extra string) *harness {
	t.Helper()
	dir := t.TempDir()
	body := `
loop_interval = "0s"
reconcile_delay = "1ms"
use_os_env = false

[server]
binary = "/opt/moo/bin/moo"

[bridge]
binary = "node"
args = ["socket-bridge.js"]
` + extra
	path := filepath.Join(dir, "barnr.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	seedDir := filepath.Join(c.DBsDir, "lambda")
	if err := os.MkdirAll(seedDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(seedDir, "lambda.db"), []byte("lambdacore"), 0o644); err != nil {
		t.Fatal(err)
	}

	table := &detectortest.Table{}
	l := &processtest.Launcher{Table: table}
	b, err := Open(context.Background(), c, WithTable(table), WithLauncher(l), WithRegisterer(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return &harness{barn: b, cfg: c, table: table, launcher: l}
}

func TestOpenWiresControllers(t *testing.T) {
	h := newHarness(t, "")
	want := "barn-watcher instances bridges backup"
	if got := strings.Join(h.barn.Controllers(), " "); got != want {
		t.Fatalf("controllers = %s, want %s", got, want)
	}
	if h.barn.DefaultPort() != 7777 {
		t.Fatalf("default port = %d", h.barn.DefaultPort())
	}
}

func TestInitStartStop(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()

	rec, err := h.barn.Init(ctx, "alpha", "lambda")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if rec.Name != "alpha" || rec.Tracked() {
		t.Fatalf("unexpected record %+v", rec)
	}
	names, err := h.barn.Names(ctx)
	if err != nil || len(names) != 1 || names[0] != "alpha" {
		t.Fatalf("names = %v, %v", names, err)
	}

	pid, err := h.barn.Start(ctx, "alpha", 0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if ok, _ := h.barn.IsRunning(ctx, "alpha"); !ok {
		t.Fatalf("alpha should be running")
	}
	argv := h.launcher.Launches[0].Argv
	src := rotation.Path(filepath.Join(h.cfg.BarnDir, "alpha"), "alpha", rotation.Data, rotation.Source)
	if argv[0] != "/opt/moo/bin/moo" || !contains(argv, src) {
		t.Fatalf("first start must read the source generation: %v", argv)
	}

	st, err := h.barn.Status(ctx, "alpha")
	if err != nil {
		t.Fatal(err)
	}
	if !st.Running || st.PID != pid || !st.DefaultPort || st.Ports[0] != 7777 {
		t.Fatalf("unexpected status %+v", st)
	}
	if _, err := h.barn.Start(ctx, "alpha", 0); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second start: %v", err)
	}

	if err := h.barn.Stop(ctx, "alpha"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := h.barn.Stop(ctx, "alpha"); !errors.Is(err, ErrAlreadyStopped) {
		t.Fatalf("second stop: %v", err)
	}
	got, _ := h.barn.Get(ctx, "alpha")
	if got.PID != nil {
		t.Fatalf("pid should be cleared: %v", *got.PID)
	}
}

func TestInitRejects(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()
	if _, err := h.barn.Init(ctx, "all", "lambda"); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("reserved name: %v", err)
	}
	if _, err := h.barn.Init(ctx, "alpha", "../lambda"); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("dataset traversal: %v", err)
	}
	if _, err := h.barn.Init(ctx, "alpha", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing dataset: %v", err)
	}
	if _, err := h.barn.Init(ctx, "alpha", "lambda"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.barn.Init(ctx, "alpha", "lambda"); !errors.Is(err, ErrExists) {
		t.Fatalf("duplicate: %v", err)
	}
}

func TestBridgeThroughFacade(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()
	if _, err := h.barn.Init(ctx, "alpha", "lambda"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.barn.StartBridge(ctx, "alpha"); !errors.Is(err, ErrBridgeInert) {
		t.Fatalf("inert bridge: %v", err)
	}

	other, err := record.Open(h.cfg.BarnDir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := other.Update(ctx, "alpha", func(r *record.Record) error {
		r.Bridge.ListenPort, r.Bridge.TargetPort = 8080, 7777
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.barn.StartBridge(ctx, "alpha"); err != nil {
		t.Fatalf("start bridge: %v", err)
	}
	bs, err := h.barn.BridgeStatuses(ctx)
	if err != nil || len(bs) != 1 || !bs[0].Running {
		t.Fatalf("bridges = %+v, %v", bs, err)
	}
	procs, err := h.barn.ScanBridges(ctx)
	if err != nil || len(procs) != 1 {
		t.Fatalf("scan = %+v, %v", procs, err)
	}
	if err := Errors(h.barn.StopBridges(ctx)); err != nil {
		t.Fatal(err)
	}
	if st, _ := h.barn.BridgeStatus(ctx, "alpha"); st.Running {
		t.Fatalf("bridge should be stopped")
	}
}

func TestTickRunsGlobalBackup(t *testing.T) {
	h := newHarness(t, "[backup]\nglobal_interval = 1\n")
	ctx := context.Background()
	if _, err := h.barn.Init(ctx, "alpha", "lambda"); err != nil {
		t.Fatal(err)
	}
	dir := filepath.Join(h.cfg.BarnDir, "alpha")
	if err := os.WriteFile(rotation.Path(dir, "alpha", rotation.Data, rotation.Pending), []byte("dump"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := h.barn.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	entries, err := os.ReadDir(filepath.Join(dir, record.BackupDirName))
	if err != nil || len(entries) != 1 || !strings.HasSuffix(entries[0].Name(), "_alpha.db") {
		t.Fatalf("backup dir = %v, %v", entries, err)
	}
	st, err := h.barn.SchedulerState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.GlobalTickCount != 0 {
		t.Fatalf("global counter should reset after the sweep: %+v", st)
	}
	if _, err := os.Stat(filepath.Join(h.cfg.DataDir, "state.json")); err != nil {
		t.Fatalf("state file not written: %v", err)
	}
	got, _ := h.barn.Get(ctx, "alpha")
	if got.Backup.LastBackupAt == 0 {
		t.Fatalf("last backup not recorded")
	}
}

func TestBackupGhost(t *testing.T) {
	h := newHarness(t, "")
	if _, err := h.barn.Backup(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ghost backup: %v", err)
	}
	if _, err := os.Stat(filepath.Join(h.cfg.BarnDir, "ghost")); !os.IsNotExist(err) {
		t.Fatalf("ghost backup must not touch the filesystem")
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()
	if _, err := h.barn.Init(ctx, "alpha", "lambda"); err != nil {
		t.Fatal(err)
	}
	sctx, cancel := context.WithCancel(ctx)
	cancel()
	if err := h.barn.Serve(sctx); err != nil {
		t.Fatalf("serve: %v", err)
	}
	if len(h.launcher.Launches) != 0 {
		t.Fatalf("serve must not launch untracked instances: %d", len(h.launcher.Launches))
	}
	if _, err := os.Stat(filepath.Join(h.cfg.DataDir, "state.json")); err != nil {
		t.Fatalf("scheduler state not created on start: %v", err)
	}
}

func TestServeGeneratesStatusCertificate(t *testing.T) {
	h := newHarness(t, "[http]\nlisten = \"127.0.0.1:0\"\n[http.tls]\nenabled = true\nauto_generate = true\n")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.barn.Serve(ctx); err != nil {
		t.Fatalf("serve: %v", err)
	}
	if _, err := os.Stat(filepath.Join(h.cfg.DataDir, "tls", "tls.crt")); err != nil {
		t.Fatalf("certificate not generated: %v", err)
	}
}

func TestServeStopsOnStatePersistFailure(t *testing.T) {
	h := newHarness(t, "")
	h.barn.onLoopError("backup", ErrStatePersist)
	err := h.barn.Serve(context.Background())
	if !errors.Is(err, ErrStatePersist) {
		t.Fatalf("serve should stop on lost state: %v", err)
	}
}

func TestHandlerServesStatus(t *testing.T) {
	h := newHarness(t, "")
	if _, err := h.barn.Init(context.Background(), "alpha", "lambda"); err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	h.barn.Handler("/status").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/instances/alpha", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"name":"alpha"`) {
		t.Fatalf("GET instance: %d %s", rec.Code, rec.Body.String())
	}
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
