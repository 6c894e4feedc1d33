//go:build !windows

package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/barnr/internal/detector"
	"github.com/loykin/barnr/internal/process"
	"github.com/loykin/barnr/internal/record"
	"github.com/loykin/barnr/internal/rotation"
)

func TestRealSpawnAndStop(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real process")
	}
	ctx := context.Background()
	bin := filepath.Join(t.TempDir(), "fake-moo")
	script := "#!/bin/sh\necho \"booting $1\"\nexec sleep 30\n"
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	store, err := record.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	seed := filepath.Join(t.TempDir(), "seed.db")
	if err := os.WriteFile(seed, []byte("db"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Init(ctx, "alpha", seed); err != nil {
		t.Fatal(err)
	}

	inst := NewInstances(Deps{Repo: store, Table: detector.System{}, Launcher: &process.Detached{}},
		InstanceOptions{Binary: bin, ReconcileDelay: 50 * time.Millisecond})
	pid, err := inst.Start(ctx, "alpha", 0)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if pid <= 0 {
		t.Fatalf("pid = %d", pid)
	}
	if ok, err := inst.IsRunning(ctx, "alpha"); err != nil || !ok {
		t.Fatalf("expected running: %v %v", ok, err)
	}
	logPath := rotation.Path(store.InstanceDir("alpha"), "alpha", rotation.Log, rotation.Pending)
	if _, err := os.Stat(logPath); err != nil {
		t.Fatalf("log file: %v", err)
	}

	if err := inst.Stop(ctx, "alpha"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	rec, err := store.Get(ctx, "alpha")
	if err != nil {
		t.Fatal(err)
	}
	if rec.PID != nil {
		t.Fatal("pid should be cleared after stop")
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := (detector.System{}).Probe(ctx, pid); err != nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("process %d still alive after SIGTERM", pid)
}
