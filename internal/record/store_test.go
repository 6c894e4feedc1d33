package record

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func mkInstance(t *testing.T, barn, name string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(barn, name), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
}

func TestValidName(t *testing.T) {
	good := []string{"alpha", "a-b", "a_b", "A1.test"}
	bad := []string{"", "all", ".", "..", "a/b", "../x", ".hidden", "a b", "x..y"}
	for _, n := range good {
		if !ValidName(n) {
			t.Fatalf("expected %q to be valid", n)
		}
	}
	for _, n := range bad {
		if ValidName(n) {
			t.Fatalf("expected %q to be invalid", n)
		}
	}
}

func TestGetMissingInstance(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.Get(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.Get(context.Background(), "../etc"); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("expected ErrInvalidName, got %v", err)
	}
}

func TestLoadWritesDefaultsForMissingInfo(t *testing.T) {
	barn := t.TempDir()
	mkInstance(t, barn, "alpha")
	s, err := Open(barn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	recs, _ := s.List(context.Background())
	if len(recs) != 1 || recs[0].Name != "alpha" {
		t.Fatalf("unexpected records: %+v", recs)
	}
	if _, err := os.Stat(filepath.Join(barn, "alpha", infoFile)); err != nil {
		t.Fatalf("default info.json not written: %v", err)
	}
}

func TestLoadReplacesCorruptInfo(t *testing.T) {
	barn := t.TempDir()
	mkInstance(t, barn, "alpha")
	if err := os.WriteFile(filepath.Join(barn, "alpha", infoFile), []byte("{nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := Open(barn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	rec, err := s.Get(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Tracked() || rec.Disabled {
		t.Fatalf("expected default record, got %+v", rec)
	}
}

func TestUpdatePersistsAndMerges(t *testing.T) {
	barn := t.TempDir()
	mkInstance(t, barn, "alpha")
	s, err := Open(barn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()

	if _, err := s.Update(ctx, "alpha", func(r *Record) error {
		r.LaunchArgs.Ports = []int{7000}
		r.Backup.IntervalHours = IntPtr(3)
		return nil
	}); err != nil {
		t.Fatalf("update 1: %v", err)
	}
	rec, err := s.Update(ctx, "alpha", func(r *Record) error {
		r.Set(42, 1000, []string{"moo", "x"})
		r.Name = "renamed"
		return nil
	})
	if err != nil {
		t.Fatalf("update 2: %v", err)
	}
	if rec.Name != "alpha" {
		t.Fatalf("name must be immutable, got %q", rec.Name)
	}

	// Read back the file directly: both updates must be present.
	data, err := os.ReadFile(filepath.Join(barn, "alpha", infoFile))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "\t\"pid\": 42") {
		t.Fatalf("expected tab-indented pid in file:\n%s", data)
	}
	var onDisk Record
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatal(err)
	}
	if onDisk.PID == nil || *onDisk.PID != 42 || onDisk.PIDStartedAt != 1000 {
		t.Fatalf("pid not persisted: %+v", onDisk.Proc)
	}
	if len(onDisk.LaunchArgs.Ports) != 1 || onDisk.Backup.Interval() != 3 {
		t.Fatalf("first update lost: %+v", onDisk)
	}
}

func TestUpdateErrorWritesNothing(t *testing.T) {
	barn := t.TempDir()
	mkInstance(t, barn, "alpha")
	s, _ := Open(barn)
	boom := errors.New("boom")
	_, err := s.Update(context.Background(), "alpha", func(r *Record) error {
		r.Disabled = true
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	rec, _ := s.Get(context.Background(), "alpha")
	if rec.Disabled {
		t.Fatalf("failed update must not persist")
	}
}

func TestUpdateMissingInstance(t *testing.T) {
	s, _ := Open(t.TempDir())
	_, err := s.Update(context.Background(), "ghost", func(*Record) error { return nil })
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.Dir(), "ghost")); !os.IsNotExist(err) {
		t.Fatalf("update must not create instance directories")
	}
}

func TestUpdateSerializesConcurrentWriters(t *testing.T) {
	barn := t.TempDir()
	mkInstance(t, barn, "alpha")
	s, _ := Open(barn)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, "alpha", func(r *Record) error {
				r.LastStartAt++
				return nil
			})
			if err != nil {
				t.Errorf("update: %v", err)
			}
		}()
	}
	wg.Wait()
	rec, _ := s.Get(ctx, "alpha")
	if rec.LastStartAt != n {
		t.Fatalf("expected %d serialized increments, got %d", n, rec.LastStartAt)
	}
}

func TestDefaultRewriteDoesNotClobberUpdates(t *testing.T) {
	barn := t.TempDir()
	mkInstance(t, barn, "alpha")
	s, err := Open(barn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	info := filepath.Join(barn, "alpha", infoFile)
	if err := os.WriteFile(info, []byte("{nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := s.Update(ctx, "alpha", func(r *Record) error {
				r.LastStartAt++
				return nil
			}); err != nil {
				t.Errorf("update: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := s.Get(ctx, "alpha"); err != nil {
				t.Errorf("get: %v", err)
			}
		}()
	}
	wg.Wait()
	rec, err := s.Get(ctx, "alpha")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.LastStartAt != n {
		t.Fatalf("expected %d increments to survive default rewrites, got %d", n, rec.LastStartAt)
	}
	var onDisk Record
	data, _ := os.ReadFile(info)
	if err := json.Unmarshal(data, &onDisk); err != nil || onDisk.LastStartAt != n {
		t.Fatalf("info.json = %s (%v)", data, err)
	}
}

func TestListSortedAndCloned(t *testing.T) {
	barn := t.TempDir()
	for _, n := range []string{"charlie", "alpha", "bravo"} {
		mkInstance(t, barn, n)
	}
	mkInstance(t, barn, ".init-x-123")
	s, _ := Open(barn)
	recs, _ := s.List(context.Background())
	if len(recs) != 3 || recs[0].Name != "alpha" || recs[2].Name != "charlie" {
		t.Fatalf("unexpected order: %+v", recs)
	}
	recs[0].LaunchArgs.Ports = append(recs[0].LaunchArgs.Ports, 1)
	again, _ := s.List(context.Background())
	if len(again[0].LaunchArgs.Ports) != 0 {
		t.Fatalf("List must return copies")
	}
}

func TestBackupConfigModes(t *testing.T) {
	var b BackupConfig
	if !b.GlobalOnly() || b.Interval() != 0 {
		t.Fatalf("nil interval should be global-only")
	}
	b.IntervalHours = IntPtr(0)
	if b.GlobalOnly() || b.Interval() != 0 {
		t.Fatalf("zero interval should be never")
	}
	b.IntervalHours = IntPtr(3)
	if b.Interval() != 3 {
		t.Fatalf("interval = %d", b.Interval())
	}
}
