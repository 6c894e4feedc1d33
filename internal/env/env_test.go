package env

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func lookup(list []string, key string) (string, bool) {
	for _, kv := range list {
		if strings.HasPrefix(kv, key+"=") {
			return kv[len(key)+1:], true
		}
	}
	return "", false
}

func TestMergeOrderAndExpansion(t *testing.T) {
	e := New()
	e.UseOS = false
	e.Set("BASE", "/srv/moo")
	e.Apply([]string{"LOGS=${BASE}/logs", "bad-entry", "=empty"})

	out := e.Merge([]string{"BASE=/opt/moo", "EXTRA=1"})
	if v, _ := lookup(out, "BASE"); v != "/opt/moo" {
		t.Fatalf("per-process value must win, got %q", v)
	}
	if v, _ := lookup(out, "LOGS"); v != "/opt/moo/logs" {
		t.Fatalf("expansion uses composed map, got %q", v)
	}
	if _, ok := lookup(out, "PATH"); ok {
		t.Fatalf("OS env must not leak when UseOS is false")
	}
	for i := 1; i < len(out); i++ {
		if out[i-1] > out[i] {
			t.Fatalf("output not sorted: %v", out)
		}
	}
}

func TestMergeWithOS(t *testing.T) {
	t.Setenv("BARNR_ENV_TEST", "from-os")
	e := New()
	out := e.Merge(nil)
	if v, _ := lookup(out, "BARNR_ENV_TEST"); v != "from-os" {
		t.Fatalf("expected OS value, got %q", v)
	}
}

func TestLoadFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), ".env")
	content := "# comment\n\nexport TOKEN=\"abc\"\nPORT = 7777\nnovalue\n"
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	e := New()
	e.UseOS = false
	if err := e.LoadFile(p); err != nil {
		t.Fatalf("load: %v", err)
	}
	if e.Var["TOKEN"] != "abc" || e.Var["PORT"] != "7777" {
		t.Fatalf("unexpected vars %v", e.Var)
	}
	if len(e.Var) != 2 {
		t.Fatalf("malformed lines must be skipped: %v", e.Var)
	}
	if err := e.LoadFile(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
