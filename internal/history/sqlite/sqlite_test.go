package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/loykin/barnr/internal/history"
)

func TestSQLiteSink_Integration(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")

	sink, err := New("sqlite://" + dbPath)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx := context.Background()
	start := history.NewEvent(history.EventStart, "server", "alpha")
	start.PID = 4242
	if err := sink.Send(ctx, start); err != nil {
		t.Fatalf("Failed to send start event: %v", err)
	}
	backup := history.NewEvent(history.EventBackup, "backup", "alpha")
	backup.Detail = "backup/2024_03_05_14_07_alpha.db"
	if err := sink.Send(ctx, backup); err != nil {
		t.Fatalf("Failed to send backup event: %v", err)
	}
	if err := sink.Send(ctx, history.NewEvent(history.EventStop, "server", "beta")); err != nil {
		t.Fatalf("Failed to send stop event: %v", err)
	}

	n, err := sink.Count(ctx, "alpha")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 events for alpha, got %d", n)
	}

	var pid int
	var evt string
	if err := sink.db.QueryRowContext(ctx,
		`SELECT event, pid FROM barnr_history WHERE id = ?`, start.ID).Scan(&evt, &pid); err != nil {
		t.Fatalf("query: %v", err)
	}
	if evt != "start" || pid != 4242 {
		t.Fatalf("unexpected row event=%s pid=%d", evt, pid)
	}

	// duplicate ids are rejected
	if err := sink.Send(ctx, start); err == nil {
		t.Fatalf("expected primary key violation on duplicate id")
	}
}

func TestSQLiteSinkMemoryAndReopen(t *testing.T) {
	sink, err := New("sqlite://:memory:")
	if err != nil {
		t.Fatalf("memory sink: %v", err)
	}
	defer func() { _ = sink.Close() }()
	if err := sink.Send(context.Background(), history.NewEvent(history.EventRecover, "bridge", "alpha")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if n, _ := sink.Count(context.Background(), ""); n != 1 {
		t.Fatalf("expected 1 event, got %d", n)
	}

	if _, err := New("  "); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
}
