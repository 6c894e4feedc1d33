package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// NewSQLiteStore opens the SQLite database at config.Path (":memory:" when empty)
// and creates the state table.
func NewSQLiteStore(config Config) (StateStore, error) {
	path := strings.TrimSpace(config.Path)
	if path == "" {
		path = strings.TrimSpace(config.DSN)
	}
	if strings.HasPrefix(strings.ToLower(path), "sqlite://") {
		path = path[len("sqlite://"):]
	}
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite works best with single connection
	db.SetMaxOpenConns(1)

	s := &sqlStore{db: db, dialect: "sqlite"}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create sqlite schema: %w", err)
	}
	return s, nil
}
