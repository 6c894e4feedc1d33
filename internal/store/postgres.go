package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// NewPostgresStore connects with config.DSN through pgx and creates the state table.
func NewPostgresStore(config Config) (StateStore, error) {
	dsn := strings.TrimSpace(config.DSN)
	if dsn == "" {
		return nil, errors.New("postgres store: dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgresql database: %w", err)
	}
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(5)
	}

	s := &sqlStore{db: db, dialect: "postgres"}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgresql database: %w", err)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create postgresql schema: %w", err)
	}
	return s, nil
}
