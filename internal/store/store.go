package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Load when nothing was saved under the key.
var ErrNotFound = errors.New("state not found")

// StateStore persists small JSON documents under string keys. Save replaces the
// whole document atomically.
type StateStore interface {
	EnsureSchema(ctx context.Context) error
	Load(ctx context.Context, key string, v any) error
	Save(ctx context.Context, key string, v any) error
	Close() error
}

// Config selects and configures a store backend.
type Config struct {
	Type         string `mapstructure:"type"` // file, sqlite, postgres
	Path         string `mapstructure:"path"` // file or sqlite path
	DSN          string `mapstructure:"dsn"`  // postgres connection string
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}
