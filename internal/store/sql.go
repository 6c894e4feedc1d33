package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// sqlStore implements StateStore on table barnr_state for SQLite and PostgreSQL.
type sqlStore struct {
	db      *sql.DB
	dialect string // "sqlite" or "postgres"
}

func (s *sqlStore) EnsureSchema(ctx context.Context) error {
	ts := "TIMESTAMP"
	if s.dialect == "postgres" {
		ts = "TIMESTAMPTZ"
	}
	q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS barnr_state(
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at %s NOT NULL
	);`, ts)
	_, err := s.db.ExecContext(ctx, q)
	return err
}

func (s *sqlStore) Load(ctx context.Context, key string, v any) error {
	q := `SELECT value FROM barnr_state WHERE key = ?`
	if s.dialect == "postgres" {
		q = `SELECT value FROM barnr_state WHERE key = $1`
	}
	var raw string
	if err := s.db.QueryRowContext(ctx, q, key).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return json.Unmarshal([]byte(raw), v)
}

func (s *sqlStore) Save(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	q := `INSERT INTO barnr_state(key, value, updated_at) VALUES(?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	if s.dialect == "postgres" {
		q = `INSERT INTO barnr_state(key, value, updated_at) VALUES($1, $2, $3)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	}
	_, err = s.db.ExecContext(ctx, q, key, string(raw), time.Now().UTC())
	return err
}

func (s *sqlStore) Close() error { return s.db.Close() }
