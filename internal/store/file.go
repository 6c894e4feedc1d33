package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// ErrCorrupt is returned by FileStore.Load when the state file cannot be decoded.
var ErrCorrupt = errors.New("state file corrupt")

// FileStore keeps every key in one JSON object on disk.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("file store: path is required")
	}
	return &FileStore{path: path}, nil
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) EnsureSchema(context.Context) error {
	return os.MkdirAll(filepath.Dir(s.path), 0o750)
}

func (s *FileStore) read() (map[string]json.RawMessage, error) {
	doc := make(map[string]json.RawMessage)
	b, err := os.ReadFile(filepath.Clean(s.path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return doc, nil
		}
		return nil, err
	}
	if len(b) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("file store: decode %s: %w: %w", s.path, ErrCorrupt, err)
	}
	return doc, nil
}

func (s *FileStore) Load(_ context.Context, key string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if err != nil {
		return err
	}
	raw, ok := doc[key]
	if !ok {
		return ErrNotFound
	}
	return json.Unmarshal(raw, v)
}

// Save replaces key. A corrupt state file is moved aside to <path>.corrupt and
// replaced by a document holding only key.
func (s *FileStore) Save(_ context.Context, key string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if errors.Is(err, ErrCorrupt) {
		bad := s.path + ".corrupt"
		if rerr := os.Rename(s.path, bad); rerr != nil {
			return fmt.Errorf("file store: set aside %s: %w", s.path, rerr)
		}
		slog.Warn("Corrupt state file replaced", "path", s.path, "moved_to", bad, "error", err)
		doc, err = make(map[string]json.RawMessage), nil
	}
	if err != nil {
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	doc[key] = raw
	out, err := json.MarshalIndent(doc, "", "\t")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), "."+filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("file store: write: %w", err)
	}
	if _, err := tmp.Write(append(out, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("file store: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("file store: write: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("file store: write: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }
