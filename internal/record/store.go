package record

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const (
	infoFile  = "info.json"
	lockFile  = ".info.lock"
	lockRetry = 10 * time.Millisecond
)

// Repository is the authoritative store of instance records.
type Repository interface {
	// Get reads the record of name from disk.
	Get(ctx context.Context, name string) (Record, error)
	// List returns every known record sorted by name.
	List(ctx context.Context) ([]Record, error)
	// Update reloads name, applies fn and persists the result as one transaction.
	// When fn returns an error nothing is written.
	Update(ctx context.Context, name string, fn func(*Record) error) (Record, error)
	// InstanceDir returns the directory holding the files of name.
	InstanceDir(name string) string
}

// FileStore keeps one info.json per instance directory under a barn directory.
type FileStore struct {
	dir string

	mu      sync.RWMutex
	records map[string]Record
	locks   map[string]*sync.Mutex
}

// Open loads every instance found under dir, creating dir if needed.
func Open(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("record: barn directory is required")
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("record: barn dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("record: create barn dir: %w", err)
	}
	s := &FileStore{
		dir:     dir,
		records: make(map[string]Record),
		locks:   make(map[string]*sync.Mutex),
	}
	if err := s.Reload(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) InstanceDir(name string) string { return filepath.Join(s.dir, name) }

func (s *FileStore) infoPath(name string) string {
	return filepath.Join(s.dir, name, infoFile)
}

// Reload rescans the barn directory and replaces the in-memory view.
func (s *FileStore) Reload(ctx context.Context) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("record: scan %s: %w", s.dir, err)
	}
	fresh := make(map[string]Record, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !e.IsDir() || !ValidName(e.Name()) {
			continue
		}
		rec, err := s.load(e.Name())
		if err != nil {
			slog.Warn("Skipping unreadable instance", "name", e.Name(), "error", err)
			continue
		}
		fresh[rec.Name] = rec
	}
	s.mu.Lock()
	s.records = fresh
	s.mu.Unlock()
	return nil
}

// refresh loads a single instance into the in-memory view.
func (s *FileStore) refresh(name string) {
	rec, err := s.load(name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.forget(name)
			return
		}
		slog.Warn("Failed to load instance", "name", name, "error", err)
		return
	}
	s.remember(rec)
}

func (s *FileStore) remember(rec Record) {
	s.mu.Lock()
	s.records[rec.Name] = rec.Clone()
	s.mu.Unlock()
}

func (s *FileStore) forget(name string) {
	s.mu.Lock()
	delete(s.records, name)
	s.mu.Unlock()
}

// load reads info.json of name. A directory without a readable info.json gets a
// default record, written under the instance lock.
func (s *FileStore) load(name string) (Record, error) {
	st, err := os.Stat(s.InstanceDir(name))
	if err != nil || !st.IsDir() {
		return Record{}, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	if rec, err := s.read(name); err == nil {
		return rec, nil
	}
	unlock, err := s.lock(context.Background(), name)
	if err != nil {
		return Record{}, err
	}
	defer unlock()
	return s.loadLocked(name)
}

// loadLocked is load for a caller holding the instance lock. The file is read
// again since another writer may have repaired it meanwhile.
func (s *FileStore) loadLocked(name string) (Record, error) {
	rec, err := s.read(name)
	if err == nil {
		return rec, nil
	}
	slog.Warn("Instance info missing or unreadable, writing defaults", "name", name, "error", err)
	rec = New(name)
	if werr := s.write(rec); werr != nil {
		return Record{}, werr
	}
	return rec, nil
}

func (s *FileStore) read(name string) (Record, error) {
	data, err := os.ReadFile(s.infoPath(name))
	if err != nil {
		return Record{}, err
	}
	rec := New(name)
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, err
	}
	rec.Name = name
	return rec, nil
}

func encode(rec Record) ([]byte, error) {
	data, err := json.MarshalIndent(rec, "", "\t")
	if err != nil {
		return nil, fmt.Errorf("record: encode %s: %w", rec.Name, err)
	}
	return append(data, '\n'), nil
}

// write persists rec atomically.
func (s *FileStore) write(rec Record) error {
	data, err := encode(rec)
	if err != nil {
		return err
	}
	dir := s.InstanceDir(rec.Name)
	tmp, err := os.CreateTemp(dir, "."+infoFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("record: write %s: %w", rec.Name, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("record: write %s: %w", rec.Name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("record: write %s: %w", rec.Name, err)
	}
	if err := os.Rename(tmpName, s.infoPath(rec.Name)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("record: write %s: %w", rec.Name, err)
	}
	return nil
}

func (s *FileStore) Get(_ context.Context, name string) (Record, error) {
	if !ValidName(name) {
		return Record{}, fmt.Errorf("%q: %w", name, ErrInvalidName)
	}
	rec, err := s.load(name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.forget(name)
		}
		return Record{}, err
	}
	s.remember(rec)
	return rec, nil
}

func (s *FileStore) List(_ context.Context) ([]Record, error) {
	s.mu.RLock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Names returns the sorted names of every known instance.
func (s *FileStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.records))
	for n := range s.records {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (s *FileStore) nameLock(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.locks[name]
	if !ok {
		m = &sync.Mutex{}
		s.locks[name] = m
	}
	return m
}

// lock takes the in-process lock of name and then the file lock shared with
// other processes. The returned func releases both.
func (s *FileStore) lock(ctx context.Context, name string) (func(), error) {
	m := s.nameLock(name)
	m.Lock()
	if st, err := os.Stat(s.InstanceDir(name)); err != nil || !st.IsDir() {
		m.Unlock()
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	fl := flock.New(filepath.Join(s.InstanceDir(name), lockFile))
	locked, err := fl.TryLockContext(ctx, lockRetry)
	if err != nil || !locked {
		m.Unlock()
		if err == nil {
			err = errors.New("not acquired")
		}
		return nil, fmt.Errorf("record: lock %s: %w", name, err)
	}
	return func() {
		_ = fl.Unlock()
		m.Unlock()
	}, nil
}

func (s *FileStore) Update(ctx context.Context, name string, fn func(*Record) error) (Record, error) {
	if !ValidName(name) {
		return Record{}, fmt.Errorf("%q: %w", name, ErrInvalidName)
	}
	unlock, err := s.lock(ctx, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.forget(name)
		}
		return Record{}, err
	}
	defer unlock()

	rec, err := s.loadLocked(name)
	if err != nil {
		return Record{}, err
	}
	if err := fn(&rec); err != nil {
		return rec, err
	}
	rec.Name = name
	if err := s.write(rec); err != nil {
		return Record{}, err
	}
	s.remember(rec)
	return rec.Clone(), nil
}

// isHidden reports entries the store itself creates while working.
func isHidden(name string) bool { return strings.HasPrefix(name, ".") }
