package record

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/loykin/barnr/internal/rotation"
)

// BackupDirName is the per-instance directory receiving backup archives.
const BackupDirName = "backup"

// Init creates instance name seeded from the database file at seed.
//
// The instance is assembled in a hidden staging directory and renamed into
// place, so a watcher or a concurrent Reload never sees a half-built instance.
func (s *FileStore) Init(ctx context.Context, name, seed string) (Record, error) {
	if !ValidName(name) {
		return Record{}, fmt.Errorf("%q: %w", name, ErrInvalidName)
	}
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	target := s.InstanceDir(name)
	if _, err := os.Stat(target); err == nil {
		return Record{}, fmt.Errorf("%s: %w", name, ErrExists)
	}
	if st, err := os.Stat(seed); err != nil || !st.Mode().IsRegular() {
		return Record{}, fmt.Errorf("dataset %s: %w", seed, ErrNotFound)
	}

	staging, err := os.MkdirTemp(s.dir, ".init-"+name+"-")
	if err != nil {
		return Record{}, fmt.Errorf("record: stage %s: %w", name, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(staging)
		}
	}()
	if err := os.Chmod(staging, 0o750); err != nil {
		return Record{}, fmt.Errorf("record: stage %s: %w", name, err)
	}
	if err := os.Mkdir(filepath.Join(staging, BackupDirName), 0o750); err != nil {
		return Record{}, fmt.Errorf("record: create backup dir: %w", err)
	}

	rec := New(name)
	data, err := encode(rec)
	if err != nil {
		return Record{}, err
	}
	if err := os.WriteFile(filepath.Join(staging, infoFile), data, 0o640); err != nil {
		return Record{}, fmt.Errorf("record: write %s: %w", name, err)
	}
	src := filepath.Join(staging, rotation.FileName(name, rotation.Data, rotation.Source))
	if err := rotation.CopyExclusive(seed, src); err != nil {
		return Record{}, fmt.Errorf("record: copy dataset: %w", err)
	}

	if _, err := os.Stat(target); err == nil {
		return Record{}, fmt.Errorf("%s: %w", name, ErrExists)
	}
	if err := os.Rename(staging, target); err != nil {
		return Record{}, fmt.Errorf("record: commit %s: %w", name, err)
	}
	committed = true
	s.remember(rec)
	slog.Info("Instance initialized", "name", name, "dataset", seed)
	return rec.Clone(), nil
}
