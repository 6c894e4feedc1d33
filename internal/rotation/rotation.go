package rotation

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Kind selects the file category being rotated.
type Kind string

const (
	Data Kind = "db"
	Log  Kind = "log"
)

// Generation identifies one version of an instance file on disk.
type Generation string

const (
	Source  Generation = "source" // pristine import
	Current Generation = ""       // as of the last successful stop
	Pending Generation = "new"    // written by the running process
	Old     Generation = "old"    // previous current, overwritten on each promotion
)

// ErrDataNotFound is returned when no data generation can feed a launch.
var ErrDataNotFound = errors.New("no usable data file")

// FileName returns the base name of a generation, e.g. alpha.new.db.
func FileName(name string, kind Kind, gen Generation) string {
	if gen == Current {
		return name + "." + string(kind)
	}
	return name + "." + string(gen) + "." + string(kind)
}

// Path joins dir with FileName.
func Path(dir, name string, kind Kind, gen Generation) string {
	return filepath.Join(dir, FileName(name, kind, gen))
}

// Result describes what Rotate decided and did.
type Result struct {
	// Input is the path the next process must read from. Empty for logs.
	Input string
	// Pending is the path the next process writes into.
	Pending string
	// Archived is true when current was copied to the old slot.
	Archived bool
	// Promoted is true when pending was copied over current.
	Promoted bool
}

// Rotate prepares the files of one instance for the next launch.
//
// Rules, first match wins:
//  1. no current, no pending, source exists: read source
//  2. current and pending: current -> old, pending -> current, read current
//  3. only pending: pending -> current, read current
//  4. only current: read current, nothing is touched
//  5. nothing: ErrDataNotFound for data; logs just start fresh
func Rotate(dir, name string, kind Kind) (Result, error) {
	cur := Path(dir, name, kind, Current)
	pend := Path(dir, name, kind, Pending)
	src := Path(dir, name, kind, Source)
	res := Result{Pending: pend}

	hasCur, hasPend, hasSrc := exists(cur), exists(pend), exists(src)

	switch {
	case !hasCur && !hasPend && hasSrc:
		if kind == Data {
			res.Input = src
		}
		return res, nil
	case hasCur && hasPend:
		if err := Copy(cur, Path(dir, name, kind, Old)); err != nil {
			return Result{}, fmt.Errorf("archive %s: %w", cur, err)
		}
		res.Archived = true
		if err := Copy(pend, cur); err != nil {
			return Result{}, fmt.Errorf("promote %s: %w", pend, err)
		}
		res.Promoted = true
	case hasPend:
		if err := Copy(pend, cur); err != nil {
			return Result{}, fmt.Errorf("promote %s: %w", pend, err)
		}
		res.Promoted = true
	case hasCur:
	default:
		if kind == Data {
			return Result{}, fmt.Errorf("%s: %w", name, ErrDataNotFound)
		}
		return res, nil
	}
	if kind == Data {
		res.Input = cur
	}
	return res, nil
}

// Copy copies src to dst through a temporary file in dst's directory so readers
// never observe a partially written dst.
func Copy(src, dst string) error {
	in, err := os.Open(filepath.Clean(src))
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o640); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// CopyExclusive copies src to dst and fails with an os.ErrExist error if dst exists.
func CopyExclusive(src, dst string) error {
	in, err := os.Open(filepath.Clean(src))
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(filepath.Clean(dst), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}

func exists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular()
}
