// Package staging manages the per-transfer directory that holds a partially
// written payload until it is promoted to its destination.
package staging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/h2non/filetype"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/surge-downloader/filetransfer/internal/engine/types"
	"github.com/surge-downloader/filetransfer/internal/utils"
)

const lockName = ".lock"

// Area is an exclusively locked staging directory for one transfer ID.
type Area struct {
	dir  string
	path string
	lock *flock.Flock
	file *os.File
}

// Open creates (or reopens) the staging directory for id under root and
// takes its lock. A second Open for the same id fails until Close or Remove.
func Open(root, id string) (*Area, error) {
	if id == "" || filepath.Base(id) != id {
		return nil, types.NewError(types.KindInvalidArgument, nil, "bad staging id %q", id)
	}
	dir := filepath.Join(root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, types.NewError(types.KindDisk, err, "create staging dir")
	}

	lock := flock.New(filepath.Join(dir, lockName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, types.NewError(types.KindDisk, err, "lock staging dir")
	}
	if !locked {
		return nil, types.NewError(types.KindDisk, nil, "staging dir %s is in use", dir)
	}

	return &Area{
		dir:  dir,
		path: filepath.Join(dir, types.StagingFileName),
		lock: lock,
	}, nil
}

// Dir returns the staging directory.
func (a *Area) Dir() string { return a.dir }

// Path returns the staging payload path.
func (a *Area) Path() string { return a.path }

// Size returns the current payload size, or -1 if the payload is missing.
func (a *Area) Size() int64 {
	info, err := os.Stat(a.path)
	if err != nil {
		return -1
	}
	return info.Size()
}

// Prepare opens the payload for writing. With fresh set any previous content
// is discarded. When size is known the file is pre-sized after checking the
// filesystem has room for the bytes still to be allocated.
func (a *Area) Prepare(size int64, fresh bool) (*os.File, error) {
	if a.file != nil {
		return a.file, nil
	}

	flags := os.O_RDWR | os.O_CREATE
	if fresh {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(a.path, flags, 0o644)
	if err != nil {
		return nil, types.NewError(types.KindDisk, err, "open staging file")
	}

	if size > 0 {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, types.NewError(types.KindDisk, err, "stat staging file")
		}
		if grow := size - info.Size(); grow > 0 {
			if err := CheckFreeSpace(a.dir, grow); err != nil {
				f.Close()
				return nil, err
			}
		}
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, types.NewError(types.KindDisk, err, "pre-size staging file")
		}
	}

	a.file = f
	return f, nil
}

// Sync flushes written chunks to stable storage.
func (a *Area) Sync() error {
	if a.file == nil {
		return nil
	}
	if err := a.file.Sync(); err != nil {
		return types.NewError(types.KindDisk, err, "sync staging file")
	}
	return nil
}

// Close releases the file and the lock but keeps the directory for resume.
func (a *Area) Close() error {
	var errs []error
	if a.file != nil {
		if err := a.file.Sync(); err != nil {
			errs = append(errs, err)
		}
		if err := a.file.Close(); err != nil {
			errs = append(errs, err)
		}
		a.file = nil
	}
	if a.lock != nil {
		if err := a.lock.Unlock(); err != nil {
			errs = append(errs, err)
		}
		if err := a.lock.Close(); err != nil {
			errs = append(errs, err)
		}
		a.lock = nil
	}
	return errors.Join(errs...)
}

// Remove closes the area and deletes the staging directory.
func (a *Area) Remove() error {
	closeErr := a.Close()
	if err := os.RemoveAll(a.dir); err != nil {
		return types.NewError(types.KindDisk, err, "remove staging dir")
	}
	return closeErr
}

// Promote moves the payload to dest, replacing any existing file, and removes
// the staging directory. dest never holds a partial file: the payload is
// renamed into place, or on a cross-device move copied to a sibling
// temporary file first.
func (a *Area) Promote(dest string) error {
	if a.file != nil {
		if err := a.file.Sync(); err != nil {
			return types.NewError(types.KindDisk, err, "sync staging file")
		}
		if err := a.file.Close(); err != nil {
			return types.NewError(types.KindDisk, err, "close staging file")
		}
		a.file = nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return types.NewError(types.KindDisk, err, "create destination dir")
	}
	if info, err := os.Lstat(dest); err == nil {
		if info.IsDir() {
			return types.NewError(types.KindDisk, nil, "destination %s is a directory", dest)
		}
		if err := os.Remove(dest); err != nil {
			return types.NewError(types.KindDisk, err, "remove existing destination")
		}
	}

	if err := os.Rename(a.path, dest); err != nil {
		if !errors.Is(err, syscall.EXDEV) {
			return types.NewError(types.KindDisk, err, "rename into place")
		}
		utils.Debug("Cross-device promote, copying %s -> %s", a.path, dest)
		if err := copyThenRename(a.path, dest); err != nil {
			return err
		}
	}

	return a.Remove()
}

// copyThenRename copies src into a temporary file beside dest and renames it
// into place.
func copyThenRename(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return types.NewError(types.KindDisk, err, "open staging file")
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*"+types.IncompleteSuffix)
	if err != nil {
		return types.NewError(types.KindDisk, err, "create temp file")
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	if _, err := io.Copy(tmp, in); err != nil {
		cleanup()
		return types.NewError(types.KindDisk, err, "copy to destination")
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return types.NewError(types.KindDisk, err, "sync destination")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return types.NewError(types.KindDisk, err, "close destination")
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return types.NewError(types.KindDisk, err, "rename into place")
	}
	return nil
}

// CheckFreeSpace returns a DiskError when dir's filesystem has less than need
// bytes free. Filesystems that cannot report usage are not checked.
func CheckFreeSpace(dir string, need int64) error {
	usage, err := disk.Usage(dir)
	if err != nil {
		utils.Debug("disk usage unavailable for %s: %v", dir, err)
		return nil
	}
	if need > 0 && usage.Free < uint64(need) {
		return types.NewError(types.KindDisk, nil, "insufficient space in %s: need %s, have %s",
			dir, utils.FormatBytes(need), utils.FormatBytes(int64(usage.Free)))
	}
	return nil
}

// DetectContentType sniffs the file's magic bytes. It returns "" when the
// type is not recognised.
func DetectContentType(path string) string {
	kind, err := filetype.MatchFile(path)
	if err != nil || kind == filetype.Unknown {
		return ""
	}
	return kind.MIME.Value
}

// Exists reports whether a staging directory for id is present under root.
func Exists(root, id string) bool {
	info, err := os.Stat(filepath.Join(root, id))
	return err == nil && info.IsDir()
}

// RemoveOrphan deletes a staging directory for id without holding an Area.
// It refuses while another Area holds the lock.
func RemoveOrphan(root, id string) error {
	a, err := Open(root, id)
	if err != nil {
		return fmt.Errorf("remove staging %s: %w", id, err)
	}
	return a.Remove()
}
