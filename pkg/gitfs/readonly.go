package gitfs

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/go-git/go-billy/v5"

	"github.com/stacklok/gitfs/pkg/errdefs"
)

// readOnlyFs adapts a directory-backed filesystem to the read-only
// contract. Every mutating operation fails with ErrReadOnly, the .git
// control directory is hidden from the exposed tree, and once the shared
// closed flag is set no new handles are issued. Handles already open are
// not revoked.
type readOnlyFs struct {
	inner  billy.Filesystem
	closed *atomic.Bool
}

func newReadOnlyFs(inner billy.Filesystem, closed *atomic.Bool) *readOnlyFs {
	return &readOnlyFs{inner: inner, closed: closed}
}

func (r *readOnlyFs) guard(op, name string) error {
	if r.closed.Load() {
		return fmt.Errorf("gitfs %s %s: %w", op, name, os.ErrClosed)
	}
	if hidden(name) {
		return &os.PathError{Op: op, Path: name, Err: os.ErrNotExist}
	}
	return nil
}

// Open opens a file for reading.
func (r *readOnlyFs) Open(filename string) (billy.File, error) {
	if err := r.guard("open", filename); err != nil {
		return nil, err
	}
	return r.inner.Open(filename)
}

// OpenFile rejects any flag combination that could mutate the tree.
func (r *readOnlyFs) OpenFile(filename string, flag int, _ os.FileMode) (billy.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_APPEND|os.O_CREATE|os.O_TRUNC) != 0 {
		return nil, fmt.Errorf("open %s for writing: %w", filename, errdefs.ErrReadOnly)
	}
	if err := r.guard("open", filename); err != nil {
		return nil, err
	}
	return r.inner.OpenFile(filename, flag, 0)
}

// Stat reports file metadata inherited from the backing filesystem.
func (r *readOnlyFs) Stat(filename string) (os.FileInfo, error) {
	if err := r.guard("stat", filename); err != nil {
		return nil, err
	}
	return r.inner.Stat(filename)
}

// Lstat is like Stat but does not follow symlinks.
func (r *readOnlyFs) Lstat(filename string) (os.FileInfo, error) {
	if err := r.guard("lstat", filename); err != nil {
		return nil, err
	}
	return r.inner.Lstat(filename)
}

// ReadDir lists directory entries, with the .git control directory
// filtered out of the root listing.
func (r *readOnlyFs) ReadDir(path string) ([]os.FileInfo, error) {
	if err := r.guard("readdir", path); err != nil {
		return nil, err
	}
	entries, err := r.inner.ReadDir(path)
	if err != nil {
		return nil, err
	}
	if !atRoot(path) {
		return entries, nil
	}
	filtered := entries[:0]
	for _, e := range entries {
		if e.Name() == gitDirName {
			continue
		}
		filtered = append(filtered, e)
	}
	return filtered, nil
}

// Readlink returns the target of a symlink.
func (r *readOnlyFs) Readlink(link string) (string, error) {
	if err := r.guard("readlink", link); err != nil {
		return "", err
	}
	return r.inner.Readlink(link)
}

// Join joins path elements.
func (r *readOnlyFs) Join(elem ...string) string { return r.inner.Join(elem...) }

// Root returns the root path of the exposed tree.
func (r *readOnlyFs) Root() string { return r.inner.Root() }

// Chroot returns a read-only view rooted at path, sharing the parent's
// closed state.
func (r *readOnlyFs) Chroot(path string) (billy.Filesystem, error) {
	if err := r.guard("chroot", path); err != nil {
		return nil, err
	}
	sub, err := r.inner.Chroot(path)
	if err != nil {
		return nil, err
	}
	return newReadOnlyFs(sub, r.closed), nil
}

// Create rejects file creation.
func (*readOnlyFs) Create(filename string) (billy.File, error) {
	return nil, fmt.Errorf("create %s: %w", filename, errdefs.ErrReadOnly)
}

// Rename rejects renames.
func (*readOnlyFs) Rename(oldpath, _ string) error {
	return fmt.Errorf("rename %s: %w", oldpath, errdefs.ErrReadOnly)
}

// Remove rejects deletions.
func (*readOnlyFs) Remove(filename string) error {
	return fmt.Errorf("remove %s: %w", filename, errdefs.ErrReadOnly)
}

// MkdirAll rejects directory creation.
func (*readOnlyFs) MkdirAll(filename string, _ os.FileMode) error {
	return fmt.Errorf("mkdir %s: %w", filename, errdefs.ErrReadOnly)
}

// Symlink rejects link creation.
func (*readOnlyFs) Symlink(_, link string) error {
	return fmt.Errorf("symlink %s: %w", link, errdefs.ErrReadOnly)
}

// TempFile rejects temporary file creation.
func (*readOnlyFs) TempFile(dir, _ string) (billy.File, error) {
	return nil, fmt.Errorf("tempfile in %s: %w", dir, errdefs.ErrReadOnly)
}

const gitDirName = ".git"

// hidden reports whether name addresses the .git control directory.
func hidden(name string) bool {
	name = strings.TrimLeft(strings.ReplaceAll(name, "\\", "/"), "/")
	return name == gitDirName || strings.HasPrefix(name, gitDirName+"/")
}

func atRoot(path string) bool {
	trimmed := strings.Trim(strings.ReplaceAll(path, "\\", "/"), "/")
	return trimmed == "" || trimmed == "."
}
