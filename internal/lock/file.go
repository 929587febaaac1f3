package lock

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/imgharvest/internal/crawler"
)

// FileName is the sentinel placed in a category directory while it is locked.
const FileName = ".lock"

// FileLock is a sentinel-file lock. The file's modification time is its
// last touch.
type FileLock struct {
	path  string
	clock crawler.Clock

	mu   sync.Mutex
	held bool
}

// NewFileLock returns a lock over the sentinel at path.
func NewFileLock(path string, clock crawler.Clock) *FileLock {
	return &FileLock{path: path, clock: clock}
}

// Path returns the sentinel location.
func (l *FileLock) Path() string {
	return l.path
}

// TryAcquire creates the sentinel exclusively. When a sentinel already exists
// and is at least ttl old it is reclaimed and creation is retried once.
func (l *FileLock) TryAcquire(_ context.Context, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return true, nil
	}

	ok, err := l.create()
	if ok || err != nil {
		return ok, err
	}

	info, err := os.Stat(l.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// Released between our create and stat.
	case err != nil:
		return false, fmt.Errorf("stat lock %s: %w", l.path, err)
	default:
		if l.stale(info, ttl) {
			reclaimed, err := l.reclaim(ttl)
			if !reclaimed || err != nil {
				return false, err
			}
		} else {
			return false, nil
		}
	}
	return l.create()
}

func (l *FileLock) stale(info fs.FileInfo, ttl time.Duration) bool {
	return l.clock.Now().Sub(info.ModTime()) >= ttl
}

// reclaim moves the sentinel aside under a name unique to this process and
// checks the moved file is still stale. Another worker may have replaced the
// stale sentinel with a fresh one since it was inspected; that one is put
// back and reclaim reports false.
func (l *FileLock) reclaim(ttl time.Duration) (bool, error) {
	aside := l.path + "." + uuid.NewString()
	if err := os.Rename(l.path, aside); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// Someone else reclaimed or released it first; race them on create.
			return true, nil
		}
		return false, fmt.Errorf("reclaim stale lock %s: %w", l.path, err)
	}
	info, err := os.Stat(aside)
	if err == nil && !l.stale(info, ttl) {
		if err := os.Link(aside, l.path); err != nil && !errors.Is(err, fs.ErrExist) {
			return false, errors.Join(fmt.Errorf("restore lock %s: %w", l.path, err), os.Rename(aside, l.path))
		}
		_ = os.Remove(aside)
		return false, nil
	}
	if err := os.Remove(aside); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("remove stale lock %s: %w", aside, err)
	}
	return true, nil
}

func (l *FileLock) create() (bool, error) {
	// #nosec G304 -- the lock path is derived from the configured workspace.
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("create lock %s: %w", l.path, err)
	}
	_, writeErr := f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	closeErr := f.Close()
	if err := errors.Join(writeErr, closeErr); err != nil {
		_ = os.Remove(l.path)
		return false, fmt.Errorf("write lock %s: %w", l.path, err)
	}
	now := l.clock.Now()
	if err := os.Chtimes(l.path, now, now); err != nil {
		_ = os.Remove(l.path)
		return false, fmt.Errorf("stamp lock %s: %w", l.path, err)
	}
	l.held = true
	return true, nil
}

// Refresh touches the sentinel so it is not considered stale.
func (l *FileLock) Refresh(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return crawler.ErrLockHeld
	}
	now := l.clock.Now()
	if err := os.Chtimes(l.path, now, now); err != nil {
		return fmt.Errorf("refresh lock %s: %w", l.path, err)
	}
	return nil
}

// Release removes the sentinel if this lock holds it.
func (l *FileLock) Release(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return nil
	}
	l.held = false
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("release lock %s: %w", l.path, err)
	}
	return nil
}

// FileFactory places one sentinel in each category directory of a workspace.
type FileFactory struct {
	workspace string
	clock     crawler.Clock
}

// NewFileFactory returns a factory rooted at workspace.
func NewFileFactory(workspace string, clock crawler.Clock) *FileFactory {
	return &FileFactory{workspace: workspace, clock: clock}
}

// ForCategory implements crawler.LockFactory. It creates the category
// directory when missing.
func (f *FileFactory) ForCategory(category string) (crawler.Lock, error) {
	dir := filepath.Join(f.workspace, category)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create category dir: %w", err)
	}
	return NewFileLock(filepath.Join(dir, FileName), f.clock), nil
}
