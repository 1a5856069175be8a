// Package reflock implements git's ref lock protocol: a writer owns a ref
// file while it holds "<file>.lock", created exclusively, and publishes the
// new value by renaming the lock over the file. Readers never lock and only
// ever see a complete old or new value.
package reflock

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Suffix is appended to a ref path to name its lock file.
const Suffix = ".lock"

// ErrBusy means another writer held the lock for the whole wait.
var ErrBusy = errors.New("lock busy")

const pollInterval = 2 * time.Millisecond

// Lock is a held "<path>.lock". Exactly one of Commit, Remove or Release
// must be called.
type Lock struct {
	path string
	f    *os.File
}

// Acquire creates path+".lock" exclusively, polling until timeout while
// another writer holds it. Missing parent directories are created.
func Acquire(path string, timeout time.Duration) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create ref dir: %w", err)
	}
	deadline := time.Now().Add(timeout)
	for {
		f, err := os.OpenFile(path+Suffix, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			return &Lock{path: path, f: f}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("create lock: %w", err)
		}
		if time.Now().After(deadline) {
			return nil, ErrBusy
		}
		time.Sleep(pollInterval)
	}
}

// Commit writes data into the lock file and renames it over the target.
func (l *Lock) Commit(data []byte) error {
	if _, err := l.f.Write(data); err != nil {
		l.Release()
		return fmt.Errorf("write lock: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		l.Release()
		return fmt.Errorf("fsync lock: %w", err)
	}
	if err := l.f.Close(); err != nil {
		os.Remove(l.path + Suffix)
		return fmt.Errorf("close lock: %w", err)
	}
	if err := os.Rename(l.path+Suffix, l.path); err != nil {
		os.Remove(l.path + Suffix)
		return fmt.Errorf("rename lock: %w", err)
	}
	return nil
}

// Remove deletes the target and then drops the lock. The target is gone
// before any other writer can take the lock.
func (l *Lock) Remove() error {
	err := os.Remove(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		err = nil
	}
	l.Release()
	if err != nil {
		return fmt.Errorf("remove %s: %w", filepath.Base(l.path), err)
	}
	return nil
}

// Release drops the lock without touching the target.
func (l *Lock) Release() {
	l.f.Close()
	os.Remove(l.path + Suffix)
}
