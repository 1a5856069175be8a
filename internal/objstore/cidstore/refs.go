package cidstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	gocid "github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"

	"github.com/gitissue/gitissue/internal/objstore"
	"github.com/gitissue/gitissue/internal/objstore/reflock"
)

// RefStore manages ref name -> CID mappings as files.
// A ref "refs/a/b" is the file <dir>/refs/a/b whose content is the base32 CID.
// Every mutation happens under "<file>.lock", so readers only ever see a
// complete old or new value.
type RefStore struct {
	dir         string
	lockTimeout time.Duration
}

// NewRefStore creates a RefStore rooted at dir.
func NewRefStore(dir string, lockTimeout time.Duration) (*RefStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, objstore.IOError("create refs dir", err)
	}
	return &RefStore{dir: dir, lockTimeout: lockTimeout}, nil
}

func (r *RefStore) path(name string) (string, error) {
	if err := objstore.ValidateRefName(name); err != nil {
		return "", err
	}
	return filepath.Join(r.dir, filepath.FromSlash(name)), nil
}

func readRefFile(path string) (objstore.ObjectID, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	_, cidBytes, err := multibase.Decode(strings.TrimSpace(string(data)))
	if err != nil {
		return "", fmt.Errorf("ref %s: decode CID: %v: %w", filepath.Base(path), err, objstore.ErrCorrupt)
	}
	c, err := gocid.Cast(cidBytes)
	if err != nil {
		return "", fmt.Errorf("ref %s: decode CID: %v: %w", filepath.Base(path), err, objstore.ErrCorrupt)
	}
	return objstore.ObjectID(CIDToFilename(c)), nil
}

// Get resolves a ref name to an object id.
func (r *RefStore) Get(name string) (objstore.ObjectID, error) {
	path, err := r.path(name)
	if err != nil {
		return "", err
	}
	id, err := readRefFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", objstore.NotFound("ref", name)
	}
	if err != nil && !errors.Is(err, objstore.ErrCorrupt) {
		return "", objstore.IOError("read ref "+name, err)
	}
	return id, err
}

// locked runs fn while holding the lock for name. fn receives the current
// value (empty when absent) and returns the value to write, or an empty id to
// delete the ref.
func (r *RefStore) locked(name string, fn func(current objstore.ObjectID) (objstore.ObjectID, error)) error {
	path, err := r.path(name)
	if err != nil {
		return err
	}
	lock, err := reflock.Acquire(path, r.lockTimeout)
	if errors.Is(err, reflock.ErrBusy) {
		return fmt.Errorf("ref %s is locked: %w", name, objstore.ErrConflict)
	}
	if err != nil {
		return objstore.IOError("lock ref "+name, err)
	}

	current, err := readRefFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		lock.Release()
		if errors.Is(err, objstore.ErrCorrupt) {
			return err
		}
		return objstore.IOError("read ref "+name, err)
	}

	next, err := fn(current)
	if err != nil {
		lock.Release()
		return err
	}
	if next.IsZero() {
		if err := lock.Remove(); err != nil {
			return objstore.IOError("delete ref "+name, err)
		}
		return nil
	}
	if err := lock.Commit([]byte(string(next) + "\n")); err != nil {
		return objstore.IOError("write ref "+name, err)
	}
	return nil
}

// Create points a new ref at id.
func (r *RefStore) Create(name string, id objstore.ObjectID) error {
	return r.locked(name, func(current objstore.ObjectID) (objstore.ObjectID, error) {
		if !current.IsZero() {
			return "", fmt.Errorf("ref %s: %w", name, objstore.ErrAlreadyExists)
		}
		return id, nil
	})
}

// CompareAndSwap moves name from expected to id.
func (r *RefStore) CompareAndSwap(name string, id, expected objstore.ObjectID) error {
	return r.locked(name, func(current objstore.ObjectID) (objstore.ObjectID, error) {
		if current.IsZero() {
			return "", fmt.Errorf("ref %s does not exist: %w", name, objstore.ErrConflict)
		}
		if current != expected {
			return "", fmt.Errorf("ref %s is at %s, expected %s: %w",
				name, current.Short(), expected.Short(), objstore.ErrConflict)
		}
		return id, nil
	})
}

// Delete removes a ref.
func (r *RefStore) Delete(name string) error {
	return r.locked(name, func(current objstore.ObjectID) (objstore.ObjectID, error) {
		if current.IsZero() {
			return "", objstore.NotFound("ref", name)
		}
		return "", nil
	})
}

// List returns all refs whose name starts with prefix, sorted by name.
func (r *RefStore) List(prefix string) ([]objstore.Ref, error) {
	start := r.dir
	if i := strings.LastIndexByte(prefix, '/'); i > 0 {
		start = filepath.Join(r.dir, filepath.FromSlash(prefix[:i]))
	}
	var refs []objstore.Ref
	err := filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") || strings.HasSuffix(d.Name(), reflock.Suffix) {
			return nil
		}
		rel, err := filepath.Rel(r.dir, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if !strings.HasPrefix(name, "refs/") || !strings.HasPrefix(name, prefix) {
			return nil
		}
		id, err := readRefFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			return nil // deleted while walking
		}
		if err != nil {
			return err
		}
		refs = append(refs, objstore.Ref{Name: name, ID: id})
		return nil
	})
	if err != nil {
		return nil, objstore.IOError("list refs", err)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs, nil
}
