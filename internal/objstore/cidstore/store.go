// Package cidstore implements objstore.Store on a plain directory of
// CID-addressed object files and lock-protected ref files.
package cidstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gitissue/gitissue/internal/objstore"
)

// DirName is the data directory created inside the repository root.
const DirName = ".gitissue"

// DefaultLockTimeout bounds how long a ref mutation waits for a held lock.
const DefaultLockTimeout = 2 * time.Second

// Options configures Open.
type Options struct {
	LockTimeout time.Duration
}

// Store is a CID-addressed object store plus a ref store, laid out as
//
//	<root>/.gitissue/objects/<base32 cid>
//	<root>/.gitissue/refs/...
type Store struct {
	root    string
	objects *ObjectStore
	refs    *RefStore
}

var _ objstore.Store = (*Store)(nil)

// Open opens or creates a store under root.
func Open(root string, opts Options) (*Store, error) {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	dataDir := filepath.Join(root, DirName)
	for _, dir := range []string{dataDir, filepath.Join(dataDir, "refs")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, objstore.IOError("create dir "+dir, err)
		}
	}

	metaPath := filepath.Join(dataDir, "meta.json")
	if _, err := os.Stat(metaPath); errors.Is(err, fs.ErrNotExist) {
		meta := map[string]interface{}{
			"version": 1,
			"created": time.Now().UTC().Format(time.RFC3339),
			"hash":    "sha1",
			"codec":   "git-raw",
		}
		data, _ := json.MarshalIndent(meta, "", "  ")
		if err := SafeWrite(metaPath, data, 0644); err != nil {
			return nil, objstore.IOError("write meta.json", err)
		}
	}

	objects, err := NewObjectStore(filepath.Join(dataDir, "objects"))
	if err != nil {
		return nil, err
	}
	refs, err := NewRefStore(dataDir, opts.LockTimeout)
	if err != nil {
		return nil, err
	}
	return &Store{root: root, objects: objects, refs: refs}, nil
}

// DataDir returns the path to the .gitissue/ data directory.
func (s *Store) DataDir() string {
	return filepath.Join(s.root, DirName)
}

func (s *Store) WriteBlob(data []byte) (objstore.ObjectID, error) {
	return s.objects.Put(kindBlob, data)
}

func (s *Store) ReadBlob(id objstore.ObjectID) ([]byte, error) {
	return s.objects.Get(id, kindBlob)
}

func (s *Store) WriteTree(entry objstore.TreeEntry) (objstore.ObjectID, error) {
	if !s.objects.Has(entry.ID) {
		return "", objstore.NotFound("object", entry.ID.Short())
	}
	body, err := encodeTree(entry)
	if err != nil {
		return "", fmt.Errorf("write tree: %w", err)
	}
	return s.objects.Put(kindTree, body)
}

func (s *Store) ReadTree(id objstore.ObjectID) ([]objstore.TreeEntry, error) {
	body, err := s.objects.Get(id, kindTree)
	if err != nil {
		return nil, err
	}
	entries, err := decodeTree(body)
	if err != nil {
		return nil, objstore.Corrupt(id, "%v", err)
	}
	return entries, nil
}

func (s *Store) WriteCommit(c objstore.Commit) (objstore.ObjectID, error) {
	if len(c.Parents) > objstore.MaxParents {
		return "", fmt.Errorf("write commit: %d parents, at most %d allowed", len(c.Parents), objstore.MaxParents)
	}
	body, err := encodeCommit(c)
	if err != nil {
		return "", fmt.Errorf("write commit: %w", err)
	}
	return s.objects.Put(kindCommit, body)
}

func (s *Store) ReadCommit(id objstore.ObjectID) (*objstore.Commit, error) {
	body, err := s.objects.Get(id, kindCommit)
	if err != nil {
		return nil, err
	}
	c, err := decodeCommit(body)
	if err != nil {
		return nil, objstore.Corrupt(id, "%v", err)
	}
	return c, nil
}

func (s *Store) CreateRef(name string, id objstore.ObjectID) error {
	return s.refs.Create(name, id)
}

func (s *Store) UpdateRef(name string, newID, expected objstore.ObjectID) error {
	return s.refs.CompareAndSwap(name, newID, expected)
}

func (s *Store) ReadRef(name string) (objstore.ObjectID, error) {
	return s.refs.Get(name)
}

func (s *Store) ListRefs(prefix string) ([]objstore.Ref, error) {
	return s.refs.List(prefix)
}

func (s *Store) DeleteRef(name string) error {
	return s.refs.Delete(name)
}

// Close is a no-op; every operation opens and closes its own files.
func (s *Store) Close() error { return nil }
