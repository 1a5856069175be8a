// Package gitstore implements objstore.Store on a real git repository using
// go-git. Objects are ordinary loose git objects and refs are ordinary git
// refs, so the event chains can be inspected with any git tooling.
package gitstore

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/storage"

	"github.com/gitissue/gitissue/internal/objstore"
	"github.com/gitissue/gitissue/internal/objstore/reflock"
)

// DefaultLockTimeout bounds how long a ref mutation waits for a held lock.
const DefaultLockTimeout = 2 * time.Second

// Options configures Open.
type Options struct {
	// Bare opens or initializes path itself as the git directory.
	Bare        bool
	LockTimeout time.Duration
}

// Store wraps the storer of a go-git repository.
//
// go-git storers are not safe for concurrent use, so calls through one Store
// are serialized with mu. Separate Store values (or separate processes) on the
// same repository coordinate through the repository's own ref locking.
type Store struct {
	mu          sync.Mutex
	repo        *git.Repository
	st          storage.Storer
	gitDir      string
	lockTimeout time.Duration
}

var _ objstore.Store = (*Store)(nil)

// Open opens the git repository at path, initializing it if none exists.
func Open(path string, opts Options) (*Store, error) {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	repo, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.PlainInit(path, opts.Bare)
		if errors.Is(err, git.ErrRepositoryAlreadyExists) {
			// lost an init race with another process
			repo, err = git.PlainOpen(path)
		}
	}
	if err != nil {
		return nil, objstore.IOError("open git repository "+path, err)
	}
	gitDir := path
	if !opts.Bare {
		gitDir = filepath.Join(path, git.GitDirName)
	}
	return &Store{
		repo:        repo,
		st:          repo.Storer,
		gitDir:      gitDir,
		lockTimeout: opts.LockTimeout,
	}, nil
}

// GitDir returns the repository's git directory.
func (s *Store) GitDir() string { return s.gitDir }

func parseHash(id objstore.ObjectID) (plumbing.Hash, error) {
	raw, err := hex.DecodeString(string(id))
	if err != nil || len(raw) != 20 {
		return plumbing.ZeroHash, fmt.Errorf("%w: object id %q", objstore.ErrNotFound, id)
	}
	return plumbing.NewHash(string(id)), nil
}

func toID(h plumbing.Hash) objstore.ObjectID { return objstore.ObjectID(h.String()) }

func classify(op string, id objstore.ObjectID, err error) error {
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return objstore.NotFound("object", id.Short())
	}
	return objstore.IOError(op, err)
}

// load fetches an object and checks its kind.
func (s *Store) load(id objstore.ObjectID, want plumbing.ObjectType) (plumbing.EncodedObject, error) {
	h, err := parseHash(id)
	if err != nil {
		return nil, err
	}
	obj, err := s.st.EncodedObject(plumbing.AnyObject, h)
	if err != nil {
		return nil, classify("read object "+id.Short(), id, err)
	}
	if obj.Type() != want {
		return nil, objstore.Corrupt(id, "expected %s, found %s", want, obj.Type())
	}
	return obj, nil
}

func (s *Store) WriteBlob(data []byte) (objstore.ObjectID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj := s.st.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	if err != nil {
		return "", objstore.IOError("write blob", err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return "", objstore.IOError("write blob", err)
	}
	if err := w.Close(); err != nil {
		return "", objstore.IOError("write blob", err)
	}
	h, err := s.st.SetEncodedObject(obj)
	if err != nil {
		return "", objstore.IOError("store blob", err)
	}
	return toID(h), nil
}

func (s *Store) ReadBlob(id objstore.ObjectID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, err := s.load(id, plumbing.BlobObject)
	if err != nil {
		return nil, err
	}
	blob, err := object.DecodeBlob(obj)
	if err != nil {
		return nil, objstore.Corrupt(id, "%v", err)
	}
	r, err := blob.Reader()
	if err != nil {
		return nil, objstore.IOError("read blob "+id.Short(), err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, objstore.IOError("read blob "+id.Short(), err)
	}
	return data, nil
}

func (s *Store) WriteTree(entry objstore.TreeEntry) (objstore.ObjectID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.Name == "" || strings.ContainsAny(entry.Name, "/\x00") {
		return "", fmt.Errorf("write tree: invalid entry name %q", entry.Name)
	}
	h, err := parseHash(entry.ID)
	if err != nil {
		return "", err
	}
	if err := s.st.HasEncodedObject(h); err != nil {
		return "", classify("write tree", entry.ID, err)
	}
	tree := &object.Tree{Entries: []object.TreeEntry{{
		Name: entry.Name,
		Mode: filemode.Regular,
		Hash: h,
	}}}
	obj := s.st.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		return "", objstore.IOError("encode tree", err)
	}
	th, err := s.st.SetEncodedObject(obj)
	if err != nil {
		return "", objstore.IOError("store tree", err)
	}
	return toID(th), nil
}

func (s *Store) ReadTree(id objstore.ObjectID) ([]objstore.TreeEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, err := s.load(id, plumbing.TreeObject)
	if err != nil {
		return nil, err
	}
	tree, err := object.DecodeTree(s.st, obj)
	if err != nil {
		return nil, objstore.Corrupt(id, "%v", err)
	}
	entries := make([]objstore.TreeEntry, len(tree.Entries))
	for i, e := range tree.Entries {
		entries[i] = objstore.TreeEntry{Name: e.Name, ID: toID(e.Hash)}
	}
	return entries, nil
}

func signature(sig objstore.Signature) object.Signature {
	return object.Signature{Name: sig.Name, Email: sig.Email, When: sig.When.UTC()}
}

func (s *Store) WriteCommit(c objstore.Commit) (objstore.ObjectID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(c.Parents) > objstore.MaxParents {
		return "", fmt.Errorf("write commit: %d parents, at most %d allowed", len(c.Parents), objstore.MaxParents)
	}
	tree, err := parseHash(c.Tree)
	if err != nil {
		return "", fmt.Errorf("write commit: tree: %w", err)
	}
	commit := &object.Commit{
		Author:    signature(c.Author),
		Committer: signature(c.Author),
		Message:   c.Message,
		TreeHash:  tree,
	}
	for _, p := range c.Parents {
		ph, err := parseHash(p)
		if err != nil {
			return "", fmt.Errorf("write commit: parent: %w", err)
		}
		commit.ParentHashes = append(commit.ParentHashes, ph)
	}
	obj := s.st.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return "", objstore.IOError("encode commit", err)
	}
	h, err := s.st.SetEncodedObject(obj)
	if err != nil {
		return "", objstore.IOError("store commit", err)
	}
	return toID(h), nil
}

func (s *Store) ReadCommit(id objstore.ObjectID) (*objstore.Commit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, err := s.load(id, plumbing.CommitObject)
	if err != nil {
		return nil, err
	}
	commit, err := object.DecodeCommit(s.st, obj)
	if err != nil {
		return nil, objstore.Corrupt(id, "%v", err)
	}
	out := &objstore.Commit{
		Tree: toID(commit.TreeHash),
		Author: objstore.Signature{
			Name:  commit.Author.Name,
			Email: commit.Author.Email,
			When:  commit.Author.When.UTC(),
		},
		Message: commit.Message,
	}
	for _, p := range commit.ParentHashes {
		out.Parents = append(out.Parents, toID(p))
	}
	return out, nil
}

func (s *Store) refPath(name string) string {
	return filepath.Join(s.gitDir, filepath.FromSlash(name))
}

// reference returns the hash a ref points to, or ErrNotFound. The storer
// consults the loose ref first and falls back to packed-refs.
func (s *Store) reference(name string) (plumbing.Hash, error) {
	ref, err := s.st.Reference(plumbing.ReferenceName(name))
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return plumbing.ZeroHash, objstore.NotFound("ref", name)
	}
	if err != nil {
		return plumbing.ZeroHash, objstore.IOError("read ref "+name, err)
	}
	if ref.Type() != plumbing.HashReference {
		return plumbing.ZeroHash, fmt.Errorf("ref %s is symbolic: %w", name, objstore.ErrCorrupt)
	}
	if ref.Hash().IsZero() {
		return plumbing.ZeroHash, fmt.Errorf("ref %s is empty: %w", name, objstore.ErrCorrupt)
	}
	return ref.Hash(), nil
}

// lockedRef runs fn while holding git's own "<ref>.lock", so it excludes
// other handles, other processes and git itself. fn receives the current
// value (zero when absent) and returns the value to publish, or zero to
// delete the ref.
//
// go-git's CheckAndSetReference is not used: it rewrites the loose file in
// place and, for a ref that only lives in packed-refs, leaves an empty loose
// file behind that shadows the packed value.
func (s *Store) lockedRef(name string, fn func(current plumbing.Hash) (plumbing.Hash, error)) error {
	lock, err := reflock.Acquire(s.refPath(name), s.lockTimeout)
	if errors.Is(err, reflock.ErrBusy) {
		return fmt.Errorf("ref %s is locked: %w", name, objstore.ErrConflict)
	}
	if err != nil {
		return objstore.IOError("lock ref "+name, err)
	}

	s.mu.Lock()
	current, err := s.reference(name)
	s.mu.Unlock()
	if errors.Is(err, objstore.ErrNotFound) {
		current, err = plumbing.ZeroHash, nil
	}
	if err != nil {
		lock.Release()
		return err
	}

	next, err := fn(current)
	if err != nil {
		lock.Release()
		return err
	}
	if next.IsZero() {
		// drops the loose file and any packed-refs entry
		s.mu.Lock()
		err := s.st.RemoveReference(plumbing.ReferenceName(name))
		s.mu.Unlock()
		lock.Release()
		if err != nil {
			return objstore.IOError("delete ref "+name, err)
		}
		return nil
	}
	if err := lock.Commit([]byte(next.String() + "\n")); err != nil {
		return objstore.IOError("write ref "+name, err)
	}
	return nil
}

func (s *Store) CreateRef(name string, id objstore.ObjectID) error {
	if err := objstore.ValidateRefName(name); err != nil {
		return err
	}
	h, err := parseHash(id)
	if err != nil {
		return err
	}
	return s.lockedRef(name, func(current plumbing.Hash) (plumbing.Hash, error) {
		if !current.IsZero() {
			return plumbing.ZeroHash, fmt.Errorf("ref %s: %w", name, objstore.ErrAlreadyExists)
		}
		return h, nil
	})
}

func (s *Store) UpdateRef(name string, newID, expected objstore.ObjectID) error {
	if err := objstore.ValidateRefName(name); err != nil {
		return err
	}
	nh, err := parseHash(newID)
	if err != nil {
		return err
	}
	eh, err := parseHash(expected)
	if err != nil {
		return fmt.Errorf("ref %s: expected %q: %w", name, expected, objstore.ErrConflict)
	}
	return s.lockedRef(name, func(current plumbing.Hash) (plumbing.Hash, error) {
		if current.IsZero() {
			return plumbing.ZeroHash, fmt.Errorf("ref %s does not exist: %w", name, objstore.ErrConflict)
		}
		if current != eh {
			return plumbing.ZeroHash, fmt.Errorf("ref %s is at %s, expected %s: %w",
				name, toID(current).Short(), expected.Short(), objstore.ErrConflict)
		}
		return nh, nil
	})
}

func (s *Store) ReadRef(name string) (objstore.ObjectID, error) {
	if err := objstore.ValidateRefName(name); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	h, err := s.reference(name)
	if err != nil {
		return "", err
	}
	return toID(h), nil
}

// ListRefs returns the hash refs under prefix, loose and packed, sorted by
// name. Lock files of in-flight writers are not refs.
func (s *Store) ListRefs(prefix string) ([]objstore.Ref, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	iter, err := s.st.IterReferences()
	if err != nil {
		return nil, objstore.IOError("list refs", err)
	}
	defer iter.Close()

	var refs []objstore.Ref
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name().String()
		if ref.Type() != plumbing.HashReference || strings.HasSuffix(name, reflock.Suffix) {
			return nil
		}
		if strings.HasPrefix(name, prefix) {
			refs = append(refs, objstore.Ref{Name: name, ID: toID(ref.Hash())})
		}
		return nil
	})
	if err != nil && !errors.Is(err, storer.ErrStop) {
		return nil, objstore.IOError("list refs", err)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs, nil
}

func (s *Store) DeleteRef(name string) error {
	if err := objstore.ValidateRefName(name); err != nil {
		return err
	}
	return s.lockedRef(name, func(current plumbing.Hash) (plumbing.Hash, error) {
		if current.IsZero() {
			return plumbing.ZeroHash, objstore.NotFound("ref", name)
		}
		return plumbing.ZeroHash, nil
	})
}

// Close releases resources held by the underlying storer.
func (s *Store) Close() error {
	if c, ok := s.st.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
