// Package objstore defines the content-addressed object and reference
// contract the issue event store is built on.
//
// Objects (blobs, single-entry trees, commits) are immutable and identified by
// a digest of their content: writing identical bytes twice yields the same id.
// References are the only mutable state; UpdateRef is an atomic
// compare-and-swap so concurrent writers can serialize without a lock.
package objstore

import (
	"fmt"
	"strings"
	"time"
)

// ObjectID identifies an immutable object. Its textual form is
// backend-specific (hex SHA-1 for git, base32 CID for the CID store).
type ObjectID string

// String returns the textual form of the id.
func (id ObjectID) String() string { return string(id) }

// IsZero reports whether id is unset.
func (id ObjectID) IsZero() bool { return id == "" }

// Short returns an abbreviated id for log and error messages.
func (id ObjectID) Short() string {
	if len(id) > 12 {
		return string(id[:12])
	}
	return string(id)
}

// Signature is the author attribution stamped on a commit.
type Signature struct {
	Name  string
	Email string
	When  time.Time
}

// TreeEntry is a single named entry of a tree object.
type TreeEntry struct {
	Name string
	ID   ObjectID
}

// Commit is the decoded form of a commit object. Parents holds zero or one id.
type Commit struct {
	Tree    ObjectID
	Parents []ObjectID
	Author  Signature
	Message string
}

// Parent returns the first parent and whether the commit has one.
func (c *Commit) Parent() (ObjectID, bool) {
	if len(c.Parents) == 0 {
		return "", false
	}
	return c.Parents[0], true
}

// Ref is a named pointer to an object.
type Ref struct {
	Name string
	ID   ObjectID
}

// Store is the object and reference surface of a content-addressed store.
//
// Implementations must be safe for use by several processes sharing the same
// backing store; the only racing state is a ref's target, protected by the
// compare-and-swap in UpdateRef.
type Store interface {
	WriteBlob(data []byte) (ObjectID, error)
	ReadBlob(id ObjectID) ([]byte, error)

	// WriteTree writes a tree holding exactly one entry.
	WriteTree(entry TreeEntry) (ObjectID, error)
	ReadTree(id ObjectID) ([]TreeEntry, error)

	// WriteCommit rejects commits with more than one parent.
	WriteCommit(c Commit) (ObjectID, error)
	ReadCommit(id ObjectID) (*Commit, error)

	// CreateRef fails with ErrAlreadyExists if name already exists.
	CreateRef(name string, id ObjectID) error
	// UpdateRef moves name to newID only if it currently points to expected.
	// It fails with ErrConflict otherwise, including when name is absent.
	UpdateRef(name string, newID, expected ObjectID) error
	// ReadRef fails with ErrNotFound if name does not exist.
	ReadRef(name string) (ObjectID, error)
	// ListRefs returns refs whose name starts with prefix, sorted by name.
	ListRefs(prefix string) ([]Ref, error)
	DeleteRef(name string) error

	Close() error
}

// MaxParents is the largest parent count a stored commit may carry.
const MaxParents = 1

// ValidateRefName checks name is a slash-separated path of non-empty segments
// that cannot escape the ref namespace or collide with lock files.
func ValidateRefName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty ref name", ErrInvalidRef)
	}
	if strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidRef, name)
	}
	for _, seg := range strings.Split(name, "/") {
		switch {
		case seg == "", seg == ".", seg == "..":
			return fmt.Errorf("%w: %q", ErrInvalidRef, name)
		case strings.HasPrefix(seg, "."), strings.HasSuffix(seg, ".lock"):
			return fmt.Errorf("%w: %q", ErrInvalidRef, name)
		case strings.ContainsAny(seg, " ~^:?*[\\\x00"):
			return fmt.Errorf("%w: %q", ErrInvalidRef, name)
		}
	}
	return nil
}
