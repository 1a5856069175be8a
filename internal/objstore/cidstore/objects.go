package cidstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	gocid "github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multihash"

	"github.com/gitissue/gitissue/internal/objstore"
)

// ObjectStore manages CID-addressed immutable objects on disk.
type ObjectStore struct {
	dir string // path to objects/ directory
}

// NewObjectStore creates an ObjectStore at the given directory.
func NewObjectStore(dir string) (*ObjectStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, objstore.IOError("create objects dir", err)
	}
	return &ObjectStore{dir: dir}, nil
}

// ComputeCID computes a CIDv1 (git-raw codec, SHA-1) for already framed data.
func ComputeCID(data []byte) (gocid.Cid, error) {
	mh, err := multihash.Sum(data, multihash.SHA1, -1)
	if err != nil {
		return gocid.Undef, fmt.Errorf("multihash: %w", err)
	}
	return gocid.NewCidV1(gocid.GitRaw, mh), nil
}

// CIDToFilename returns the base32lower encoding of a CID for use as a filename.
func CIDToFilename(c gocid.Cid) string {
	encoded, _ := multibase.Encode(multibase.Base32, c.Bytes())
	return encoded
}

func (s *ObjectStore) path(id objstore.ObjectID) (string, error) {
	c, err := gocid.Decode(string(id))
	if err != nil {
		return "", fmt.Errorf("%w: object id %q", objstore.ErrNotFound, id)
	}
	return filepath.Join(s.dir, CIDToFilename(c)), nil
}

// Put frames body as an object of the given kind and stores it.
// If the object already exists, this is a no-op.
func (s *ObjectStore) Put(kind string, body []byte) (objstore.ObjectID, error) {
	data := frame(kind, body)
	c, err := ComputeCID(data)
	if err != nil {
		return "", err
	}
	name := CIDToFilename(c)
	path := filepath.Join(s.dir, name)
	if _, err := os.Stat(path); err == nil {
		return objstore.ObjectID(name), nil
	}
	if err := SafeWrite(path, data, 0444); err != nil {
		return "", objstore.IOError("write object", err)
	}
	return objstore.ObjectID(name), nil
}

// Get reads an object, verifies its content against its id and checks its kind.
func (s *ObjectStore) Get(id objstore.ObjectID, kind string) ([]byte, error) {
	path, err := s.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, objstore.NotFound("object", id.Short())
	}
	if err != nil {
		return nil, objstore.IOError("read object "+id.Short(), err)
	}
	c, err := ComputeCID(data)
	if err != nil {
		return nil, err
	}
	if objstore.ObjectID(CIDToFilename(c)) != id {
		return nil, objstore.Corrupt(id, "content does not match id")
	}
	got, body, err := unframe(data)
	if err != nil {
		return nil, objstore.Corrupt(id, "%v", err)
	}
	if got != kind {
		return nil, objstore.Corrupt(id, "expected %s, found %s", kind, got)
	}
	return body, nil
}

// Has checks if an object exists.
func (s *ObjectStore) Has(id objstore.ObjectID) bool {
	path, err := s.path(id)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}
