package cidstore

import (
	"crypto/sha1"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitissue/gitissue/internal/objstore"
	"github.com/gitissue/gitissue/internal/objstore/gitstore"
	"github.com/gitissue/gitissue/internal/objstore/reflock"
	"github.com/gitissue/gitissue/internal/objstore/storetest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), Options{LockTimeout: 100 * time.Millisecond})
	require.NoError(t, err)
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T, dir string) objstore.Store {
		s, err := Open(dir, Options{})
		require.NoError(t, err)
		return s
	})
}

func TestOpen_Layout(t *testing.T) {
	s := openTestStore(t)

	for _, p := range []string{"objects", "refs", "meta.json"} {
		_, err := os.Stat(filepath.Join(s.DataDir(), p))
		assert.NoError(t, err, p)
	}
}

func TestBlobDigestIsGitHash(t *testing.T) {
	s := openTestStore(t)

	id, err := s.WriteBlob([]byte("hello"))
	require.NoError(t, err)

	d, err := digest(id)
	require.NoError(t, err)
	want := sha1.Sum([]byte("blob 5\x00hello"))
	assert.Equal(t, hex.EncodeToString(want[:]), hex.EncodeToString(d))
}

// Objects written through both backends must carry the same SHA-1.
func TestObjectsMatchGit(t *testing.T) {
	s := openTestStore(t)
	g, err := gitstore.Open(t.TempDir(), gitstore.Options{})
	require.NoError(t, err)
	defer g.Close()

	sig := objstore.Signature{Name: "Alice", Email: "alice@example.com", When: time.Unix(1700000000, 0).UTC()}
	write := func(st objstore.Store) []objstore.ObjectID {
		blob, err := st.WriteBlob([]byte(`{"Created":{}}`))
		require.NoError(t, err)
		tree, err := st.WriteTree(objstore.TreeEntry{Name: "event.json", ID: blob})
		require.NoError(t, err)
		root, err := st.WriteCommit(objstore.Commit{Tree: tree, Author: sig, Message: "Created: x"})
		require.NoError(t, err)
		child, err := st.WriteCommit(objstore.Commit{Tree: tree, Parents: []objstore.ObjectID{root}, Author: sig, Message: "LabelAdded: y"})
		require.NoError(t, err)
		return []objstore.ObjectID{blob, tree, root, child}
	}

	cids := write(s)
	hashes := write(g)
	for i := range cids {
		d, err := digest(cids[i])
		require.NoError(t, err)
		assert.Equal(t, hashes[i].String(), hex.EncodeToString(d), "object %d", i)
	}
}

func TestReadObject_DetectsTampering(t *testing.T) {
	s := openTestStore(t)

	id, err := s.WriteBlob([]byte("original"))
	require.NoError(t, err)

	c, err := s.objects.path(id)
	require.NoError(t, err)
	require.NoError(t, os.Chmod(c, 0644))
	require.NoError(t, os.WriteFile(c, frame(kindBlob, []byte("tampered")), 0644))

	_, err = s.ReadBlob(id)
	assert.ErrorIs(t, err, objstore.ErrCorrupt)
}

func TestWriteTree_MissingEntry(t *testing.T) {
	s := openTestStore(t)
	other := openTestStore(t)

	id, err := other.WriteBlob([]byte("elsewhere"))
	require.NoError(t, err)

	_, err = s.WriteTree(objstore.TreeEntry{Name: "event.json", ID: id})
	assert.ErrorIs(t, err, objstore.ErrNotFound)
}

func TestRef_HeldLockIsConflict(t *testing.T) {
	s := openTestStore(t)
	a, err := s.WriteBlob([]byte("a"))
	require.NoError(t, err)
	b, err := s.WriteBlob([]byte("b"))
	require.NoError(t, err)
	require.NoError(t, s.CreateRef("refs/test/held", a))

	path := filepath.Join(s.DataDir(), "refs", "test", "held")
	lock, err := reflock.Acquire(path, time.Second)
	require.NoError(t, err)
	defer lock.Release()

	err = s.UpdateRef("refs/test/held", b, a)
	assert.ErrorIs(t, err, objstore.ErrConflict)

	refs, err := s.ListRefs("refs/test/")
	require.NoError(t, err)
	require.Len(t, refs, 1, "lock files are not refs")
	assert.Equal(t, a, refs[0].ID)
}

func TestRef_CorruptFile(t *testing.T) {
	s := openTestStore(t)

	path := filepath.Join(s.DataDir(), "refs", "test", "bad")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("not a cid\n"), 0644))

	_, err := s.ReadRef("refs/test/bad")
	assert.ErrorIs(t, err, objstore.ErrCorrupt)
}

func TestUnframe(t *testing.T) {
	kind, body, err := unframe(frame(kindCommit, []byte("abc")))
	require.NoError(t, err)
	assert.Equal(t, kindCommit, kind)
	assert.Equal(t, "abc", string(body))

	for _, bad := range []string{"blob 3", "blob3\x00abc", "blob x\x00abc", "blob 4\x00abc"} {
		_, _, err := unframe([]byte(bad))
		assert.Error(t, err, "%q", bad)
	}
}

func TestCommitEncoding(t *testing.T) {
	s := openTestStore(t)
	blob, err := s.WriteBlob([]byte("x"))
	require.NoError(t, err)
	tree, err := s.WriteTree(objstore.TreeEntry{Name: "event.json", ID: blob})
	require.NoError(t, err)

	c := objstore.Commit{
		Tree:    tree,
		Author:  objstore.Signature{Name: "Bob Smith", Email: "bob@example.com", When: time.Unix(1700000000, 0).UTC()},
		Message: "StatusChanged: todo → done\n\nmulti-line",
	}
	body, err := encodeCommit(c)
	require.NoError(t, err)
	got, err := decodeCommit(body)
	require.NoError(t, err)
	assert.Equal(t, c.Tree, got.Tree)
	assert.Empty(t, got.Parents)
	assert.Equal(t, c.Author, got.Author)
	assert.Equal(t, c.Message, got.Message)
}
